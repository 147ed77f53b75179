package questions

import (
	"strings"
	"testing"

	"github.com/nextlevelbuilder/larkcode/internal/agent"
	"github.com/nextlevelbuilder/larkcode/internal/cards"
)

func pendingFixture() Pending {
	return Pending{
		RequestID: "req-1",
		ChatID:    "oc_1",
		Questions: []agent.Question{
			{
				Question: "Deploy to prod?",
				Options:  []agent.QuestionOption{{Label: "yes"}, {Label: "no"}},
			},
			{
				Question: "Which services?",
				Options:  []agent.QuestionOption{{Label: "api"}, {Label: "worker"}, {Label: "web"}},
				Multiple: true,
			},
		},
	}
}

func TestOnePendingPerChat(t *testing.T) {
	s := NewStore()
	first := pendingFixture()
	if _, replaced := s.Set(first); replaced {
		t.Fatal("nothing to replace yet")
	}

	second := first
	second.RequestID = "req-2"
	old, replaced := s.Set(second)
	if !replaced || old.RequestID != "req-1" {
		t.Fatalf("replaced = %v, old = %+v", replaced, old)
	}

	got, ok := s.Get("oc_1")
	if !ok || got.RequestID != "req-2" {
		t.Fatalf("got = %+v", got)
	}
}

func TestClearWinsOnce(t *testing.T) {
	s := NewStore()
	s.Set(pendingFixture())

	if _, ok := s.Clear("oc_1"); !ok {
		t.Fatal("first clear must return the pending question")
	}
	if _, ok := s.Clear("oc_1"); ok {
		t.Fatal("second clear must find nothing")
	}
}

func TestClearByRequest(t *testing.T) {
	s := NewStore()
	s.Set(pendingFixture())

	if _, ok := s.ClearByRequest("req-other"); ok {
		t.Fatal("unknown request must not clear")
	}
	p, ok := s.ClearByRequest("req-1")
	if !ok || p.ChatID != "oc_1" {
		t.Fatalf("p = %+v ok = %v", p, ok)
	}
}

func TestMapFormValues(t *testing.T) {
	p := pendingFixture()
	answers, err := MapFormValues(p, map[string]interface{}{
		"q0": "1",
		"q1": []interface{}{"0", "2"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if answers[0][0] != "no" {
		t.Errorf("q0 = %v", answers[0])
	}
	if len(answers[1]) != 2 || answers[1][0] != "api" || answers[1][1] != "web" {
		t.Errorf("q1 = %v", answers[1])
	}
}

func TestMapFormValuesMissingSlot(t *testing.T) {
	p := pendingFixture()
	answers, err := MapFormValues(p, map[string]interface{}{"q0": "0"})
	if err != nil {
		t.Fatal(err)
	}
	if len(answers[1]) != 0 {
		t.Errorf("missing slot must map to empty: %v", answers[1])
	}
}

func TestMapFormValuesBadIndex(t *testing.T) {
	p := pendingFixture()
	for _, form := range []map[string]interface{}{
		{"q0": "9"},
		{"q0": "x"},
		{"q1": []interface{}{float64(1)}},
	} {
		if _, err := MapFormValues(p, form); err == nil {
			t.Errorf("form %v must be rejected", form)
		}
	}
}

func TestOptionLabelWinsOverValue(t *testing.T) {
	p := Pending{
		RequestID: "req-3",
		ChatID:    "oc_2",
		Questions: []agent.Question{{
			Question: "Which env?",
			Options: []agent.QuestionOption{
				{Label: "staging", Value: "env-1"},
				{Label: "production", Value: "env-2"},
			},
		}},
	}
	answers, err := MapFormValues(p, map[string]interface{}{"q0": "1"})
	if err != nil {
		t.Fatal(err)
	}
	if answers[0][0] != "production" {
		t.Fatalf("answer = %v, want the display label", answers[0])
	}

	raw, err := BuildCard(p).JSON()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(raw, "staging") || !strings.Contains(raw, "production") {
		t.Fatalf("card must list option labels: %s", raw)
	}
}

func TestTextAnswersFillAllSlots(t *testing.T) {
	answers := TextAnswers(pendingFixture(), "just do it")
	if len(answers) != 2 {
		t.Fatalf("slots = %d", len(answers))
	}
	for _, slot := range answers {
		if len(slot) != 1 || slot[0] != "just do it" {
			t.Fatalf("answers = %v", answers)
		}
	}
}

func TestBuildCard(t *testing.T) {
	card := BuildCard(pendingFixture())
	if card.Template != cards.TemplateQuestion {
		t.Fatalf("template = %q", card.Template)
	}
	raw, err := card.JSON()
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"select_static", "multi_select_static", "form_submit", "req-1"} {
		if !strings.Contains(raw, want) {
			t.Errorf("card missing %q", want)
		}
	}
}

func TestAnsweredCard(t *testing.T) {
	p := pendingFixture()
	card := AnsweredCard(p, [][]string{{"yes"}, {}})
	raw, _ := card.JSON()
	if !strings.Contains(raw, "turquoise") || !strings.Contains(raw, "yes") {
		t.Fatalf("answered card = %s", raw)
	}
	if !strings.Contains(raw, "未作答") {
		t.Fatal("empty slot must render as unanswered")
	}
}
