package cards

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestCardEnvelope(t *testing.T) {
	c := New("Processing", TemplateProcessing).Add(Markdown("working…"))
	raw, err := c.JSON()
	if err != nil {
		t.Fatal(err)
	}

	var got map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &got); err != nil {
		t.Fatal(err)
	}
	if got["schema"] != "2.0" {
		t.Errorf("schema = %v", got["schema"])
	}
	header := got["header"].(map[string]interface{})
	if header["template"] != "violet" {
		t.Errorf("template = %v, want violet", header["template"])
	}
	title := header["title"].(map[string]interface{})
	if title["tag"] != "plain_text" || title["content"] != "Processing" {
		t.Errorf("title = %v", title)
	}
	body := got["body"].(map[string]interface{})
	if len(body["elements"].([]interface{})) != 1 {
		t.Errorf("elements = %v", body["elements"])
	}
}

func TestTemplateColors(t *testing.T) {
	tests := []struct {
		template string
		want     string
	}{
		{TemplateSuccess, "turquoise"},
		{TemplateError, "carmine"},
		{TemplateProcessing, "violet"},
		{TemplateInfo, "indigo"},
		{TemplateWarning, "orange"},
		{TemplateWelcome, "violet"},
		{TemplateQuestion, "orange"},
	}
	for _, tt := range tests {
		if tt.template != tt.want {
			t.Errorf("template = %q, want %q", tt.template, tt.want)
		}
	}
}

func TestCollapsiblePanel(t *testing.T) {
	p := CollapsiblePanel("🛠 bash", false, Markdown("ls -la"))
	if p["tag"] != "collapsible_panel" || p["expanded"] != false {
		t.Fatalf("panel = %v", p)
	}
	if len(p["elements"].([]Element)) != 1 {
		t.Fatalf("children = %v", p["elements"])
	}
}

func TestFormWithSelects(t *testing.T) {
	f := Form("q_form",
		SelectStatic("q0", "Pick one", []string{"yes", "no"}),
		MultiSelectStatic("q1", "Pick many", []string{"a", "b", "c"}),
		SubmitButton("Submit", map[string]string{"requestId": "req-1"}),
	)
	elems := f["elements"].([]Element)
	if len(elems) != 3 {
		t.Fatalf("form elements = %d", len(elems))
	}
	opts := elems[0]["options"].([]Element)
	if opts[1]["value"] != "1" {
		t.Errorf("option value = %v, want index string", opts[1]["value"])
	}
	if elems[2]["action_type"] != "form_submit" {
		t.Errorf("button = %v", elems[2])
	}
}

func TestSizeTracksSerializedBytes(t *testing.T) {
	small := New("t", TemplateInfo)
	big := New("t", TemplateInfo).Add(Markdown(strings.Repeat("x", 4096)))
	if small.Size() <= 0 || big.Size() <= small.Size() {
		t.Fatalf("sizes: small=%d big=%d", small.Size(), big.Size())
	}
}

func TestEmptyCardHasElementsArray(t *testing.T) {
	raw, err := New("t", TemplateInfo).JSON()
	if err != nil {
		t.Fatal(err)
	}
	var got struct {
		Body struct {
			Elements []interface{} `json:"elements"`
		} `json:"body"`
	}
	if err := json.Unmarshal([]byte(raw), &got); err != nil {
		t.Fatal(err)
	}
	if got.Body.Elements == nil {
		t.Fatal("elements must serialize as [], not null")
	}
}
