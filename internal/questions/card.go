package questions

import (
	"strings"

	"github.com/nextlevelbuilder/larkcode/internal/cards"
)

// BuildCard renders the question form: one select per question
// (multi-select when the question allows it) and a submit button. The
// requestId rides on the button so the action handler can match it.
func BuildCard(p Pending) *cards.Card {
	card := cards.New("❓ 需要你的确认", cards.TemplateQuestion)

	var formElems []cards.Element
	for i, q := range p.Questions {
		var b strings.Builder
		if q.Header != "" {
			b.WriteString("**" + q.Header + "**\n")
		}
		b.WriteString(q.Question)
		formElems = append(formElems, cards.Markdown(b.String()))

		if len(q.Options) > 0 {
			labels := optionLabels(q)
			if q.Multiple {
				formElems = append(formElems, cards.MultiSelectStatic(fieldName(i), "选择（可多选）", labels))
			} else {
				formElems = append(formElems, cards.SelectStatic(fieldName(i), "选择一项", labels))
			}
		}
	}
	formElems = append(formElems, cards.SubmitButton("提交", map[string]string{
		"requestId": p.RequestID,
		"chatId":    p.ChatID,
	}))

	card.Add(cards.Form("question_form", formElems...))
	card.Add(cards.Note("也可以直接回复一条消息作为回答"))
	return card
}

// AnsweredCard renders the terminal variant shown once an answer has
// been submitted.
func AnsweredCard(p Pending, answers [][]string) *cards.Card {
	card := cards.New("✅ 已回答", cards.TemplateSuccess)
	for i, q := range p.Questions {
		var b strings.Builder
		b.WriteString(q.Question + "\n")
		if i < len(answers) && len(answers[i]) > 0 {
			b.WriteString("> " + strings.Join(answers[i], ", "))
		} else {
			b.WriteString("> （未作答）")
		}
		card.Add(cards.Markdown(b.String()))
	}
	return card
}

// RejectedCard renders the terminal variant for a rejected question.
func RejectedCard(p Pending) *cards.Card {
	return cards.New("🚫 已拒绝", cards.TemplateWarning).
		Add(cards.Markdown("问题已被拒绝，任务继续。"))
}
