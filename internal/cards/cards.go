// Package cards builds the interactive card JSON sent to Lark. The
// schema (card 2.0) is emitted verbatim: a header with a template
// color and an ordered list of body elements.
package cards

import (
	"encoding/json"
	"fmt"
)

// Header template colors. Every card the gateway emits uses one of
// these.
const (
	TemplateSuccess    = "turquoise"
	TemplateError      = "carmine"
	TemplateProcessing = "violet"
	TemplateInfo       = "indigo"
	TemplateWarning    = "orange"
	TemplateWelcome    = "violet"
	TemplateQuestion   = "orange"
)

// Element is one body element. Builders below produce the exact tag
// shapes Lark expects.
type Element map[string]interface{}

// Card is a renderable interactive card.
type Card struct {
	Title    string
	Template string
	Elements []Element
}

// New creates a card with the given header.
func New(title, template string) *Card {
	return &Card{Title: title, Template: template}
}

// Add appends body elements in order.
func (c *Card) Add(elems ...Element) *Card {
	c.Elements = append(c.Elements, elems...)
	return c
}

// Build assembles the card 2.0 payload.
func (c *Card) Build() map[string]interface{} {
	elements := c.Elements
	if elements == nil {
		elements = []Element{}
	}
	return map[string]interface{}{
		"schema": "2.0",
		"config": map[string]interface{}{
			"wide_screen_mode": true,
		},
		"header": map[string]interface{}{
			"title": map[string]interface{}{
				"tag":     "plain_text",
				"content": c.Title,
			},
			"template": c.Template,
		},
		"body": map[string]interface{}{
			"elements": elements,
		},
	}
}

// JSON serializes the card.
func (c *Card) JSON() (string, error) {
	data, err := json.Marshal(c.Build())
	if err != nil {
		return "", fmt.Errorf("marshal card: %w", err)
	}
	return string(data), nil
}

// Size returns the serialized byte size, used against the per-card
// budget.
func (c *Card) Size() int {
	data, err := json.Marshal(c.Build())
	if err != nil {
		return 0
	}
	return len(data)
}

// Markdown is a markdown text block.
func Markdown(content string) Element {
	return Element{"tag": "markdown", "content": content}
}

// Divider is a horizontal rule.
func Divider() Element {
	return Element{"tag": "hr"}
}

// Note is a muted footnote line.
func Note(text string) Element {
	return Element{
		"tag": "note",
		"elements": []Element{
			{"tag": "plain_text", "content": text},
		},
	}
}

// CollapsiblePanel wraps children behind an expandable header.
func CollapsiblePanel(title string, expanded bool, children ...Element) Element {
	if children == nil {
		children = []Element{}
	}
	return Element{
		"tag":      "collapsible_panel",
		"expanded": expanded,
		"header": map[string]interface{}{
			"title": map[string]interface{}{
				"tag":     "markdown",
				"content": title,
			},
		},
		"elements": children,
	}
}

// Form groups interactive elements under a named form; its values come
// back in the card action's form_value.
func Form(name string, elements ...Element) Element {
	if elements == nil {
		elements = []Element{}
	}
	return Element{
		"tag":      "form",
		"name":     name,
		"elements": elements,
	}
}

// SelectStatic is a single-choice dropdown.
func SelectStatic(name, placeholder string, options []string) Element {
	return Element{
		"tag":         "select_static",
		"name":        name,
		"placeholder": map[string]interface{}{"tag": "plain_text", "content": placeholder},
		"options":     selectOptions(options),
	}
}

// MultiSelectStatic is a multi-choice dropdown.
func MultiSelectStatic(name, placeholder string, options []string) Element {
	return Element{
		"tag":         "multi_select_static",
		"name":        name,
		"placeholder": map[string]interface{}{"tag": "plain_text", "content": placeholder},
		"options":     selectOptions(options),
	}
}

// SubmitButton submits the enclosing form. value rides back on the
// card action so the handler can identify the request.
func SubmitButton(text string, value map[string]string) Element {
	btn := Element{
		"tag":         "button",
		"text":        map[string]interface{}{"tag": "plain_text", "content": text},
		"type":        "primary",
		"action_type": "form_submit",
		"name":        "submit",
	}
	if len(value) > 0 {
		btn["value"] = value
	}
	return btn
}

// Option values are the option's index; the handler maps indices back
// to labels on submit.
func selectOptions(labels []string) []Element {
	opts := make([]Element, len(labels))
	for i, label := range labels {
		opts[i] = Element{
			"text":  map[string]interface{}{"tag": "plain_text", "content": label},
			"value": fmt.Sprintf("%d", i),
		}
	}
	return opts
}
