package streamer

import (
	"fmt"
	"strings"
	"time"

	"github.com/nextlevelbuilder/larkcode/internal/agent"
	"github.com/nextlevelbuilder/larkcode/internal/cards"
	"github.com/nextlevelbuilder/larkcode/internal/parts"
)

// durationFloor hides sub-perceptual tool durations.
const durationFloor = 100 * time.Millisecond

// renderCards converts the part buffer into one or more cards. Runs of
// same-type parts fuse into one block; blocks that push a card past the
// byte budget spill into continuation cards titled "<title> (续N)".
func (s *Streamer) renderCards(ps []parts.OrderedPart, appended []string, template, note string) []*cards.Card {
	var blocks []cards.Element
	for i := 0; i < len(ps); {
		j := i
		for j < len(ps) && ps[j].Type == ps[i].Type {
			j++
		}
		run := ps[i:j]
		switch ps[i].Type {
		case agent.PartText:
			blocks = append(blocks, s.textBlock(run))
		case agent.PartReasoning:
			blocks = append(blocks, s.reasoningBlock(run))
		case agent.PartToolCall:
			blocks = append(blocks, s.toolBlock(run))
		}
		i = j
	}
	for _, text := range appended {
		blocks = append(blocks, cards.Markdown(text))
	}
	if note != "" {
		blocks = append(blocks, cards.Note(note))
	}
	if len(blocks) == 0 {
		blocks = append(blocks, cards.Markdown("⏳ 处理中…"))
	}

	var out []*cards.Card
	card := cards.New(s.opts.Title, template)
	for _, block := range blocks {
		card.Add(block)
		if card.Size() > s.opts.CardBudget && len(card.Elements) > 1 {
			// Move the overflowing block onto a fresh continuation card.
			card.Elements = card.Elements[:len(card.Elements)-1]
			out = append(out, card)
			card = cards.New(fmt.Sprintf("%s (续%d)", s.opts.Title, len(out)), template)
			card.Add(block)
		}
	}
	out = append(out, card)
	return out
}

func (s *Streamer) textBlock(run []parts.OrderedPart) cards.Element {
	texts := make([]string, 0, len(run))
	for _, p := range run {
		if p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return cards.Markdown(truncateBytes(strings.Join(texts, "\n\n"), s.opts.MarkdownCap))
}

func (s *Streamer) reasoningBlock(run []parts.OrderedPart) cards.Element {
	texts := make([]string, 0, len(run))
	for _, p := range run {
		if p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	body := truncateBytes(strings.Join(texts, "\n\n"), s.opts.ReasoningCap)
	return cards.CollapsiblePanel("💭 思考过程", false, cards.Markdown(body))
}

func (s *Streamer) toolBlock(run []parts.OrderedPart) cards.Element {
	children := make([]cards.Element, 0, len(run))
	running := 0
	for _, p := range run {
		if p.Tool == nil {
			continue
		}
		if p.Tool.Status == agent.PartStateRunning || p.Tool.Status == agent.PartStatePending {
			running++
		}
		children = append(children, s.toolElement(p.Tool)...)
	}
	title := fmt.Sprintf("🛠 工具调用 (%d)", len(run))
	// Keep the panel open while anything is still running.
	return cards.CollapsiblePanel(title, running > 0, children...)
}

func (s *Streamer) toolElement(tc *parts.ToolCall) []cards.Element {
	var b strings.Builder
	fmt.Fprintf(&b, "%s **%s**", statusIcon(tc.Status), tc.Name)
	if d := toolDuration(tc); d >= durationFloor {
		fmt.Fprintf(&b, " · %s", d.Round(time.Millisecond))
	}
	if tc.Error != "" {
		fmt.Fprintf(&b, "\n```\n%s\n```", truncateBytes(tc.Error, s.opts.ToolOutputCap))
	} else if tc.Output != "" {
		fmt.Fprintf(&b, "\n```\n%s\n```", truncateBytes(tc.Output, s.opts.ToolOutputCap))
	}
	elems := []cards.Element{cards.Markdown(b.String())}
	if tc.Subtask != nil {
		elems = append(elems, s.subtaskElement(tc))
	}
	return elems
}

func (s *Streamer) subtaskElement(tc *parts.ToolCall) cards.Element {
	sub := tc.Subtask
	var b strings.Builder
	if sub.Description != "" {
		fmt.Fprintf(&b, "**%s**\n", sub.Description)
	}
	switch {
	case tc.Status == agent.PartStateCompleted:
		if sub.Conclusion != "" {
			fmt.Fprintf(&b, "%s\n", sub.Conclusion)
		}
		if sum := sub.Summary; sum != nil {
			fmt.Fprintf(&b, "📁 %d 个文件 · +%d −%d\n", sum.Files, sum.Additions, sum.Deletions)
		}
	default:
		fmt.Fprintf(&b, "已完成 %d 个工具调用", sub.ToolCount)
		if sub.CurrentTool != "" {
			fmt.Fprintf(&b, " · 正在运行 %s", sub.CurrentTool)
		}
		b.WriteString("\n")
		if sub.StreamingText != "" {
			fmt.Fprintf(&b, "> %s\n", sub.StreamingText)
		}
	}
	return cards.Markdown(strings.TrimRight(b.String(), "\n"))
}

func statusIcon(status string) string {
	switch status {
	case agent.PartStateCompleted:
		return "✅"
	case agent.PartStateError:
		return "❌"
	case agent.PartStateRunning:
		return "🔄"
	default:
		return "⏳"
	}
}

func toolDuration(tc *parts.ToolCall) time.Duration {
	if tc.TimeStart == 0 || tc.TimeEnd <= tc.TimeStart {
		return 0
	}
	return time.Duration(tc.TimeEnd-tc.TimeStart) * time.Millisecond
}

// truncateBytes caps s at limit bytes of rendered output, cutting on a
// rune boundary and appending a visible marker. Deterministic across
// reruns for the same input.
func truncateBytes(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "\n… (已截断)"
}

func utf8RuneStart(b byte) bool { return b&0xC0 != 0x80 }
