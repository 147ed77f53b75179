package parts

import (
	"strings"
	"testing"

	"github.com/nextlevelbuilder/larkcode/internal/agent"
)

// Scenario: the agent delegates, the child runs three tools (one still
// running), then goes idle with a summary.
func TestDelegationLifecycle(t *testing.T) {
	f := NewFolder(true)
	tr := NewTracker(f)

	running := agent.Part{
		ID: "d1", Type: agent.PartToolCall, Tool: "delegate_task",
		State: &agent.ToolState{
			Status: agent.PartStateRunning,
			Input:  map[string]interface{}{"description": "fix tests", "prompt": "run and fix"},
		},
	}
	tr.Observe(running)
	f.Apply(running)

	partID := tr.BindChild("child-1", agent.SessionInfo{ID: "child-1", Title: "ignored"})
	if partID != "d1" {
		t.Fatalf("bound part = %q, want d1", partID)
	}
	if !tr.IsChild("child-1") {
		t.Fatal("child must be bound")
	}

	// Child runs tools: two complete, one still running.
	tr.ApplyChildPart("child-1", toolPart("c1", "read", agent.PartStateRunning))
	tr.ApplyChildPart("child-1", toolPart("c1", "read", agent.PartStateCompleted))
	tr.ApplyChildPart("child-1", toolPart("c2", "edit", agent.PartStateRunning))
	tr.ApplyChildPart("child-1", toolPart("c2", "edit", agent.PartStateCompleted))
	tr.ApplyChildPart("child-1", toolPart("c3", "bash", agent.PartStateRunning))

	_, sub := f.subtaskOf("d1")
	if sub.ToolCount != 2 {
		t.Errorf("toolCount = %d, want 2", sub.ToolCount)
	}
	if sub.CurrentTool != "bash" {
		t.Errorf("currentTool = %q, want bash", sub.CurrentTool)
	}
	if sub.Description != "fix tests" || sub.Prompt != "run and fix" {
		t.Errorf("input not lifted into subtask: %+v", sub)
	}
	if f.Len() != 1 {
		t.Fatalf("child events appended top-level parts: len = %d", f.Len())
	}

	// Child idle: summary lands, parent completes.
	tr.CompleteChild("child-1", &agent.SessionDetail{
		ID: "child-1", Title: "Fixed the tests",
		Summary: &agent.SessionSummary{Files: 3, Additions: 40, Deletions: 12},
	})
	tool, sub := f.subtaskOf("d1")
	if tool.Status != agent.PartStateCompleted {
		t.Errorf("parent status = %q, want completed", tool.Status)
	}
	if sub.Conclusion != "Fixed the tests" || sub.Summary == nil || sub.Summary.Files != 3 {
		t.Errorf("summary not recorded: %+v", sub)
	}
	if sub.CurrentTool != "" || sub.StreamingText != "" {
		t.Errorf("live fields must clear on completion: %+v", sub)
	}
}

func TestChildTextStreamingTruncated(t *testing.T) {
	f := NewFolder(false)
	tr := NewTracker(f)
	run := toolPart("d1", "task", agent.PartStateRunning)
	tr.Observe(run)
	f.Apply(run)
	tr.BindChild("child-1", agent.SessionInfo{ID: "child-1"})

	long := strings.Repeat("很", 600)
	tr.ApplyChildPart("child-1", textPart("t1", long))

	_, sub := f.subtaskOf("d1")
	got := []rune(sub.StreamingText)
	if len(got) != 501 || got[500] != '…' {
		t.Fatalf("streamingText runes = %d, want 500 + ellipsis", len(got))
	}
}

func TestBindChildWithoutReservation(t *testing.T) {
	f := NewFolder(false)
	tr := NewTracker(f)

	partID := tr.BindChild("child-1", agent.SessionInfo{ID: "child-1", Title: "orphan"})
	if partID != "child-1" {
		t.Fatalf("partID = %q, want synthetic child-1", partID)
	}
	if f.Len() != 1 {
		t.Fatalf("placeholder not appended: len = %d", f.Len())
	}
}

func TestUnknownChildIgnored(t *testing.T) {
	f := NewFolder(false)
	tr := NewTracker(f)
	if tr.ApplyChildPart("ghost", textPart("t1", "x")) {
		t.Fatal("unbound child must be ignored")
	}
	if tr.CompleteChild("ghost", nil) {
		t.Fatal("unbound child completion must be ignored")
	}
}

func TestChildEventsUnblockBackgroundCompletion(t *testing.T) {
	f := NewFolder(false)
	tr := NewTracker(f)

	run := toolPart("d1", "delegate_task", agent.PartStateRunning)
	run.State.Input = map[string]interface{}{"run_in_background": true}
	tr.Observe(run)
	f.Apply(run)
	tr.BindChild("child-1", agent.SessionInfo{ID: "child-1"})
	tr.ApplyChildPart("child-1", toolPart("c1", "read", agent.PartStateCompleted))

	done := toolPart("d1", "delegate_task", agent.PartStateCompleted)
	done.State.Input = map[string]interface{}{"run_in_background": true}
	f.Apply(done)

	tool, _ := f.subtaskOf("d1")
	if tool.Status != agent.PartStateCompleted {
		t.Fatalf("status = %q, want completed once child reported", tool.Status)
	}
}
