package parts

import (
	"testing"

	"github.com/nextlevelbuilder/larkcode/internal/agent"
)

func textPart(id, text string) agent.Part {
	return agent.Part{ID: id, Type: agent.PartText, Text: text}
}

func toolPart(id, name, status string) agent.Part {
	return agent.Part{ID: id, Type: agent.PartToolCall, Tool: name, State: &agent.ToolState{Status: status}}
}

func TestAppendOrReplaceByID(t *testing.T) {
	f := NewFolder(false)

	f.Apply(textPart("t1", "hello"))
	f.Apply(toolPart("c1", "bash", agent.PartStateRunning))
	f.Apply(textPart("t1", "hello world"))
	f.Apply(textPart("t2", "more"))
	f.Apply(toolPart("c1", "bash", agent.PartStateCompleted))

	parts := f.Parts()
	if len(parts) != 3 {
		t.Fatalf("len = %d, want 3", len(parts))
	}
	if parts[0].Text != "hello world" {
		t.Errorf("t1 not replaced in place: %q", parts[0].Text)
	}
	if parts[1].Tool.Status != agent.PartStateCompleted {
		t.Errorf("c1 status = %q, want completed", parts[1].Tool.Status)
	}
	if parts[2].ID != "t2" {
		t.Errorf("arrival order broken: %q", parts[2].ID)
	}
}

func TestFirstTextSkip(t *testing.T) {
	f := NewFolder(true)

	if f.Apply(textPart("echo", "the user prompt")) {
		t.Fatal("first text part must be dropped")
	}
	// Later updates to the echoed part stay dropped.
	if f.Apply(textPart("echo", "the user prompt, longer")) {
		t.Fatal("updates of the echoed part must be dropped")
	}
	if !f.Apply(textPart("t1", "real answer")) {
		t.Fatal("second text part must fold")
	}
	parts := f.Parts()
	if len(parts) != 1 || parts[0].ID != "t1" {
		t.Fatalf("parts = %+v, want only t1", parts)
	}
}

func TestReasoningFolds(t *testing.T) {
	f := NewFolder(true)
	if !f.Apply(agent.Part{ID: "r1", Type: agent.PartReasoning, Text: "thinking"}) {
		t.Fatal("reasoning must fold even before any text")
	}
	if f.Len() != 1 {
		t.Fatalf("len = %d, want 1", f.Len())
	}
}

func TestToolReplaceKeepsSubtask(t *testing.T) {
	f := NewFolder(false)
	f.Apply(toolPart("d1", "delegate_task", agent.PartStateRunning))
	partID := f.AttachSubtask("child", &Subtask{Description: "refactor"})
	if partID != "d1" {
		t.Fatalf("attach target = %q, want d1", partID)
	}

	f.Apply(toolPart("d1", "delegate_task", agent.PartStateRunning))
	if _, sub := f.subtaskOf("d1"); sub == nil || sub.Description != "refactor" {
		t.Fatal("replacing the tool part must keep the attributed subtask")
	}
}

func TestAttachSubtaskSyntheticPlaceholder(t *testing.T) {
	f := NewFolder(false)
	f.Apply(toolPart("c1", "bash", agent.PartStateRunning)) // not a delegation

	partID := f.AttachSubtask("child-9", &Subtask{})
	if partID != "child-9" {
		t.Fatalf("partID = %q, want synthetic child-9", partID)
	}
	parts := f.Parts()
	last := parts[len(parts)-1]
	if last.Tool == nil || last.Tool.Name != "delegate_task" || last.Tool.Status != agent.PartStateRunning {
		t.Fatalf("placeholder = %+v", last.Tool)
	}
}

func TestBackgroundDelegationStaysPending(t *testing.T) {
	f := NewFolder(false)
	running := toolPart("d1", "delegate_task", agent.PartStateRunning)
	running.State.Input = map[string]interface{}{"run_in_background": true}
	f.Apply(running)
	f.AttachSubtask("child", &Subtask{})

	done := toolPart("d1", "delegate_task", agent.PartStateCompleted)
	done.State.Input = map[string]interface{}{"run_in_background": true}
	f.Apply(done)

	tool, _ := f.subtaskOf("d1")
	if tool.Status != agent.PartStatePending {
		t.Fatalf("status = %q, want pending until child events arrive", tool.Status)
	}
}

func TestBackgroundDemotionBeforeChildBinds(t *testing.T) {
	f := NewFolder(false)

	// Completed-status part lands before the child's session.created
	// has bound a subtask.
	done := toolPart("d1", "delegate_task", agent.PartStateCompleted)
	done.State.Input = map[string]interface{}{"run_in_background": true}
	f.Apply(done)

	tool, _ := f.subtaskOf("d1")
	if tool.Status != agent.PartStatePending {
		t.Fatalf("status = %q, want pending before any child binds", tool.Status)
	}

	// The pending part is the bind target once the child appears.
	if partID := f.AttachSubtask("child", &Subtask{}); partID != "d1" {
		t.Fatalf("attach target = %q, want the demoted part", partID)
	}

	// Child activity unblocks completion on the next replace.
	_, sub := f.subtaskOf("d1")
	sub.sawChildEvent = true
	f.Apply(done)
	tool, _ = f.subtaskOf("d1")
	if tool.Status != agent.PartStateCompleted {
		t.Fatalf("status = %q, want completed after child events", tool.Status)
	}
}

func TestBackgroundShellToolNotDemoted(t *testing.T) {
	f := NewFolder(false)
	done := toolPart("c1", "bash", agent.PartStateCompleted)
	done.State.Input = map[string]interface{}{"run_in_background": true}
	f.Apply(done)

	parts := f.Parts()
	if parts[0].Tool.Status != agent.PartStateCompleted {
		t.Fatalf("status = %q, only delegations demote", parts[0].Tool.Status)
	}
}

func TestPartsDeepCopy(t *testing.T) {
	f := NewFolder(false)
	f.Apply(toolPart("d1", "delegate_task", agent.PartStateRunning))
	f.AttachSubtask("child", &Subtask{ToolCount: 1})

	snap := f.Parts()
	_, sub := f.subtaskOf("d1")
	sub.ToolCount = 99

	if snap[0].Tool.Subtask.ToolCount != 1 {
		t.Fatal("Parts() must not alias the folder's subtask state")
	}
}
