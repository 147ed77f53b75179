package recall

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nextlevelbuilder/larkcode/internal/agent"
	"github.com/nextlevelbuilder/larkcode/internal/sessions"
	"github.com/nextlevelbuilder/larkcode/internal/store/sqlite"
)

type fakeDeleter struct {
	deleted []string
	fail    map[string]bool
}

func (f *fakeDeleter) DeleteMessage(_ context.Context, messageID string) error {
	if f.fail[messageID] {
		return context.DeadlineExceeded
	}
	f.deleted = append(f.deleted, messageID)
	return nil
}

func newHandler(t *testing.T) (*Handler, *sessions.Manager) {
	t.Helper()
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "recall.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	reg := agent.NewRegistry()
	mgr := sessions.NewManager(reg, sessions.Options{})
	return NewHandler(st, mgr, reg), mgr
}

func TestRecallDeletesAndAborts(t *testing.T) {
	h, mgr := newHandler(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	if err := h.RecordUserMessage(ctx, "om_user", "oc_1", base); err != nil {
		t.Fatal(err)
	}
	h.RecordBotMessage("om_user", "om_old", base.Add(-time.Minute)) // predates the prompt
	h.RecordBotMessage("om_user", "om_b1", base.Add(time.Second))
	h.RecordBotMessage("om_user", "om_b2", base.Add(2*time.Second))

	keyStr := sessions.NewChatKey("lark", "oc_1").String()
	taskCtx, _ := mgr.StartTask(keyStr, "om_user")

	d := &fakeDeleter{}
	res, err := h.HandleRecall(ctx, d, "lark", "om_user")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Aborted {
		t.Error("active task must be aborted")
	}
	select {
	case <-taskCtx.Done():
	default:
		t.Error("task context must be cancelled")
	}
	if res.BotMessagesDeleted != 2 || len(d.deleted) != 2 {
		t.Fatalf("deleted = %v (%d)", d.deleted, res.BotMessagesDeleted)
	}

	// The record is consumed: a second recall is a no-op.
	res, err = h.HandleRecall(ctx, d, "lark", "om_user")
	if err != nil || res.BotMessagesDeleted != 0 || res.Aborted {
		t.Fatalf("second recall = %+v err=%v", res, err)
	}
}

func TestRecallUnknownMessage(t *testing.T) {
	h, _ := newHandler(t)
	res, err := h.HandleRecall(context.Background(), &fakeDeleter{}, "lark", "om_ghost")
	if err != nil {
		t.Fatal(err)
	}
	if res.Aborted || res.BotMessagesDeleted != 0 {
		t.Fatalf("res = %+v", res)
	}
}

func TestRecallSkipsFailedDeletes(t *testing.T) {
	h, _ := newHandler(t)
	ctx := context.Background()
	base := time.Now()
	if err := h.RecordUserMessage(ctx, "om_user", "oc_1", base); err != nil {
		t.Fatal(err)
	}
	h.RecordBotMessage("om_user", "om_b1", base.Add(time.Second))
	h.RecordBotMessage("om_user", "om_b2", base.Add(2*time.Second))

	d := &fakeDeleter{fail: map[string]bool{"om_b1": true}}
	res, err := h.HandleRecall(ctx, d, "lark", "om_user")
	if err != nil {
		t.Fatal(err)
	}
	if res.BotMessagesDeleted != 1 {
		t.Fatalf("deleted = %d, want 1 (failed delete skipped)", res.BotMessagesDeleted)
	}
}
