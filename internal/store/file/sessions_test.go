package file

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nextlevelbuilder/larkcode/internal/sessions"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "sessions.json")
	s, err := NewSnapshotStore(path)
	if err != nil {
		t.Fatal(err)
	}

	snap := sessions.Snapshot{
		Sessions: []sessions.State{
			{KeyStr: "lark:chat:oc_1", AgentID: "opencode", AgentSessionID: "ses_1",
				Status: "active", CreatedAt: time.Now().UTC().Truncate(time.Second)},
		},
		Groups: []sessions.GroupInfo{{ChatID: "oc_1", Name: "Dev"}},
	}
	if err := s.Save(snap); err != nil {
		t.Fatal(err)
	}

	got, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Sessions) != 1 || got.Sessions[0].KeyStr != "lark:chat:oc_1" {
		t.Fatalf("sessions = %+v", got.Sessions)
	}
	if len(got.Groups) != 1 || got.Groups[0].Name != "Dev" {
		t.Fatalf("groups = %+v", got.Groups)
	}
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	s, err := NewSnapshotStore(filepath.Join(t.TempDir(), "none.json"))
	if err != nil {
		t.Fatal(err)
	}
	snap, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Sessions) != 0 || len(snap.Groups) != 0 {
		t.Fatalf("snap = %+v", snap)
	}
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := NewSnapshotStore(filepath.Join(dir, "sessions.json"))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Save(sessions.Snapshot{}); err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "sessions.json" {
		t.Fatalf("dir entries = %v", entries)
	}
}
