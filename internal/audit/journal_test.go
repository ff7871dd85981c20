package audit

import (
	"path/filepath"
	"testing"
	"time"
)

func openJournal(t *testing.T, maxEntries int) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "audit.db"), maxEntries)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestJournal_AppendAssignsSequentialIDs(t *testing.T) {
	j := openJournal(t, 0)

	for i := 0; i < 3; i++ {
		r := &Record{ReceivedAt: time.Now(), Command: "nice", PID: 100 + i}
		if err := j.Append(r); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		if r.ID != uint64(i+1) {
			t.Errorf("record %d got ID %d", i, r.ID)
		}
	}

	count, err := j.Count()
	if err != nil || count != 3 {
		t.Errorf("Count = %d, %v; want 3", count, err)
	}
}

func TestJournal_RecentNewestFirst(t *testing.T) {
	j := openJournal(t, 0)

	for _, name := range []string{"nice", "cpu_affinity", "ftrace"} {
		if err := j.Append(&Record{Command: name}); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	recent, err := j.Recent(2)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recent))
	}
	if recent[0].Command != "ftrace" || recent[1].Command != "cpu_affinity" {
		t.Errorf("unexpected order: %s, %s", recent[0].Command, recent[1].Command)
	}
}

func TestJournal_PrunesBeyondRetention(t *testing.T) {
	j := openJournal(t, 3)

	for i := 0; i < 10; i++ {
		if err := j.Append(&Record{Command: "nice", PID: i}); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	count, err := j.Count()
	if err != nil || count != 3 {
		t.Fatalf("Count = %d, %v; want 3", count, err)
	}

	recent, err := j.Recent(10)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	for i, want := range []int{9, 8, 7} {
		if recent[i].PID != want {
			t.Errorf("recent[%d].PID = %d, want %d", i, recent[i].PID, want)
		}
	}
}

func TestJournal_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")

	j, err := Open(path, 0)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := j.Append(&Record{Command: "shutdown", Status: 0}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	j, err = Open(path, 0)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer j.Close()

	recent, err := j.Recent(1)
	if err != nil || len(recent) != 1 || recent[0].Command != "shutdown" {
		t.Errorf("Recent after reopen = %+v, %v", recent, err)
	}

	// The sequence continues rather than restarting.
	r := &Record{Command: "nice"}
	if err := j.Append(r); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if r.ID != 2 {
		t.Errorf("ID after reopen = %d, want 2", r.ID)
	}
}
