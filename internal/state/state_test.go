package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWinnersPersistAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "acquisitions.toml")
	at := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

	if err := NewWinners(path).Put("client", Winner{Strategy: "build", Path: "/opt/x/client", AcquiredAt: at}); err != nil {
		t.Fatalf("put: %v", err)
	}

	reopened := NewWinners(path)
	win, ok, err := reopened.Get("client")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if win.Strategy != "build" || win.Path != "/opt/x/client" || !win.AcquiredAt.Equal(at) {
		t.Fatalf("unexpected winner: %+v", win)
	}

	if err := reopened.Clear("client"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, ok, _ := reopened.Get("client"); ok {
		t.Fatalf("winner must be cleared")
	}
}

func TestWinnersMissingFileIsEmpty(t *testing.T) {
	all, err := NewWinners(filepath.Join(t.TempDir(), "none.toml")).All()
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("expected empty map, got %+v", all)
	}
}

func TestWinnersCorruptFileErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "acquisitions.toml")
	if err := os.WriteFile(path, []byte("targets = ["), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, _, err := NewWinners(path).Get("client"); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestGateFileRoundTrip(t *testing.T) {
	gf := NewGateFile(filepath.Join(t.TempDir(), "gate.toml"))
	if _, ok, err := gf.Load(); err != nil || ok {
		t.Fatalf("expected no record yet: ok=%v err=%v", ok, err)
	}
	rec := GateRecord{State: "awaiting_credential", Reason: "credential missing", UpdatedAt: time.Now().UTC().Truncate(time.Second)}
	if err := gf.Save(rec); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, ok, err := gf.Load()
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if got.State != rec.State || got.Reason != rec.Reason || !got.UpdatedAt.Equal(rec.UpdatedAt) {
		t.Fatalf("unexpected record: %+v", got)
	}
}
