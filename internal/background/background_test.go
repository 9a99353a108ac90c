package background

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTrigger_DeduplicatesRunningWork(t *testing.T) {
	tr := New(Always, nil)
	defer tr.Stop()

	release := make(chan struct{})
	var runs int32
	work := func(ctx context.Context) {
		atomic.AddInt32(&runs, 1)
		<-release
	}

	if !tr.RequestSoon("sync", work) {
		t.Fatal("first RequestSoon() = false")
	}
	waitFor(t, func() bool { return tr.Running("sync") })
	if tr.RequestSoon("sync", work) {
		t.Error("RequestSoon() while running = true, want false")
	}
	close(release)
	waitFor(t, func() bool { return !tr.Running("sync") })

	if got := atomic.LoadInt32(&runs); got != 1 {
		t.Errorf("runs = %d, want 1", got)
	}
	if !tr.RequestSoon("sync", func(context.Context) {}) {
		t.Error("RequestSoon() after completion = false, want true")
	}
}

func TestTrigger_DefersUntilAllowed(t *testing.T) {
	var allowed atomic.Bool
	tr := New(ConstraintFunc(func(context.Context) (bool, string) {
		return allowed.Load(), "offline"
	}), nil)
	defer tr.Stop()

	var ran atomic.Bool
	if !tr.RequestSoon("sync", func(context.Context) { ran.Store(true) }) {
		t.Fatal("RequestSoon() = false")
	}
	if tr.RequestSoon("sync", func(context.Context) {}) {
		t.Error("duplicate deferred RequestSoon() = true, want false")
	}
	if got := tr.Deferred(); len(got) != 1 || got[0] != "sync" {
		t.Errorf("Deferred() = %v, want [sync]", got)
	}
	if n := tr.Retry(); n != 0 {
		t.Errorf("Retry() while offline = %d, want 0", n)
	}

	allowed.Store(true)
	if n := tr.Retry(); n != 1 {
		t.Errorf("Retry() = %d, want 1", n)
	}
	waitFor(t, ran.Load)
	if len(tr.Deferred()) != 0 {
		t.Errorf("Deferred() = %v, want empty", tr.Deferred())
	}
}

func TestTrigger_RepeatRequestStartsDeferredWork(t *testing.T) {
	var allowed atomic.Bool
	tr := New(ConstraintFunc(func(context.Context) (bool, string) {
		return allowed.Load(), "offline"
	}), nil)
	defer tr.Stop()

	var ran atomic.Bool
	tr.RequestSoon("sync", func(context.Context) { ran.Store(true) })
	allowed.Store(true)
	if tr.RequestSoon("sync", func(context.Context) {}) {
		t.Error("repeat RequestSoon() = true, want false")
	}
	waitFor(t, ran.Load)
}

func TestTrigger_RecoversPanics(t *testing.T) {
	tr := New(Always, nil)
	tr.RequestSoon("boom", func(context.Context) { panic("boom") })
	waitFor(t, func() bool { return !tr.Running("boom") })
	tr.Stop()
	if tr.RequestSoon("later", func(context.Context) {}) {
		t.Error("RequestSoon() after Stop = true, want false")
	}
}

func TestSystemConstraints_Battery(t *testing.T) {
	tests := []struct {
		name     string
		status   string
		capacity string
		want     bool
	}{
		{"discharging low", "Discharging", "3", true},
		{"charging low", "Charging", "3", false},
		{"discharging ok", "Discharging", "40", false},
		{"unreadable capacity", "Discharging", "n/a", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			bat := filepath.Join(dir, "BAT0")
			if err := os.MkdirAll(bat, 0o755); err != nil {
				t.Fatal(err)
			}
			_ = os.WriteFile(filepath.Join(bat, "status"), []byte(tt.status+"\n"), 0o644)
			_ = os.WriteFile(filepath.Join(bat, "capacity"), []byte(tt.capacity+"\n"), 0o644)

			c := SystemConstraints{PowerSupplyDir: dir, CriticalPercent: 5}
			if got := c.batteryCritical(); got != tt.want {
				t.Errorf("batteryCritical() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSystemConstraints_NoBattery(t *testing.T) {
	c := SystemConstraints{PowerSupplyDir: t.TempDir(), CriticalPercent: 5}
	if c.batteryCritical() {
		t.Error("batteryCritical() without battery = true")
	}
}
