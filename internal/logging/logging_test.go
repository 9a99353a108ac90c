package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLogger_WritesToFileWithPrefix(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "readsync.log")
	l, err := New(Options{File: path, MaxSizeMB: 1, MaxBackups: 1})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	l.Logger("dispatch").Printf("Pushed %d items", 3)
	l.Logger("listener").Printf("Subscribed to %s", "positions")
	if err := l.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log: %v", err)
	}
	out := string(data)
	for _, want := range []string{"[dispatch] ", "Pushed 3 items", "[listener] ", "Subscribed to positions"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q:\n%s", want, out)
		}
	}
}

func TestLogger_Cached(t *testing.T) {
	l, err := New(Options{})
	if err != nil {
		t.Fatal(err)
	}
	if l.Logger("session") != l.Logger("session") {
		t.Error("Logger() returned a different logger for the same component")
	}
	if l.Logger("session") == l.Logger("reconcile") {
		t.Error("Logger() shared a logger between components")
	}
}

func TestDebug(t *testing.T) {
	tests := []struct {
		name    string
		verbose bool
		want    bool
	}{
		{"quiet", false, false},
		{"verbose", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "debug.log")
			l, err := New(Options{File: path, Verbose: tt.verbose})
			if err != nil {
				t.Fatal(err)
			}
			l.Debug("scheduler").Print("armed task")
			l.Logger("scheduler").Print("started")
			_ = l.Close()

			data, err := os.ReadFile(path)
			if err != nil {
				t.Fatal(err)
			}
			if got := strings.Contains(string(data), "armed task"); got != tt.want {
				t.Errorf("debug line written = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClose_Stderr(t *testing.T) {
	l, err := New(Options{})
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Rotate(); err != nil {
		t.Errorf("Rotate() without file = %v", err)
	}
	if err := l.Close(); err != nil {
		t.Errorf("Close() without file = %v", err)
	}
}
