package logger

import "testing"

func TestNewModes(t *testing.T) {
	for _, mode := range []string{"dev", "prod", "production", ""} {
		log, err := New(mode)
		if err != nil {
			t.Fatalf("New(%q) failed: %v", mode, err)
		}
		child := log.With("component", "test")
		if child == nil || child.SugaredLogger == nil {
			t.Fatalf("With returned empty logger for mode %q", mode)
		}
		child.Debug("debug line", "k", 1)
	}
}

func TestNopDiscards(t *testing.T) {
	log := Nop()
	log.Info("ignored", "k", "v")
	log.With("a", 1).Error("ignored too")
}
