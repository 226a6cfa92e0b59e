package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DesiredFPS != 30 {
		t.Errorf("DesiredFPS = %d, want 30", cfg.DesiredFPS)
	}
	if cfg.ImageRingCapacity != 4 {
		t.Errorf("ImageRingCapacity = %d, want 4", cfg.ImageRingCapacity)
	}
	if cfg.DisplayPath != "/dev/dri/card0" {
		t.Errorf("DisplayPath = %q, want /dev/dri/card0", cfg.DisplayPath)
	}
}

func TestLastAsBlankMode(t *testing.T) {
	cases := []struct {
		name string
		val  int64
		want LastAsBlankMode
	}{
		{"negative blanks immediately", -1, BlankImmediately},
		{"zero freezes forever", 0, FreezeForever},
		{"positive freezes then blanks", 5, FreezeThenBlank},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := Config{LastAsBlank: time.Duration(c.val) * time.Second}
			if got := cfg.Mode(); got != c.want {
				t.Errorf("Mode() = %v, want %v", got, c.want)
			}
		})
	}
}
