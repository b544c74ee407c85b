package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/chaz8081/gr-remote/internal/ble"
	"github.com/chaz8081/gr-remote/internal/camera"
)

func TestParseOnOff(t *testing.T) {
	tests := []struct {
		input   string
		want    bool
		wantErr bool
	}{
		{"on", true, false},
		{"ON", true, false},
		{"true", true, false},
		{"1", true, false},
		{"off", false, false},
		{"false", false, false},
		{"0", false, false},
		{"maybe", false, true},
		{"", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := parseOnOff(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseOnOff(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("parseOnOff(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if cfg.Device.NamePattern != "GR_" {
		t.Errorf("Device.NamePattern = %q, want %q", cfg.Device.NamePattern, "GR_")
	}
}

func TestLoadConfigMissingExplicitPath(t *testing.T) {
	if _, err := loadConfig("/nonexistent/config.yaml"); err == nil {
		t.Error("loadConfig() should fail for a missing explicit path")
	}
}

func TestSessionLost(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"cancelled", fmt.Errorf("camera: watch battery: %w", ble.ErrCancelled), true},
		{"not connected", fmt.Errorf("camera: watch battery: %w", ble.ErrNotConnected), true},
		{"unsupported", camera.ErrUnsupported, false},
		{"other", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sessionLost(tt.err); got != tt.want {
				t.Errorf("sessionLost(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
