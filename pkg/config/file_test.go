package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cynexo/sniff0/pkg/utils/ptr"
)

func TestDefaults(t *testing.T) {
	f, err := NewFile(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}

	if f.Port() != "" {
		t.Errorf("expected the simulator by default, got %q", f.Port())
	}
	if f.BaudRate() != 9600 || f.Channels() != 13 || f.MotorAdjustmentSteps() != 10 {
		t.Errorf("unexpected defaults: %v", f.LogrusFields())
	}
	if f.CommandDelay() != 100*time.Millisecond || f.PollInterval() != 500*time.Millisecond || f.StepTimeout() != 30*time.Second {
		t.Errorf("unexpected timing defaults: %v", f.LogrusFields())
	}
	if f.AbortOnSendError() || f.AllowNonRootAccess() || f.CalibrationCron() != "" {
		t.Errorf("unexpected flag defaults: %v", f.LogrusFields())
	}
}

func TestEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sniff0.json")
	if err := os.WriteFile(path, []byte("  \n"), 0644); err != nil {
		t.Fatal(err)
	}

	f, err := NewFile(path)
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	if f.Channels() != 13 {
		t.Errorf("expected defaults for an empty file")
	}
}

func TestInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sniff0.json")
	if err := os.WriteFile(path, []byte("{"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := NewFile(path); err == nil {
		t.Fatal("expected an error for malformed JSON")
	}
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sniff0.json")

	f := NewFileFromConfig(nil, path)
	f.SetPort("/dev/ttyUSB0")
	f.SetControllerFlows(`[{"active":true,"flow":12}]`)
	f.SetMotorAdjustmentSteps(25)
	f.SetCalibrationCron("0 6 * * 1-5")
	f.SetAbortOnSendError(true)
	f.SetAllowNonRootAccess(true)

	if err := f.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := NewFile(path)
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"port", loaded.Port(), "/dev/ttyUSB0"},
		{"controllerFlows", loaded.ControllerFlows(), `[{"active":true,"flow":12}]`},
		{"motorAdjustmentSteps", loaded.MotorAdjustmentSteps(), 25},
		{"calibrationCron", loaded.CalibrationCron(), "0 6 * * 1-5"},
		{"abortOnSendError", loaded.AbortOnSendError(), true},
		{"allowNonRootAccess", loaded.AllowNonRootAccess(), true},
		{"baudRate", loaded.BaudRate(), 9600},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: got %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestChannelsClamped(t *testing.T) {
	for _, n := range []int{0, -3, 14, 100} {
		f := NewFileFromConfig(&RawFileConfig{Channels: ptr.To(n)}, "")
		if f.Channels() != 13 {
			t.Errorf("channels=%d: expected the default, got %d", n, f.Channels())
		}
	}

	f := NewFileFromConfig(&RawFileConfig{Channels: ptr.To(8)}, "")
	if f.Channels() != 8 {
		t.Errorf("expected 8 channels, got %d", f.Channels())
	}
}

func TestRawFileConfigRoundTrip(t *testing.T) {
	f := NewFileFromConfig(&RawFileConfig{StepTimeoutSeconds: ptr.To(5), CommandDelayMs: ptr.To(20)}, "")

	raw, err := NewRawFileConfigFromConfig(f)
	if err != nil {
		t.Fatal(err)
	}
	if *raw.StepTimeoutSeconds != 5 || *raw.CommandDelayMs != 20 || *raw.PollIntervalMs != 500 {
		t.Errorf("unexpected raw config %+v", raw)
	}

	if _, err := NewRawFileConfigFromConfig(nil); err == nil {
		t.Error("expected an error for a nil config")
	}
}
