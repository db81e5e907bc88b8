package core

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/dcrodman/rallycam/internal/input"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ConfigFileName)
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	tests := []struct {
		name      string
		contents  string
		want      *Config
		wantError bool
	}{
		{
			name: "all values",
			contents: "# camera settings\n" +
				"blend = 0.5\n" +
				"camera_enable_gamepad = LB\n" +
				"direct_input_toggle_button = 3\n" +
				"console_enabled = false\n" +
				"log_level = debug\n",
			want: &Config{
				Blend:                   0.5,
				CameraEnableGamepadMask: input.LeftShoulder,
				DirectInputToggleButton: 3,
				ConsoleEnabled:          false,
				LogLevel:                "debug",
			},
		},
		{
			name:     "hex mask",
			contents: "camera_enable_gamepad = 0x8000\n",
			want: &Config{
				Blend:                   DefaultBlend,
				CameraEnableGamepadMask: input.ButtonY,
				DirectInputToggleButton: DefaultDirectInputToggleButton,
				ConsoleEnabled:          true,
				LogLevel:                DefaultLogLevel,
			},
		},
		{
			name: "invalid values fall back",
			contents: "blend = fast\n" +
				"camera_enable_gamepad = 0x0003\n" +
				"direct_input_toggle_button = 128\n" +
				"log_level = loud\n",
			want:      DefaultConfig(),
			wantError: true,
		},
		{
			name:      "blend out of range",
			contents:  "blend = 1.5\n",
			want:      DefaultConfig(),
			wantError: true,
		},
		{
			name:     "empty file",
			contents: "",
			want:     DefaultConfig(),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log, hook := logtest.NewNullLogger()
			got := LoadConfig(writeConfig(t, tt.contents), log)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("LoadConfig() mismatch; diff:\n%s", diff)
			}

			errorLogged := false
			for _, e := range hook.AllEntries() {
				if e.Level == logrus.ErrorLevel {
					errorLogged = true
				}
			}
			if errorLogged != tt.wantError {
				t.Errorf("error logged want = %v, got = %v", tt.wantError, errorLogged)
			}
		})
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	log, _ := logtest.NewNullLogger()
	got := LoadConfig(filepath.Join(t.TempDir(), "missing.cfg"), log)
	if diff := cmp.Diff(DefaultConfig(), got); diff != "" {
		t.Errorf("LoadConfig() mismatch; diff:\n%s", diff)
	}
}

func TestLoadConfig_EnvironmentOverride(t *testing.T) {
	t.Setenv("RALLYCAM_BLEND", "0.25")
	log, _ := logtest.NewNullLogger()

	got := LoadConfig(writeConfig(t, "blend = 0.5\n"), log)
	if got.Blend != 0.25 {
		t.Errorf("Blend want = 0.25, got = %v", got.Blend)
	}
}

func TestConfig_GamepadButtonName(t *testing.T) {
	cfg := DefaultConfig()
	if got := cfg.GamepadButtonName(); got != "RightThumb" {
		t.Errorf("GamepadButtonName() want = RightThumb, got = %s", got)
	}
}

func TestNewLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rallycam.log")
	cfg := DefaultConfig()
	cfg.LogFilePath = path
	cfg.LogLevel = "warn"

	log, err := NewLogger(cfg)
	if err != nil {
		t.Fatalf("NewLogger() returned an unexpected error: %v", err)
	}
	log.Info("hidden")
	log.Warn("shown")

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := string(b); !strings.Contains(got, "shown") || strings.Contains(got, "hidden") {
		t.Errorf("log file contents unexpected: %q", got)
	}

	cfg.LogLevel = "verbose"
	if _, err := NewLogger(cfg); err == nil {
		t.Error("NewLogger() with an invalid level want error, got nil")
	}
}

