package core

import (
	"errors"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/davecgh/go-spew/spew"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/dcrodman/rallycam/internal/input"
)

// ConfigFileName is looked up next to the loaded module.
const ConfigFileName = "rallycam.cfg"

// Defaults used whenever the config file omits a value or holds an invalid one.
const (
	DefaultBlend                   = 0.12
	DefaultCameraEnableGamepadMask = input.RightThumb
	DefaultDirectInputToggleButton = 12
	DefaultConsoleEnabled          = true
	DefaultLogLevel                = "info"
)

// Config contains every option the camera reads at startup.
type Config struct {
	// Fraction of the remaining rotation covered each frame while mounted, in (0, 1].
	Blend float64
	// XInput mask of the gamepad button that toggles the camera.
	CameraEnableGamepadMask uint16
	// Wheel/joystick button index (0..127) that toggles the camera.
	DirectInputToggleButton int
	// Write logs to the console. File logging is unaffected.
	ConsoleEnabled bool
	// Minimum level of a log required to be written. Options: debug, info, warn, error
	LogLevel string
	// Full path to file to which logs will be written. Blank will write to stdout.
	LogFilePath string
}

// rawConfig is decoded first so a malformed value only discards that value.
type rawConfig struct {
	Blend                   string `mapstructure:"blend"`
	CameraEnableGamepad     string `mapstructure:"camera_enable_gamepad"`
	DirectInputToggleButton string `mapstructure:"direct_input_toggle_button"`
	ConsoleEnabled          string `mapstructure:"console_enabled"`
	LogLevel                string `mapstructure:"log_level"`
	LogFilePath             string `mapstructure:"log_file_path"`
}

const envVarPrefix = "RALLYCAM"

// DefaultConfig returns the compile-time defaults.
func DefaultConfig() *Config {
	return &Config{
		Blend:                   DefaultBlend,
		CameraEnableGamepadMask: DefaultCameraEnableGamepadMask,
		DirectInputToggleButton: DefaultDirectInputToggleButton,
		ConsoleEnabled:          DefaultConsoleEnabled,
		LogLevel:                DefaultLogLevel,
	}
}

// LoadConfig reads the key=value file at path. A missing file, an unreadable
// file or an invalid value never fails: the affected options keep their
// defaults and the reason is logged.
func LoadConfig(path string, log logrus.FieldLogger) *Config {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("properties")
	v.SetEnvPrefix(envVarPrefix)
	v.AutomaticEnv()

	v.SetDefault("blend", "")
	v.SetDefault("camera_enable_gamepad", "")
	v.SetDefault("direct_input_toggle_button", "")
	v.SetDefault("console_enabled", "")
	v.SetDefault("log_level", "")
	v.SetDefault("log_file_path", "")

	log.Infof("config: loading %s", path)
	if err := v.ReadInConfig(); err != nil {
		var pathErr *os.PathError
		if errors.As(err, &pathErr) || errors.As(err, &viper.ConfigFileNotFoundError{}) {
			log.Info("config: file not found, using built-in defaults")
		} else {
			log.Errorf("config: failed to read file, using built-in defaults: %v", err)
		}
	}

	// Allows every option to be overridden with <envVarPrefix>_<KEY>.
	for _, k := range v.AllKeys() {
		envVar := strings.ReplaceAll(strings.ToUpper(k), ".", "_")
		if err := v.BindEnv(k, envVarPrefix+"_"+envVar); err != nil {
			log.Warnf("config: failed to bind %s to %s: %v", k, envVarPrefix+"_"+envVar, err)
		}
	}

	var raw rawConfig
	if err := v.Unmarshal(&raw); err != nil {
		log.Errorf("config: failed to decode, using built-in defaults: %v", err)
		return cfg
	}
	cfg.apply(raw, log)
	log.Debugf("config: effective values\n%s", spew.Sdump(cfg))
	return cfg
}

func (c *Config) apply(raw rawConfig, log logrus.FieldLogger) {
	if s := strings.TrimSpace(raw.Blend); s == "" {
		log.Infof("config: blend not specified, using default %v", c.Blend)
	} else if f, err := strconv.ParseFloat(s, 64); err != nil || math.IsNaN(f) || f <= 0 || f > 1 {
		log.Errorf("config: invalid value for 'blend' (%q), using default %v", s, c.Blend)
	} else {
		c.Blend = f
	}

	if s := strings.TrimSpace(raw.CameraEnableGamepad); s == "" {
		log.Infof("config: camera_enable_gamepad not specified, using default %s", input.ButtonName(c.CameraEnableGamepadMask))
	} else if mask, err := input.ParseGamepadButton(s); err != nil {
		log.Errorf("config: camera_enable_gamepad: %v, keeping default %s", err, input.ButtonName(c.CameraEnableGamepadMask))
	} else {
		c.CameraEnableGamepadMask = mask
	}

	if s := strings.TrimSpace(raw.DirectInputToggleButton); s == "" {
		log.Infof("config: direct_input_toggle_button not specified, using default %d", c.DirectInputToggleButton)
	} else if n, err := strconv.Atoi(s); err != nil || n < 0 || n >= input.ButtonCount {
		log.Errorf("config: direct_input_toggle_button value %q is not in 0..%d, keeping default %d", s, input.ButtonCount-1, c.DirectInputToggleButton)
	} else {
		c.DirectInputToggleButton = n
	}

	if s := strings.TrimSpace(raw.ConsoleEnabled); s != "" {
		if b, err := strconv.ParseBool(s); err != nil {
			log.Errorf("config: invalid value for 'console_enabled' (%q), using default %v", s, c.ConsoleEnabled)
		} else {
			c.ConsoleEnabled = b
		}
	}

	if s := strings.TrimSpace(raw.LogLevel); s != "" {
		if _, err := logrus.ParseLevel(s); err != nil {
			log.Errorf("config: invalid value for 'log_level' (%q), using default %s", s, c.LogLevel)
		} else {
			c.LogLevel = s
		}
	}

	c.LogFilePath = strings.TrimSpace(raw.LogFilePath)
}

// GamepadButtonName is the display name of the camera toggle button.
func (c *Config) GamepadButtonName() string {
	return input.ButtonName(c.CameraEnableGamepadMask)
}
