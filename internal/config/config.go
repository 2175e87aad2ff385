// internal/config/config.go
// Centralised loader for gateway configuration.  Values come from (in
// precedence order) CLI flags applied by the caller, environment variables
// prefixed TIDYBOT_, and an optional YAML/TOML/JSON config file.  Environment
// variables override only keys that the config file sets; keys absent from
// the file, and nested keys such as backends.arm_addr, are not read from the
// environment.  The loader uses spf13/viper, which is already present for the CLI side; callers can
// always construct Config by hand (tests do).
package config

import (
	"time"

	"github.com/spf13/viper"

	"github.com/shaoyifei96/tidybot-agent-server/internal/safety"
)

// Backends carries the four backend endpoints.
type Backends struct {
	ArmAddr     string  `mapstructure:"arm_addr"`
	BaseAddr    string  `mapstructure:"base_addr"`
	GripperAddr string  `mapstructure:"gripper_addr"`
	CameraAddr  string  `mapstructure:"camera_addr"`
	ArmStreamHz float64 `mapstructure:"arm_stream_hz"`
}

// Config is the full gateway configuration.
type Config struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	DryRun            bool   `mapstructure:"dry_run"`
	AutoStartServices bool   `mapstructure:"auto_start_services"`
	NoServiceManager  bool   `mapstructure:"no_service_manager"`
	ServicesFile      string `mapstructure:"services_file"`
	PIDFile           string `mapstructure:"pid_file"`

	Backends Backends `mapstructure:"backends"`

	LeaseTTL         time.Duration `mapstructure:"lease_ttl"`
	LeaseIdleTimeout time.Duration `mapstructure:"lease_idle_timeout"`

	TrajectoryCapacity int `mapstructure:"trajectory_capacity"`

	ExecTimeout    time.Duration `mapstructure:"exec_timeout"`
	ExecMaxTimeout time.Duration `mapstructure:"exec_max_timeout"`
	Interpreter    string        `mapstructure:"interpreter"`

	Limits safety.Limits `mapstructure:"limits"`
}

// Default returns production-ready defaults suitable for local dev.
func Default() Config {
	return Config{
		Host:               "0.0.0.0",
		Port:               8400,
		ServicesFile:       "services.yaml",
		PIDFile:            ".tidybot-services.pid",
		Backends: Backends{
			ArmAddr:     "127.0.0.1:5000",
			BaseAddr:    "127.0.0.1:5001",
			GripperAddr: "127.0.0.1:5002",
			CameraAddr:  "127.0.0.1:5003",
			ArmStreamHz: 50,
		},
		LeaseTTL:           time.Hour,
		LeaseIdleTimeout:   2 * time.Minute,
		TrajectoryCapacity: 10000,
		ExecTimeout:        300 * time.Second,
		ExecMaxTimeout:     30 * time.Minute,
		Interpreter:        "python3",
		Limits:             safety.DefaultLimits(),
	}
}

// Load merges file + env into a Config starting from Default().  filePath
// may be empty, in which case Default() is returned unchanged; a named file
// that cannot be read is returned as an error.
func Load(filePath string) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetEnvPrefix("TIDYBOT")
	v.AutomaticEnv()
	if filePath != "" {
		v.SetConfigFile(filePath)
		if err := v.ReadInConfig(); err != nil {
			return cfg, err
		}
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
