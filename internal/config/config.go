// Package config resolves Thorium's runtime configuration once at process
// start from flags, environment variables, and an optional config file
// (merged by viper), then threads the result through context.Context in the
// teacher's options.ToContext/FromContext idiom.
package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/gabaker/thorium/internal/ledger"
)

// Config is every tunable the scaler, agent, and event handler read at
// startup. Each field's mapstructure tag is its viper key, the same name as
// its flag.
type Config struct {
	LogLevel   string        `mapstructure:"log-level"`
	MetricsAddr string       `mapstructure:"metrics-addr"`

	TickPeriod       time.Duration `mapstructure:"tick-period"`
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat-timeout"`
	DefaultMaxRetries int          `mapstructure:"default-max-retries"`

	GlobalCPUBudgetMilli int64 `mapstructure:"global-cpu-budget-milli"`
	GlobalMemoryBudget   int64 `mapstructure:"global-memory-budget"`

	PerUserMaxRunning     int `mapstructure:"per-user-max-running"`
	PerGroupMaxRunning    int `mapstructure:"per-group-max-running"`
	PerPipelineMaxRunning int `mapstructure:"per-pipeline-max-running"`

	KubeNamespace string `mapstructure:"kube-namespace"`
	AgentImage    string `mapstructure:"agent-image"`

	RegistrationPath string `mapstructure:"registration-path"`
	ReportAddr       string `mapstructure:"report-addr"`
}

// AddFlags registers every flag on fs with its default, mirroring the
// teacher's AddFlags-on-a-FlagSet shape.
func AddFlags(fs *pflag.FlagSet) {
	fs.String("log-level", "info", "log verbosity: debug, info, warn, error")
	fs.String("metrics-addr", ":9090", "address the Prometheus metrics endpoint binds to")
	fs.Duration("tick-period", 10*time.Second, "scaler tick period")
	fs.Duration("heartbeat-timeout", 60*time.Second, "worker heartbeat timeout (T_hb)")
	fs.Int("default-max-retries", 3, "default WorkerLost retry budget per stage")
	fs.Int64("global-cpu-budget-milli", 0, "global cpu budget in milli-units, 0 = unbounded")
	fs.Int64("global-memory-budget", 0, "global memory budget in bytes, 0 = unbounded")
	fs.Int("per-user-max-running", 0, "max running workers per user, 0 = unbounded")
	fs.Int("per-group-max-running", 0, "max running workers per group, 0 = unbounded")
	fs.Int("per-pipeline-max-running", 0, "max running workers per pipeline, 0 = unbounded")
	fs.String("kube-namespace", "thorium", "namespace the k8s driver places worker pods in")
	fs.String("agent-image", "", "container image the k8s driver launches as the agent sidecar")
	fs.String("registration-path", "", "YAML file of image/pipeline registrations to load at startup")
	fs.String("report-addr", "http://localhost:9091", "scaler address a worker posts its terminal report to")
}

// Load merges fs, THORIUM_-prefixed environment variables, and an optional
// config file at path (skipped if empty or missing) into a Config. A flag set
// on the command line wins over an environment variable, which wins over the
// config file; flag defaults apply where none of them sets a key.
func Load(fs *pflag.FlagSet, configPath string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("THORIUM")
	v.AutomaticEnv()

	if err := v.BindPFlags(fs); err != nil {
		return Config{}, fmt.Errorf("binding flags: %w", err)
	}
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
				return Config{}, fmt.Errorf("reading config file %s: %w", configPath, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	return cfg, nil
}

// Quotas projects the fair-share fields of cfg into a ledger.Quotas.
func (c Config) Quotas() ledger.Quotas {
	return ledger.Quotas{
		PerUserMaxRunning:     c.PerUserMaxRunning,
		PerGroupMaxRunning:    c.PerGroupMaxRunning,
		PerPipelineMaxRunning: c.PerPipelineMaxRunning,
		GlobalCPUBudgetMilli:  c.GlobalCPUBudgetMilli,
		GlobalMemoryBudget:    c.GlobalMemoryBudget,
	}
}

type configKey struct{}

// ToContext stashes cfg on ctx, in the teacher's options.ToContext idiom.
func ToContext(ctx context.Context, cfg Config) context.Context {
	return context.WithValue(ctx, configKey{}, cfg)
}

// FromContext retrieves the Config stashed by ToContext. Panics if absent:
// every entrypoint installs one before starting its control loop.
func FromContext(ctx context.Context) Config {
	v := ctx.Value(configKey{})
	if v == nil {
		panic("thorium: config not present in context")
	}
	return v.(Config)
}
