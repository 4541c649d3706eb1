package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// envPrefix is the prefix for environment variable overrides, e.g.
// QUEUE_SERVER_PORT or QUEUE_DATABASE_URL.
const envPrefix = "QUEUE"

// Load reads configuration from an optional config file and from environment
// variables. Environment variables take precedence over file values, which
// take precedence over defaults. Returns a populated Config struct or an
// error if loading or validation fails.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// Optional config.yaml in the working directory; absence is not an error.
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// QUEUE_SERVER_PORT -> server.port
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults registers the default value for every setting so a bare
// environment still yields a runnable (sqlite-free, in-memory) configuration.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")

	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.url", "")

	v.SetDefault("queue.poll_interval_ms", 1000)
	v.SetDefault("queue.batch_size", 10)
	v.SetDefault("queue.max_attempts", 5)
	v.SetDefault("queue.max_rps", 0)
	v.SetDefault("queue.stale_timeout_s", 300)
	v.SetDefault("queue.base_retry_delay_s", 10)
	v.SetDefault("queue.max_retry_delay_s", 21600)
	v.SetDefault("queue.cleanup_schedule", "")
	v.SetDefault("queue.cleanup_max_age_s", 0)
	v.SetDefault("queue.paused", false)
}

// validate checks the unmarshaled config against the struct validation tags.
func validate(cfg *Config) error {
	vd := validator.New()
	if err := vd.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(fields, ", "))
		}
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	return nil
}
