package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// LoadWithPath reads configuration from configPath (if non-empty) or the
// default locations ("." and "/etc/symposium/"), falling back to
// defaults when no config.yaml is found.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SYMPOSIUM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv doesn't bridge camelCase config keys to the
	// differently-cased env vars the spec names explicitly, so those
	// need binding by hand, same as the teacher's config loader does
	// for its own camelCase/SNAKE_CASE mismatches.
	_ = v.BindEnv("editor.stateFilePath", "SYMPOSIUM_EDITOR_STATE_FILE")
	_ = v.BindEnv("logging.level", "SYMPOSIUM_LOG_LEVEL")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/symposium/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshaling: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stderr")

	v.SetDefault("mcpBridge.bindHost", "127.0.0.1")
	v.SetDefault("mcpBridge.dialInitialBackoff", 50*time.Millisecond)
	v.SetDefault("mcpBridge.dialMaxBackoff", time.Second)
	v.SetDefault("mcpBridge.dialMaxAttempts", 10)

	v.SetDefault("editor.stateFilePath", "")
}

func validate(cfg *Config) error {
	var errs []string

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text, console")
	}

	if cfg.MCPBridge.DialMaxAttempts <= 0 {
		errs = append(errs, "mcpBridge.dialMaxAttempts must be positive")
	}
	if cfg.MCPBridge.DialInitialBackoff <= 0 || cfg.MCPBridge.DialMaxBackoff <= 0 {
		errs = append(errs, "mcpBridge dial backoff bounds must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func detectDefaultLogFormat() string {
	return "text"
}
