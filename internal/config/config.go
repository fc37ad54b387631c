// Package config provides configuration loading for the Conductor,
// built on github.com/spf13/viper.
package config

import "time"

// Config holds all Conductor configuration sections.
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging"`
	MCPBridge MCPBridgeConfig `mapstructure:"mcpBridge"`
	Editor    EditorConfig    `mapstructure:"editor"`
}

// LoggingConfig carries the same three fields as internal/logging.Config;
// the conductor binary copies them across when it builds its logger.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// MCPBridgeConfig controls the TCP shim spawned for MCP servers with an
// acp: URL when a hop lacks native mcp_acp_transport support (spec.md §6).
type MCPBridgeConfig struct {
	// BindHost is the loopback address the bridge's ephemeral TCP
	// listeners bind to. Never anything but loopback: the shim is an
	// implementation detail of one machine's process tree, not a
	// network service.
	BindHost string `mapstructure:"bindHost"`

	// DialInitialBackoff and DialMaxBackoff bound the helper process's
	// retry loop when connecting back to the conductor (spec.md §6:
	// "dial with exponential backoff").
	DialInitialBackoff time.Duration `mapstructure:"dialInitialBackoff"`
	DialMaxBackoff     time.Duration `mapstructure:"dialMaxBackoff"`
	DialMaxAttempts    int           `mapstructure:"dialMaxAttempts"`
}

// EditorConfig names where the Conductor finds editor-provided session
// state. The file itself is read by the editor-context proxy, which is
// out of this module's scope; only the env-var convention is carried.
type EditorConfig struct {
	// StateFilePath defaults from SYMPOSIUM_EDITOR_STATE_FILE.
	StateFilePath string `mapstructure:"stateFilePath"`
}

// Load reads configuration from environment variables, an optional
// config.yaml, and defaults. Environment variables use the prefix
// SYMPOSIUM_ followed by the upper-cased key with "." replaced by "_"
// (e.g. SYMPOSIUM_MCPBRIDGE_DIALMAXATTEMPTS), mirroring the teacher's
// KANDEV_ convention; SYMPOSIUM_LOG_LEVEL and SYMPOSIUM_EDITOR_STATE_FILE
// are bound explicitly.
func Load() (*Config, error) {
	return LoadWithPath("")
}
