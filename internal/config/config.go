package config

// Config is the full server configuration.
type Config struct {
	Server     ServerConfig        `json:"server" mapstructure:"server"`
	Devmode    bool                `json:"devmode" mapstructure:"devmode"`
	Apps       []ApplicationConfig `json:"applications" mapstructure:"applications"`
	Registry   RegistryConfig      `json:"registry" mapstructure:"registry"`
	Docker     DockerConfig        `json:"docker" mapstructure:"docker"`
	Session    SessionConfig       `json:"session" mapstructure:"session"`
	Federation FederationConfig    `json:"federation" mapstructure:"federation"`
	Logging    LoggingConfig       `json:"logging" mapstructure:"logging"`

	// DataDir holds the log file and other runtime state.
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host string `json:"host" mapstructure:"host"`
	Port int    `json:"port" mapstructure:"port"`

	// PublicURL is the base URL handed to spawned agents. Defaults to
	// http://{host}:{port}.
	PublicURL string `json:"public_url" mapstructure:"public_url"`
}

// ApplicationConfig names one application allowed to create sessions.
type ApplicationConfig struct {
	ID          string   `json:"id" mapstructure:"id"`
	PrivacyKeys []string `json:"privacy_keys" mapstructure:"privacy_keys"`
}

// RegistryConfig points at the agent registry file.
type RegistryConfig struct {
	Path  string `json:"path" mapstructure:"path"`
	Watch bool   `json:"watch" mapstructure:"watch"`
}

// DockerConfig tunes the container runtime.
type DockerConfig struct {
	ExtraArgs       []string `json:"extra_args" mapstructure:"extra_args"`
	StopTimeoutSecs int      `json:"stop_timeout_secs" mapstructure:"stop_timeout_secs"`
	PrePull         bool     `json:"pre_pull" mapstructure:"pre_pull"`
}

// SessionConfig tunes session lifecycle and tool-call limits.
type SessionConfig struct {
	// IdleTimeoutSecs of zero disables the idle reaper.
	IdleTimeoutSecs  int `json:"idle_timeout_secs" mapstructure:"idle_timeout_secs"`
	ReapIntervalSecs int `json:"reap_interval_secs" mapstructure:"reap_interval_secs"`
	MaxWaitMs        int `json:"max_wait_ms" mapstructure:"max_wait_ms"`
}

// FederationConfig controls the claim/export surface.
type FederationConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Wallet  string `json:"wallet" mapstructure:"wallet"`
}

// LoggingConfig holds logger configuration.
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 5555,
		},
		Registry: RegistryConfig{
			Path:  "registry.toml",
			Watch: true,
		},
		Docker: DockerConfig{
			StopTimeoutSecs: 10,
			PrePull:         true,
		},
		Session: SessionConfig{
			ReapIntervalSecs: 60,
			MaxWaitMs:        60000,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Redaction: true,
		},
	}
}
