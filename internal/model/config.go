package model

type Config struct {
	Project ProjectConfig `yaml:"project"`
	Sync    SyncConfig    `yaml:"sync"`
	Remote  RemoteConfig  `yaml:"remote"`
	Limits  LimitsConfig  `yaml:"limits"`
	Daemon  DaemonConfig  `yaml:"daemon"`
	Notify  NotifyConfig  `yaml:"notify"`
	Logging LoggingConfig `yaml:"logging"`
}

type ProjectConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

type SyncConfig struct {
	// StuckThreshold is the attempt count at which a retryable mutation is
	// surfaced to the user as stuck. It is never discarded automatically.
	StuckThreshold  int     `yaml:"stuck_threshold"`
	ScanIntervalSec int     `yaml:"scan_interval_sec"`
	DebounceSec     float64 `yaml:"debounce_sec"`
}

type RemoteConfig struct {
	BaseURL    string `yaml:"base_url"`
	TimeoutSec int    `yaml:"timeout_sec"`
	// Endpoints maps a mutation type to the relative path its payload is
	// replayed against, e.g. createOrder: /orders.
	Endpoints map[string]string `yaml:"endpoints"`
}

type LimitsConfig struct {
	MaxPendingMutations int `yaml:"max_pending_mutations"`
	MaxPayloadBytes     int `yaml:"max_payload_bytes"`
}

type DaemonConfig struct {
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec"`
}

type NotifyConfig struct {
	Enabled bool `yaml:"enabled"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}
