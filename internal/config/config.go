// Package config provides configuration management for the devspace server.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

// MinSecretLength is the shortest server secret accepted at startup.
const MinSecretLength = 32

// Config represents the complete server configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server" toml:"server"`
	Runtime RuntimeConfig `yaml:"runtime" toml:"runtime"`
	Sandbox SandboxConfig `yaml:"sandbox" toml:"sandbox"`
	Session SessionConfig `yaml:"session" toml:"session"`
	Guard   GuardConfig   `yaml:"guard" toml:"guard"`
	Tree    TreeConfig    `yaml:"tree" toml:"tree"`
	Input   InputConfig   `yaml:"input" toml:"input"`
	Logging LoggingConfig `yaml:"logging" toml:"logging"`
}

// ServerConfig holds listener addresses and the token secret.
type ServerConfig struct {
	GRPCAddr     string `yaml:"grpc_addr" toml:"grpc_addr"`
	HTTPAddr     string `yaml:"http_addr" toml:"http_addr"`
	Secret       string `yaml:"secret" toml:"secret"`
	CookieSecure bool   `yaml:"cookie_secure" toml:"cookie_secure"`

	// AllowedOrigins are host patterns accepted on the websocket
	// handshake in addition to same-origin requests.
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
}

// RuntimeConfig selects and configures the sandbox runtime.
type RuntimeConfig struct {
	Type        string `yaml:"type" toml:"type"`
	BwrapPath   string `yaml:"bwrap_path" toml:"bwrap_path"`
	DockerHost  string `yaml:"docker_host" toml:"docker_host"`
	ExecTimeout string `yaml:"exec_timeout" toml:"exec_timeout"`
}

// SandboxConfig holds the image policy, hardening and resource ceilings.
type SandboxConfig struct {
	Images         []string `yaml:"images" toml:"images"`
	ForcedImage    string   `yaml:"forced_image" toml:"forced_image"`
	DigestRequired bool     `yaml:"digest_required" toml:"digest_required"`

	Memory    string  `yaml:"memory" toml:"memory"`
	CPUs      float64 `yaml:"cpus" toml:"cpus"`
	PidsLimit int64   `yaml:"pids_limit" toml:"pids_limit"`

	NetworkMode  string   `yaml:"network_mode" toml:"network_mode"`
	ReadonlyRoot bool     `yaml:"readonly_root" toml:"readonly_root"`
	AutoRemove   bool     `yaml:"auto_remove" toml:"auto_remove"`
	OCIRuntime   string   `yaml:"oci_runtime" toml:"oci_runtime"`
	User         string   `yaml:"user" toml:"user"`
	Tmpfs        string   `yaml:"tmpfs" toml:"tmpfs"`
	UlimitNofile int64    `yaml:"ulimit_nofile" toml:"ulimit_nofile"`
	UlimitNproc  int64    `yaml:"ulimit_nproc" toml:"ulimit_nproc"`
	CapDropAll   bool     `yaml:"cap_drop_all" toml:"cap_drop_all"`
	ExtraCaps    []string `yaml:"extra_caps" toml:"extra_caps"`
	AptCaps      bool     `yaml:"apt_caps" toml:"apt_caps"`

	HostWorkspace  bool   `yaml:"host_workspace" toml:"host_workspace"`
	WorkspacesRoot string `yaml:"workspaces_root" toml:"workspaces_root"`
	WorkspacePath  string `yaml:"workspace_path" toml:"workspace_path"`
	MinimalMode    bool   `yaml:"minimal_mode" toml:"minimal_mode"`
}

// SessionConfig holds lifecycle timing and admission limits.
type SessionConfig struct {
	GracePeriod     string `yaml:"grace_period" toml:"grace_period"`
	IdleMax         string `yaml:"idle_max" toml:"idle_max"`
	IdlePing        string `yaml:"idle_ping" toml:"idle_ping"`
	IdlePingTimeout string `yaml:"idle_ping_timeout" toml:"idle_ping_timeout"`
	IdleSweep       string `yaml:"idle_sweep" toml:"idle_sweep"`
	MaxConcurrent   int    `yaml:"max_concurrent" toml:"max_concurrent"`
	MaxPerUser      int    `yaml:"max_per_user" toml:"max_per_user"`
	InitWindow      string `yaml:"init_window" toml:"init_window"`
	InitMax         int    `yaml:"init_max" toml:"init_max"`
}

// GuardConfig holds resource guard thresholds. A zero percent disables that check.
type GuardConfig struct {
	MemPercent float64 `yaml:"mem_percent" toml:"mem_percent"`
	CPUPercent float64 `yaml:"cpu_percent" toml:"cpu_percent"`
	Sustain    string  `yaml:"sustain" toml:"sustain"`
	Grace      string  `yaml:"grace" toml:"grace"`
	Interval   string  `yaml:"interval" toml:"interval"`
}

// TreeConfig holds file tree synchronizer timing.
type TreeConfig struct {
	ScanInterval      string `yaml:"scan_interval" toml:"scan_interval"`
	WarmupScans       int    `yaml:"warmup_scans" toml:"warmup_scans"`
	WarmupInterval    string `yaml:"warmup_interval" toml:"warmup_interval"`
	NudgeDelay        string `yaml:"nudge_delay" toml:"nudge_delay"`
	NudgeMaxWait      string `yaml:"nudge_max_wait" toml:"nudge_max_wait"`
	DedupLeadingChars string `yaml:"dedup_leading_chars" toml:"dedup_leading_chars"`
}

// InputConfig holds the terminal input token bucket.
type InputConfig struct {
	TokensPerSec int `yaml:"tokens_per_sec" toml:"tokens_per_sec"`
	BurstBytes   int `yaml:"burst_bytes" toml:"burst_bytes"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			GRPCAddr: ":9000",
			HTTPAddr: ":8080",
		},
		Runtime: RuntimeConfig{
			Type:        "docker",
			BwrapPath:   "bwrap",
			ExecTimeout: "30s",
		},
		Sandbox: SandboxConfig{
			ForcedImage:    "dev-base:latest",
			Memory:         "1g",
			CPUs:           1.0,
			NetworkMode:    "bridge",
			AutoRemove:     true,
			CapDropAll:     true,
			AptCaps:        true,
			WorkspacesRoot: "./workspaces",
			WorkspacePath:  "/workspace",
		},
		Session: SessionConfig{
			GracePeriod:     "2m",
			IdleMax:         "10m",
			IdlePing:        "8m",
			IdlePingTimeout: "2m",
			IdleSweep:       "5s",
			MaxConcurrent:   0,
			MaxPerUser:      0,
			InitWindow:      "1m",
			InitMax:         10,
		},
		Guard: GuardConfig{
			Sustain:  "15s",
			Grace:    "5s",
			Interval: "2s",
		},
		Tree: TreeConfig{
			ScanInterval:   "2s",
			WarmupScans:    3,
			WarmupInterval: "250ms",
			NudgeDelay:     "120ms",
			NudgeMaxWait:   "600ms",
		},
		Input: InputConfig{
			TokensPerSec: 8000,
			BurstBytes:   16000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML or TOML file (chosen by extension)
// and applies environment overrides on top.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := config.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return config, nil
}

// LoadOrDefault loads configuration from a file, or returns default if file doesn't exist.
// Environment overrides apply in both cases.
func LoadOrDefault(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}

	config := DefaultConfig()
	if err := config.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks the settings the server cannot run without.
func (c *Config) Validate() error {
	var errs []error
	if len(strings.TrimSpace(c.Server.Secret)) < MinSecretLength {
		errs = append(errs, fmt.Errorf("server secret must be at least %d characters (set SERVER_INSTANCE_SECRET)", MinSecretLength))
	}
	if _, err := c.Sandbox.MemoryBytes(); err != nil {
		errs = append(errs, err)
	}
	if c.Sandbox.ForcedImage == "" && len(c.Sandbox.Images) == 0 {
		errs = append(errs, errors.New("no sandbox image configured"))
	}
	if c.Session.GetIdleMax() <= time.Minute {
		errs = append(errs, errors.New("idle max must exceed one minute"))
	}
	if c.Input.TokensPerSec <= 0 || c.Input.BurstBytes <= 0 {
		errs = append(errs, errors.New("input token bucket rate and burst must be positive"))
	}
	switch c.Runtime.Type {
	case "docker", "bwrap", "mock":
	default:
		errs = append(errs, fmt.Errorf("unknown runtime type %q", c.Runtime.Type))
	}
	return errors.Join(errs...)
}

// MemoryBytes parses the memory ceiling ("512m", "1g"). Empty means unlimited.
func (c *SandboxConfig) MemoryBytes() (int64, error) {
	if c.Memory == "" {
		return 0, nil
	}
	n, err := units.RAMInBytes(c.Memory)
	if err != nil {
		return 0, fmt.Errorf("invalid sandbox memory %q: %w", c.Memory, err)
	}
	return n, nil
}

// NanoCPUs converts the CPU share to engine nano-CPUs.
func (c *SandboxConfig) NanoCPUs() int64 {
	if c.CPUs <= 0 {
		return 0
	}
	return int64(c.CPUs * 1e9)
}

// AllowedImages returns the image allow-list. The forced image is always allowed.
func (c *SandboxConfig) AllowedImages() []string {
	if len(c.Images) == 0 && c.ForcedImage != "" {
		return []string{c.ForcedImage}
	}
	return c.Images
}

// TmpfsMounts parses "/tmp:size=64m|/run:size=16m" into path -> options.
func (c *SandboxConfig) TmpfsMounts() map[string]string {
	if strings.TrimSpace(c.Tmpfs) == "" {
		return nil
	}
	out := make(map[string]string)
	for _, entry := range strings.Split(c.Tmpfs, "|") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		path, opts, _ := strings.Cut(entry, ":")
		if path != "" {
			out[path] = opts
		}
	}
	return out
}

// SessionHostDir is the host directory bound into a session's sandbox.
func (c *SandboxConfig) SessionHostDir(sessionID string) string {
	return filepath.Join(c.WorkspacesRoot, sessionID)
}

// applyMinimalMode pins tiny resource ceilings for constrained hosts.
func (c *SandboxConfig) applyMinimalMode() {
	if !c.MinimalMode {
		return
	}
	c.Memory = "128m"
	c.CPUs = 0.05
	c.ReadonlyRoot = false
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}

// GetExecTimeout returns the one-shot exec timeout.
func (c *RuntimeConfig) GetExecTimeout() time.Duration {
	return parseDuration(c.ExecTimeout, 30*time.Second)
}

// GetGracePeriod returns the disconnect grace window.
func (c *SessionConfig) GetGracePeriod() time.Duration {
	return parseDuration(c.GracePeriod, 2*time.Minute)
}

// GetIdleMax returns the hard idle ceiling.
func (c *SessionConfig) GetIdleMax() time.Duration {
	return parseDuration(c.IdleMax, 10*time.Minute)
}

// GetIdlePing returns the effective ping threshold, which is always at
// least one minute before the hard ceiling.
func (c *SessionConfig) GetIdlePing() time.Duration {
	ping := parseDuration(c.IdlePing, 8*time.Minute)
	if ceiling := c.GetIdleMax() - time.Minute; ping > ceiling {
		return ceiling
	}
	return ping
}

// GetIdlePingTimeout returns how long a ping may go unanswered.
func (c *SessionConfig) GetIdlePingTimeout() time.Duration {
	return parseDuration(c.IdlePingTimeout, 2*time.Minute)
}

// GetIdleSweep returns the idle monitor scan period.
func (c *SessionConfig) GetIdleSweep() time.Duration {
	d := parseDuration(c.IdleSweep, 5*time.Second)
	if d == 0 {
		return 5 * time.Second
	}
	return d
}

// GetInitWindow returns the per-connection init rate window.
func (c *SessionConfig) GetInitWindow() time.Duration {
	d := parseDuration(c.InitWindow, time.Minute)
	if d == 0 {
		return time.Minute
	}
	return d
}

// Enabled reports whether any kill threshold is configured.
func (c *GuardConfig) Enabled() bool {
	return c.MemPercent > 0 || c.CPUPercent > 0
}

// GetSustain returns how long CPU must stay high before the warning.
func (c *GuardConfig) GetSustain() time.Duration {
	return parseDuration(c.Sustain, 15*time.Second)
}

// GetGrace returns the delay between the CPU warning and the kill.
func (c *GuardConfig) GetGrace() time.Duration {
	return parseDuration(c.Grace, 5*time.Second)
}

// GetInterval returns the guard check period.
func (c *GuardConfig) GetInterval() time.Duration {
	d := parseDuration(c.Interval, 2*time.Second)
	if d == 0 {
		return 2 * time.Second
	}
	return d
}

// GetScanInterval returns the steady-state rescan period.
func (c *TreeConfig) GetScanInterval() time.Duration {
	d := parseDuration(c.ScanInterval, 2*time.Second)
	if d == 0 {
		return 2 * time.Second
	}
	return d
}

// GetWarmupInterval returns the pause between warmup scans.
func (c *TreeConfig) GetWarmupInterval() time.Duration {
	return parseDuration(c.WarmupInterval, 250*time.Millisecond)
}

// GetNudgeDelay returns the minimum debounce delay of a nudge.
func (c *TreeConfig) GetNudgeDelay() time.Duration {
	return parseDuration(c.NudgeDelay, 120*time.Millisecond)
}

// GetNudgeMaxWait returns the longest a burst of nudges may defer a rescan.
func (c *TreeConfig) GetNudgeMaxWait() time.Duration {
	return parseDuration(c.NudgeMaxWait, 600*time.Millisecond)
}
