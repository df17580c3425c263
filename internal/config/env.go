package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// envBinding maps one environment variable onto a config field.
type envBinding struct {
	key   string
	apply func(c *Config, v string) error
}

func str(dst func(c *Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*dst(c) = strings.TrimSpace(v)
		return nil
	}
}

func flag(dst func(c *Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "on":
			*dst(c) = true
		case "0", "false", "no", "off", "":
			*dst(c) = false
		default:
			return fmt.Errorf("not a boolean: %q", v)
		}
		return nil
	}
}

func integer(dst func(c *Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		*dst(c) = n
		return nil
	}
}

func integer64(dst func(c *Config) *int64) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return err
		}
		*dst(c) = n
		return nil
	}
}

func float(dst func(c *Config) *float64) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return err
		}
		*dst(c) = n
		return nil
	}
}

// millis stores a millisecond count as a duration string.
func millis(dst func(c *Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return err
		}
		if n < 0 {
			return fmt.Errorf("negative duration %d", n)
		}
		*dst(c) = strconv.FormatInt(n, 10) + "ms"
		return nil
	}
}

func list(sep string, dst func(c *Config) *[]string) func(*Config, string) error {
	return func(c *Config, v string) error {
		var out []string
		for _, item := range strings.FieldsFunc(v, func(r rune) bool { return strings.ContainsRune(sep, r) }) {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
		*dst(c) = out
		return nil
	}
}

// origins reduces comma-separated URLs to the host[:port] patterns the
// websocket handshake matches against.
func origins(dst func(c *Config) *[]string) func(*Config, string) error {
	return func(c *Config, v string) error {
		var out []string
		for _, item := range strings.Split(v, ",") {
			item = strings.TrimSpace(item)
			if _, rest, ok := strings.Cut(item, "://"); ok {
				item = rest
			}
			if item = strings.TrimSuffix(item, "/"); item != "" {
				out = append(out, item)
			}
		}
		*dst(c) = out
		return nil
	}
}

var envBindings = []envBinding{
	{"SERVER_INSTANCE_SECRET", str(func(c *Config) *string { return &c.Server.Secret })},
	{"HTTP_ADDR", str(func(c *Config) *string { return &c.Server.HTTPAddr })},
	{"GRPC_ADDR", str(func(c *Config) *string { return &c.Server.GRPCAddr })},
	{"COOKIE_SECURE", flag(func(c *Config) *bool { return &c.Server.CookieSecure })},
	{"CLIENT_URL", origins(func(c *Config) *[]string { return &c.Server.AllowedOrigins })},

	{"SANDBOX_RUNTIME_TYPE", str(func(c *Config) *string { return &c.Runtime.Type })},
	{"DOCKER_HOST_OVERRIDE", str(func(c *Config) *string { return &c.Runtime.DockerHost })},

	{"ALLOWLIST_IMAGES", list(",", func(c *Config) *[]string { return &c.Sandbox.Images })},
	{"FORCED_BASE_IMAGE", str(func(c *Config) *string { return &c.Sandbox.ForcedImage })},
	{"DIGEST_REQUIRED", flag(func(c *Config) *bool { return &c.Sandbox.DigestRequired })},
	{"SANDBOX_MEMORY", str(func(c *Config) *string { return &c.Sandbox.Memory })},
	{"SANDBOX_CPUS", float(func(c *Config) *float64 { return &c.Sandbox.CPUs })},
	{"SANDBOX_PIDS_LIMIT", integer64(func(c *Config) *int64 { return &c.Sandbox.PidsLimit })},
	{"FORCED_NETWORK_MODE", str(func(c *Config) *string { return &c.Sandbox.NetworkMode })},
	{"READONLY_ROOT", flag(func(c *Config) *bool { return &c.Sandbox.ReadonlyRoot })},
	{"SANDBOX_AUTOREMOVE", flag(func(c *Config) *bool { return &c.Sandbox.AutoRemove })},
	{"SANDBOX_RUNTIME", str(func(c *Config) *string { return &c.Sandbox.OCIRuntime })},
	{"SANDBOX_USER", str(func(c *Config) *string { return &c.Sandbox.User })},
	{"SANDBOX_TMPFS", str(func(c *Config) *string { return &c.Sandbox.Tmpfs })},
	{"ULIMIT_NOFILE", integer64(func(c *Config) *int64 { return &c.Sandbox.UlimitNofile })},
	{"ULIMIT_NPROC", integer64(func(c *Config) *int64 { return &c.Sandbox.UlimitNproc })},
	{"RETAIN_CAP_DROP_ALL", flag(func(c *Config) *bool { return &c.Sandbox.CapDropAll })},
	{"ALLOWED_EXTRA_CAPS", list(" \t", func(c *Config) *[]string { return &c.Sandbox.ExtraCaps })},
	{"ENABLE_APT_CAPS", flag(func(c *Config) *bool { return &c.Sandbox.AptCaps })},
	{"USE_HOST_WORKSPACE", flag(func(c *Config) *bool { return &c.Sandbox.HostWorkspace })},
	{"WORKSPACES_ROOT", str(func(c *Config) *string { return &c.Sandbox.WorkspacesRoot })},
	{"WORKSPACE_PATH", str(func(c *Config) *string { return &c.Sandbox.WorkspacePath })},
	{"MINIMAL_RESOURCE_MODE", flag(func(c *Config) *bool { return &c.Sandbox.MinimalMode })},

	{"SESSION_GRACE_PERIOD_MS", millis(func(c *Config) *string { return &c.Session.GracePeriod })},
	{"SESSION_IDLE_MAX_MS", millis(func(c *Config) *string { return &c.Session.IdleMax })},
	{"SESSION_IDLE_PING_MS", millis(func(c *Config) *string { return &c.Session.IdlePing })},
	{"SESSION_IDLE_PING_TIMEOUT_MS", millis(func(c *Config) *string { return &c.Session.IdlePingTimeout })},
	{"MAX_CONCURRENT_SESSIONS", integer(func(c *Config) *int { return &c.Session.MaxConcurrent })},
	{"MAX_SESSIONS_PER_USER", integer(func(c *Config) *int { return &c.Session.MaxPerUser })},
	{"SOCKET_INIT_RATE_WINDOW_MS", millis(func(c *Config) *string { return &c.Session.InitWindow })},
	{"SOCKET_INIT_MAX", integer(func(c *Config) *int { return &c.Session.InitMax })},

	{"RESOURCE_KILL_MEM_PERCENT", float(func(c *Config) *float64 { return &c.Guard.MemPercent })},
	{"RESOURCE_KILL_CPU_PERCENT", float(func(c *Config) *float64 { return &c.Guard.CPUPercent })},
	{"RESOURCE_KILL_SUSTAIN_MS", millis(func(c *Config) *string { return &c.Guard.Sustain })},
	{"RESOURCE_KILL_GRACE_MS", millis(func(c *Config) *string { return &c.Guard.Grace })},
	{"RESOURCE_CHECK_INTERVAL_MS", millis(func(c *Config) *string { return &c.Guard.Interval })},

	{"SIMPLE_TREE_SCAN_MS", millis(func(c *Config) *string { return &c.Tree.ScanInterval })},
	{"SIMPLE_TREE_WARMUP_SCANS", integer(func(c *Config) *int { return &c.Tree.WarmupScans })},
	{"SIMPLE_TREE_WARMUP_INTERVAL_MS", millis(func(c *Config) *string { return &c.Tree.WarmupInterval })},
	{"SIMPLE_TREE_NUDGE_DELAY_MS", millis(func(c *Config) *string { return &c.Tree.NudgeDelay })},
	{"SIMPLE_TREE_NUDGE_MAX_WAIT_MS", millis(func(c *Config) *string { return &c.Tree.NudgeMaxWait })},
	{"SIMPLE_TREE_DEDUP_LEADING_CHARS", str(func(c *Config) *string { return &c.Tree.DedupLeadingChars })},

	{"INPUT_MAX_TOKENS_PER_SEC", integer(func(c *Config) *int { return &c.Input.TokensPerSec })},
	{"INPUT_BURST_BYTES", integer(func(c *Config) *int { return &c.Input.BurstBytes })},

	{"LOG_LEVEL", str(func(c *Config) *string { return &c.Logging.Level })},
	{"LOG_FORMAT", str(func(c *Config) *string { return &c.Logging.Format })},
}

// ApplyEnv overrides config fields from the environment. Unset variables
// leave the field untouched; malformed values are reported together.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	var errs []error
	for _, b := range envBindings {
		v, ok := lookup(b.key)
		if !ok {
			continue
		}
		if err := b.apply(c, v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", b.key, err))
		}
	}
	c.Sandbox.applyMinimalMode()
	return errors.Join(errs...)
}
