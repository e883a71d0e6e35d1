package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"

	"github.com/codelab/coderunner/pkg/errors"
)

const (
	// Docker network names are capped at 63 characters. Session identifiers
	// are 32-char hex, plus the separating dash.
	maxNetworkNameLen = 63
	sessionIDLen      = 32

	// SessionLabel marks every container and network owned by this service so
	// external cleanup can find them without process state.
	SessionLabel      = "type=coderunner-session"
	SessionLabelKey   = "type"
	SessionLabelValue = "coderunner-session"
	SessionIDLabelKey = "coderunner.session-id"
	LanguageLabelKey  = "coderunner.language"
	CreatedAtLabelKey = "coderunner.created-at"
)

// SubnetPool is one configured CIDR range that /24 session subnets are carved
// from. Capacity is the number of /24s the range holds.
type SubnetPool struct {
	Name      string
	Base      net.IP
	PrefixLen int
	Capacity  int
}

// Config is the immutable settings structure. Built once by Load, validated,
// then shared read-only.
type Config struct {
	ListenHost string
	ListenPort int

	DockerMemory    string
	DockerMemorySQL string
	DockerCPUs      float64

	DockerCommandTimeout time.Duration
	ExecutionTimeout     time.Duration
	InteractiveTimeout   time.Duration
	SessionTTL           time.Duration
	CleanupInterval      time.Duration

	MaxPerSession         int
	MaxConcurrentSessions int
	MaxQueueSize          int
	QueueTimeout          time.Duration

	SubnetPools          []SubnetPool
	SessionNetworkPrefix string

	FilesMaxBytes int64
	FilesMaxCount int

	Runtimes map[string]Runtime
}

// Load reads the process environment and returns a validated Config.
func Load() (*Config, error) {
	return LoadFromEnv(os.Getenv)
}

// LoadFromEnv builds a Config from the given environment lookup. Tests pass a
// map-backed getenv instead of mutating the process environment.
func LoadFromEnv(getenv func(string) string) (*Config, error) {
	cfg := &Config{
		ListenHost:            envString(getenv, "CODERUNNER_LISTEN_HOST", "0.0.0.0"),
		DockerMemory:          envString(getenv, "CODERUNNER_DOCKER_MEMORY", "256m"),
		DockerMemorySQL:       envString(getenv, "CODERUNNER_DOCKER_MEMORY_SQL", "512m"),
		SessionNetworkPrefix:  envString(getenv, "CODERUNNER_SESSION_NETWORK_PREFIX", "coderunner"),
		MaxPerSession:         0,
		MaxConcurrentSessions: 0,
	}

	var err error
	if cfg.ListenPort, err = envInt(getenv, "CODERUNNER_LISTEN_PORT", 8080); err != nil {
		return nil, err
	}
	if cfg.DockerCPUs, err = envFloat(getenv, "CODERUNNER_DOCKER_CPUS", 0.5); err != nil {
		return nil, err
	}
	if cfg.DockerCommandTimeout, err = envDurationMs(getenv, "CODERUNNER_DOCKER_COMMAND_TIMEOUT_MS", 10000); err != nil {
		return nil, err
	}
	if cfg.ExecutionTimeout, err = envDurationMs(getenv, "CODERUNNER_EXECUTION_TIMEOUT_MS", 5000); err != nil {
		return nil, err
	}
	if cfg.InteractiveTimeout, err = envDurationMs(getenv, "CODERUNNER_INTERACTIVE_TIMEOUT_MS", 30000); err != nil {
		return nil, err
	}
	if cfg.SessionTTL, err = envDurationMs(getenv, "CODERUNNER_SESSION_TTL_MS", 60000); err != nil {
		return nil, err
	}
	if cfg.CleanupInterval, err = envDurationMs(getenv, "CODERUNNER_CLEANUP_INTERVAL_MS", 30000); err != nil {
		return nil, err
	}
	if cfg.MaxPerSession, err = envInt(getenv, "CODERUNNER_MAX_PER_SESSION", 5); err != nil {
		return nil, err
	}
	if cfg.MaxConcurrentSessions, err = envInt(getenv, "CODERUNNER_MAX_CONCURRENT_SESSIONS", 50); err != nil {
		return nil, err
	}
	if cfg.MaxQueueSize, err = envInt(getenv, "CODERUNNER_MAX_QUEUE_SIZE", 200); err != nil {
		return nil, err
	}
	if cfg.QueueTimeout, err = envDurationMs(getenv, "CODERUNNER_QUEUE_TIMEOUT_MS", 60000); err != nil {
		return nil, err
	}
	if cfg.FilesMaxBytes, err = envInt64(getenv, "CODERUNNER_FILES_MAX_BYTES", 1048576); err != nil {
		return nil, err
	}
	if cfg.FilesMaxCount, err = envInt(getenv, "CODERUNNER_FILES_MAX_COUNT", 20); err != nil {
		return nil, err
	}

	poolSpec := envString(getenv, "CODERUNNER_SUBNET_POOLS", "lab:10.30.0.0/16,overflow:10.31.0.0/17")
	if cfg.SubnetPools, err = ParseSubnetPools(poolSpec); err != nil {
		return nil, err
	}

	cfg.Runtimes = DefaultRuntimes()
	if path := getenv("CODERUNNER_RUNTIMES_FILE"); path != "" {
		if err := LoadRuntimesFile(path, cfg.Runtimes); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseSubnetPools parses the ordered pool list. Format:
// "name:base/prefix,name:base/prefix". Prefix must leave room for /24 carving.
func ParseSubnetPools(spec string) ([]SubnetPool, error) {
	var pools []SubnetPool
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		idx := strings.Index(part, ":")
		if idx <= 0 {
			return nil, errors.New(errors.CodeConfigInvalid, "subnet pool %q: want name:base/prefix", part)
		}
		name := part[:idx]
		ip, ipNet, err := net.ParseCIDR(part[idx+1:])
		if err != nil {
			return nil, errors.Wrap(errors.CodeConfigInvalid, err, fmt.Sprintf("subnet pool %q", name))
		}
		ones, bits := ipNet.Mask.Size()
		if bits != 32 {
			return nil, errors.New(errors.CodeConfigInvalid, "subnet pool %q: IPv4 only", name)
		}
		if ones > 24 {
			return nil, errors.New(errors.CodeConfigInvalid, "subnet pool %q: prefix /%d leaves no /24s", name, ones)
		}
		pools = append(pools, SubnetPool{
			Name:      name,
			Base:      ip.Mask(ipNet.Mask).To4(),
			PrefixLen: ones,
			Capacity:  1 << (24 - ones),
		})
	}
	return pools, nil
}

// Validate checks the loaded settings. All violations return CONFIG_INVALID.
func (c *Config) Validate() error {
	if c.ListenPort < 1 || c.ListenPort > 65535 {
		return errors.New(errors.CodeConfigInvalid, "listen port %d out of range", c.ListenPort)
	}
	if _, err := units.RAMInBytes(c.DockerMemory); err != nil {
		return errors.Wrap(errors.CodeConfigInvalid, err, "docker memory")
	}
	if _, err := units.RAMInBytes(c.DockerMemorySQL); err != nil {
		return errors.Wrap(errors.CodeConfigInvalid, err, "docker sql memory")
	}
	if c.DockerCPUs <= 0 {
		return errors.New(errors.CodeConfigInvalid, "docker cpus must be positive")
	}
	for name, d := range map[string]time.Duration{
		"docker command timeout": c.DockerCommandTimeout,
		"execution timeout":      c.ExecutionTimeout,
		"interactive timeout":    c.InteractiveTimeout,
		"session ttl":            c.SessionTTL,
		"cleanup interval":       c.CleanupInterval,
		"queue timeout":          c.QueueTimeout,
	} {
		if d <= 0 {
			return errors.New(errors.CodeConfigInvalid, "%s must be positive", name)
		}
	}
	for name, n := range map[string]int{
		"max per session":         c.MaxPerSession,
		"max concurrent sessions": c.MaxConcurrentSessions,
		"max queue size":          c.MaxQueueSize,
		"files max count":         c.FilesMaxCount,
	} {
		if n <= 0 {
			return errors.New(errors.CodeConfigInvalid, "%s must be positive", name)
		}
	}
	if c.FilesMaxBytes <= 0 {
		return errors.New(errors.CodeConfigInvalid, "files max bytes must be positive")
	}

	if len(c.SubnetPools) == 0 {
		return errors.New(errors.CodeConfigInvalid, "no subnet pools configured")
	}
	total := 0
	for _, p := range c.SubnetPools {
		total += p.Capacity
	}
	if total < c.MaxConcurrentSessions {
		return errors.New(errors.CodeConfigInvalid,
			"subnet capacity %d below max concurrent sessions %d", total, c.MaxConcurrentSessions)
	}

	if c.SessionNetworkPrefix == "" {
		return errors.New(errors.CodeConfigInvalid, "session network prefix is empty")
	}
	for _, r := range c.SessionNetworkPrefix {
		if r > 127 {
			return errors.New(errors.CodeConfigInvalid, "session network prefix must be ASCII")
		}
	}
	if len(c.SessionNetworkPrefix)+1+sessionIDLen > maxNetworkNameLen {
		return errors.New(errors.CodeConfigInvalid, "session network prefix too long")
	}

	if len(c.Runtimes) == 0 {
		return errors.New(errors.CodeConfigInvalid, "no runtimes configured")
	}
	for lang, rt := range c.Runtimes {
		if rt.Image == "" {
			return errors.New(errors.CodeConfigInvalid, "runtime %q has no image", lang)
		}
		if rt.Run == "" {
			return errors.New(errors.CodeConfigInvalid, "runtime %q has no run command", lang)
		}
	}
	return nil
}

// Memory returns the container memory cap in bytes for the given runtime,
// honouring the SQL override class.
func (c *Config) Memory(rt Runtime) int64 {
	spec := c.DockerMemory
	if rt.MemoryClass == MemoryClassSQL {
		spec = c.DockerMemorySQL
	}
	n, err := units.RAMInBytes(spec)
	if err != nil {
		// Validate rejected unparseable specs already.
		n = 256 * 1024 * 1024
	}
	return n
}

// NanoCPUs returns the per-container CPU cap in Docker's nano-cpu unit.
func (c *Config) NanoCPUs() int64 {
	return int64(c.DockerCPUs * 1e9)
}

// ListenAddr returns the host:port transport binding.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.ListenHost, strconv.Itoa(c.ListenPort))
}

func envString(getenv func(string) string, key, def string) string {
	if v := getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(getenv func(string) string, key string, def int) (int, error) {
	v := getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.Wrap(errors.CodeConfigInvalid, err, key)
	}
	return n, nil
}

func envInt64(getenv func(string) string, key string, def int64) (int64, error) {
	v := getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, errors.Wrap(errors.CodeConfigInvalid, err, key)
	}
	return n, nil
}

func envFloat(getenv func(string) string, key string, def float64) (float64, error) {
	v := getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, errors.Wrap(errors.CodeConfigInvalid, err, key)
	}
	return f, nil
}

func envDurationMs(getenv func(string) string, key string, defMs int64) (time.Duration, error) {
	ms, err := envInt64(getenv, key, defMs)
	if err != nil {
		return 0, err
	}
	return time.Duration(ms) * time.Millisecond, nil
}
