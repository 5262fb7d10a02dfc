package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/edgeprov/internal/tools"
)

// Duration decodes TOML strings such as "30s" or "5m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the whole provisioning description, loaded once per run.
type Config struct {
	StateDir        string           `toml:"state_dir"`
	LockFile        string           `toml:"lock_file"`
	MetricsTextfile string           `toml:"metrics_textfile"`
	BackupSuffix    string           `toml:"backup_suffix"`
	ReleaseAPI      string           `toml:"release_api"`
	Mutations       []MutationConfig `toml:"mutations"`
	Targets         []TargetConfig   `toml:"targets"`
	Migration       MigrationConfig  `toml:"migration"`
	Gate            GateConfig       `toml:"gate"`
	SSH             SSHConfig        `toml:"ssh"`
}

// MutationConfig is one Config Mutator operation.
type MutationConfig struct {
	File     string `toml:"file"`
	Op       string `toml:"op"`
	Key      string `toml:"key"`
	Value    string `toml:"value"`
	Line     string `toml:"line"`
	Match    string `toml:"match"`
	Required bool   `toml:"required"`
}

const (
	MutationSetKey     = "set_key"
	MutationEnsureLine = "ensure_line"
)

// TargetConfig is one artifact and its ordered strategies.
type TargetConfig struct {
	Name       string           `toml:"name"`
	Path       string           `toml:"path"`
	Timeout    Duration         `toml:"timeout"`
	Strategies []StrategyConfig `toml:"strategies"`
}

const (
	StrategyInstaller = "installer"
	StrategyRelease   = "release"
	StrategyBuild     = "build"
)

// StrategyConfig carries the union of per-kind strategy settings.
type StrategyConfig struct {
	Kind     string   `toml:"kind"`
	Timeout  Duration `toml:"timeout"`
	Command  string   `toml:"command"`
	Produces string   `toml:"produces"`
	Repo     string   `toml:"repo"`
	Match    []string `toml:"match"`
	Exclude  []string `toml:"exclude"`
	Binary   string   `toml:"binary"`
	RepoURL  string   `toml:"repo_url"`
	Ref      string   `toml:"ref"`
	Commands []string `toml:"commands"`
	Output   string   `toml:"output"`
}

// MigrationConfig drives the Migration Scanner.
type MigrationConfig struct {
	Enabled     bool              `toml:"enabled"`
	Destination string            `toml:"destination"`
	Primary     string            `toml:"primary"`
	MaxDepth    int               `toml:"max_depth"`
	MountRoot   string            `toml:"mount_root"`
	LogFile     string            `toml:"log_file"`
	Strategy    string            `toml:"strategy"`
	Signatures  []SignatureConfig `toml:"signatures"`
	Tool        ToolConfig        `toml:"tool"`
}

type SignatureConfig struct {
	Path string `toml:"path"`
	Kind string `toml:"kind"`
}

type ToolConfig struct {
	Path    string   `toml:"path"`
	Args    []string `toml:"args"`
	Timeout Duration `toml:"timeout"`
}

// GateConfig drives the Service Gate.
type GateConfig struct {
	Binary          string                       `toml:"binary"`
	ClientConfig    string                       `toml:"client_config"`
	Credential      string                       `toml:"credential"`
	WorkingDir      string                       `toml:"working_dir"`
	Args            []string                     `toml:"args"`
	RetryInterval   Duration                     `toml:"retry_interval"`
	RestartBackoff  Duration                     `toml:"restart_backoff"`
	PollInterval    Duration                     `toml:"poll_interval"`
	CrashLoopMax    int                          `toml:"crash_loop_max"`
	CrashLoopWindow Duration                     `toml:"crash_loop_window"`
	Listen          string                       `toml:"listen"`
	CorsOrigins     []string                     `toml:"cors_origins"`
	UnitPath        string                       `toml:"unit_path"`
	Executable      string                       `toml:"executable"`
	Handshake       HandshakeConfig              `toml:"handshake"`
	Profiles        map[string]map[string]string `toml:"profiles"`
}

type HandshakeConfig struct {
	Command string   `toml:"command"`
	Timeout Duration `toml:"timeout"`
	Remote  bool     `toml:"remote"`
}

// SSHConfig configures the remote runner used by remote handshakes.
type SSHConfig struct {
	Host       string   `toml:"host"`
	Port       string   `toml:"port"`
	User       string   `toml:"user"`
	KeyPath    string   `toml:"key_path"`
	KnownHosts string   `toml:"known_hosts"`
	Insecure   bool     `toml:"insecure_skip_host_key_check"`
	Timeout    Duration `toml:"timeout"`
}

const (
	ProfileDefault  = "default"
	ProfileFallback = "fallback"
)

// Default returns the configuration every file is layered over.
func Default() Config {
	return Config{
		StateDir:     "/var/lib/edgeprov",
		BackupSuffix: ".bak",
		ReleaseAPI:   "https://api.github.com",
		Migration: MigrationConfig{
			MaxDepth:  4,
			MountRoot: "/run/edgeprov/mnt",
			Strategy:  "auto",
			Tool:      ToolConfig{Timeout: Duration{10 * time.Minute}},
		},
		Gate: GateConfig{
			RetryInterval:   Duration{30 * time.Second},
			RestartBackoff:  Duration{5 * time.Second},
			PollInterval:    Duration{10 * time.Second},
			CrashLoopMax:    5,
			CrashLoopWindow: Duration{2 * time.Minute},
			Executable:      "/usr/local/bin/provisionctl",
			Handshake:       HandshakeConfig{Timeout: Duration{2 * time.Minute}},
		},
		SSH: SSHConfig{Timeout: Duration{10 * time.Second}},
	}
}

// Load decodes path over Default, fills derived paths and validates.
func Load(path string) (Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return Config{}, fmt.Errorf("config parse failed (%s): unknown keys %s", path, strings.Join(keys, ", "))
	}
	if !meta.IsDefined("migration", "enabled") && len(cfg.Migration.Signatures) > 0 {
		cfg.Migration.Enabled = true
	}
	cfg.applyDerived()
	if err := Validate(cfg); err != nil {
		return Config{}, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyDerived() {
	if strings.TrimSpace(c.LockFile) == "" {
		c.LockFile = filepath.Join(c.StateDir, "provision.lock")
	}
	if strings.TrimSpace(c.Migration.LogFile) == "" {
		c.Migration.LogFile = filepath.Join(c.StateDir, "migrations.jsonl")
	}
	for i := range c.Targets {
		if c.Targets[i].Timeout.Duration <= 0 {
			c.Targets[i].Timeout = Duration{10 * time.Minute}
		}
	}
}

// AcquisitionsFile is where committed strategy winners are persisted.
func (c Config) AcquisitionsFile() string {
	return filepath.Join(c.StateDir, "acquisitions.toml")
}

// GateStateFile is where the gate persists its current state.
func (c Config) GateStateFile() string {
	return filepath.Join(c.StateDir, "gate.toml")
}

// Target returns the target config named name.
func (c Config) Target(name string) (TargetConfig, bool) {
	for _, t := range c.Targets {
		if t.Name == name {
			return t, true
		}
	}
	return TargetConfig{}, false
}

// GateBinaryPath resolves gate.binary as a target name first, then as a path.
func (c Config) GateBinaryPath() string {
	if t, ok := c.Target(c.Gate.Binary); ok {
		return t.Path
	}
	return c.Gate.Binary
}

func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.StateDir) == "" {
		return fmt.Errorf("state_dir is required")
	}
	for i, m := range cfg.Mutations {
		if err := validateMutation(m); err != nil {
			return fmt.Errorf("mutations[%d] invalid: %w", i, err)
		}
	}
	seen := make(map[string]struct{}, len(cfg.Targets))
	for i, t := range cfg.Targets {
		if err := validateTarget(t); err != nil {
			return fmt.Errorf("targets[%d] invalid: %w", i, err)
		}
		if _, dup := seen[t.Name]; dup {
			return fmt.Errorf("targets[%d] invalid: duplicate name %q", i, t.Name)
		}
		seen[t.Name] = struct{}{}
	}
	if err := validateMigration(cfg.Migration); err != nil {
		return fmt.Errorf("migration invalid: %w", err)
	}
	if err := validateGate(cfg.Gate); err != nil {
		return fmt.Errorf("gate invalid: %w", err)
	}
	return nil
}

func validateMutation(m MutationConfig) error {
	if strings.TrimSpace(m.File) == "" {
		return fmt.Errorf("file is required")
	}
	switch m.Op {
	case MutationSetKey:
		if strings.TrimSpace(m.Key) == "" {
			return fmt.Errorf("key is required for %s", m.Op)
		}
	case MutationEnsureLine:
		if strings.TrimSpace(m.Line) == "" {
			return fmt.Errorf("line is required for %s", m.Op)
		}
	default:
		return fmt.Errorf("unknown op %q", m.Op)
	}
	return nil
}

func validateTarget(t TargetConfig) error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if !filepath.IsAbs(t.Path) {
		return fmt.Errorf("path must be absolute: %q", t.Path)
	}
	if len(t.Strategies) == 0 {
		return fmt.Errorf("at least one strategy is required")
	}
	for i, s := range t.Strategies {
		if err := validateStrategy(s); err != nil {
			return fmt.Errorf("strategies[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStrategy(s StrategyConfig) error {
	switch s.Kind {
	case StrategyInstaller:
		if _, err := tools.SplitCommand(s.Command); err != nil {
			return err
		}
	case StrategyRelease:
		if strings.Count(strings.Trim(s.Repo, "/"), "/") != 1 {
			return fmt.Errorf("repo must be owner/name: %q", s.Repo)
		}
	case StrategyBuild:
		if strings.TrimSpace(s.RepoURL) == "" || strings.TrimSpace(s.Output) == "" {
			return fmt.Errorf("repo_url and output are required for build")
		}
		for _, line := range s.Commands {
			if _, err := tools.SplitCommand(line); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unknown kind %q", s.Kind)
	}
	return nil
}

func validateMigration(m MigrationConfig) error {
	if !m.Enabled {
		return nil
	}
	if !filepath.IsAbs(m.Destination) {
		return fmt.Errorf("destination must be absolute: %q", m.Destination)
	}
	if len(m.Signatures) == 0 {
		return fmt.Errorf("at least one signature is required")
	}
	for i, sig := range m.Signatures {
		if strings.TrimSpace(sig.Path) == "" {
			return fmt.Errorf("signatures[%d]: path is required", i)
		}
		if sig.Kind != "" && sig.Kind != "file" && sig.Kind != "dir" {
			return fmt.Errorf("signatures[%d]: unknown kind %q", i, sig.Kind)
		}
	}
	if m.MaxDepth <= 0 {
		return fmt.Errorf("max_depth must be positive")
	}
	switch m.Strategy {
	case "auto", "tool", "copy":
	default:
		return fmt.Errorf("unknown strategy %q", m.Strategy)
	}
	return nil
}

func validateGate(g GateConfig) error {
	if strings.TrimSpace(g.Binary) == "" {
		return nil
	}
	if strings.TrimSpace(g.Credential) == "" {
		return fmt.Errorf("credential is required when binary is set")
	}
	if g.RestartBackoff.Duration <= 0 || g.RetryInterval.Duration <= 0 || g.PollInterval.Duration <= 0 {
		return fmt.Errorf("retry_interval, restart_backoff and poll_interval must be positive")
	}
	if g.CrashLoopMax <= 0 || g.CrashLoopWindow.Duration <= 0 {
		return fmt.Errorf("crash_loop_max and crash_loop_window must be positive")
	}
	if _, ok := g.Profiles[ProfileDefault]; !ok && len(g.Profiles) > 0 {
		return fmt.Errorf("profiles must include %q", ProfileDefault)
	}
	if g.Handshake.Command != "" {
		if _, err := tools.SplitCommand(g.Handshake.Command); err != nil {
			return fmt.Errorf("handshake: %w", err)
		}
	}
	return nil
}
