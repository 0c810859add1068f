package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// DefaultBaseURL is the public Neon control-plane API root
const DefaultBaseURL = "https://console.neon.tech/api/v2"

// ConfigFileNames are the names to search for when auto-discovering config
var ConfigFileNames = []string{
	"pgbranch.yaml",
	"pgbranch.yml",
	"pgbranch.toml",
	".pgbranch.yaml",
	".pgbranch.yml",
	".pgbranch.toml",
}

type Config struct {
	ControlPlane ControlPlaneConfig `yaml:"control_plane" toml:"control_plane"`
	Poller       PollerConfig       `yaml:"poller" toml:"poller"`
	Database     DatabaseConfig     `yaml:"database" toml:"database"`
	API          APIConfig          `yaml:"api" toml:"api"`
	History      HistoryConfig      `yaml:"history" toml:"history"`
	LockDir      string             `yaml:"lock_dir" toml:"lock_dir"`
	Force        bool               `yaml:"force" toml:"force"` // Replace an existing branch of the same name
}

type ControlPlaneConfig struct {
	BaseURL           string   `yaml:"base_url" toml:"base_url"`
	APIKey            string   `yaml:"api_key" toml:"api_key"`
	ProjectID         string   `yaml:"project_id" toml:"project_id"`
	Timeout           Duration `yaml:"timeout" toml:"timeout"`
	RequestsPerSecond float64  `yaml:"requests_per_second" toml:"requests_per_second"` // 0 disables pacing
}

type PollerConfig struct {
	MaxAttempts int      `yaml:"max_attempts" toml:"max_attempts"`
	BaseDelay   Duration `yaml:"base_delay" toml:"base_delay"`
	MaxDelay    Duration `yaml:"max_delay" toml:"max_delay"`
}

type DatabaseConfig struct {
	URL      string `yaml:"url" toml:"url"`
	Mode     string `yaml:"mode" toml:"mode"` // pooled, stateless
	MaxConns int32  `yaml:"max_conns" toml:"max_conns"`
}

type APIConfig struct {
	Port           int      `yaml:"port" toml:"port"`
	Token          string   `yaml:"token" toml:"token"`
	RequireToken   bool     `yaml:"require_token" toml:"require_token"`     // If true, API requires authentication even if token is empty
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"` // CORS allowed origins
}

type HistoryConfig struct {
	Driver string `yaml:"driver" toml:"driver"` // sqlite, postgres
	Path   string `yaml:"path" toml:"path"`
	URL    string `yaml:"url" toml:"url"`
}

// Duration wraps time.Duration so config files can say "10s" instead of nanoseconds
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = parsed
	return nil
}

// Discover searches for a config file in standard locations
// Search order: current directory, then home directory
func Discover() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		home = "" // Continue without home directory
	}

	searchDirs := []string{cwd}
	if home != "" {
		searchDirs = append(searchDirs, home, filepath.Join(home, ".config", "pgbranch"))
	}
	searchDirs = append(searchDirs, "/etc/pgbranch")

	for _, dir := range searchDirs {
		for _, name := range ConfigFileNames {
			path := filepath.Join(dir, name)
			if _, err := os.Stat(path); err == nil {
				return path, nil
			}
		}
	}

	return "", fmt.Errorf("no config file found; create pgbranch.yaml in current directory or specify with --config")
}

// Load reads a YAML or TOML config file and applies environment overrides
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if strings.HasSuffix(path, ".toml") {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("parsing TOML: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	cfg.ApplyEnv()
	return cfg, nil
}

// ApplyEnv overrides config values with environment variables
func (c *Config) ApplyEnv() {
	if key := os.Getenv("NEON_API_KEY"); key != "" {
		c.ControlPlane.APIKey = key
	}
	if project := os.Getenv("NEON_PROJECT_ID"); project != "" {
		c.ControlPlane.ProjectID = project
	}
	if baseURL := os.Getenv("NEON_API_URL"); baseURL != "" {
		c.ControlPlane.BaseURL = baseURL
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		c.Database.URL = dbURL
	}
	if apiPort := os.Getenv("PGBRANCH_API_PORT"); apiPort != "" {
		if p, err := strconv.Atoi(apiPort); err == nil {
			c.API.Port = p
		}
	}
	if token := os.Getenv("PGBRANCH_API_TOKEN"); token != "" {
		c.API.Token = token
	}
	if requireToken := os.Getenv("PGBRANCH_REQUIRE_TOKEN"); requireToken != "" {
		c.API.RequireToken = requireToken == "true" || requireToken == "1"
	}
	if origins := os.Getenv("PGBRANCH_ALLOWED_ORIGINS"); origins != "" {
		c.API.AllowedOrigins = splitAndTrim(origins, ",")
	}
	if force := os.Getenv("PGBRANCH_FORCE"); force != "" {
		c.Force = force == "true" || force == "1"
	}
}

// splitAndTrim splits a string by separator and trims whitespace from each part
func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// Default returns a default configuration without loading from file
func Default() *Config {
	home, _ := os.UserHomeDir()
	stateDir := filepath.Join(home, ".local", "state", "pgbranch")

	return &Config{
		ControlPlane: ControlPlaneConfig{
			BaseURL: DefaultBaseURL,
			Timeout: Duration{30 * time.Second},
		},
		Poller: PollerConfig{
			MaxAttempts: 10,
			BaseDelay:   Duration{time.Second},
			MaxDelay:    Duration{10 * time.Second},
		},
		Database: DatabaseConfig{
			Mode:     "pooled",
			MaxConns: 10,
		},
		API: APIConfig{
			Port:         8080,
			RequireToken: true,
		},
		History: HistoryConfig{
			Driver: "sqlite",
			Path:   filepath.Join(stateDir, "history.db"),
		},
		LockDir: filepath.Join(stateDir, "locks"),
	}
}

// Validate checks that the settings needed to reach the control plane are present
func (c *Config) Validate() error {
	if c.ControlPlane.APIKey == "" {
		return fmt.Errorf("control plane API key is required (set NEON_API_KEY or control_plane.api_key)")
	}
	if c.ControlPlane.ProjectID == "" {
		return fmt.Errorf("control plane project id is required (set NEON_PROJECT_ID or control_plane.project_id)")
	}
	if !strings.HasPrefix(c.ControlPlane.BaseURL, "https://") && !strings.HasPrefix(c.ControlPlane.BaseURL, "http://") {
		return fmt.Errorf("invalid control plane base url %q", c.ControlPlane.BaseURL)
	}
	if c.Poller.MaxAttempts < 1 {
		return fmt.Errorf("poller.max_attempts must be at least 1")
	}
	if c.Poller.BaseDelay.Duration <= 0 || c.Poller.MaxDelay.Duration < c.Poller.BaseDelay.Duration {
		return fmt.Errorf("poller delays must satisfy 0 < base_delay <= max_delay")
	}
	switch c.Database.Mode {
	case "pooled", "stateless":
	default:
		return fmt.Errorf("invalid database mode %q, must be one of: pooled, stateless", c.Database.Mode)
	}
	return nil
}

// ParseAge parses an age like "7d", "24h" or "1w". Go durations lack day and
// week units, which is what retention settings are usually written in.
func ParseAge(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	if len(s) < 2 {
		return 0, fmt.Errorf("invalid duration: %s", s)
	}

	value, err := strconv.ParseInt(s[:len(s)-1], 10, 64)
	if err != nil {
		return 0, err
	}

	var unit time.Duration
	switch s[len(s)-1] {
	case 's':
		unit = time.Second
	case 'm':
		unit = time.Minute
	case 'h':
		unit = time.Hour
	case 'd':
		unit = 24 * time.Hour
	case 'w':
		unit = 7 * 24 * time.Hour
	default:
		return 0, fmt.Errorf("invalid duration unit: %c", s[len(s)-1])
	}

	if value > math.MaxInt64/int64(unit) || value < math.MinInt64/int64(unit) {
		return 0, fmt.Errorf("duration out of range: %s", s)
	}
	return time.Duration(value) * unit, nil
}
