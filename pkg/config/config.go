// Package config loads the relay's static configuration from the environment.
//
// Configuration is read once at startup, validated, and never mutated
// afterwards. Any problem is returned as an error so the process can refuse
// to start instead of serving with a broken routing table.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultPort        = 5000
	defaultSendTimeout = 10 * time.Second
	defaultMaxConns    = 10
	defaultAPIURL      = "https://api.telegram.org"
	defaultStartText   = "Webhook relay is up and running."
)

// DefaultBranches is the branch allow-list used when BRANCHES is unset.
var DefaultBranches = []string{"main", "master", "dev"}

var (
	// ErrMissingToken is returned when BOT_TOKEN is not set.
	ErrMissingToken = errors.New("BOT_TOKEN is required")
	// ErrNoRepositories is returned when no repository routes are configured.
	ErrNoRepositories = errors.New("no repositories configured: set ROUTES, ROUTES_FILE, or REPOSITORIES with AUTHORIZED_CHAT_IDS")
	// ErrInvalidDestination is returned for a destination that is not a chat id or @username.
	ErrInvalidDestination = errors.New("invalid destination")
)

// Chat ids are integers (negative for groups and channels); public channels
// may also be addressed as @username.
var destinationPattern = regexp.MustCompile(`^(-?[0-9]{1,20}|@[A-Za-z][A-Za-z0-9_]{3,31})$`)

// RepositoryConfig holds the destinations for a single repository.
type RepositoryConfig struct {
	Name        string   `yaml:"-"`
	Push        []string `yaml:"push"`
	PullRequest []string `yaml:"pull_request"`
}

// AllDestinations returns the push and pull request destinations without duplicates.
func (r RepositoryConfig) AllDestinations() []string {
	var out []string
	for _, d := range append(slices.Clone(r.Push), r.PullRequest...) {
		if !slices.Contains(out, d) {
			out = append(out, d)
		}
	}
	return out
}

// Config is the relay configuration.
type Config struct {
	Repositories  map[string]RepositoryConfig
	BotToken      string
	APIURL        string
	WebhookSecret string
	WatchToken    string
	StartMessage  string
	LogLevel      string
	LogFormat     string
	Branches      []string
	Port          int
	MaxConns      int
	SendTimeout   time.Duration
}

// Getenv matches os.Getenv; tests substitute a map lookup.
type Getenv func(string) string

// Load reads configuration from the process environment.
func Load() (*Config, error) {
	return LoadFrom(os.Getenv)
}

// LoadFrom reads configuration through getenv and validates it.
func LoadFrom(getenv Getenv) (*Config, error) {
	cfg := &Config{
		BotToken:      strings.TrimSpace(getenv("BOT_TOKEN")),
		APIURL:        strings.TrimRight(getEnv(getenv, "TELEGRAM_API_URL", defaultAPIURL), "/"),
		WebhookSecret: strings.TrimSpace(getenv("GITHUB_WEBHOOK_SECRET")),
		WatchToken:    strings.TrimSpace(getenv("WATCH_TOKEN")),
		StartMessage:  getEnv(getenv, "START_MESSAGE", defaultStartText),
		LogLevel:      getEnv(getenv, "LOG_LEVEL", "info"),
		LogFormat:     getEnv(getenv, "LOG_FORMAT", "text"),
		Branches:      splitList(getenv("BRANCHES")),
		Port:          defaultPort,
		MaxConns:      defaultMaxConns,
		SendTimeout:   defaultSendTimeout,
	}
	if len(cfg.Branches) == 0 {
		cfg.Branches = slices.Clone(DefaultBranches)
	}
	for i, b := range cfg.Branches {
		cfg.Branches[i] = strings.ToLower(b)
	}

	var err error
	if cfg.Port, err = getEnvInt(getenv, "PORT", defaultPort); err != nil {
		return nil, err
	}
	if cfg.MaxConns, err = getEnvInt(getenv, "MAX_CONNS", defaultMaxConns); err != nil {
		return nil, err
	}
	if v := strings.TrimSpace(getenv("SEND_TIMEOUT")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("SEND_TIMEOUT: %w", err)
		}
		cfg.SendTimeout = d
	}

	cfg.Repositories, err = loadRoutes(getenv)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for problems that must stop startup.
func (c *Config) Validate() error {
	if c.BotToken == "" {
		return ErrMissingToken
	}
	if len(c.Repositories) == 0 {
		return ErrNoRepositories
	}
	for name, repo := range c.Repositories {
		if name == "" {
			return errors.New("repository name cannot be empty")
		}
		for _, d := range repo.AllDestinations() {
			if !destinationPattern.MatchString(d) {
				return fmt.Errorf("%w %q for repository %q", ErrInvalidDestination, d, name)
			}
		}
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("PORT out of range: %d", c.Port)
	}
	if c.MaxConns < 1 {
		return fmt.Errorf("MAX_CONNS must be at least 1, got %d", c.MaxConns)
	}
	if c.SendTimeout <= 0 {
		return fmt.Errorf("SEND_TIMEOUT must be positive, got %s", c.SendTimeout)
	}
	return nil
}

// AllDestinations returns every configured destination across all
// repositories and event kinds, deduplicated and sorted.
func (c *Config) AllDestinations() []string {
	seen := map[string]bool{}
	var out []string
	for _, repo := range c.Repositories {
		for _, d := range repo.AllDestinations() {
			if !seen[d] {
				seen[d] = true
				out = append(out, d)
			}
		}
	}
	slices.Sort(out)
	return out
}

// loadRoutes builds the repository table from ROUTES, ROUTES_FILE or the
// legacy REPOSITORIES/AUTHORIZED_CHAT_IDS pair, in that order.
func loadRoutes(getenv Getenv) (map[string]RepositoryConfig, error) {
	if inline := strings.TrimSpace(getenv("ROUTES")); inline != "" {
		repos, err := ParseRoutes([]byte(inline))
		if err != nil {
			return nil, fmt.Errorf("ROUTES: %w", err)
		}
		return repos, nil
	}

	if path := strings.TrimSpace(getenv("ROUTES_FILE")); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading ROUTES_FILE: %w", err)
		}
		repos, err := ParseRoutes(data)
		if err != nil {
			return nil, fmt.Errorf("ROUTES_FILE %s: %w", path, err)
		}
		return repos, nil
	}

	names := splitList(getenv("REPOSITORIES"))
	chats := splitList(getenv("AUTHORIZED_CHAT_IDS"))
	if len(names) == 0 {
		return nil, nil
	}
	if len(chats) == 0 {
		return nil, errors.New("REPOSITORIES is set but AUTHORIZED_CHAT_IDS is empty")
	}
	repos := make(map[string]RepositoryConfig, len(names))
	for _, name := range names {
		repos[name] = RepositoryConfig{
			Name:        name,
			Push:        slices.Clone(chats),
			PullRequest: slices.Clone(chats),
		}
	}
	return repos, nil
}

// ParseRoutes decodes a YAML (or JSON) mapping of repository name to
// push and pull_request destination lists.
func ParseRoutes(data []byte) (map[string]RepositoryConfig, error) {
	var raw map[string]RepositoryConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing routes: %w", err)
	}
	repos := make(map[string]RepositoryConfig, len(raw))
	for name, repo := range raw {
		repo.Name = name
		repo.Push = trimAll(repo.Push)
		repo.PullRequest = trimAll(repo.PullRequest)
		repos[name] = repo
	}
	return repos, nil
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	return trimAll(strings.Split(raw, ","))
}

func getEnv(getenv Getenv, key, fallback string) string {
	if value := strings.TrimSpace(getenv(key)); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(getenv Getenv, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(getenv(key))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return value, nil
}
