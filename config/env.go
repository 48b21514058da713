package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"tunedrop/types"

	"github.com/joho/godotenv"
)

// Config is the process configuration read from the environment
type Config struct {
	MaxConcurrentDownloads int
	PerRequesterLimit      int
	JobTimeout             time.Duration
	ShutdownGracePeriod    time.Duration

	CacheDir            string
	CacheMaxAge         time.Duration
	ReclamationInterval time.Duration
	ReclamationRetry    time.Duration
	ReclamationSchedule string

	Qualities      types.QualitySet
	DefaultQuality string

	AdminUsers      []int64
	AuthorizedUsers []int64
	OpenAccess      bool

	FetchBackend string
	FetchTimeout time.Duration

	StatsDB string

	ServerHost  string
	ServerPort  string
	CORSOrigins []string
	GinMode     string
}

// Fetch backends
const (
	BackendHTTP  = "http"
	BackendYtDlp = "ytdlp"
)

var defaultCORSOrigins = []string{"http://localhost:3000", "http://localhost:5173", "http://127.0.0.1:5173"}

// Load reads the optional .env files (default ".env") and then the process
// environment. Variables already set in the environment win.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, file := range envFiles {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", file, err)
		}
	}
	return FromEnv()
}

// FromEnv builds a Config from the process environment alone
func FromEnv() (*Config, error) {
	p := &parser{}
	cfg := &Config{
		MaxConcurrentDownloads: p.int("MAX_CONCURRENT_DOWNLOADS", 5),
		PerRequesterLimit:      p.int("PER_REQUESTER_LIMIT", 0),
		JobTimeout:             p.seconds("JOB_TIMEOUT_SECONDS", 0),
		ShutdownGracePeriod:    p.seconds("SHUTDOWN_GRACE_PERIOD_SECONDS", 30),

		CacheDir:            getEnv("CACHE_DIR", "data/cache"),
		CacheMaxAge:         p.seconds("CACHE_MAX_AGE_SECONDS", 86400),
		ReclamationInterval: p.seconds("RECLAMATION_INTERVAL_SECONDS", 3600),
		ReclamationRetry:    p.seconds("RECLAMATION_RETRY_SECONDS", 60),
		ReclamationSchedule: getEnv("RECLAMATION_SCHEDULE", ""),

		DefaultQuality: strings.ToUpper(getEnv("DEFAULT_QUALITY", "HIGH")),

		AdminUsers:      p.ids("ADMIN_USERS"),
		AuthorizedUsers: p.ids("AUTHORIZED_USERS"),
		OpenAccess:      p.bool("OPEN_ACCESS", false),

		FetchBackend: strings.ToLower(getEnv("FETCH_BACKEND", BackendHTTP)),
		FetchTimeout: p.seconds("FETCH_TIMEOUT_SECONDS", 1800),

		StatsDB: getEnvAllowEmpty("STATS_DB", "data/stats.db"),

		ServerHost:  os.Getenv("SERVER_HOST"),
		ServerPort:  getEnv("SERVER_PORT", "8080"),
		CORSOrigins: splitList(getEnv("CORS_ORIGINS", strings.Join(defaultCORSOrigins, ","))),
		GinMode:     getEnv("GIN_MODE", "release"),
	}

	qualities, err := ParseQualities(getEnv("QUALITY_OPTIONS", "HIGH=256,MEDIUM=128,LOW=64"))
	if err != nil {
		p.fail("QUALITY_OPTIONS", err)
	}
	cfg.Qualities = qualities

	if p.err != nil {
		return nil, p.err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints
func (c *Config) Validate() error {
	var errs []error
	if c.MaxConcurrentDownloads <= 0 {
		errs = append(errs, fmt.Errorf("MAX_CONCURRENT_DOWNLOADS must be positive, got %d", c.MaxConcurrentDownloads))
	}
	if c.PerRequesterLimit < 0 {
		errs = append(errs, fmt.Errorf("PER_REQUESTER_LIMIT must not be negative, got %d", c.PerRequesterLimit))
	}
	if c.CacheMaxAge <= 0 {
		errs = append(errs, errors.New("CACHE_MAX_AGE_SECONDS must be positive"))
	}
	if c.ReclamationInterval <= 0 {
		errs = append(errs, errors.New("RECLAMATION_INTERVAL_SECONDS must be positive"))
	}
	if c.ReclamationRetry <= 0 {
		errs = append(errs, errors.New("RECLAMATION_RETRY_SECONDS must be positive"))
	}
	if c.ShutdownGracePeriod < 0 || c.JobTimeout < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	if strings.TrimSpace(c.CacheDir) == "" {
		errs = append(errs, errors.New("CACHE_DIR must not be empty"))
	}
	if _, ok := c.Qualities.Lookup(c.DefaultQuality); !ok && len(c.Qualities) > 0 {
		errs = append(errs, fmt.Errorf("DEFAULT_QUALITY %q is not one of %s", c.DefaultQuality, strings.Join(c.Qualities.Labels(), ", ")))
	}
	if c.FetchBackend != BackendHTTP && c.FetchBackend != BackendYtDlp {
		errs = append(errs, fmt.Errorf("FETCH_BACKEND must be %q or %q, got %q", BackendHTTP, BackendYtDlp, c.FetchBackend))
	}
	return errors.Join(errs...)
}

// Addr returns the listen address
func (c *Config) Addr() string {
	return c.ServerHost + ":" + c.ServerPort
}

// ParseQualities parses an ordered "LABEL=kbps,..." list
func ParseQualities(raw string) (types.QualitySet, error) {
	var set types.QualitySet
	seen := make(map[string]bool)
	for _, item := range splitList(raw) {
		label, value, ok := strings.Cut(item, "=")
		label = strings.ToUpper(strings.TrimSpace(label))
		if !ok || label == "" {
			return nil, fmt.Errorf("quality %q: expected LABEL=bitrate", item)
		}
		bitrate, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || bitrate <= 0 {
			return nil, fmt.Errorf("quality %q: bitrate must be a positive integer", item)
		}
		if seen[label] {
			return nil, fmt.Errorf("quality %q listed twice", label)
		}
		seen[label] = true
		set = append(set, types.QualityOption{Label: label, Bitrate: bitrate})
	}
	if len(set) == 0 {
		return nil, errors.New("at least one quality option is required")
	}
	return set, nil
}

// getEnv returns the variable or fallback when unset or blank
func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

// getEnvAllowEmpty distinguishes an explicitly empty variable from an unset one
func getEnvAllowEmpty(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return strings.TrimSpace(v)
	}
	return fallback
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parser collects the first malformed variable
type parser struct {
	err error
}

func (p *parser) fail(key string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("%s: %w", key, err)
	}
}

func (p *parser) int(key string, fallback int) int {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		p.fail(key, fmt.Errorf("not an integer: %q", raw))
		return fallback
	}
	return v
}

func (p *parser) seconds(key string, fallback int) time.Duration {
	return time.Duration(p.int(key, fallback)) * time.Second
}

func (p *parser) bool(key string, fallback bool) bool {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		p.fail(key, fmt.Errorf("not a boolean: %q", raw))
		return fallback
	}
	return v
}

func (p *parser) ids(key string) []int64 {
	var ids []int64
	for _, item := range splitList(os.Getenv(key)) {
		id, err := strconv.ParseInt(item, 10, 64)
		if err != nil {
			p.fail(key, fmt.Errorf("not a user id: %q", item))
			continue
		}
		ids = append(ids, id)
	}
	return ids
}
