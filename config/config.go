// Copyright (c) 2024 Mavis Contributors
// SPDX-License-Identifier: MIT

// Package config reads agentgram settings from the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"agentgram/ptybridge"
)

// Config holds all configuration for agentgram.
type Config struct {
	TelegramToken string
	AllowedUsers  map[int64]bool
	// AllowAllUsers lets any Telegram user in when AllowedUsers is empty.
	AllowAllUsers bool
	// AllowedBaseDirs bounds the directories /cd may switch to.
	AllowedBaseDirs []string

	ClaudePath     string
	OpenCodePath   string
	WorkDir        string
	DBPath         string
	DefaultModel   string
	DefaultBackend string

	CommandTimeout     time.Duration
	PermissionTimeout  time.Duration
	StreamInterval     time.Duration
	DedupTTL           time.Duration
	IdleThreshold      time.Duration
	MaxSessionAge      time.Duration
	AutoCleanupSession bool

	WebAddr      string // empty disables the dashboard
	ProfilesFile string
	Profiles     map[string]*ptybridge.Profile

	// Exported to the CLI as ANTHROPIC_BASE_URL / ANTHROPIC_API_KEY.
	APIBaseURL string
	APIKey     string

	LogLevel  string
	LogFormat string
}

// ErrDirNotAllowed is returned for a working directory outside every
// allowed base directory.
var ErrDirNotAllowed = errors.New("directory is outside allowed paths")

// Load reads .env (if present) and the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv builds a Config from the current environment only.
func FromEnv() (*Config, error) {
	cfg := &Config{
		TelegramToken:      os.Getenv("TELEGRAM_BOT_TOKEN"),
		ClaudePath:         envOrDefault("CLAUDE_CODE_PATH", "claude"),
		OpenCodePath:       envOrDefault("OPENCODE_PATH", "opencode"),
		WorkDir:            envOrDefault("WORK_DIR", "./workspaces"),
		DBPath:             envOrDefault("DB_PATH", "agentgram.db"),
		DefaultModel:       envOrDefault("DEFAULT_MODEL", "sonnet"),
		DefaultBackend:     strings.ToLower(envOrDefault("DEFAULT_BACKEND", "claude")),
		CommandTimeout:     time.Duration(envOrDefaultInt("COMMAND_TIMEOUT_SECONDS", 1800)) * time.Second,
		PermissionTimeout:  time.Duration(envOrDefaultInt("PERMISSION_TIMEOUT_MINUTES", 5)) * time.Minute,
		StreamInterval:     time.Duration(envOrDefaultInt("STREAM_INTERVAL_MS", 500)) * time.Millisecond,
		DedupTTL:           time.Duration(envOrDefaultInt("DEDUP_TTL_SECONDS", 60)) * time.Second,
		IdleThreshold:      time.Duration(envOrDefaultInt("IDLE_THRESHOLD_MS", 1000)) * time.Millisecond,
		MaxSessionAge:      time.Duration(envOrDefaultInt("MAX_SESSION_AGE_HOURS", 720)) * time.Hour,
		AutoCleanupSession: envOrDefaultBool("AUTO_CLEANUP_SESSIONS", false),
		AllowAllUsers:      envOrDefaultBool("ALLOW_ALL_USERS", false),
		WebAddr:            envOrDefault("WEB_ADDR", "127.0.0.1:8090"),
		ProfilesFile:       os.Getenv("PROFILES_FILE"),
		APIBaseURL:         os.Getenv("API_BASE_URL"),
		APIKey:             os.Getenv("API_KEY"),
		LogLevel:           envOrDefault("LOG_LEVEL", "info"),
		LogFormat:          envOrDefault("LOG_FORMAT", "text"),
	}
	// WEB_ADDR set to the empty string disables the dashboard.
	if v, ok := os.LookupEnv("WEB_ADDR"); ok {
		cfg.WebAddr = strings.TrimSpace(v)
	}

	users, err := ParseUserIDs(os.Getenv("ALLOWED_TELEGRAM_IDS"))
	if err != nil {
		return nil, err
	}
	cfg.AllowedUsers = users
	cfg.AllowedBaseDirs = ParseList(envOrDefault("ALLOWED_BASE_DIRS", defaultBaseDirs()))

	switch cfg.DefaultBackend {
	case "claude", "opencode":
	default:
		return nil, fmt.Errorf("invalid DEFAULT_BACKEND %q", cfg.DefaultBackend)
	}

	cfg.Profiles = ptybridge.DefaultProfiles()
	if cfg.ProfilesFile != "" {
		f, err := os.Open(cfg.ProfilesFile)
		if err != nil {
			return nil, fmt.Errorf("failed to open profiles file: %w", err)
		}
		defer f.Close()
		if cfg.Profiles, err = ptybridge.LoadProfiles(f); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// Validate checks the settings the bot needs to start.
func (c *Config) Validate() error {
	if c.TelegramToken == "" {
		return fmt.Errorf("TELEGRAM_BOT_TOKEN is required")
	}
	if len(c.AllowedUsers) == 0 && !c.AllowAllUsers {
		return fmt.Errorf("ALLOWED_TELEGRAM_IDS is required (set ALLOW_ALL_USERS=true to accept every user)")
	}
	return nil
}

// ChildEnv is the environment overlay passed to every CLI run.
func (c *Config) ChildEnv() map[string]string {
	env := map[string]string{}
	if c.APIBaseURL != "" {
		env["ANTHROPIC_BASE_URL"] = c.APIBaseURL
	}
	if c.APIKey != "" {
		env["ANTHROPIC_API_KEY"] = c.APIKey
	}
	return env
}

// IsAllowed reports whether userID may use the bot.
func (c *Config) IsAllowed(userID int64) bool {
	if len(c.AllowedUsers) == 0 {
		return c.AllowAllUsers
	}
	return c.AllowedUsers[userID]
}

// CheckDir resolves dir, following symlinks, and returns it if it lies
// under an allowed base directory or the workspace root.
func (c *Config) CheckDir(dir string) (string, error) {
	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return "", err
	}
	if resolved, err = filepath.Abs(resolved); err != nil {
		return "", err
	}

	bases := append([]string(nil), c.AllowedBaseDirs...)
	if c.WorkDir != "" {
		bases = append(bases, c.WorkDir)
	}
	for _, base := range bases {
		if within(resolved, resolveBase(base)) {
			return resolved, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrDirNotAllowed, resolved)
}

func resolveBase(base string) string {
	if r, err := filepath.EvalSymlinks(base); err == nil {
		base = r
	}
	if abs, err := filepath.Abs(base); err == nil {
		return abs
	}
	return filepath.Clean(base)
}

func within(path, base string) bool {
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func defaultBaseDirs() string {
	dirs := []string{"/home", "/opt", "/srv"}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append([]string{home}, dirs...)
	}
	return strings.Join(dirs, ",")
}

// ParseList splits a comma separated list, dropping blanks.
func ParseList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ParseUserIDs parses a comma separated list of numeric IDs.
func ParseUserIDs(s string) (map[int64]bool, error) {
	ids := make(map[int64]bool)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid user ID %q in ALLOWED_TELEGRAM_IDS", part)
		}
		ids[id] = true
	}
	return ids, nil
}

// NewLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(c.LogLevel)}
	if strings.EqualFold(c.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
