// Package config builds the immutable process-wide settings snapshot
// described in spec.md §4.1: an optional JSON file layered over environment
// variables, resolved once at startup. There is no hot-reload; callers that
// need a different value restart the process, matching the teacher's own
// "resolve once, pass down" style (see its internal/config/settings.go,
// which this package replaces in full since the teacher's DB-backed
// key/value settings model doesn't cover path/limit/default configuration).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the immutable snapshot every component is handed at construction
// time. Nothing in the codebase reaches for a package-level global; it is
// passed explicitly, per the "no singletons" redesign note.
type Config struct {
	DownloadPath string
	TempPath     string
	ConfigPath   string

	MaxWorkers             int
	MaxWorkersPerExtractor int
	// MaxWorkersForExtractor holds case-insensitive per-extractor overrides,
	// keyed by lower-cased extractor name, sourced from
	// max_workers_for_<EXTR> options.
	MaxWorkersForExtractor map[string]int

	DefaultPreset             string
	OutputTemplate            string
	ExtractInfoTimeout        time.Duration
	PlaylistItemsConcurrency  int
	TasksHandlerTimer         string
	AuthUsername              string
	AuthPassword              string
	RemoveFiles               bool
	PreventLivePremiere       bool
	TempKeep                  bool

	// DownloaderToolPath is the external downloader executable the Download
	// Driver shells out to for both --dump-json metadata extraction and the
	// actual download subprocess.
	DownloaderToolPath string

	// APIPort is the loopback port the control API listens on.
	APIPort int
}

// fileOverlay mirrors the JSON config file shape; fields absent from the
// file leave the environment-derived (or default) value untouched.
type fileOverlay struct {
	DownloadPath             *string          `json:"download_path"`
	TempPath                 *string          `json:"temp_path"`
	ConfigPath               *string          `json:"config_path"`
	MaxWorkers               *int             `json:"max_workers"`
	MaxWorkersPerExtractor   *int             `json:"max_workers_per_extractor"`
	MaxWorkersForExtractor   map[string]int   `json:"max_workers_for_extractor"`
	DefaultPreset            *string          `json:"default_preset"`
	OutputTemplate           *string          `json:"output_template"`
	ExtractInfoTimeoutSecs   *int             `json:"extract_info_timeout_secs"`
	PlaylistItemsConcurrency *int             `json:"playlist_items_concurrency"`
	TasksHandlerTimer        *string          `json:"tasks_handler_timer"`
	AuthUsername             *string          `json:"auth_username"`
	AuthPassword             *string          `json:"auth_password"`
	RemoveFiles              *bool            `json:"remove_files"`
	PreventLivePremiere      *bool            `json:"prevent_live_premiere"`
	TempKeep                 *bool            `json:"temp_keep"`
	DownloaderToolPath       *string          `json:"downloader_tool_path"`
	APIPort                  *int             `json:"api_port"`
}

const envPrefix = "DLQUEUED_"

// Load resolves the snapshot: defaults, then environment variables (and an
// optional .env file loaded into the environment via godotenv, matching
// the teacher's habit of keeping local dev config in a dotfile), then a
// JSON file at configFilePath if it exists. Later sources win.
func Load(configFilePath string) (*Config, error) {
	_ = godotenv.Load() // best-effort; absence of .env is not an error

	cfg := defaults()

	applyEnv(cfg)

	if configFilePath != "" {
		if _, err := os.Stat(configFilePath); err == nil {
			if err := applyFile(cfg, configFilePath); err != nil {
				return nil, fmt.Errorf("config: load %s: %w", configFilePath, err)
			}
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		DownloadPath:             "./downloads",
		TempPath:                 "./downloads/.tmp",
		ConfigPath:               "./data",
		MaxWorkers:               4,
		MaxWorkersPerExtractor:   2,
		MaxWorkersForExtractor:   map[string]int{},
		DefaultPreset:            "default",
		OutputTemplate:           "%(title)s.%(ext)s",
		ExtractInfoTimeout:       30 * time.Second,
		PlaylistItemsConcurrency: 4,
		TasksHandlerTimer:        "*/5 * * * *",
		RemoveFiles:              true,
		PreventLivePremiere:      false,
		TempKeep:                 false,
		DownloaderToolPath:       "yt-dlp",
		APIPort:                  8866,
	}
}

func applyEnv(cfg *Config) {
	if v, ok := lookupEnv("DOWNLOAD_PATH"); ok {
		cfg.DownloadPath = v
	}
	if v, ok := lookupEnv("TEMP_PATH"); ok {
		cfg.TempPath = v
	}
	if v, ok := lookupEnv("CONFIG_PATH"); ok {
		cfg.ConfigPath = v
	}
	if v, ok := lookupEnvInt("MAX_WORKERS"); ok {
		cfg.MaxWorkers = v
	}
	if v, ok := lookupEnvInt("MAX_WORKERS_PER_EXTRACTOR"); ok {
		cfg.MaxWorkersPerExtractor = v
	}
	if v, ok := lookupEnv("DEFAULT_PRESET"); ok {
		cfg.DefaultPreset = v
	}
	if v, ok := lookupEnv("OUTPUT_TEMPLATE"); ok {
		cfg.OutputTemplate = v
	}
	if v, ok := lookupEnvInt("EXTRACT_INFO_TIMEOUT"); ok {
		cfg.ExtractInfoTimeout = time.Duration(v) * time.Second
	}
	if v, ok := lookupEnvInt("PLAYLIST_ITEMS_CONCURRENCY"); ok {
		cfg.PlaylistItemsConcurrency = v
	}
	if v, ok := lookupEnv("TASKS_HANDLER_TIMER"); ok {
		cfg.TasksHandlerTimer = v
	}
	if v, ok := lookupEnv("AUTH_USERNAME"); ok {
		cfg.AuthUsername = v
	}
	if v, ok := lookupEnv("AUTH_PASSWORD"); ok {
		cfg.AuthPassword = v
	}
	if v, ok := lookupEnvBool("REMOVE_FILES"); ok {
		cfg.RemoveFiles = v
	}
	if v, ok := lookupEnvBool("PREVENT_LIVE_PREMIERE"); ok {
		cfg.PreventLivePremiere = v
	}
	if v, ok := lookupEnvBool("TEMP_KEEP"); ok {
		cfg.TempKeep = v
	}
	if v, ok := lookupEnv("DOWNLOADER_TOOL_PATH"); ok {
		cfg.DownloaderToolPath = v
	}
	if v, ok := lookupEnvInt("API_PORT"); ok {
		cfg.APIPort = v
	}

	// max_workers_for_<EXTR> is an open-ended family of keys; scan the
	// process environment for anything matching the prefix.
	prefix := envPrefix + "MAX_WORKERS_FOR_"
	for _, kv := range os.Environ() {
		k, v, found := strings.Cut(kv, "=")
		if !found || !strings.HasPrefix(k, prefix) {
			continue
		}
		extractor := strings.ToLower(strings.TrimPrefix(k, prefix))
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxWorkersForExtractor[extractor] = n
		}
	}
}

func applyFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var overlay fileOverlay
	if err := json.Unmarshal(raw, &overlay); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}

	if overlay.DownloadPath != nil {
		cfg.DownloadPath = *overlay.DownloadPath
	}
	if overlay.TempPath != nil {
		cfg.TempPath = *overlay.TempPath
	}
	if overlay.ConfigPath != nil {
		cfg.ConfigPath = *overlay.ConfigPath
	}
	if overlay.MaxWorkers != nil {
		cfg.MaxWorkers = *overlay.MaxWorkers
	}
	if overlay.MaxWorkersPerExtractor != nil {
		cfg.MaxWorkersPerExtractor = *overlay.MaxWorkersPerExtractor
	}
	for k, v := range overlay.MaxWorkersForExtractor {
		cfg.MaxWorkersForExtractor[strings.ToLower(k)] = v
	}
	if overlay.DefaultPreset != nil {
		cfg.DefaultPreset = *overlay.DefaultPreset
	}
	if overlay.OutputTemplate != nil {
		cfg.OutputTemplate = *overlay.OutputTemplate
	}
	if overlay.ExtractInfoTimeoutSecs != nil {
		cfg.ExtractInfoTimeout = time.Duration(*overlay.ExtractInfoTimeoutSecs) * time.Second
	}
	if overlay.PlaylistItemsConcurrency != nil {
		cfg.PlaylistItemsConcurrency = *overlay.PlaylistItemsConcurrency
	}
	if overlay.TasksHandlerTimer != nil {
		cfg.TasksHandlerTimer = *overlay.TasksHandlerTimer
	}
	if overlay.AuthUsername != nil {
		cfg.AuthUsername = *overlay.AuthUsername
	}
	if overlay.AuthPassword != nil {
		cfg.AuthPassword = *overlay.AuthPassword
	}
	if overlay.RemoveFiles != nil {
		cfg.RemoveFiles = *overlay.RemoveFiles
	}
	if overlay.PreventLivePremiere != nil {
		cfg.PreventLivePremiere = *overlay.PreventLivePremiere
	}
	if overlay.TempKeep != nil {
		cfg.TempKeep = *overlay.TempKeep
	}
	if overlay.DownloaderToolPath != nil {
		cfg.DownloaderToolPath = *overlay.DownloaderToolPath
	}
	if overlay.APIPort != nil {
		cfg.APIPort = *overlay.APIPort
	}
	return nil
}

func (c *Config) validate() error {
	if c.MaxWorkers <= 0 {
		return fmt.Errorf("config: max_workers must be positive, got %d", c.MaxWorkers)
	}
	if c.MaxWorkersPerExtractor <= 0 {
		return fmt.Errorf("config: max_workers_per_extractor must be positive, got %d", c.MaxWorkersPerExtractor)
	}
	if !filepath.IsAbs(c.DownloadPath) {
		abs, err := filepath.Abs(c.DownloadPath)
		if err != nil {
			return fmt.Errorf("config: resolve download_path: %w", err)
		}
		c.DownloadPath = abs
	}
	if !filepath.IsAbs(c.TempPath) {
		abs, err := filepath.Abs(c.TempPath)
		if err != nil {
			return fmt.Errorf("config: resolve temp_path: %w", err)
		}
		c.TempPath = abs
	}
	if !filepath.IsAbs(c.ConfigPath) {
		abs, err := filepath.Abs(c.ConfigPath)
		if err != nil {
			return fmt.Errorf("config: resolve config_path: %w", err)
		}
		c.ConfigPath = abs
	}
	return nil
}

// WorkersFor resolves the effective per-extractor quota: an explicit
// max_workers_for_<EXTR> override if present, else max_workers_per_extractor.
func (c *Config) WorkersFor(extractor string) int {
	if n, ok := c.MaxWorkersForExtractor[strings.ToLower(extractor)]; ok {
		return n
	}
	return c.MaxWorkersPerExtractor
}

func lookupEnv(key string) (string, bool) {
	v, ok := os.LookupEnv(envPrefix + key)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func lookupEnvInt(key string) (int, bool) {
	v, ok := lookupEnv(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func lookupEnvBool(key string) (bool, bool) {
	v, ok := lookupEnv(key)
	if !ok {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}
