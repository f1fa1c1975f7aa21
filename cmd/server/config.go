package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MegaGrindStone/chat-web-ui/internal/services"
	"gopkg.in/yaml.v3"
)

type config struct {
	Port     string `yaml:"port"`
	ProxyURL string `yaml:"proxyURL"`
	Model    string `yaml:"model"`
	// RequestTimeout bounds a whole answer, zero means no limit.
	RequestTimeout time.Duration `yaml:"requestTimeout"`
	AutoSearch     *bool         `yaml:"autoSearch"`
	SearchKeywords []string      `yaml:"searchKeywords"`
	LogLevel       string        `yaml:"logLevel"`
	LogFormat      string        `yaml:"logFormat"`
	DBPath         string        `yaml:"dbPath"`
}

const (
	defaultPort           = "8080"
	defaultProxyURL       = "http://localhost:8081/"
	defaultModel          = "gemini-2.5-flash"
	defaultRequestTimeout = 2 * time.Minute

	dbFileName = "store.db"
)

// loadConfig reads the YAML config at path. A missing file yields the defaults.
func loadConfig(path, cfgDir string) (config, error) {
	cfg := config{}

	f, err := os.Open(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return config{}, fmt.Errorf("error opening config file: %w", err)
	default:
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return config{}, fmt.Errorf("error decoding config file: %w", err)
		}
	}

	cfg.applyDefaults(cfgDir)
	return cfg, cfg.validate()
}

func (c *config) applyDefaults(cfgDir string) {
	if c.Port == "" {
		c.Port = defaultPort
	}
	if c.ProxyURL == "" {
		c.ProxyURL = defaultProxyURL
	}
	if c.Model == "" {
		c.Model = defaultModel
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.AutoSearch == nil {
		enabled := true
		c.AutoSearch = &enabled
	}
	if len(c.SearchKeywords) == 0 {
		c.SearchKeywords = services.DefaultSearchKeywords
	}
	if c.DBPath == "" {
		c.DBPath = filepath.Join(cfgDir, dbFileName)
	}
}

func (c config) validate() error {
	if c.RequestTimeout < 0 {
		return fmt.Errorf("requestTimeout must not be negative")
	}
	if _, err := parseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log format: %s", c.LogFormat)
	}
	return nil
}

func (c config) searchPredicate() func(string) bool {
	if !*c.AutoSearch {
		return nil
	}
	return services.NewAutoSearch(c.SearchKeywords).ShouldSearch
}

func (c config) logger(w io.Writer) *slog.Logger {
	level, _ := parseLogLevel(c.LogLevel)
	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(c.LogFormat) == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLogLevel(s string) (slog.Level, error) {
	if s == "" {
		return slog.LevelInfo, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("unknown log level: %s", s)
	}
	return level, nil
}
