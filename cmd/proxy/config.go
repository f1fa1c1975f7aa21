package main

import (
	"fmt"
	"log/slog"

	"github.com/MegaGrindStone/chat-web-ui/internal/proxy"
)

type config struct {
	Port               string
	RoutesFile         string
	SystemPrompt       string
	OpenRouterEndpoint string
	OllamaHost         string
	LogLevel           slog.Level
}

const (
	defaultPort       = "8081"
	defaultOllamaHost = "http://localhost:11434"

	defaultSystemPrompt = "You are a helpful assistant. Answer in the language of the user's message, " +
		"using Markdown for code and lists."
)

// configFromEnv reads the proxy configuration from the environment. Provider keys are not part of
// it; the handler looks them up per route.
func configFromEnv(getenv func(string) string) (config, error) {
	cfg := config{
		Port:               getenv("PROXY_PORT"),
		RoutesFile:         getenv("PROXY_ROUTES"),
		SystemPrompt:       getenv("PROXY_SYSTEM_PROMPT"),
		OpenRouterEndpoint: getenv("OPENROUTER_ENDPOINT"),
		OllamaHost:         getenv("OLLAMA_HOST"),
	}
	if cfg.Port == "" {
		cfg.Port = defaultPort
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	if cfg.OpenRouterEndpoint == "" {
		cfg.OpenRouterEndpoint = proxy.OpenRouterAPIEndpoint
	}
	if cfg.OllamaHost == "" {
		cfg.OllamaHost = defaultOllamaHost
	}

	if lvl := getenv("LOG_LEVEL"); lvl != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(lvl)); err != nil {
			return config{}, fmt.Errorf("unknown log level: %s", lvl)
		}
	}
	return cfg, nil
}

func (c config) routes() (proxy.Routes, error) {
	if c.RoutesFile == "" {
		return proxy.DefaultRoutes(), nil
	}
	return proxy.LoadRoutes(c.RoutesFile)
}

func (c config) providers(logger *slog.Logger) (map[string]proxy.Provider, error) {
	ollama, err := proxy.NewOllama(c.OllamaHost, logger)
	if err != nil {
		return nil, err
	}
	return map[string]proxy.Provider{
		proxy.ProviderOpenRouter: proxy.NewOpenRouter(c.OpenRouterEndpoint, logger),
		proxy.ProviderGemini:     proxy.NewGemini(nil, logger),
		proxy.ProviderOllama:     ollama,
	}, nil
}
