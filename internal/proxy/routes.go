package proxy

import (
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// Route maps a logical model name to the provider serving it.
type Route struct {
	Provider string `yaml:"provider"`
	// Model is the provider's own model name.
	Model string `yaml:"model"`
	// APIKeyEnv names the environment variable holding the provider key. Empty for providers
	// without authentication.
	APIKeyEnv string `yaml:"apiKeyEnv"`
}

// Routes is keyed by the logical model name sent by clients.
type Routes map[string]Route

const (
	ProviderOpenRouter = "openrouter"
	ProviderGemini     = "gemini"
	ProviderOllama     = "ollama"
)

// DefaultRoutes are used when no routes file is configured.
func DefaultRoutes() Routes {
	return Routes{
		"gemini-2.5-flash": {Provider: ProviderGemini, Model: "gemini-2.5-flash", APIKeyEnv: "GEMINI_API_KEY"},
		"gemini-2.5-pro":   {Provider: ProviderGemini, Model: "gemini-2.5-pro", APIKeyEnv: "GEMINI_API_KEY"},
		"deepseek-chat": {
			Provider:  ProviderOpenRouter,
			Model:     "deepseek/deepseek-chat-v3-0324:free",
			APIKeyEnv: "OPENROUTER_API_KEY",
		},
		"llama-4-maverick": {
			Provider:  ProviderOpenRouter,
			Model:     "meta-llama/llama-4-maverick:free",
			APIKeyEnv: "OPENROUTER_API_KEY",
		},
		"llama3.2": {Provider: ProviderOllama, Model: "llama3.2"},
	}
}

// LoadRoutes reads routes from a YAML file mapping model names to routes.
func LoadRoutes(path string) (Routes, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening routes file: %w", err)
	}
	defer f.Close()

	var routes Routes
	if err := yaml.NewDecoder(f).Decode(&routes); err != nil {
		return nil, fmt.Errorf("error decoding routes file: %w", err)
	}
	if err := routes.validate(); err != nil {
		return nil, err
	}
	return routes, nil
}

// Names returns the sorted logical model names.
func (r Routes) Names() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (r Routes) validate() error {
	if len(r) == 0 {
		return fmt.Errorf("no routes configured")
	}
	for name, route := range r {
		switch route.Provider {
		case ProviderOpenRouter, ProviderGemini:
			if route.APIKeyEnv == "" {
				return fmt.Errorf("route %s: apiKeyEnv is required for provider %s", name, route.Provider)
			}
		case ProviderOllama:
		default:
			return fmt.Errorf("route %s: unknown provider: %s", name, route.Provider)
		}
		if route.Model == "" {
			return fmt.Errorf("route %s: model is required", name)
		}
	}
	return nil
}
