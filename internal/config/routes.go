package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"
)

// Logical model names used by the orchestration engine.
const (
	ModelReasoning   = "reasoning"
	ModelClassifier  = "classifier"
	ModelPersonalize = "personalize"
	ModelNotice      = "notice"
	ModelEmbedding   = "embedding"
)

// Target is one concrete provider/model pair.
type Target struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// Route maps a logical model to its primary target and ordered fallbacks.
type Route struct {
	Target    `yaml:",inline"`
	MaxTokens int      `yaml:"max_tokens"`
	Fallbacks []Target `yaml:"fallbacks"`
}

// Routes is the model routing table keyed by logical model name.
type Routes struct {
	Models map[string]Route `yaml:"models"`
}

// DefaultRoutes returns the routing table used when no routes file exists.
func DefaultRoutes() Routes {
	return Routes{Models: map[string]Route{
		ModelReasoning: {
			Target:    Target{Provider: "anthropic", Model: "claude-3-5-sonnet-20241022"},
			MaxTokens: 2048,
			Fallbacks: []Target{{Provider: "openai", Model: "gpt-4o"}},
		},
		ModelClassifier: {
			Target:    Target{Provider: "openai", Model: "gpt-4o-mini"},
			MaxTokens: 64,
			Fallbacks: []Target{{Provider: "anthropic", Model: "claude-3-5-haiku-20241022"}},
		},
		ModelPersonalize: {
			Target:    Target{Provider: "openai", Model: "gpt-4o-mini"},
			MaxTokens: 1024,
			Fallbacks: []Target{{Provider: "anthropic", Model: "claude-3-5-haiku-20241022"}},
		},
		ModelNotice: {
			Target:    Target{Provider: "anthropic", Model: "claude-3-5-haiku-20241022"},
			MaxTokens: 512,
			Fallbacks: []Target{{Provider: "openai", Model: "gpt-4o-mini"}},
		},
		ModelEmbedding: {
			Target: Target{Provider: "openai", Model: "text-embedding-3-small"},
		},
	}}
}

// LoadRoutes reads a YAML routing file on top of the defaults. A missing file
// is not an error; entries in the file replace the default entry of the same name.
func LoadRoutes(path string) (Routes, error) {
	routes := DefaultRoutes()

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return routes, nil
	}
	if err != nil {
		return Routes{}, fmt.Errorf("reading routes file: %w", err)
	}

	var file Routes
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Routes{}, fmt.Errorf("parsing routes file %s: %w", path, err)
	}
	for name, route := range file.Models {
		if route.Provider == "" || route.Model == "" {
			return Routes{}, fmt.Errorf("route %q: provider and model are required", name)
		}
		routes.Models[name] = route
	}

	return routes, nil
}
