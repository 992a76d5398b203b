// Package registry loads and validates the workspace registry
// (.council/registry.yaml): participating repos and council settings.
package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	yamlv3 "gopkg.in/yaml.v3"
)

// ErrRepoNotFound is returned when a repo name is absent from the registry.
var ErrRepoNotFound = errors.New("repo not found in registry")

// Defaults applied when the registry omits council settings.
const (
	DefaultParallelism = 3
	DefaultMaxTurns    = 14
)

// LogsConfig points at where a repo's runtime logs live.
type LogsConfig struct {
	Kind   string `yaml:"kind"` // cloudwatch | file | stdout
	Group  string `yaml:"group,omitempty"`
	Region string `yaml:"region,omitempty"`
	Path   string `yaml:"path,omitempty"`
}

// RepoConfig describes one participating repository.
type RepoConfig struct {
	Path          string            `yaml:"path"`
	TechHints     []string          `yaml:"tech_hints,omitempty"`
	Logs          *LogsConfig       `yaml:"logs,omitempty"`
	QuickCommands map[string]string `yaml:"quick_commands,omitempty"`
}

// CouncilConfig controls turn limits and concurrency.
type CouncilConfig struct {
	Parallelism int      `yaml:"parallelism"`
	MaxTurns    int      `yaml:"max_turns"`
	StopWhen    []string `yaml:"stop_when,omitempty"`
}

// HumanConfig controls operator interaction.
type HumanConfig struct {
	AllowInterrupt bool   `yaml:"allow_interrupt"`
	DefaultMode    string `yaml:"default_mode,omitempty"` // live | batch
}

// Registry is the parsed, defaulted registry.
type Registry struct {
	Repos   map[string]RepoConfig `yaml:"repos"`
	Council CouncilConfig         `yaml:"council"`
	Human   HumanConfig           `yaml:"human"`
}

// Filename is the registry file name inside the workspace root.
const Filename = "registry.yaml"

// Load reads and validates the registry from the workspace root.
func Load(basePath string) (*Registry, error) {
	path := filepath.Join(basePath, Filename)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry %s (did you run 'council init'?): %w", path, err)
	}

	var reg Registry
	if err := yamlv3.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("parse registry.yaml: %w", err)
	}

	if reg.Repos == nil {
		reg.Repos = make(map[string]RepoConfig)
	}
	for name, repo := range reg.Repos {
		if strings.TrimSpace(repo.Path) == "" {
			return nil, fmt.Errorf("registry repo %q: path is required", name)
		}
	}
	if reg.Council.Parallelism <= 0 {
		reg.Council.Parallelism = DefaultParallelism
	}
	if reg.Council.MaxTurns <= 0 {
		reg.Council.MaxTurns = DefaultMaxTurns
	}

	return &reg, nil
}

// Repo returns the configuration for a named repo.
func (r *Registry) Repo(name string) (RepoConfig, error) {
	repo, ok := r.Repos[name]
	if !ok {
		return RepoConfig{}, fmt.Errorf("repo %q (available: %s): %w",
			name, strings.Join(r.RepoNames(), ", "), ErrRepoNotFound)
	}
	return repo, nil
}

// RepoNames returns the registered repo names, sorted.
func (r *Registry) RepoNames() []string {
	names := make([]string, 0, len(r.Repos))
	for name := range r.Repos {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateRepos checks that every name exists in the registry.
func (r *Registry) ValidateRepos(names []string) error {
	var missing []string
	for _, name := range names {
		if _, ok := r.Repos[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("repos not found: %s (available: %s): %w",
			strings.Join(missing, ", "), strings.Join(r.RepoNames(), ", "), ErrRepoNotFound)
	}
	return nil
}

// ResolveRepoPath resolves a repo's working directory relative to basePath.
func (r *Registry) ResolveRepoPath(basePath, name string) (string, error) {
	repo, err := r.Repo(name)
	if err != nil {
		return "", err
	}
	if filepath.IsAbs(repo.Path) {
		return filepath.Clean(repo.Path), nil
	}
	abs, err := filepath.Abs(filepath.Join(basePath, repo.Path))
	if err != nil {
		return "", fmt.Errorf("resolve path for repo %q: %w", name, err)
	}
	return abs, nil
}
