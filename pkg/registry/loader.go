package registry

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

type registryFile struct {
	Agents []agentEntry `toml:"agents"`
}

type agentEntry struct {
	Name        string            `toml:"name"`
	Description string            `toml:"description"`
	Path        string            `toml:"path"`
	Runtimes    Runtimes          `toml:"runtimes"`
	Options     map[string]Option `toml:"options"`
}

// Load reads and validates a registry TOML file.
func Load(path string) (*Registry, error) {
	agents, err := loadAgents(path)
	if err != nil {
		return nil, err
	}
	return New(agents), nil
}

// Reload re-reads the registry file and atomically replaces the agent table.
func (r *Registry) Reload(path string) error {
	agents, err := loadAgents(path)
	if err != nil {
		return err
	}
	r.Replace(agents)
	return nil
}

func loadAgents(path string) ([]*Agent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read registry file: %w", err)
	}

	var file registryFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse registry file: %w", err)
	}

	baseDir := filepath.Dir(path)
	seen := make(map[string]struct{}, len(file.Agents))
	agents := make([]*Agent, 0, len(file.Agents))

	for i, entry := range file.Agents {
		if entry.Name == "" {
			return nil, fmt.Errorf("agent entry %d has no name", i)
		}
		if _, dup := seen[entry.Name]; dup {
			return nil, fmt.Errorf("duplicate agent name: %s", entry.Name)
		}
		seen[entry.Name] = struct{}{}

		if entry.Runtimes.Executable == nil && entry.Runtimes.Docker == nil {
			return nil, fmt.Errorf("agent %s declares no runtimes", entry.Name)
		}
		if entry.Runtimes.Executable != nil && len(entry.Runtimes.Executable.Command) == 0 {
			return nil, fmt.Errorf("agent %s: executable runtime has an empty command", entry.Name)
		}
		if entry.Runtimes.Docker != nil && entry.Runtimes.Docker.Image == "" {
			return nil, fmt.Errorf("agent %s: docker runtime has no image", entry.Name)
		}

		for name, opt := range entry.Options {
			if err := validateOption(opt); err != nil {
				return nil, fmt.Errorf("agent %s option %q: %w", entry.Name, name, err)
			}
		}

		agentPath := entry.Path
		if agentPath != "" && !filepath.IsAbs(agentPath) {
			agentPath = filepath.Join(baseDir, agentPath)
		}

		agents = append(agents, &Agent{
			Name:        entry.Name,
			Description: entry.Description,
			Path:        agentPath,
			Runtimes:    entry.Runtimes,
			Options:     entry.Options,
		})
	}

	return agents, nil
}

func validateOption(opt Option) error {
	switch opt.Type {
	case OptionString, OptionStringList, OptionBlob, OptionBool, OptionInt, OptionFloat:
	default:
		return fmt.Errorf("unknown type %q", opt.Type)
	}

	switch opt.Transport {
	case "", TransportEnv, TransportFile:
	default:
		return fmt.Errorf("unknown transport %q", opt.Transport)
	}

	if opt.Required && opt.Default != nil {
		return fmt.Errorf("required option cannot also have a default")
	}

	if opt.Default != nil {
		if _, err := coerce(opt.Type, opt.Default); err != nil {
			return fmt.Errorf("default value: %w", err)
		}
	}

	return nil
}
