package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// FileEntry is one handler-registration entry, named module/function symbol
// per spec §6's example:
//
//	{"handlers":[{"type":"sources.youtube","module":"handlers.youtube","function":"handle","version":"1.0.0"}]}
type FileEntry struct {
	Type        string `json:"type" yaml:"type" toml:"type"`
	Module      string `json:"module" yaml:"module" toml:"module"`
	Function    string `json:"function" yaml:"function" toml:"function"`
	Version     string `json:"version" yaml:"version" toml:"version"`
	Description string `json:"description" yaml:"description" toml:"description"`
}

type fileDoc struct {
	Handlers []FileEntry `json:"handlers" yaml:"handlers" toml:"handlers"`
}

// Binder resolves a FileEntry's module/function symbol to a live Handler.
// The registry never dynamically imports code itself (spec §9): the
// process binary must provide every possible handler up front, and Binder
// is simply the lookup from that fixed set into the registration file's
// declared symbols.
type Binder func(entry FileEntry) (Handler, error)

// LoadFile reads a handler-registration file (JSON/YAML/TOML, selected by
// extension per spec §6) and registers each entry via bind. override
// controls whether a later entry may replace an earlier registration of
// the same type.
func LoadFile(r *Registry, path string, bind Binder, override bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read handler registration file %s: %w", path, err)
	}

	var doc fileDoc
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parse handler registration file %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parse handler registration file %s: %w", path, err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parse handler registration file %s: %w", path, err)
		}
	default:
		return fmt.Errorf("unsupported handler registration file extension %q", ext)
	}

	for _, entry := range doc.Handlers {
		h, err := bind(entry)
		if err != nil {
			return fmt.Errorf("bind handler for type %q: %w", entry.Type, err)
		}
		if err := r.RegisterWithMetadata(entry.Type, Registration{
			Handler:     h,
			Version:     entry.Version,
			Description: entry.Description,
		}, override); err != nil {
			return err
		}
	}
	return nil
}
