package spell

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// FileSuffix is the extension every spell file must carry. Files in the spell
// directory that do not match are ignored.
const FileSuffix = ".spell.yaml"

// IsSpellFile reports whether path names a spell file by extension.
func IsSpellFile(path string) bool {
	return strings.HasSuffix(filepath.Base(path), FileSuffix)
}

// LoadFile reads and parses a single spell YAML file from disk.
// Returns a descriptive error if the file cannot be opened, parsed or
// validated.
func LoadFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("spell: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("spell: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader parses a spell YAML document from an [io.Reader] and
// validates it. The reader is consumed entirely; the caller is responsible
// for closing it.
func LoadFromReader(r io.Reader) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true) // reject unknown top-level keys to catch typos
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("spell: decode yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Loaded pairs a parsed spell config with the file it came from.
type Loaded struct {
	Path   string
	Config *Config
}

// LoadDirEntries loads every *.spell.yaml file in dir, in directory order,
// reporting the file each config came from.
//
// Files that fail to parse or validate are logged and skipped; they never
// abort the load. Duplicate spell names across files follow first-seen-wins:
// later duplicates are logged and skipped. The returned slice preserves the
// order in which spells were first seen.
func LoadDirEntries(dir string) ([]Loaded, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("spell: read directory %q: %w", dir, err)
	}

	var loaded []Loaded
	seen := make(map[string]string) // name → file it was first seen in

	for _, entry := range entries {
		if entry.IsDir() || !IsSpellFile(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())

		cfg, err := LoadFile(path)
		if err != nil {
			slog.Warn("spell: skipping invalid spell file", "path", path, "err", err)
			continue
		}

		if first, dup := seen[cfg.Name]; dup {
			slog.Warn("spell: duplicate spell name, keeping first occurrence",
				"name", cfg.Name, "kept", first, "skipped", path)
			continue
		}
		seen[cfg.Name] = path
		loaded = append(loaded, Loaded{Path: path, Config: cfg})
	}

	return loaded, nil
}

// LoadDir is [LoadDirEntries] without the path bookkeeping.
func LoadDir(dir string) ([]*Config, error) {
	loaded, err := LoadDirEntries(dir)
	if err != nil {
		return nil, err
	}
	configs := make([]*Config, len(loaded))
	for i, l := range loaded {
		configs[i] = l.Config
	}
	return configs, nil
}
