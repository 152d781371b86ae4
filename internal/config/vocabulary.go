package config

import (
	"errors"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Vocabulary holds topic-decoder configuration loaded from .plantstream.yaml.
//
// The decoder needs to know which enterprise's topic tree to accept and which
// vendor subtrees to skip. Both have defaults matching the plant's broker, so
// the file is optional.
type Vocabulary struct {
	// Tenant is the first topic segment identifying the enterprise namespace.
	Tenant string `yaml:"tenant"`

	// IgnoredPrefixes lists second-segment prefixes of external vendor
	// integrations whose traffic is dropped before decoding.
	//nolint:tagliatelle // snake_case is intentional for YAML config files
	IgnoredPrefixes []string `yaml:"ignored_prefixes"`
}

// DefaultVocabularyPath is the default location for the collector configuration
// file. Uses hidden file format following common tool conventions.
const DefaultVocabularyPath = ".plantstream.yaml"

// VocabularyPathEnvVar is the environment variable name for a custom config path.
const VocabularyPathEnvVar = "PLANTSTREAM_CONFIG_PATH"

// DefaultVocabulary returns the built-in decoder vocabulary used when no
// config file is present.
func DefaultVocabulary() *Vocabulary {
	return &Vocabulary{
		Tenant:          "Enterprise B",
		IgnoredPrefixes: []string{"maintainx/", "abelara/", "roeslein/"},
	}
}

// LoadVocabulary loads decoder vocabulary from a YAML file at the given path.
//
// Behavior:
//   - Returns the default vocabulary (not an error) if the file doesn't exist
//   - Returns the default vocabulary + logs a warning if the YAML is invalid
//   - Returns the merged vocabulary on success (missing fields keep defaults)
//
// This graceful degradation ensures the collector can start without a config
// file, since the built-in vocabulary matches the production broker.
func LoadVocabulary(path string) (*Vocabulary, error) {
	vocab := DefaultVocabulary()

	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config source
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Debug("Vocabulary file not found, using built-in defaults",
				slog.String("path", path))

			return vocab, nil
		}

		slog.Warn("Failed to read vocabulary file, using built-in defaults",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return vocab, nil
	}

	if len(data) == 0 {
		return vocab, nil
	}

	loaded := &Vocabulary{}
	if err := yaml.Unmarshal(data, loaded); err != nil {
		slog.Warn("Failed to parse vocabulary file, using built-in defaults",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return vocab, nil
	}

	if loaded.Tenant != "" {
		vocab.Tenant = loaded.Tenant
	}

	if loaded.IgnoredPrefixes != nil {
		vocab.IgnoredPrefixes = loaded.IgnoredPrefixes
	}

	return vocab, nil
}

// VocabularyPath resolves the config file path from the environment, falling
// back to DefaultVocabularyPath.
func VocabularyPath() string {
	return GetEnvStr(VocabularyPathEnvVar, DefaultVocabularyPath)
}
