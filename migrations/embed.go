package main

import (
	"embed"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strconv"
)

//go:embed *.sql
var embeddedMigrations embed.FS

// Migration filename shape: 001_create_products.up.sql / .down.sql
var migrationFilenameRegex = regexp.MustCompile(`^(\d{3})_([a-z0-9_]+)\.(up|down)\.sql$`)

// migrationFile is one parsed embedded migration file.
type migrationFile struct {
	Sequence  int
	Name      string
	Direction string
	Filename  string
}

// MigrationFS returns the embedded migration filesystem for the iofs source
// driver.
func MigrationFS() fs.FS {
	return embeddedMigrations
}

// ValidateEmbeddedMigrations checks the embedded set before any
// state-changing operation: every filename matches the naming convention,
// every up has a down, and sequence numbers are contiguous from 1.
func ValidateEmbeddedMigrations() error {
	entries, err := fs.ReadDir(embeddedMigrations, ".")
	if err != nil {
		return fmt.Errorf("failed to read embedded migrations: %w", err)
	}

	if len(entries) == 0 {
		return fmt.Errorf("no embedded migrations found")
	}

	files := make([]migrationFile, 0, len(entries))

	for _, entry := range entries {
		parsed, err := parseMigrationFilename(entry.Name())
		if err != nil {
			return err
		}

		files = append(files, parsed)
	}

	if err := validatePairing(files); err != nil {
		return err
	}

	return validateSequence(files)
}

func parseMigrationFilename(filename string) (migrationFile, error) {
	matches := migrationFilenameRegex.FindStringSubmatch(filename)
	if matches == nil {
		return migrationFile{}, fmt.Errorf(
			"invalid migration filename %q: expected NNN_name.up.sql or NNN_name.down.sql", filename)
	}

	sequence, err := strconv.Atoi(matches[1])
	if err != nil {
		return migrationFile{}, fmt.Errorf("invalid sequence in %q: %w", filename, err)
	}

	return migrationFile{
		Sequence:  sequence,
		Name:      matches[2],
		Direction: matches[3],
		Filename:  filename,
	}, nil
}

func validatePairing(files []migrationFile) error {
	directions := make(map[string]map[string]bool)

	for _, f := range files {
		key := fmt.Sprintf("%03d_%s", f.Sequence, f.Name)
		if directions[key] == nil {
			directions[key] = make(map[string]bool)
		}

		directions[key][f.Direction] = true
	}

	for key, dirs := range directions {
		if !dirs["up"] {
			return fmt.Errorf("migration %s is missing its up file", key)
		}

		if !dirs["down"] {
			return fmt.Errorf("migration %s is missing its down file", key)
		}
	}

	return nil
}

func validateSequence(files []migrationFile) error {
	seen := make(map[int]bool)
	for _, f := range files {
		seen[f.Sequence] = true
	}

	sequences := make([]int, 0, len(seen))
	for seq := range seen {
		sequences = append(sequences, seq)
	}

	sort.Ints(sequences)

	for i, seq := range sequences {
		if seq != i+1 {
			return fmt.Errorf("migration sequence gap: expected %03d, found %03d", i+1, seq)
		}
	}

	return nil
}
