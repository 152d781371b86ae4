package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadVocabulary(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t.Run("missing file falls back to defaults", func(t *testing.T) {
		vocab, err := LoadVocabulary(filepath.Join(t.TempDir(), "nope.yaml"))
		if err != nil {
			t.Fatalf("LoadVocabulary() error: %v", err)
		}

		if vocab.Tenant != "Enterprise B" {
			t.Errorf("Tenant = %q, want default", vocab.Tenant)
		}

		if len(vocab.IgnoredPrefixes) != 3 {
			t.Errorf("IgnoredPrefixes = %v, want 3 defaults", vocab.IgnoredPrefixes)
		}
	})

	t.Run("invalid yaml falls back to defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), ".plantstream.yaml")
		if err := os.WriteFile(path, []byte("tenant: [unclosed"), 0o600); err != nil {
			t.Fatal(err)
		}

		vocab, err := LoadVocabulary(path)
		if err != nil {
			t.Fatalf("LoadVocabulary() error: %v", err)
		}

		if vocab.Tenant != "Enterprise B" {
			t.Errorf("Tenant = %q, want default after parse failure", vocab.Tenant)
		}
	})

	t.Run("partial file keeps defaults for missing fields", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), ".plantstream.yaml")
		if err := os.WriteFile(path, []byte("tenant: Enterprise A\n"), 0o600); err != nil {
			t.Fatal(err)
		}

		vocab, err := LoadVocabulary(path)
		if err != nil {
			t.Fatalf("LoadVocabulary() error: %v", err)
		}

		if vocab.Tenant != "Enterprise A" {
			t.Errorf("Tenant = %q, want Enterprise A", vocab.Tenant)
		}

		if len(vocab.IgnoredPrefixes) != 3 {
			t.Errorf("IgnoredPrefixes = %v, want defaults preserved", vocab.IgnoredPrefixes)
		}
	})

	t.Run("full file overrides everything", func(t *testing.T) {
		content := "tenant: Enterprise A\nignored_prefixes:\n  - vendorx/\n"

		path := filepath.Join(t.TempDir(), ".plantstream.yaml")
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatal(err)
		}

		vocab, err := LoadVocabulary(path)
		if err != nil {
			t.Fatalf("LoadVocabulary() error: %v", err)
		}

		if vocab.Tenant != "Enterprise A" {
			t.Errorf("Tenant = %q", vocab.Tenant)
		}

		if len(vocab.IgnoredPrefixes) != 1 || vocab.IgnoredPrefixes[0] != "vendorx/" {
			t.Errorf("IgnoredPrefixes = %v", vocab.IgnoredPrefixes)
		}
	})

	t.Run("empty file keeps defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), ".plantstream.yaml")
		if err := os.WriteFile(path, nil, 0o600); err != nil {
			t.Fatal(err)
		}

		vocab, err := LoadVocabulary(path)
		if err != nil {
			t.Fatalf("LoadVocabulary() error: %v", err)
		}

		if vocab.Tenant != "Enterprise B" {
			t.Errorf("Tenant = %q, want default", vocab.Tenant)
		}
	})
}

func TestVocabularyPath(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t.Setenv(VocabularyPathEnvVar, "")

	if got := VocabularyPath(); got != DefaultVocabularyPath {
		t.Errorf("VocabularyPath() = %q, want default", got)
	}

	t.Setenv(VocabularyPathEnvVar, "/etc/plantstream/vocab.yaml")

	if got := VocabularyPath(); got != "/etc/plantstream/vocab.yaml" {
		t.Errorf("VocabularyPath() = %q", got)
	}
}
