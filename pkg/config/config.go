// Package config implements the layered configuration loader described
// in §6: `*.prefs` -> `*.yaml` -> `*.prefs.dev` -> `*.yaml.dev`, each
// layer overriding whatever keys the previous layers set.
//
// The YAML layers use gopkg.in/yaml.v3, matching the rest of this
// codebase's preference for the ecosystem's standard serialization
// libraries over hand-rolled parsers. `.prefs` has no natural Go
// ecosystem library (it is this project's own key=value format, not
// Java's java.util.Properties), so its reader is hand-written — the one
// deliberate stdlib-only exception, noted in the design ledger.
package config

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// Config holds every recognized key from §6, post-merge.
type Config struct {
	BufferDirectory    string `yaml:"buffer_directory"`
	DatabaseDirectory  string `yaml:"database_directory"`
	BufferPageSize     int    `yaml:"buffer_page_size"`
	MaxSearchSubstringLength int `yaml:"max_search_substring_length"`

	EnableBatchTransports  bool `yaml:"enable_batch_transports"`
	NumTransporterThreads  int  `yaml:"num_transporter_threads"`

	EnableSearchCache         bool `yaml:"enable_search_cache"`
	EnableVerifyByLookup      bool `yaml:"enable_verify_by_lookup"`
	EnableAsyncDataReads      bool `yaml:"enable_async_data_reads"`
	EnableCompaction          bool `yaml:"enable_compaction"`
	EnableEfficientMetadata   bool `yaml:"enable_efficient_metadata"`

	DefaultEnvironment string `yaml:"default_environment"`
}

// Default returns the hard-coded defaults from §6, before any layer is
// applied.
func Default() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return Config{
		BufferDirectory:          filepath.Join(home, "concourse", "buffer"),
		DatabaseDirectory:        filepath.Join(home, "concourse", "db"),
		BufferPageSize:           8192,
		MaxSearchSubstringLength: 40,
		EnableBatchTransports:    false,
		NumTransporterThreads:    1,
		DefaultEnvironment:       "default",
	}
}

// Load reads the four layers rooted at basePath without extension
// (e.g. basePath="/etc/concourse/concourse" reads
// concourse.prefs, concourse.yaml, concourse.prefs.dev,
// concourse.yaml.dev — in that order, each overriding the last), on top
// of Default(). A missing layer file is not an error; all four are
// optional.
func Load(basePath string) (Config, error) {
	cfg := Default()

	layers := []string{
		basePath + ".prefs",
		basePath + ".yaml",
		basePath + ".prefs.dev",
		basePath + ".yaml.dev",
	}

	for _, path := range layers {
		raw, err := readLayer(path)
		if err != nil {
			return cfg, errors.Wrapf(err, "config: read %s", path)
		}
		if raw == nil {
			continue
		}
		applyOverrides(&cfg, raw)
	}

	if cfg.BufferDirectory == cfg.DatabaseDirectory {
		return cfg, errors.Newf("config: buffer_directory and database_directory must differ (%s)", cfg.BufferDirectory)
	}
	return cfg, nil
}

// readLayer loads one file into a string-keyed map, dispatching on
// extension, or returns (nil, nil) if the file does not exist.
func readLayer(path string) (map[string]string, error) {
	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yaml.dev") {
		return readYAMLLayer(path)
	}
	return readPrefsLayer(path)
}

func readYAMLLayer(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var raw map[string]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// readPrefsLayer reads this project's own `key = value` format: one
// assignment per line, `#` starts a line comment, blank lines ignored.
func readPrefsLayer(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	out := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.IndexByte(line, '=')
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])
		out[key] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// applyOverrides merges raw string values into cfg, parsing bools and
// ints where the field requires it. Unrecognized keys are ignored
// rather than rejected, since experimental toggles may be added by a
// newer config file than this binary knows about.
func applyOverrides(cfg *Config, raw map[string]string) {
	for key, val := range raw {
		switch key {
		case "buffer_directory":
			cfg.BufferDirectory = val
		case "database_directory":
			cfg.DatabaseDirectory = val
		case "buffer_page_size":
			if n, err := strconv.Atoi(val); err == nil {
				cfg.BufferPageSize = n
			}
		case "max_search_substring_length":
			if n, err := strconv.Atoi(val); err == nil {
				cfg.MaxSearchSubstringLength = n
			}
		case "enable_batch_transports":
			cfg.EnableBatchTransports = parseBool(val)
		case "num_transporter_threads":
			if n, err := strconv.Atoi(val); err == nil {
				cfg.NumTransporterThreads = n
			}
		case "enable_search_cache":
			cfg.EnableSearchCache = parseBool(val)
		case "enable_verify_by_lookup":
			cfg.EnableVerifyByLookup = parseBool(val)
		case "enable_async_data_reads":
			cfg.EnableAsyncDataReads = parseBool(val)
		case "enable_compaction":
			cfg.EnableCompaction = parseBool(val)
		case "enable_efficient_metadata":
			cfg.EnableEfficientMetadata = parseBool(val)
		case "default_environment":
			cfg.DefaultEnvironment = val
		}
	}
}

func parseBool(s string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(s))
	return err == nil && b
}
