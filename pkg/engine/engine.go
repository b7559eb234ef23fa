package engine

import (
	"path/filepath"
	"sync"

	"github.com/concoursedb/concourse/pkg/config"
	"github.com/concoursedb/concourse/pkg/errs"
	"github.com/concoursedb/concourse/pkg/transport"
)

// Engine is the process-wide map of Environments a client addresses by
// name (§1 "environments are just independent engine instances"; §6
// `default_environment`). An Engine is a plain instance, not
// package-level state, so tests can run several in parallel; each
// Environment it opens carries its own version clock.
type Engine struct {
	cfg config.Config

	mu           sync.RWMutex
	environments map[string]*Environment
}

// Open constructs an Engine from cfg without opening any environment
// yet; environments open lazily on first use, per §6 "opened on first
// use and closed on shutdown."
func Open(cfg config.Config) *Engine {
	return &Engine{cfg: cfg, environments: make(map[string]*Environment)}
}

// Environment returns the named environment, opening it on first use.
func (e *Engine) Environment(name string) (*Environment, error) {
	if name == "" {
		name = e.cfg.DefaultEnvironment
	}

	e.mu.RLock()
	env, ok := e.environments[name]
	e.mu.RUnlock()
	if ok {
		return env, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if env, ok := e.environments[name]; ok {
		return env, nil
	}

	mode := transport.Streaming
	if e.cfg.EnableBatchTransports {
		mode = transport.Batch
	}
	env, err := OpenEnvironment(name, EnvironmentOptions{
		BufferDir:             filepath.Join(e.cfg.BufferDirectory, name),
		DatabaseDir:           filepath.Join(e.cfg.DatabaseDirectory, name),
		PageSize:              int64(e.cfg.BufferPageSize),
		MaxSearchSubstring:    e.cfg.MaxSearchSubstringLength,
		TransporterMode:       mode,
		TransporterBatchPages: 4,
		TransporterThreads:    e.cfg.NumTransporterThreads,
	})
	if err != nil {
		return nil, err
	}
	e.environments[name] = env
	return env, nil
}

// Lookup returns an already-open environment without opening it,
// for operator tooling (stats, sweep) that shouldn't have the side
// effect of creating a new environment's directories just by asking
// about one that was never used.
func (e *Engine) Lookup(name string) (*Environment, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	env, ok := e.environments[name]
	if !ok {
		return nil, &errs.EnvironmentNotFoundError{Name: name}
	}
	return env, nil
}

// Default opens (or returns) the configured default environment.
func (e *Engine) Default() (*Environment, error) {
	return e.Environment(e.cfg.DefaultEnvironment)
}

// Close shuts down every opened environment.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var firstErr error
	for name, env := range e.environments {
		if err := env.Close(); err != nil && firstErr == nil {
			firstErr = errs.Fatal(err, "engine: close environment %s", name)
		}
	}
	e.environments = make(map[string]*Environment)
	return firstErr
}

// Environments lists every currently-open environment name, for
// operator introspection.
func (e *Engine) Environments() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.environments))
	for name := range e.environments {
		names = append(names, name)
	}
	return names
}
