// Package engine wires every lower layer — Buffer, Database,
// BufferedStore, AtomicOperation, Transaction, the lock manager, the
// clock, and the Transporter — into the data-plane surface clients
// actually call (§6): an Environment is one independent instance of
// that whole stack, keyed by name, and Engine is the map of environments
// a process serves.
package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/concoursedb/concourse/pkg/atomic"
	"github.com/concoursedb/concourse/pkg/ccl"
	"github.com/concoursedb/concourse/pkg/clock"
	"github.com/concoursedb/concourse/pkg/errs"
	"github.com/concoursedb/concourse/pkg/limbo"
	"github.com/concoursedb/concourse/pkg/lock"
	"github.com/concoursedb/concourse/pkg/log"
	"github.com/concoursedb/concourse/pkg/permstore"
	"github.com/concoursedb/concourse/pkg/store"
	"github.com/concoursedb/concourse/pkg/transport"
	"github.com/concoursedb/concourse/pkg/txn"
	"github.com/concoursedb/concourse/pkg/value"
)

// Environment is one independent engine instance: its own Buffer
// directory, Database directory, lock table, clock, inventory, and
// Transporter, per §1 "environments are just independent engine
// instances" and §6's per-environment on-disk layout.
type Environment struct {
	Name string

	buffer      *limbo.Buffer
	database    *permstore.Database
	store       *store.BufferedStore
	locks       *lock.Manager
	clock       *clock.Clock
	inventory   *Inventory
	transporter *transport.Transporter
	systemID    string

	txRoot string
	txMu   sync.Mutex
	txns   map[string]*txn.Transaction
}

// EnvironmentOptions configures one Environment's on-disk layout and
// Transporter behavior.
type EnvironmentOptions struct {
	BufferDir   string
	DatabaseDir string

	PageSize              int64
	MaxSearchSubstring    int
	TransporterMode       transport.Mode
	TransporterBatchPages int
	TransporterInterval   time.Duration
	TransporterThreads    int
	TransactionIdleTime   time.Duration
}

// OpenEnvironment opens (or creates) one environment's full stack,
// enforcing the System ID match-or-refuse rule (§6) before anything
// else touches disk.
func OpenEnvironment(name string, opts EnvironmentOptions) (*Environment, error) {
	log.Logger.Info().Str("environment", name).Str("buffer_dir", opts.BufferDir).Str("database_dir", opts.DatabaseDir).Msg("engine: opening environment")

	id, err := reconcileSystemID(opts.BufferDir, opts.DatabaseDir)
	if err != nil {
		log.Logger.Error().Str("environment", name).Err(err).Msg("engine: system id reconciliation failed")
		return nil, err
	}

	bufOpts := limbo.DefaultOptions(opts.BufferDir)
	if opts.PageSize > 0 {
		bufOpts.PageSize = opts.PageSize
	}
	buf, err := limbo.Open(bufOpts)
	if err != nil {
		return nil, errs.Fatal(err, "engine: open buffer for environment %s", name)
	}

	dbOpts := permstore.DefaultOptions(opts.DatabaseDir)
	if opts.MaxSearchSubstring > 0 {
		dbOpts.MaxSearchSubstringLen = opts.MaxSearchSubstring
	}
	db, err := permstore.Open(dbOpts)
	if err != nil {
		return nil, errs.Fatal(err, "engine: open database for environment %s", name)
	}

	inv, err := OpenInventory(filepath.Join(opts.DatabaseDir, "inventory"))
	if err != nil {
		return nil, errs.Fatal(err, "engine: open inventory for environment %s", name)
	}

	bufStore := store.NewBufferedStore(buf, db)

	txRoot := filepath.Join(opts.BufferDir, "transactions")
	idleTimeout := opts.TransactionIdleTime
	if idleTimeout <= 0 {
		idleTimeout = 10 * time.Minute
	}

	topts := transport.DefaultOptions()
	topts.Mode = opts.TransporterMode
	if opts.TransporterBatchPages > 0 {
		topts.BatchPages = opts.TransporterBatchPages
	}
	if opts.TransporterInterval > 0 {
		topts.Interval = opts.TransporterInterval
	}
	if opts.TransporterThreads > 0 {
		topts.Threads = opts.TransporterThreads
	}
	transporter := transport.New(buf, db, topts)

	env := &Environment{
		Name:        name,
		buffer:      buf,
		database:    db,
		store:       bufStore,
		locks:       lock.NewManager(),
		clock:       clock.New(0),
		inventory:   inv,
		transporter: transporter,
		systemID:    id,
		txRoot:      txRoot,
		txns:        make(map[string]*txn.Transaction),
	}
	transporter.Start()
	log.Logger.Info().Str("environment", name).Str("system_id", id).Msg("engine: environment opened")
	return env, nil
}

// Close stops the background transporter and closes the Buffer; staged
// transactions are left as they are, not aborted or closed. It does not
// delete any on-disk state.
func (e *Environment) Close() error {
	log.Logger.Info().Str("environment", e.Name).Msg("engine: closing environment")
	e.transporter.Stop()
	if err := e.buffer.Close(); err != nil {
		return err
	}
	return nil
}

// SystemID returns the environment's UUID, for operator introspection.
func (e *Environment) SystemID() string { return e.systemID }

// Store exposes the merged read surface directly, for callers (e.g. a
// CCL evaluator) that only need reads and not the write API below.
func (e *Environment) Store() store.Store { return e.store }

func nextRecord(clk *clock.Clock) uint64 { return clk.Next() }

func rejectReservedKey(key string) error {
	if key == idField {
		return &errs.InvalidArgumentError{Reason: "$id$ is reserved and cannot be written directly"}
	}
	return nil
}

// --- Writes (§6 "Writes: add, remove, set, insert, reconcile,
// verifyAndSwap, verifyOrSet, revert, clear") -----------------------

// Add stages and commits a single ADD via one retried AtomicOperation.
// It reports false, not an error, when the value was already present
// for (key, record) — §8 scenario 1 / property 8 specify ADD on an
// already-held value as a no-op the client observes through a boolean,
// the same data-plane contract verifyAndSwap/findOrAdd use elsewhere in
// this file. Any other failure (a self-link, a lock or I/O error) is
// still returned as an error.
func (e *Environment) Add(ctx context.Context, key string, v value.Value, record uint64) (bool, error) {
	if err := rejectReservedKey(key); err != nil {
		return false, err
	}
	err := atomic.ExecuteWithRetry(ctx, e.store, e.store, e.locks, e.clock, atomic.DefaultRetryPolicy(), func(op *atomic.AtomicOperation) error {
		return op.Add(key, v, record)
	})
	if err != nil {
		var invalid *errs.InvalidArgumentError
		if errors.As(err, &invalid) {
			return false, nil
		}
		return false, err
	}
	_ = e.inventory.Add(record)
	return true, nil
}

// Remove stages and commits a single REMOVE.
func (e *Environment) Remove(ctx context.Context, key string, v value.Value, record uint64) error {
	return atomic.ExecuteWithRetry(ctx, e.store, e.store, e.locks, e.clock, atomic.DefaultRetryPolicy(), func(op *atomic.AtomicOperation) error {
		return op.Remove(key, v, record)
	})
}

// Set stages and commits a single SET (swap to exactly one value).
func (e *Environment) Set(ctx context.Context, key string, v value.Value, record uint64) error {
	if err := rejectReservedKey(key); err != nil {
		return err
	}
	err := atomic.ExecuteWithRetry(ctx, e.store, e.store, e.locks, e.clock, atomic.DefaultRetryPolicy(), func(op *atomic.AtomicOperation) error {
		return op.Set(key, v, record)
	})
	if err == nil {
		_ = e.inventory.Add(record)
	}
	return err
}

// Reconcile replaces (key, record)'s entire value set with exactly
// values, computed as the symmetric difference against the field's
// current contents (remove what's missing from values, add what's new)
// within one AtomicOperation, so the swap is all-or-nothing.
func (e *Environment) Reconcile(ctx context.Context, key string, record uint64, values []value.Value) error {
	if err := rejectReservedKey(key); err != nil {
		return err
	}
	err := atomic.ExecuteWithRetry(ctx, e.store, e.store, e.locks, e.clock, atomic.DefaultRetryPolicy(), func(op *atomic.AtomicOperation) error {
		current := op.SelectKey(key, record)
		want := make(map[value.Value]struct{}, len(values))
		for _, v := range values {
			want[v] = struct{}{}
		}
		for v := range current {
			if _, ok := want[v]; !ok {
				if err := op.Remove(key, v, record); err != nil {
					return err
				}
			}
		}
		for v := range want {
			if _, ok := current[v]; !ok {
				if err := op.Add(key, v, record); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err == nil {
		_ = e.inventory.Add(record)
	}
	return err
}

// VerifyAndSwap atomically checks that (key, record) currently equals
// expect, and if so replaces it with replacement, within one
// AtomicOperation so the check and the swap never race.
func (e *Environment) VerifyAndSwap(ctx context.Context, key string, record uint64, expect, replacement value.Value) error {
	return atomic.ExecuteWithRetry(ctx, e.store, e.store, e.locks, e.clock, atomic.DefaultRetryPolicy(), func(op *atomic.AtomicOperation) error {
		if !op.Verify(key, expect, record) {
			return &errs.InvalidArgumentError{Reason: fmt.Sprintf("verifyAndSwap: %s@%d does not currently hold the expected value", key, record)}
		}
		if err := op.Remove(key, expect, record); err != nil {
			return err
		}
		return op.Add(key, replacement, record)
	})
}

// VerifyOrSet sets (key, record) to v only if it doesn't already hold
// exactly v, within one AtomicOperation.
func (e *Environment) VerifyOrSet(ctx context.Context, key string, record uint64, v value.Value) error {
	err := atomic.ExecuteWithRetry(ctx, e.store, e.store, e.locks, e.clock, atomic.DefaultRetryPolicy(), func(op *atomic.AtomicOperation) error {
		if op.Verify(key, v, record) {
			return nil
		}
		return op.Set(key, v, record)
	})
	if err == nil {
		_ = e.inventory.Add(record)
	}
	return err
}

// Revert restores (key, record) to its effective state at time t: every
// value present at t but missing now is re-added, every value present
// now but absent at t is removed, all inside one AtomicOperation.
func (e *Environment) Revert(ctx context.Context, key string, record uint64, at uint64) error {
	return atomic.ExecuteWithRetry(ctx, e.store, e.store, e.locks, e.clock, atomic.DefaultRetryPolicy(), func(op *atomic.AtomicOperation) error {
		historical := e.store.SelectKey(key, record, at)
		current := op.SelectKey(key, record)
		for v := range current {
			if _, ok := historical[v]; !ok {
				if err := op.Remove(key, v, record); err != nil {
					return err
				}
			}
		}
		for v := range historical {
			if _, ok := current[v]; !ok {
				if err := op.Add(key, v, record); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// Clear removes every value of every key currently set on record,
// inside one AtomicOperation.
func (e *Environment) Clear(ctx context.Context, record uint64) error {
	return atomic.ExecuteWithRetry(ctx, e.store, e.store, e.locks, e.clock, atomic.DefaultRetryPolicy(), func(op *atomic.AtomicOperation) error {
		for key, values := range op.Select(record) {
			for v := range values {
				if err := op.Remove(key, v, record); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// Insert parses a §6-format JSON document and writes it as a fresh
// record (or into an explicitly-provided one), per "insert(json[,
// record])". A generated record id that collides with one already
// present raises RETRY from within the AtomicOperation body, which
// executeWithRetry recovers from by drawing a fresh id and trying
// again — exactly the deliberate-RETRY escape hatch §4.5 describes
// ("used by insertJson when a generated record id collides").
func (e *Environment) Insert(ctx context.Context, jsonDoc string, record *uint64, resolve LinkResolver) (uint64, error) {
	fields, explicitID, err := ParseJSONDocument(jsonDoc, resolve)
	if err != nil {
		return 0, err
	}
	if explicitID != nil {
		record = explicitID
	}

	var chosen uint64
	err = atomic.ExecuteWithRetry(ctx, e.store, e.store, e.locks, e.clock, atomic.DefaultRetryPolicy(), func(op *atomic.AtomicOperation) error {
		if record != nil {
			chosen = *record
		} else {
			chosen = nextRecord(e.clock)
			if e.inventory.Contains(chosen) {
				return &errs.RetryError{Reason: "generated record id collides with an existing record"}
			}
		}
		for key, values := range fields {
			for _, v := range values {
				if err := op.Add(key, v, chosen); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	_ = e.inventory.Add(chosen)
	return chosen, nil
}

// --- Reads (§4.4 plus §6's jsonify/navigate/findOrAdd/findOrInsert) ---

// Jsonify renders each of records as a §6-format JSON document, at the
// optional timestamp at (^uint64(0) for now).
func (e *Environment) Jsonify(records []uint64, at uint64, includeID bool) ([]string, error) {
	out := make([]string, 0, len(records))
	for _, r := range records {
		fields := e.store.Select(r, at)
		text, err := JsonifyRecord(r, fields, includeID)
		if err != nil {
			return nil, err
		}
		out = append(out, text)
	}
	return out, nil
}

// Navigate follows Link values transitively starting from source,
// through every key in keys (or every key, if keys is empty), returning
// every record reachable by one or more link hops; source itself is
// never in the result — §6 "navigate(key|
// keys, source) which follows Link values transitively".
func (e *Environment) Navigate(keys []string, source uint64, at uint64) map[uint64]struct{} {
	visited := map[uint64]struct{}{source: {}}
	frontier := []uint64{source}

	for len(frontier) > 0 {
		var next []uint64
		for _, r := range frontier {
			fields := e.store.Select(r, at)
			for key, values := range fields {
				if len(keys) > 0 && !containsKey(keys, key) {
					continue
				}
				for v := range values {
					target, ok := v.IsLink()
					if !ok {
						continue
					}
					if _, seen := visited[target]; seen {
						continue
					}
					visited[target] = struct{}{}
					next = append(next, target)
				}
			}
		}
		frontier = next
	}

	delete(visited, source)
	return visited
}

func containsKey(keys []string, key string) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}

// FindOrAdd returns the single record where key=v, creating a fresh one
// with that single field set if none matches. More than one match is a
// DuplicateEntryError (§6/§7).
func (e *Environment) FindOrAdd(ctx context.Context, key string, v value.Value) (uint64, error) {
	matches, err := e.store.FindAt(key, ccl.Equals, []value.Value{v}, ^uint64(0))
	if err != nil {
		return 0, err
	}
	if len(matches) > 1 {
		return 0, &errs.DuplicateEntryError{Key: key, Value: v.String(), Count: len(matches)}
	}
	for r := range matches {
		return r, nil
	}

	record := nextRecord(e.clock)
	if _, err := e.Add(ctx, key, v, record); err != nil {
		return 0, err
	}
	return record, nil
}

// FindOrInsert mirrors FindOrAdd but inserts a whole JSON document
// (§6) rather than a single field when no match exists.
func (e *Environment) FindOrInsert(ctx context.Context, key string, v value.Value, jsonDoc string, resolve LinkResolver) (uint64, error) {
	matches, err := e.store.FindAt(key, ccl.Equals, []value.Value{v}, ^uint64(0))
	if err != nil {
		return 0, err
	}
	if len(matches) > 1 {
		return 0, &errs.DuplicateEntryError{Key: key, Value: v.String(), Count: len(matches)}
	}
	for r := range matches {
		return r, nil
	}
	return e.Insert(ctx, jsonDoc, nil, resolve)
}

// --- Session control (§6 "login, logout, stage, commit, abort") ---
//
// login/logout are explicitly out of scope (§1 excludes the RPC/auth
// surface); stage/commit/abort below are the storage-core half of
// session control that does belong here.

// Stage begins a new client-addressable Transaction, returning its
// token.
func (e *Environment) Stage(idleTimeout time.Duration) (string, error) {
	if idleTimeout <= 0 {
		idleTimeout = 10 * time.Minute
	}
	t, err := txn.Begin(e.txRoot, e.store, e.store, e.locks, e.clock, idleTimeout)
	if err != nil {
		return "", err
	}
	e.txMu.Lock()
	e.txns[t.Token] = t
	e.txMu.Unlock()
	return t.Token, nil
}

// Transaction looks up a staged Transaction by token.
func (e *Environment) Transaction(token string) (*txn.Transaction, bool) {
	e.txMu.Lock()
	defer e.txMu.Unlock()
	t, ok := e.txns[token]
	return t, ok
}

// Commit commits the transaction named by token and forgets it.
func (e *Environment) Commit(ctx context.Context, token string) error {
	t, ok := e.Transaction(token)
	if !ok {
		return &errs.TransactionAbortedError{Token: token, Reason: "no such transaction"}
	}
	err := t.Commit(ctx)
	e.forgetTransaction(token)
	return err
}

// Abort aborts the transaction named by token and forgets it.
func (e *Environment) Abort(token string) error {
	t, ok := e.Transaction(token)
	if !ok {
		return &errs.TransactionAbortedError{Token: token, Reason: "no such transaction"}
	}
	err := t.Abort()
	e.forgetTransaction(token)
	return err
}

func (e *Environment) forgetTransaction(token string) {
	e.txMu.Lock()
	delete(e.txns, token)
	e.txMu.Unlock()
}

// SweepExpiredTransactions aborts and forgets every transaction that has
// sat idle past its timeout, for a caller's periodic maintenance loop.
func (e *Environment) SweepExpiredTransactions() []string {
	e.txMu.Lock()
	var expired []string
	for token, t := range e.txns {
		if t.Expired() {
			expired = append(expired, token)
		}
	}
	e.txMu.Unlock()

	for _, token := range expired {
		_ = e.Abort(token)
	}
	return expired
}
