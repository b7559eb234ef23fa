// Package atomic implements AtomicOperation (§4.5): an optimistic,
// buffered composition of Store reads and writes against one
// destination, committed with version-stamp validation rather than
// held locks for the duration of the operation.
//
// Grounded in the teacher's optimistic-concurrency pattern for
// checkpoint/vacuum swaps (pkg/storage/checkpoint.go, pkg/storage
// vacuum): build a result set in isolation, then validate and apply it
// atomically against shared state, retrying on conflict rather than
// holding a lock across the whole operation.
package atomic

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/concoursedb/concourse/pkg/ccl"
	"github.com/concoursedb/concourse/pkg/clock"
	"github.com/concoursedb/concourse/pkg/errs"
	"github.com/concoursedb/concourse/pkg/lock"
	"github.com/concoursedb/concourse/pkg/metrics"
	"github.com/concoursedb/concourse/pkg/store"
	"github.com/concoursedb/concourse/pkg/value"
)

type observationKind uint8

const (
	obsField observationKind = iota + 1
	obsRange
	obsWildcard
)

// observation is one "I saw version V" claim made during the operation,
// re-checked at commit time per §4.5 step 2.
type observation struct {
	kind    observationKind
	record  uint64
	key     string
	lo, hi  value.Value
	version uint64
}

// AtomicOperation wraps a destination Store with a locally-buffered
// intention list and an observation set, per §4.5.
type AtomicOperation struct {
	dest     store.Store
	writable store.Writable
	locks    *lock.Manager
	clock    *clock.Clock
	at       uint64 // read snapshot ceiling: the version in effect when the operation began

	mu           sync.Mutex
	intentions   []value.Write
	observations []observation
	done         bool
}

// New starts an AtomicOperation reading dest as of its current state and
// staging writes for writable (normally the same BufferedStore, since
// BufferedStore implements both Store and Writable via its embedded
// Buffer).
func New(dest store.Store, writable store.Writable, locks *lock.Manager, clk *clock.Clock) *AtomicOperation {
	return &AtomicOperation{dest: dest, writable: writable, locks: locks, clock: clk, at: clk.Current()}
}

func (o *AtomicOperation) recordObservation(obs observation) {
	o.observations = append(o.observations, obs)
}

// mergedSelectKeyLocked returns the effective value set for (key,
// record) merging dest's state with this operation's own staged
// intentions, and records the field observation used to validate the
// read at commit time. Caller must hold o.mu.
func (o *AtomicOperation) mergedSelectKeyLocked(key string, record uint64) map[value.Value]struct{} {
	base := o.dest.SelectKey(key, record, o.at)
	v := o.dest.LatestVersion(record, key, o.at)
	o.recordObservation(observation{kind: obsField, record: record, key: key, version: v})

	out := make(map[value.Value]struct{}, len(base))
	for val := range base {
		out[val] = struct{}{}
	}
	for _, w := range o.intentions {
		if w.Record != record || w.Key != key {
			continue
		}
		if w.IsAdd() {
			out[w.Value] = struct{}{}
		} else {
			delete(out, w.Value)
		}
	}
	return out
}

// SelectKey mirrors Store.select(key, record, t) merged with this
// operation's own uncommitted writes.
func (o *AtomicOperation) SelectKey(key string, record uint64) map[value.Value]struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.mergedSelectKeyLocked(key, record)
}

// Select mirrors Store.select(record, t).
func (o *AtomicOperation) Select(record uint64) map[string]map[value.Value]struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()

	keys := make(map[string]struct{})
	for k := range o.dest.Select(record, o.at) {
		keys[k] = struct{}{}
	}
	for _, w := range o.intentions {
		if w.Record == record {
			keys[w.Key] = struct{}{}
		}
	}

	out := make(map[string]map[value.Value]struct{}, len(keys))
	for k := range keys {
		if vs := o.mergedSelectKeyLocked(k, record); len(vs) > 0 {
			out[k] = vs
		}
	}
	return out
}

// Verify mirrors Store.verify(key, value, record, t).
func (o *AtomicOperation) Verify(key string, v value.Value, record uint64) bool {
	_, ok := o.SelectKey(key, record)[v]
	return ok
}

// Browse mirrors Store.browse(key, t), merging in any record this
// operation has staged an (as yet invisible) write against.
func (o *AtomicOperation) Browse(key string) map[value.Value]map[uint64]struct{} {
	o.mu.Lock()
	records := make(map[uint64]struct{})
	for _, records2 := range o.dest.Browse(key, o.at) {
		for r := range records2 {
			records[r] = struct{}{}
		}
	}
	for _, w := range o.intentions {
		if w.Key == key {
			records[w.Record] = struct{}{}
		}
	}
	v := o.dest.LatestVersionForKey(key, o.at)
	o.recordObservation(observation{kind: obsWildcard, key: key, version: v})
	o.mu.Unlock()

	out := make(map[value.Value]map[uint64]struct{})
	for r := range records {
		for v := range o.SelectKey(key, r) {
			if out[v] == nil {
				out[v] = make(map[uint64]struct{})
			}
			out[v][r] = struct{}{}
		}
	}
	return out
}

// FindAt implements ccl.Evaluator so an AtomicOperation can sit behind
// a criteria AST node; `at` is accepted for interface conformance but
// the operation always reads its own fixed snapshot.
func (o *AtomicOperation) FindAt(key string, op ccl.Operator, values []value.Value, _ uint64) (map[uint64]struct{}, error) {
	o.mu.Lock()
	lo, hi := rangeBounds(op, values)
	v := o.dest.LatestVersionInRange(key, lo, hi, o.at)
	o.recordObservation(observation{kind: obsRange, key: key, lo: lo, hi: hi, version: v})
	o.mu.Unlock()

	out := make(map[uint64]struct{})
	for v, records := range o.Browse(key) {
		if ccl.Match(op, v, values) {
			for r := range records {
				out[r] = struct{}{}
			}
		}
	}
	return out, nil
}

// SearchAt implements ccl.Evaluator. Search reads are validated as a
// wildcard observation on key: a deliberately coarse (but safe) choice,
// since the search index has no natural range bound over substrings.
func (o *AtomicOperation) SearchAt(key, query string, _ uint64) (map[uint64]struct{}, error) {
	o.mu.Lock()
	v := o.dest.LatestVersionForKey(key, o.at)
	o.recordObservation(observation{kind: obsWildcard, key: key, version: v})
	o.mu.Unlock()
	return o.dest.SearchAt(key, query, o.at)
}

// ChronologizeDest, AuditDest, ContainsDest, GetAllRecordsDest, and the
// LatestVersion* delegates below let a Transaction (pkg/txn) implement
// store.Store in terms of its own inner AtomicOperation without
// re-deriving the merge logic. Chronologize/Audit report the
// destination's committed history only — an uncommitted intention has
// no fixed version yet, so it cannot contribute a history entry.
func (o *AtomicOperation) ChronologizeDest(key string, record uint64, tStart, tEnd uint64) map[uint64]map[value.Value]struct{} {
	return o.dest.Chronologize(key, record, tStart, tEnd)
}

func (o *AtomicOperation) AuditDest(record uint64, key string) []value.AuditEntry {
	return o.dest.Audit(record, key)
}

func (o *AtomicOperation) ContainsDest(record uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.dest.Contains(record) {
		return true
	}
	for _, w := range o.intentions {
		if w.Record == record && w.IsAdd() {
			return true
		}
	}
	return false
}

func (o *AtomicOperation) GetAllRecordsDest() map[uint64]struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := o.dest.GetAllRecords()
	for _, w := range o.intentions {
		if w.IsAdd() {
			out[w.Record] = struct{}{}
		}
	}
	return out
}

func (o *AtomicOperation) LatestVersionDest(record uint64, key string, at uint64) uint64 {
	return o.dest.LatestVersion(record, key, at)
}

func (o *AtomicOperation) LatestVersionInRangeDest(key string, lo, hi value.Value, at uint64) uint64 {
	return o.dest.LatestVersionInRange(key, lo, hi, at)
}

func (o *AtomicOperation) LatestVersionForKeyDest(key string, at uint64) uint64 {
	return o.dest.LatestVersionForKey(key, at)
}

// rangeBounds translates a Find operator/operand pair into the
// half-open interval a range lock and range observation cover. This is
// a best-effort narrowing only: FindAt also takes the wildcard
// observation recorded by Browse, which is what actually guarantees
// commit-time safety, so an imprecise (even degenerate) bound here
// costs extra lock contention, never correctness.
func rangeBounds(op ccl.Operator, values []value.Value) (lo, hi value.Value) {
	if len(values) == 0 {
		return value.Value{}, value.Value{}
	}
	switch op {
	case ccl.Between:
		if len(values) == 2 {
			return values[0], values[1]
		}
		return values[0], values[0]
	case ccl.LessThan, ccl.LessThanOrEquals:
		return value.Value{}, values[0]
	default:
		return values[0], values[0]
	}
}

// Add stages an ADD intention, rejecting a self-link (§3 invariant 7)
// or a duplicate ADD of an already-present value (§3 invariant 3).
func (o *AtomicOperation) Add(key string, v value.Value, record uint64) error {
	if lr, ok := v.IsLink(); ok && lr == record {
		return &errs.SelfLinkError{Record: record, Key: key}
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.mergedSelectKeyLocked(key, record)[v]; exists {
		return &errs.InvalidArgumentError{Reason: fmt.Sprintf("duplicate ADD of %s for key %q in record %d", v, key, record)}
	}
	o.stageLocked(value.Add, key, v, record)
	return nil
}

// Remove stages a REMOVE intention, rejecting removal of an absent
// value (§3 invariant 3).
func (o *AtomicOperation) Remove(key string, v value.Value, record uint64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.mergedSelectKeyLocked(key, record)[v]; !exists {
		return &errs.InvalidArgumentError{Reason: fmt.Sprintf("cannot REMOVE absent value %s for key %q in record %d", v, key, record)}
	}
	o.stageLocked(value.Remove, key, v, record)
	return nil
}

// Set replaces every value currently held at (key, record) with v,
// implemented as the teacher's revert/swap idiom: remove what's there,
// add what's wanted, skipping the no-op case of v already being the
// sole value.
func (o *AtomicOperation) Set(key string, v value.Value, record uint64) error {
	o.mu.Lock()
	current := o.mergedSelectKeyLocked(key, record)
	_, already := current[v]
	toRemove := make([]value.Value, 0, len(current))
	for existing := range current {
		if existing != v {
			toRemove = append(toRemove, existing)
		}
	}
	o.mu.Unlock()

	for _, existing := range toRemove {
		if err := o.Remove(key, existing, record); err != nil {
			return err
		}
	}
	if !already {
		return o.Add(key, v, record)
	}
	return nil
}

func (o *AtomicOperation) stageLocked(action value.Action, key string, v value.Value, record uint64) {
	o.intentions = append(o.intentions, value.Write{Action: action, Key: key, Value: v, Record: record})
}

// lockScopes collects the write locks for every (record,key) touched by
// an intention and the read locks for every distinct observation, in
// the shape Manager.AcquireAll expects.
func (o *AtomicOperation) lockScopes() ([]lock.Scope, []bool) {
	type fieldKey struct {
		record uint64
		key    string
	}
	writeFields := make(map[fieldKey]struct{})
	for _, w := range o.intentions {
		writeFields[fieldKey{w.Record, w.Key}] = struct{}{}
	}

	var scopes []lock.Scope
	var writeMask []bool
	for fk := range writeFields {
		scopes = append(scopes, lock.Field(fk.record, fk.key))
		writeMask = append(writeMask, true)
	}
	for _, obs := range o.observations {
		switch obs.kind {
		case obsField:
			if _, ok := writeFields[fieldKey{obs.record, obs.key}]; ok {
				continue
			}
			scopes = append(scopes, lock.Field(obs.record, obs.key))
			writeMask = append(writeMask, false)
		case obsRange:
			scopes = append(scopes, lock.Range(obs.key, obs.lo, obs.hi))
			writeMask = append(writeMask, false)
		case obsWildcard:
			scopes = append(scopes, lock.Wildcard(obs.key))
			writeMask = append(writeMask, false)
		}
	}
	return scopes, writeMask
}

// validate re-checks every observation against dest's current state,
// per §4.5 step 2. The first mismatch fails the whole commit.
func (o *AtomicOperation) validate() bool {
	now := ^uint64(0)
	for _, obs := range o.observations {
		switch obs.kind {
		case obsField:
			if o.dest.LatestVersion(obs.record, obs.key, now) != obs.version {
				return false
			}
		case obsRange:
			if o.dest.LatestVersionInRange(obs.key, obs.lo, obs.hi, now) > obs.version {
				return false
			}
		case obsWildcard:
			if o.dest.LatestVersionForKey(obs.key, now) > obs.version {
				return false
			}
		}
	}
	return true
}

// Commit runs the four-step protocol from §4.5: acquire locks,
// re-validate observations, apply intentions in order, release locks.
// Returns a *errs.RetryError if validation fails.
func (o *AtomicOperation) Commit(ctx context.Context) error {
	timer := metrics.NewTimer(metrics.CommitDuration)
	defer timer.ObserveDuration()

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.done {
		return &errs.InvalidArgumentError{Reason: "commit called on a finished AtomicOperation"}
	}
	o.done = true

	if len(o.intentions) == 0 {
		metrics.CommitsTotal.WithLabelValues("success").Inc()
		return nil
	}

	scopes, writeMask := o.lockScopes()
	unlock, err := o.locks.AcquireAll(ctx, scopes, writeMask)
	if err != nil {
		metrics.CommitsTotal.WithLabelValues("retry").Inc()
		return err
	}
	defer unlock()

	if !o.validate() {
		metrics.CommitsTotal.WithLabelValues("retry").Inc()
		return &errs.RetryError{Reason: "observation version mismatch at commit"}
	}

	for i, w := range o.intentions {
		w.Version = o.clock.Next()
		if err := o.writable.Insert(w, i == len(o.intentions)-1); err != nil {
			metrics.CommitsTotal.WithLabelValues("fatal").Inc()
			return errs.Fatal(err, "atomic: apply intention %d", i)
		}
		metrics.WritesTotal.WithLabelValues(w.Action.String()).Inc()
	}
	metrics.CommitsTotal.WithLabelValues("success").Inc()
	return nil
}

// Abort discards every staged intention without applying anything.
func (o *AtomicOperation) Abort() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.done = true
	o.intentions = nil
	o.observations = nil
}

// RetryPolicy bounds executeWithRetry's backoff (§4.5).
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 8, BaseDelay: time.Millisecond, MaxDelay: 200 * time.Millisecond}
}

// ExecuteWithRetry drives the retry loop described in §4.5: create an
// AtomicOperation, run body against it, attempt commit, and retry on
// RETRY with bounded exponential backoff. body may itself return a
// *errs.RetryError to force re-execution (used by insertJson when a
// generated record id collides).
func ExecuteWithRetry(ctx context.Context, dest store.Store, writable store.Writable, locks *lock.Manager, clk *clock.Clock, policy RetryPolicy, body func(*AtomicOperation) error) error {
	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		op := New(dest, writable, locks, clk)

		if err := body(op); err != nil {
			op.Abort()
			if isRetry(err) {
				lastErr = err
				metrics.RetriesTotal.Inc()
				if werr := sleepBackoff(ctx, policy, attempt); werr != nil {
					return werr
				}
				continue
			}
			return err
		}

		err := op.Commit(ctx)
		if err == nil {
			return nil
		}
		if !isRetry(err) {
			return err
		}
		lastErr = err
		metrics.RetriesTotal.Inc()
		if werr := sleepBackoff(ctx, policy, attempt); werr != nil {
			return werr
		}
	}
	return errs.Fatal(lastErr, "atomic: exceeded %d retry attempts", policy.MaxAttempts)
}

func isRetry(err error) bool {
	_, ok := err.(*errs.RetryError)
	return ok
}

// sleepBackoff waits base*2^attempt (capped at MaxDelay, jittered
// ±10%) before the next retry, or returns ctx.Err() if it expires
// first.
func sleepBackoff(ctx context.Context, policy RetryPolicy, attempt int) error {
	delay := policy.BaseDelay << attempt
	if delay > policy.MaxDelay || delay <= 0 {
		delay = policy.MaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/5+1)) - delay/10
	delay += jitter
	if delay < 0 {
		delay = 0
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}
