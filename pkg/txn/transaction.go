// Package txn implements Transaction (§4.6): an AtomicOperation with a
// client-facing token, a durable intention log so an in-flight
// transaction survives a crash, and commit/abort driven by a later
// client request rather than immediately by the caller that started it.
//
// The durable log reuses pkg/limbo.Buffer itself — the same
// append-only, page-based, fsync'd write log the engine already uses
// for its main write path — rather than inventing a second log format,
// grounded in the teacher's habit of reusing one durability primitive
// (pkg/wal) everywhere a durable intent needs to survive a crash.
package txn

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/concoursedb/concourse/pkg/atomic"
	"github.com/concoursedb/concourse/pkg/ccl"
	"github.com/concoursedb/concourse/pkg/clock"
	"github.com/concoursedb/concourse/pkg/errs"
	"github.com/concoursedb/concourse/pkg/limbo"
	"github.com/concoursedb/concourse/pkg/lock"
	"github.com/concoursedb/concourse/pkg/metrics"
	"github.com/concoursedb/concourse/pkg/store"
	"github.com/concoursedb/concourse/pkg/value"
)

var (
	_ store.Store    = (*Transaction)(nil)
	_ store.Writable = (*Transaction)(nil)
)

// Transaction is a durable, client-addressable AtomicOperation. Its
// isolation level is identical to a plain AtomicOperation's (optimistic,
// just-in-time, version-validated, §4.6); what it adds is a token a
// client can hand back later to commit or abort, and a write-ahead log
// of its own so a crash between stage and commit doesn't silently lose
// the client's intent.
type Transaction struct {
	Token string

	op   *atomic.AtomicOperation
	log  *limbo.Buffer
	dir  string

	mu           sync.Mutex
	lastActivity time.Time
	idleTimeout  time.Duration
	finished     bool
}

// Begin opens a Transaction rooted at filepath.Join(logRoot, token),
// generating a fresh token. idleTimeout is the expiry window from §5
// ("Transactions additionally expire after a configurable idle
// interval"); zero disables expiry.
func Begin(logRoot string, dest store.Store, writable store.Writable, locks *lock.Manager, clk *clock.Clock, idleTimeout time.Duration) (*Transaction, error) {
	token := uuid.NewString()
	dir := filepath.Join(logRoot, token)

	logOpts := limbo.DefaultOptions(dir)
	logOpts.SyncPolicy = limbo.SyncEveryWrite
	logBuf, err := limbo.Open(logOpts)
	if err != nil {
		return nil, errors.Wrap(err, "txn: open intention log")
	}

	metrics.ActiveTransactions.Inc()
	return &Transaction{
		Token:        token,
		op:           atomic.New(dest, writable, locks, clk),
		log:          logBuf,
		dir:          dir,
		lastActivity: time.Now(),
		idleTimeout:  idleTimeout,
	}, nil
}

// touch records activity, resetting the idle-expiry clock.
func (t *Transaction) touch() {
	t.mu.Lock()
	t.lastActivity = time.Now()
	t.mu.Unlock()
}

// Expired reports whether the transaction has sat idle longer than its
// configured timeout.
func (t *Transaction) Expired() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.idleTimeout <= 0 || t.finished {
		return false
	}
	return time.Since(t.lastActivity) > t.idleTimeout
}

func (t *Transaction) checkLive() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return &errs.TransactionAbortedError{Token: t.Token, Reason: "transaction already finished"}
	}
	if t.idleTimeout > 0 && time.Since(t.lastActivity) > t.idleTimeout {
		t.finished = true
		return &errs.TransactionAbortedError{Token: t.Token, Reason: "idle timeout exceeded"}
	}
	return nil
}

// Add stages an ADD, durably logging the intention before it becomes
// visible through the transaction's own reads.
func (t *Transaction) Add(key string, v value.Value, record uint64) error {
	if err := t.checkLive(); err != nil {
		return err
	}
	if err := t.log.Insert(value.Write{Action: value.Add, Key: key, Value: v, Record: record}, true); err != nil {
		return errs.Fatal(err, "txn: log ADD intention")
	}
	t.touch()
	return t.op.Add(key, v, record)
}

// Remove stages a REMOVE, mirroring Add's durability discipline.
func (t *Transaction) Remove(key string, v value.Value, record uint64) error {
	if err := t.checkLive(); err != nil {
		return err
	}
	if err := t.log.Insert(value.Write{Action: value.Remove, Key: key, Value: v, Record: record}, true); err != nil {
		return errs.Fatal(err, "txn: log REMOVE intention")
	}
	t.touch()
	return t.op.Remove(key, v, record)
}

// Set mirrors AtomicOperation.Set.
func (t *Transaction) Set(key string, v value.Value, record uint64) error {
	if err := t.checkLive(); err != nil {
		return err
	}
	t.touch()
	return t.op.Set(key, v, record)
}

// NewNestedOperation starts an AtomicOperation whose reads and writes
// go through this Transaction rather than the underlying store — "nested
// AtomicOperations inside a Transaction ... validate against the
// Transaction's view" (§4.6). The nested operation's own Commit only
// folds its intentions into the Transaction's staged set; nothing
// becomes visible outside the Transaction until the Transaction itself
// commits.
func (t *Transaction) NewNestedOperation(locks *lock.Manager, clk *clock.Clock) *atomic.AtomicOperation {
	return atomic.New(t, t, locks, clk)
}

// Insert implements store.Writable so nested AtomicOperations can apply
// their intentions into this Transaction's own staged writes, and so an
// Engine can route ordinary writes through an active Transaction.
func (t *Transaction) Insert(w value.Write, _ bool) error {
	if err := t.checkLive(); err != nil {
		return err
	}
	if err := t.log.Insert(w, true); err != nil {
		return errs.Fatal(err, "txn: log nested intention")
	}
	t.touch()
	if w.IsAdd() {
		return t.op.Add(w.Key, w.Value, w.Record)
	}
	return t.op.Remove(w.Key, w.Value, w.Record)
}

// The read methods below delegate to the inner AtomicOperation's fixed,
// already-merged snapshot. The `at` parameter every store.Store method
// carries is accepted for interface conformance but ignored: a
// Transaction (like a plain AtomicOperation) always reads its own
// just-in-time view, never an arbitrary historical one, per §4.6's
// "isolation level equals AtomicOperation's".

func (t *Transaction) Select(record uint64, _ uint64) map[string]map[value.Value]struct{} {
	return t.op.Select(record)
}

func (t *Transaction) SelectKey(key string, record uint64, _ uint64) map[value.Value]struct{} {
	return t.op.SelectKey(key, record)
}

func (t *Transaction) Browse(key string, _ uint64) map[value.Value]map[uint64]struct{} {
	return t.op.Browse(key)
}

func (t *Transaction) Verify(key string, v value.Value, record uint64, _ uint64) bool {
	return t.op.Verify(key, v, record)
}

func (t *Transaction) Describe(record uint64, at uint64) map[string]struct{} {
	out := make(map[string]struct{})
	for k, vs := range t.Select(record, at) {
		if len(vs) > 0 {
			out[k] = struct{}{}
		}
	}
	return out
}

// Chronologize and Audit only have meaning against durable history;
// inside an uncommitted Transaction they report whatever the underlying
// destination already shows, since the transaction's own intentions have
// no fixed version yet.
func (t *Transaction) Chronologize(key string, record uint64, tStart, tEnd uint64) map[uint64]map[value.Value]struct{} {
	return t.op.ChronologizeDest(key, record, tStart, tEnd)
}

func (t *Transaction) Audit(record uint64, key string) []value.AuditEntry {
	return t.op.AuditDest(record, key)
}

func (t *Transaction) Contains(record uint64) bool {
	return t.op.ContainsDest(record)
}

func (t *Transaction) GetAllRecords() map[uint64]struct{} {
	return t.op.GetAllRecordsDest()
}

func (t *Transaction) LatestVersion(record uint64, key string, at uint64) uint64 {
	return t.op.LatestVersionDest(record, key, at)
}

func (t *Transaction) LatestVersionInRange(key string, lo, hi value.Value, at uint64) uint64 {
	return t.op.LatestVersionInRangeDest(key, lo, hi, at)
}

func (t *Transaction) LatestVersionForKey(key string, at uint64) uint64 {
	return t.op.LatestVersionForKeyDest(key, at)
}

func (t *Transaction) FindAt(key string, op ccl.Operator, values []value.Value, at uint64) (map[uint64]struct{}, error) {
	return t.op.FindAt(key, op, values, at)
}

func (t *Transaction) SearchAt(key, query string, at uint64) (map[uint64]struct{}, error) {
	return t.op.SearchAt(key, query, at)
}

// Commit attempts to apply every staged intention atomically against
// the Transaction's original destination (§4.6 commit protocol =
// AtomicOperation's). Unlike a plain AtomicOperation, a failed
// validation does not yield RETRY: a Transaction that loses its version
// race is finished, surfaced to the client as TransactionAborted (§7),
// since retrying would mean replaying possibly-stale client-issued
// writes rather than re-running a single in-process body().
func (t *Transaction) Commit(ctx context.Context) error {
	if err := t.checkLive(); err != nil {
		return err
	}
	err := t.op.Commit(ctx)

	t.mu.Lock()
	t.finished = true
	t.mu.Unlock()
	metrics.ActiveTransactions.Dec()

	if cerr := t.cleanup(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		if _, ok := err.(*errs.RetryError); ok {
			return &errs.TransactionAbortedError{Token: t.Token, Reason: "commit validation failed"}
		}
		return err
	}
	return nil
}

// Abort discards every staged intention and the durable log, per §4.6
// "may be aborted ... by a later client request".
func (t *Transaction) Abort() error {
	t.mu.Lock()
	t.finished = true
	t.mu.Unlock()
	metrics.ActiveTransactions.Dec()
	t.op.Abort()
	return t.cleanup()
}

func (t *Transaction) cleanup() error {
	if err := t.log.Close(); err != nil {
		return err
	}
	return os.RemoveAll(t.dir)
}

// Sweep lists transaction log directories left behind under logRoot —
// ordinarily only present after a crash between Begin and Commit/Abort,
// since a clean finish removes its own directory. It is operator
// tooling: deciding whether to abort or resume a recovered transaction
// is a policy choice left to the Engine, not this package.
func Sweep(logRoot string) ([]string, error) {
	entries, err := os.ReadDir(logRoot)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "txn: sweep log root")
	}
	var tokens []string
	for _, e := range entries {
		if e.IsDir() {
			tokens = append(tokens, e.Name())
		}
	}
	return tokens, nil
}
