package limbo

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/concoursedb/concourse/pkg/ccl"
	"github.com/concoursedb/concourse/pkg/value"
)

// Destination is what a transport round hands fully-persisted Writes
// to — implemented by permstore.Database. Kept minimal and local to
// avoid limbo depending on permstore (permstore already depends on
// nothing upstream of value/ccl, so the dependency would be fine
// either way, but transport.Transporter is the natural owner of both
// sides and this keeps limbo self-contained for testing).
type Destination interface {
	Accept(w value.Write) error
	Sync() error
}

// Buffer is the Limbo described in §4.1: an ordered, durable,
// scan-able log of recent Writes, split across fixed-size pages. Reads
// mirror the Store interface (§4.4) by linearly scanning the buffered
// Writes in version order; the Database (pkg/permstore) answers the
// same surface through indices instead.
type Buffer struct {
	mu    sync.RWMutex
	opts  Options
	pages []*page
	next  uint64
}

// Open creates or reloads a Buffer rooted at opts.Directory, replaying
// any existing page files in creation-index order (§4.1 "Page files
// are named by monotonic creation index so startup reload is
// deterministic").
func Open(opts Options) (*Buffer, error) {
	if opts.PageSize <= 0 {
		opts.PageSize = 8192
	}
	if err := os.MkdirAll(opts.Directory, 0o755); err != nil {
		return nil, errors.Wrap(err, "limbo: create directory")
	}

	entries, err := os.ReadDir(opts.Directory)
	if err != nil {
		return nil, errors.Wrap(err, "limbo: read directory")
	}

	var indices []uint64
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "page") {
			continue
		}
		n, err := strconv.ParseUint(strings.TrimPrefix(e.Name(), "page"), 10, 64)
		if err != nil {
			continue
		}
		indices = append(indices, n)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })

	b := &Buffer{opts: opts}
	for _, idx := range indices {
		p, err := loadPage(opts, idx)
		if err != nil {
			return nil, err
		}
		b.pages = append(b.pages, p)
		if idx >= b.next {
			b.next = idx + 1
		}
	}

	if len(b.pages) == 0 || b.pages[len(b.pages)-1].sealed {
		if err := b.openNewPageLocked(); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func (b *Buffer) openNewPageLocked() error {
	p, err := newPage(b.opts, b.next)
	if err != nil {
		return err
	}
	b.next++
	b.pages = append(b.pages, p)
	return nil
}

// Insert appends w to the current page, rotating to a fresh page if
// the current one would overflow (§4.1 "insert(write) → appends to the
// current page. Fails when disk is exhausted; otherwise infallible.").
func (b *Buffer) Insert(w value.Write, sync bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	active := b.pages[len(b.pages)-1]
	frameSize := int64(frameHeaderSize + len(w.Key) + len(w.Value.Encode()))
	if active.size > 0 && active.size+frameSize > b.opts.PageSize {
		if err := active.seal(); err != nil {
			return errors.Wrap(err, "limbo: seal full page")
		}
		if err := b.openNewPageLocked(); err != nil {
			return err
		}
		active = b.pages[len(b.pages)-1]
	}
	rotate, err := active.append(w, sync)
	if err != nil {
		return errors.Wrap(err, "limbo: insert")
	}
	if rotate {
		if err := active.seal(); err != nil {
			return errors.Wrap(err, "limbo: seal full page")
		}
		return b.openNewPageLocked()
	}
	return nil
}

// Transport removes the oldest sealed page — the oldest contiguous run
// of fully-persisted Writes — and hands its Writes to dst, per §4.1:
// "removes the oldest contiguous run of fully-persisted Writes and
// hands them to a PermanentStore. Atomic with respect to readers." The
// active (last) page is never transported.
//
// Buffer does not serialize concurrent Transport calls; its own mutex
// only protects its page list. pkg/transport's Transporter runs one
// round at a time under its own mutex.
func (b *Buffer) Transport(dst Destination) (int, error) {
	b.mu.RLock()
	var sealed []*page
	if len(b.pages) > 1 && b.pages[0].sealed {
		sealed = append(sealed, b.pages[0])
	}
	b.mu.RUnlock()

	if len(sealed) == 0 {
		return 0, nil
	}

	count := 0
	for _, p := range sealed {
		for _, w := range p.snapshot() {
			if err := dst.Accept(w); err != nil {
				return count, errors.Wrap(err, "limbo: transport accept")
			}
			count++
		}
	}
	if err := dst.Sync(); err != nil {
		return count, errors.Wrap(err, "limbo: transport sync")
	}

	// Only now that dst has durably absorbed every sealed Write do we
	// detach these pages from the buffer's own read path. Splicing them
	// out any earlier (before Accept/Sync) would open a window where a
	// concurrent reader sees the Write in neither store, violating
	// §4.1's "observable in exactly one of {Buffer, Database} ... never
	// neither."
	b.mu.Lock()
	b.pages = b.pages[len(sealed):]
	b.mu.Unlock()

	for _, p := range sealed {
		if err := p.remove(); err != nil {
			return count, errors.Wrap(err, "limbo: remove transported page")
		}
	}
	return count, nil
}

// allWrites returns every buffered Write across all pages, in buffer
// (= version) order, per §3 invariant 4.
func (b *Buffer) allWrites() []value.Write {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []value.Write
	for _, p := range b.pages {
		out = append(out, p.snapshot()...)
	}
	return out
}

// effectiveState folds a set of Writes on (record,key) under version
// ceiling `at` into the live value set, per §3 invariant 2.
func effectiveState(writes []value.Write, record uint64, key string, at uint64) map[string]value.Value {
	live := make(map[string]value.Value)
	for _, w := range writes {
		if w.Record != record || w.Key != key || w.Version > at {
			continue
		}
		k := string(w.Value.Encode())
		if w.IsAdd() {
			live[k] = w.Value
		} else {
			delete(live, k)
		}
	}
	return live
}

func valueSet(m map[string]value.Value) map[value.Value]struct{} {
	out := make(map[value.Value]struct{}, len(m))
	for _, v := range m {
		out[v] = struct{}{}
	}
	return out
}

// Select mirrors Store.select(record) at version at.
func (b *Buffer) Select(record uint64, at uint64) map[string]map[value.Value]struct{} {
	writes := b.allWrites()
	keys := make(map[string]struct{})
	for _, w := range writes {
		if w.Record == record {
			keys[w.Key] = struct{}{}
		}
	}
	out := make(map[string]map[value.Value]struct{})
	for k := range keys {
		vs := valueSet(effectiveState(writes, record, k, at))
		if len(vs) > 0 {
			out[k] = vs
		}
	}
	return out
}

// SelectKey mirrors Store.select(key, record) at version at.
func (b *Buffer) SelectKey(key string, record uint64, at uint64) map[value.Value]struct{} {
	return valueSet(effectiveState(b.allWrites(), record, key, at))
}

// Browse mirrors Store.browse(key) at version at.
func (b *Buffer) Browse(key string, at uint64) map[value.Value]map[uint64]struct{} {
	writes := b.allWrites()
	records := make(map[uint64]struct{})
	for _, w := range writes {
		if w.Key == key {
			records[w.Record] = struct{}{}
		}
	}
	out := make(map[value.Value]map[uint64]struct{})
	for r := range records {
		for v := range effectiveState(writes, r, key, at) {
			if out[v] == nil {
				out[v] = make(map[uint64]struct{})
			}
			out[v][r] = struct{}{}
		}
	}
	return out
}

// FindAt mirrors Store.find(key, op, values) at version at, implementing
// ccl.Evaluator so a Buffer can sit directly behind a criteria AST node.
func (b *Buffer) FindAt(key string, op ccl.Operator, values []value.Value, at uint64) (map[uint64]struct{}, error) {
	result := make(map[uint64]struct{})
	for v, records := range b.Browse(key, at) {
		if ccl.Match(op, v, values) {
			for r := range records {
				result[r] = struct{}{}
			}
		}
	}
	return result, nil
}

// SearchAt answers Store.search(key, query) at version at with a plain
// case-insensitive substring test: a record matches when the whole
// lower-cased query occurs inside one of its lower-cased String values.
// The query is not split into tokens and stopwords are not excluded.
func (b *Buffer) SearchAt(key, query string, at uint64) (map[uint64]struct{}, error) {
	query = strings.ToLower(query)
	result := make(map[uint64]struct{})
	for v, records := range b.Browse(key, at) {
		if v.Type() != value.TypeString {
			continue
		}
		if strings.Contains(strings.ToLower(v.Str()), query) {
			for r := range records {
				result[r] = struct{}{}
			}
		}
	}
	return result, nil
}

// Verify mirrors Store.verify(key, value, record, t).
func (b *Buffer) Verify(key string, v value.Value, record uint64, at uint64) bool {
	_, ok := effectiveState(b.allWrites(), record, key, at)[string(v.Encode())]
	return ok
}

// Describe mirrors Store.describe(record, t): keys with a non-empty
// value set as of version at.
func (b *Buffer) Describe(record uint64, at uint64) map[string]struct{} {
	out := make(map[string]struct{})
	for k, vs := range b.Select(record, at) {
		if len(vs) > 0 {
			out[k] = struct{}{}
		}
	}
	return out
}

// Chronologize mirrors Store.chronologize(key, record, tStart, tEnd):
// the value-set snapshot at every version in range where it changed.
func (b *Buffer) Chronologize(key string, record uint64, tStart, tEnd uint64) map[uint64]map[value.Value]struct{} {
	writes := b.allWrites()
	out := make(map[uint64]map[value.Value]struct{})
	for _, w := range writes {
		if w.Record != record || w.Key != key || w.Version < tStart || w.Version > tEnd {
			continue
		}
		out[w.Version] = valueSet(effectiveState(writes, record, key, w.Version))
	}
	return out
}

// Audit mirrors Store.audit(record) / audit(key, record). When key is
// empty every field on record is included. Ties at identical versions
// keep insertion (buffer) order, per the documented Open Question (a).
func (b *Buffer) Audit(record uint64, key string) []value.AuditEntry {
	var out []value.AuditEntry
	for _, w := range b.allWrites() {
		if w.Record != record {
			continue
		}
		if key != "" && w.Key != key {
			continue
		}
		out = append(out, value.AuditEntry{
			Version: w.Version,
			Text:    fmt.Sprintf("%s %s AS %s IN %d", w.Action, w.Key, w.Value, w.Record),
		})
	}
	return out
}

// Contains mirrors Store.contains(record): true once any ADD for
// record has ever been accepted, per §3 invariant 5.
func (b *Buffer) Contains(record uint64) bool {
	for _, w := range b.allWrites() {
		if w.Record == record && w.IsAdd() {
			return true
		}
	}
	return false
}

// GetAllRecords mirrors Store.getAllRecords().
func (b *Buffer) GetAllRecords() map[uint64]struct{} {
	out := make(map[uint64]struct{})
	for _, w := range b.allWrites() {
		if w.IsAdd() {
			out[w.Record] = struct{}{}
		}
	}
	return out
}

// LatestVersion backs AtomicOperation's observation re-validation
// (§4.5 step 2): the highest version ≤ at of any Write touching
// (record, key), or 0 if none.
func (b *Buffer) LatestVersion(record uint64, key string, at uint64) uint64 {
	var max uint64
	for _, w := range b.allWrites() {
		if w.Record == record && w.Key == key && w.Version <= at && w.Version > max {
			max = w.Version
		}
	}
	return max
}

// LatestVersionInRange backs range-observation re-validation: the
// highest version ≤ at of any Write on key whose value falls in
// [lo, hi).
func (b *Buffer) LatestVersionInRange(key string, lo, hi value.Value, at uint64) uint64 {
	var max uint64
	for _, w := range b.allWrites() {
		if w.Key != key || w.Version > at || w.Version <= max {
			continue
		}
		if w.Value.Compare(lo) >= 0 && w.Value.Compare(hi) < 0 {
			max = w.Version
		}
	}
	return max
}

// LatestVersionForKey backs wildcard/browse observation re-validation:
// the highest version ≤ at of any Write touching key at all.
func (b *Buffer) LatestVersionForKey(key string, at uint64) uint64 {
	var max uint64
	for _, w := range b.allWrites() {
		if w.Key == key && w.Version <= at && w.Version > max {
			max = w.Version
		}
	}
	return max
}

// AllWrites exposes every buffered Write in version order, for
// BufferedStore's merge-on-top-of-Database replay (§4.4).
func (b *Buffer) AllWrites() []value.Write {
	return b.allWrites()
}

// Close seals every open page without removing any files.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range b.pages {
		if err := p.close(); err != nil {
			return err
		}
	}
	return nil
}

// PageCount reports the number of pages currently tracked, for tests
// and diagnostics.
func (b *Buffer) PageCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.pages)
}

// Environment labels this Buffer for metrics: the base name of its
// root directory, which an Engine rooted at .../<environment>/buffer
// sets to the environment's own name.
func (b *Buffer) Environment() string {
	return filepath.Base(b.opts.Directory)
}
