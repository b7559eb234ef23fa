// Package permstore implements the Database (PermanentStore) described
// in §4.2: durable, indexed, read-optimized storage of every
// transported Write, organized as three block families sharing the
// generic pkg/block skeleton.
package permstore

import (
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/concoursedb/concourse/pkg/block"
	"github.com/concoursedb/concourse/pkg/ccl"
	"github.com/concoursedb/concourse/pkg/value"
)

// Database is the PermanentStore: three generations (table, secondary,
// search) plus the search tokenizer's configuration.
type Database struct {
	table     *generation[uint64, string, value.Value]
	secondary *generation[string, value.Value, uint64]
	search    *generation[string, string, SearchHit]

	maxSubstringLen int

	cacheMu sync.Mutex
	cache   *recordCache
}

// Options configures a Database.
type Options struct {
	Directory             string
	MaxSearchSubstringLen int // default 40, per §4.3
	RecordCacheCapacity    int
}

func DefaultOptions(dir string) Options {
	return Options{Directory: dir, MaxSearchSubstringLen: 40, RecordCacheCapacity: 1024}
}

// Open creates or reloads a Database rooted at opts.Directory.
func Open(opts Options) (*Database, error) {
	if opts.MaxSearchSubstringLen <= 0 {
		opts.MaxSearchSubstringLen = 40
	}
	tableDir := filepath.Join(opts.Directory, "table")
	secondaryDir := filepath.Join(opts.Directory, "secondary")
	searchDir := filepath.Join(opts.Directory, "search")

	table, err := openGeneration[uint64, string, value.Value](tableDir, "table", block.Uint64Codec, block.StringCodec, block.ValueCodec)
	if err != nil {
		return nil, err
	}
	secondary, err := openGeneration[string, value.Value, uint64](secondaryDir, "secondary", block.StringCodec, block.ValueCodec, block.Uint64Codec)
	if err != nil {
		return nil, err
	}
	search, err := openGeneration[string, string, SearchHit](searchDir, "search", block.StringCodec, block.StringCodec, searchHitCodec)
	if err != nil {
		return nil, err
	}

	return &Database{
		table:           table,
		secondary:       secondary,
		search:          search,
		maxSubstringLen: opts.MaxSearchSubstringLen,
		cache:           newRecordCache(opts.RecordCacheCapacity),
	}, nil
}

// MaxSubstringLen returns the configured search-token length bound
// (§6 `max_search_substring_length`), so callers outside this package
// (BufferedStore's buffer-side search fallback) can tokenize a
// not-yet-transported value with the same bound the index itself uses.
func (d *Database) MaxSubstringLen() int { return d.maxSubstringLen }

// Accept converts w into its three revisions and appends each to the
// active block for its index, per §4.2. Accept takes no sync flag:
// Database defers all durability to the explicit Sync() call, since revisions only become durable (and
// immutable) once their block is sealed.
func (d *Database) Accept(w value.Write) error {
	d.table.add(block.Entry[uint64, string, value.Value]{
		Locator: w.Record, Coordinate: w.Key, Payload: w.Value, Action: w.Action, Version: w.Version,
	})
	d.secondary.add(block.Entry[string, value.Value, uint64]{
		Locator: w.Key, Coordinate: w.Value, Payload: w.Record, Action: w.Action, Version: w.Version,
	})
	if w.Value.Type() == value.TypeString {
		for _, hit := range tokenize(w.Value.Str(), d.maxSubstringLen) {
			d.search.add(block.Entry[string, string, SearchHit]{
				Locator: w.Key, Coordinate: hit.token, Payload: SearchHit{Record: w.Record, Position: hit.position}, Action: w.Action, Version: w.Version,
			})
		}
	}
	d.cacheMu.Lock()
	d.cache.invalidate(w.Record)
	d.cacheMu.Unlock()
	return nil
}

// Sync seals the active blocks in every index and opens fresh ones,
// per §4.2 ("called by the transporter between batches").
func (d *Database) Sync() error {
	if err := d.table.sync(); err != nil {
		return err
	}
	if err := d.secondary.sync(); err != nil {
		return err
	}
	return d.search.sync()
}

// GetDumpList lists every sealed block id across all three indices,
// for operator introspection (§4.2).
func (d *Database) GetDumpList() []string {
	var out []string
	out = append(out, d.table.blockIDs()...)
	out = append(out, d.secondary.blockIDs()...)
	out = append(out, d.search.blockIDs()...)
	sort.Strings(out)
	return out
}

// Dump renders blockID's entries as text, for operator introspection.
func (d *Database) Dump(blockID string) (string, bool) {
	if text, ok := d.table.dump(blockID, func(e block.Entry[uint64, string, value.Value]) string {
		return value.Write{Action: e.Action, Key: e.Coordinate, Value: e.Payload, Record: e.Locator, Version: e.Version}.String()
	}); ok {
		return text, true
	}
	if text, ok := d.secondary.dump(blockID, func(e block.Entry[string, value.Value, uint64]) string {
		return value.Write{Action: e.Action, Key: e.Locator, Value: e.Coordinate, Record: e.Payload, Version: e.Version}.String()
	}); ok {
		return text, true
	}
	return d.search.dump(blockID, func(e block.Entry[string, string, SearchHit]) string {
		return e.Action.String() + " " + e.Locator + " token=" + e.Coordinate
	})
}

// tableRecord replays the Table index's revisions for record into a
// live (key -> value set) map as of version at, folding Action/Version
// exactly like pkg/limbo's effectiveState (§3 invariant 2), but reading
// from an index instead of a scan.
func (d *Database) tableRecord(record uint64, at uint64) map[string]map[value.Value]struct{} {
	if cached, ok := d.cachedRecord(record, at); ok {
		return cached
	}
	entries := d.table.forLocator(record)
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Version < entries[j].Version })

	live := make(map[string]map[string]value.Value) // key -> encoded value -> Value
	for _, e := range entries {
		if e.Version > at {
			continue
		}
		if live[e.Coordinate] == nil {
			live[e.Coordinate] = make(map[string]value.Value)
		}
		enc := string(e.Payload.Encode())
		if e.Action == value.Add {
			live[e.Coordinate][enc] = e.Payload
		} else {
			delete(live[e.Coordinate], enc)
		}
	}

	out := make(map[string]map[value.Value]struct{})
	for k, vs := range live {
		if len(vs) == 0 {
			continue
		}
		set := make(map[value.Value]struct{}, len(vs))
		for _, v := range vs {
			set[v] = struct{}{}
		}
		out[k] = set
	}
	d.cacheRecord(record, at, out)
	return out
}

func (d *Database) cachedRecord(record uint64, at uint64) (map[string]map[value.Value]struct{}, bool) {
	d.cacheMu.Lock()
	defer d.cacheMu.Unlock()
	return d.cache.get(record, at)
}

func (d *Database) cacheRecord(record uint64, at uint64, v map[string]map[value.Value]struct{}) {
	d.cacheMu.Lock()
	defer d.cacheMu.Unlock()
	d.cache.put(record, at, v)
}

// Select mirrors Store.select(record, t).
func (d *Database) Select(record uint64, at uint64) map[string]map[value.Value]struct{} {
	return d.tableRecord(record, at)
}

// SelectKey mirrors Store.select(key, record, t).
func (d *Database) SelectKey(key string, record uint64, at uint64) map[value.Value]struct{} {
	return d.tableRecord(record, at)[key]
}

// Describe mirrors Store.describe(record, t).
func (d *Database) Describe(record uint64, at uint64) map[string]struct{} {
	out := make(map[string]struct{})
	for k := range d.tableRecord(record, at) {
		out[k] = struct{}{}
	}
	return out
}

// Verify mirrors Store.verify(key, value, record, t). Per §4.2
// "verify-by-lookup", this replays only the (record, key) revisions a
// Bloom-filtered block scan turns up, rather than the whole record.
func (d *Database) Verify(key string, v value.Value, record uint64, at uint64) bool {
	entries := d.table.forLocatorCoordinate(record, key)
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Version < entries[j].Version })

	live := false
	for _, e := range entries {
		if e.Version > at || e.Payload != v {
			continue
		}
		live = e.Action == value.Add
	}
	return live
}

// Chronologize mirrors Store.chronologize(key, record, tStart, tEnd).
func (d *Database) Chronologize(key string, record uint64, tStart, tEnd uint64) map[uint64]map[value.Value]struct{} {
	entries := d.table.forLocator(record)
	out := make(map[uint64]map[value.Value]struct{})
	for _, e := range entries {
		if e.Coordinate != key || e.Version < tStart || e.Version > tEnd {
			continue
		}
		out[e.Version] = valueSetAt(entries, record, key, e.Version)
	}
	return out
}

func valueSetAt(entries []block.Entry[uint64, string, value.Value], record uint64, key string, at uint64) map[value.Value]struct{} {
	live := make(map[string]value.Value)
	for _, e := range entries {
		if e.Coordinate != key || e.Version > at {
			continue
		}
		enc := string(e.Payload.Encode())
		if e.Action == value.Add {
			live[enc] = e.Payload
		} else {
			delete(live, enc)
		}
	}
	out := make(map[value.Value]struct{}, len(live))
	for _, v := range live {
		out[v] = struct{}{}
	}
	return out
}

// Audit mirrors Store.audit(record) / audit(key, record). Entries are
// stable-sorted by version over the blocks' own order (oldest block
// first; within a block by key, then version), so entries that share a
// version come out by key, not by insertion order.
func (d *Database) Audit(record uint64, key string) []value.AuditEntry {
	entries := d.table.forLocator(record)
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Version < entries[j].Version })
	var out []value.AuditEntry
	for _, e := range entries {
		if key != "" && e.Coordinate != key {
			continue
		}
		out = append(out, value.AuditEntry{
			Version: e.Version,
			Text:    value.Write{Action: e.Action, Key: e.Coordinate, Value: e.Payload, Record: record, Version: e.Version}.String(),
		})
	}
	return out
}

// Contains mirrors Store.contains(record): true once the Table index
// has any ADD revision for record.
func (d *Database) Contains(record uint64) bool {
	for _, e := range d.table.forLocator(record) {
		if e.Action == value.Add {
			return true
		}
	}
	return false
}

// GetAllRecords mirrors Store.getAllRecords().
func (d *Database) GetAllRecords() map[uint64]struct{} {
	out := make(map[uint64]struct{})
	for _, r := range d.table.allLocators() {
		if d.Contains(r) {
			out[r] = struct{}{}
		}
	}
	return out
}

// LatestVersion backs AtomicOperation's observation re-validation
// (§4.5 step 2): the highest version ≤ at of any Table revision for
// (record, key), or 0 if none. The (record, key) pair is Bloom-checked
// per sealed block before any revisions for it are scanned.
func (d *Database) LatestVersion(record uint64, key string, at uint64) uint64 {
	var max uint64
	for _, e := range d.table.forLocatorCoordinate(record, key) {
		if e.Version <= at && e.Version > max {
			max = e.Version
		}
	}
	return max
}

// LatestVersionInRange backs range-observation re-validation: the
// highest version ≤ at of any Secondary revision on key whose value
// falls in [lo, hi).
func (d *Database) LatestVersionInRange(key string, lo, hi value.Value, at uint64) uint64 {
	var max uint64
	for _, e := range d.secondary.forLocator(key) {
		if e.Version > at || e.Version <= max {
			continue
		}
		if e.Coordinate.Compare(lo) >= 0 && e.Coordinate.Compare(hi) < 0 {
			max = e.Version
		}
	}
	return max
}

// LatestVersionForKey backs wildcard/browse observation re-validation:
// the highest version ≤ at of any Secondary revision on key at all.
func (d *Database) LatestVersionForKey(key string, at uint64) uint64 {
	var max uint64
	for _, e := range d.secondary.forLocator(key) {
		if e.Version <= at && e.Version > max {
			max = e.Version
		}
	}
	return max
}

// Browse mirrors Store.browse(key, t): every value currently (or at t)
// present for key, with the records that hold it.
func (d *Database) Browse(key string, at uint64) map[value.Value]map[uint64]struct{} {
	entries := d.secondary.forLocator(key)
	sort.SliceStable(entries, func(i, j int) bool {
		if c := block.ValueCodec.Compare(entries[i].Coordinate, entries[j].Coordinate); c != 0 {
			return c < 0
		}
		return entries[i].Version < entries[j].Version
	})

	type cell struct {
		value  value.Value
		record uint64
	}
	live := make(map[cell]bool)
	for _, e := range entries {
		c := cell{value: e.Coordinate, record: e.Payload}
		if e.Version > at {
			continue
		}
		live[c] = e.Action == value.Add
	}

	out := make(map[value.Value]map[uint64]struct{})
	for c, alive := range live {
		if !alive {
			continue
		}
		if out[c.value] == nil {
			out[c.value] = make(map[uint64]struct{})
		}
		out[c.value][c.record] = struct{}{}
	}
	return out
}

// FindAt mirrors Store.find(key, op, values, t) and implements
// ccl.Evaluator so a Database can sit directly behind a criteria AST
// node, exactly like pkg/limbo.Buffer.
func (d *Database) FindAt(key string, op ccl.Operator, values []value.Value, at uint64) (map[uint64]struct{}, error) {
	out := make(map[uint64]struct{})
	for v, records := range d.Browse(key, at) {
		if ccl.Match(op, v, values) {
			for r := range records {
				out[r] = struct{}{}
			}
		}
	}
	return out, nil
}

// SearchAt mirrors Store.search(key, query, t): tokenizes query the
// same way stored strings were tokenized and intersects the per-token
// record sets, per §4.3.
func (d *Database) SearchAt(key, query string, at uint64) (map[uint64]struct{}, error) {
	tokens := splitWhitespace(strings.ToLower(query))
	if len(tokens) == 0 {
		return map[uint64]struct{}{}, nil
	}

	var result map[uint64]struct{}
	for _, tok := range tokens {
		set := d.recordsForToken(key, tok, at)
		if result == nil {
			result = set
			continue
		}
		for r := range result {
			if _, ok := set[r]; !ok {
				delete(result, r)
			}
		}
	}
	if result == nil {
		result = make(map[uint64]struct{})
	}
	return result, nil
}

func (d *Database) recordsForToken(key, token string, at uint64) map[uint64]struct{} {
	entries := d.search.forLocator(key)
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Version < entries[j].Version })

	type cell struct {
		record   uint64
		position int
	}
	live := make(map[cell]bool)
	for _, e := range entries {
		if e.Coordinate != token || e.Version > at {
			continue
		}
		live[cell{record: e.Payload.Record, position: e.Payload.Position}] = e.Action == value.Add
	}

	out := make(map[uint64]struct{})
	for c, alive := range live {
		if alive {
			out[c.record] = struct{}{}
		}
	}
	return out
}
