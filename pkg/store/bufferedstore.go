package store

import (
	"sort"

	"github.com/concoursedb/concourse/pkg/ccl"
	"github.com/concoursedb/concourse/pkg/limbo"
	"github.com/concoursedb/concourse/pkg/permstore"
	"github.com/concoursedb/concourse/pkg/value"
)

// BufferedStore composes a Buffer over a Database: writes go to the
// Buffer, reads compute the Database's result and replay the Buffer's
// Writes on top of it, per §4.4 "Merge semantics in BufferedStore".
type BufferedStore struct {
	buffer   *limbo.Buffer
	database *permstore.Database
}

func NewBufferedStore(buffer *limbo.Buffer, database *permstore.Database) *BufferedStore {
	return &BufferedStore{buffer: buffer, database: database}
}

// Insert appends w to the Buffer. Writes never go directly to the
// Database; only the Transporter (pkg/transport) moves them there.
func (s *BufferedStore) Insert(w value.Write, sync bool) error {
	return s.buffer.Insert(w, sync)
}

func (s *BufferedStore) bufferedWritesFor(record uint64, at uint64) []value.Write {
	var out []value.Write
	for _, w := range s.buffer.AllWrites() {
		if w.Record == record && w.Version <= at {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out
}

// Select mirrors Store.select(record, t).
func (s *BufferedStore) Select(record uint64, at uint64) map[string]map[value.Value]struct{} {
	live := s.database.Select(record, at)
	live = cloneFieldMap(live)
	for _, w := range s.bufferedWritesFor(record, at) {
		applyWrite(live, w)
	}
	return live
}

// SelectKey mirrors Store.select(key, record, t).
func (s *BufferedStore) SelectKey(key string, record uint64, at uint64) map[value.Value]struct{} {
	return s.Select(record, at)[key]
}

// Describe mirrors Store.describe(record, t).
func (s *BufferedStore) Describe(record uint64, at uint64) map[string]struct{} {
	out := make(map[string]struct{})
	for k, vs := range s.Select(record, at) {
		if len(vs) > 0 {
			out[k] = struct{}{}
		}
	}
	return out
}

// Verify mirrors Store.verify(key, value, record, t).
func (s *BufferedStore) Verify(key string, v value.Value, record uint64, at uint64) bool {
	_, ok := s.SelectKey(key, record, at)[v]
	return ok
}

// candidateRecords unions every record the Database currently shows
// for key at `at` with every record the Buffer has ever written to
// for key — the superset BufferedStore needs to consider before
// merging per-record state.
func (s *BufferedStore) candidateRecords(key string, at uint64) map[uint64]struct{} {
	out := make(map[uint64]struct{})
	for _, records := range s.database.Browse(key, at) {
		for r := range records {
			out[r] = struct{}{}
		}
	}
	for _, w := range s.buffer.AllWrites() {
		if w.Key == key {
			out[w.Record] = struct{}{}
		}
	}
	return out
}

// Browse mirrors Store.browse(key, t).
func (s *BufferedStore) Browse(key string, at uint64) map[value.Value]map[uint64]struct{} {
	out := make(map[value.Value]map[uint64]struct{})
	for record := range s.candidateRecords(key, at) {
		for v := range s.SelectKey(key, record, at) {
			if out[v] == nil {
				out[v] = make(map[uint64]struct{})
			}
			out[v][record] = struct{}{}
		}
	}
	return out
}

// FindAt mirrors Store.find(key, op, values, t) and implements
// ccl.Evaluator.
func (s *BufferedStore) FindAt(key string, op ccl.Operator, values []value.Value, at uint64) (map[uint64]struct{}, error) {
	out := make(map[uint64]struct{})
	for record := range s.candidateRecords(key, at) {
		for v := range s.SelectKey(key, record, at) {
			if ccl.Match(op, v, values) {
				out[record] = struct{}{}
				break
			}
		}
	}
	return out, nil
}

// SearchAt mirrors Store.search(key, query, t), per §4.3: the Database
// side is the real tokenized, per-token-intersected index
// (permstore.Database.SearchAt), not a raw substring scan — a stopword
// query or a multi-word query must behave exactly as the indexed path
// does. Buffer-resident values (not yet transported, so absent from
// the Database's index) are matched with permstore.MatchesQuery, which
// applies the identical tokenize-then-intersect rule in memory instead
// of against a sealed block, so a value living only in the Buffer gets
// the same recall guarantee as one already indexed (§8 property 7).
func (s *BufferedStore) SearchAt(key, query string, at uint64) (map[uint64]struct{}, error) {
	out, err := s.database.SearchAt(key, query, at)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = make(map[uint64]struct{})
	}

	maxLen := s.database.MaxSubstringLen()
	for _, w := range s.buffer.AllWrites() {
		if w.Key != key || w.Version > at || w.Value.Type() != value.TypeString {
			continue
		}
		if _, already := out[w.Record]; already {
			continue
		}
		if _, live := s.SelectKey(key, w.Record, at)[w.Value]; !live {
			continue
		}
		if permstore.MatchesQuery(w.Value.Str(), query, maxLen) {
			out[w.Record] = struct{}{}
		}
	}
	return out, nil
}

// Chronologize mirrors Store.chronologize(key, record, tStart, tEnd).
// The Database side already folds its own history; this merges in
// every version where a Buffer Write on (key, record) changed the set.
func (s *BufferedStore) Chronologize(key string, record uint64, tStart, tEnd uint64) map[uint64]map[value.Value]struct{} {
	out := make(map[uint64]map[value.Value]struct{})
	for k, vs := range s.database.Chronologize(key, record, tStart, tEnd) {
		out[k] = vs
	}
	for _, w := range s.bufferedWritesFor(record, tEnd) {
		if w.Key != key || w.Version < tStart {
			continue
		}
		out[w.Version] = s.Select(record, w.Version)[key]
	}
	return out
}

// Audit mirrors Store.audit(record) / audit(key, record).
func (s *BufferedStore) Audit(record uint64, key string) []value.AuditEntry {
	out := s.database.Audit(record, key)
	for _, w := range s.bufferedWritesFor(record, ^uint64(0)) {
		if key != "" && w.Key != key {
			continue
		}
		out = append(out, value.AuditEntry{Version: w.Version, Text: w.String()})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out
}

// Contains mirrors Store.contains(record).
func (s *BufferedStore) Contains(record uint64) bool {
	return s.database.Contains(record) || s.buffer.Contains(record)
}

// GetAllRecords mirrors Store.getAllRecords().
func (s *BufferedStore) GetAllRecords() map[uint64]struct{} {
	out := s.database.GetAllRecords()
	for r := range s.buffer.GetAllRecords() {
		out[r] = struct{}{}
	}
	return out
}

// LatestVersion merges the Database's and Buffer's view: a Write is
// never present in both (§4.1 Transport invariant), so the true answer
// is whichever side has one.
func (s *BufferedStore) LatestVersion(record uint64, key string, at uint64) uint64 {
	return max(s.buffer.LatestVersion(record, key, at), s.database.LatestVersion(record, key, at))
}

func (s *BufferedStore) LatestVersionInRange(key string, lo, hi value.Value, at uint64) uint64 {
	return max(s.buffer.LatestVersionInRange(key, lo, hi, at), s.database.LatestVersionInRange(key, lo, hi, at))
}

func (s *BufferedStore) LatestVersionForKey(key string, at uint64) uint64 {
	return max(s.buffer.LatestVersionForKey(key, at), s.database.LatestVersionForKey(key, at))
}

func cloneFieldMap(m map[string]map[value.Value]struct{}) map[string]map[value.Value]struct{} {
	out := make(map[string]map[value.Value]struct{}, len(m))
	for k, vs := range m {
		set := make(map[value.Value]struct{}, len(vs))
		for v := range vs {
			set[v] = struct{}{}
		}
		out[k] = set
	}
	return out
}

func applyWrite(live map[string]map[value.Value]struct{}, w value.Write) {
	if live[w.Key] == nil {
		live[w.Key] = make(map[value.Value]struct{})
	}
	if w.IsAdd() {
		live[w.Key][w.Value] = struct{}{}
	} else {
		delete(live[w.Key], w.Value)
	}
}
