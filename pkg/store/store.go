// Package store defines the shared Store contract (§4.4) every layer
// exposes — Buffer, Database, and their BufferedStore composition —
// and implements BufferedStore's merge semantics.
package store

import (
	"github.com/concoursedb/concourse/pkg/ccl"
	"github.com/concoursedb/concourse/pkg/value"
)

// Store is the read/write surface common to pkg/limbo.Buffer,
// pkg/permstore.Database, and BufferedStore, generalized from the
// teacher's query.ScanOperator/Cursor split into one contract so the
// Engine (and AtomicOperation/Transaction above it) can depend on an
// interface rather than a concrete layer. Every read method is already
// timestamp-qualified by its `at` parameter, per §4.4 "all have a
// timestamp-qualified variant"; pass ^uint64(0) for "now".
type Store interface {
	ccl.Evaluator

	Select(record uint64, at uint64) map[string]map[value.Value]struct{}
	SelectKey(key string, record uint64, at uint64) map[value.Value]struct{}
	Browse(key string, at uint64) map[value.Value]map[uint64]struct{}
	Verify(key string, v value.Value, record uint64, at uint64) bool
	Describe(record uint64, at uint64) map[string]struct{}
	Chronologize(key string, record uint64, tStart, tEnd uint64) map[uint64]map[value.Value]struct{}
	Audit(record uint64, key string) []value.AuditEntry
	Contains(record uint64) bool
	GetAllRecords() map[uint64]struct{}

	// LatestVersion, LatestVersionInRange, and LatestVersionForKey back
	// AtomicOperation's commit-time observation re-validation (§4.5 step
	// 2): each returns the highest Write version ≤ at touching the
	// named (record,key), (key, value-in-[lo,hi)), or key respectively,
	// or 0 if none exists.
	LatestVersion(record uint64, key string, at uint64) uint64
	LatestVersionInRange(key string, lo, hi value.Value, at uint64) uint64
	LatestVersionForKey(key string, at uint64) uint64
}

// Writable is implemented by destinations an AtomicOperation can apply
// intentions to (§4.5): Buffer directly, or BufferedStore routing to
// Buffer while reading through both layers.
type Writable interface {
	Insert(w value.Write, sync bool) error
}
