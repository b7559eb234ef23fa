package permstore

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/concoursedb/concourse/pkg/block"
)

// generation manages one index's active (mutable) block writer and
// its immutable sealed-block readers, named by a monotonic counter —
// the "atomic generation-counter flip" the transporter drives (§4.7),
// grounded in the teacher's checkpoint write-temp-then-rename pattern
// (pkg/storage/checkpoint.go CreateCheckpoint) generalized from one
// rename to sealing a whole four-file block atomically via Writer.Seal.
type generation[L, K, V any] struct {
	mu     sync.RWMutex
	dir    string
	prefix string

	locatorCodec    block.Codec[L]
	coordinateCodec block.Codec[K]
	payloadCodec    block.Codec[V]

	active    *block.Writer[L, K, V]
	sealed    []*block.Reader[L, K, V]
	sealedIDs []string
	next      uint64
}

func blockID(prefix string, gen uint64) string {
	return fmt.Sprintf("%s-%06d", prefix, gen)
}

func openGeneration[L, K, V any](dir, prefix string, locatorCodec block.Codec[L], coordinateCodec block.Codec[K], payloadCodec block.Codec[V]) (*generation[L, K, V], error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "permstore: create index directory")
	}

	g := &generation[L, K, V]{
		dir:             dir,
		prefix:          prefix,
		locatorCodec:    locatorCodec,
		coordinateCodec: coordinateCodec,
		payloadCodec:    payloadCodec,
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "permstore: read index directory")
	}
	var ids []uint64
	seen := make(map[uint64]bool)
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, prefix+"-") || !strings.HasSuffix(name, ".revision") {
			continue
		}
		numStr := strings.TrimSuffix(strings.TrimPrefix(name, prefix+"-"), ".revision")
		n, err := strconv.ParseUint(numStr, 10, 64)
		if err != nil || seen[n] {
			continue
		}
		seen[n] = true
		ids = append(ids, n)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, n := range ids {
		id := blockID(prefix, n)
		r, err := block.Open[L, K, V](dir, id, locatorCodec, coordinateCodec, payloadCodec)
		if err != nil {
			return nil, errors.Wrapf(err, "permstore: open block %d", n)
		}
		g.sealed = append(g.sealed, r)
		g.sealedIDs = append(g.sealedIDs, id)
		if n+1 > g.next {
			g.next = n + 1
		}
	}

	g.active = block.NewWriter[L, K, V](locatorCodec, coordinateCodec, payloadCodec)
	return g, nil
}

func (g *generation[L, K, V]) add(e block.Entry[L, K, V]) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active.Add(e)
}

// sync seals the active writer into a new immutable block (if it has
// any entries) and opens a fresh one, per §4.2 "sync() seals the
// active blocks in each index and opens fresh ones".
func (g *generation[L, K, V]) sync() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.active.Len() == 0 {
		return nil
	}

	id := blockID(g.prefix, g.next)
	g.next++

	if err := g.active.Seal(g.dir, id); err != nil {
		return errors.Wrapf(err, "permstore: seal block %s", id)
	}
	r, err := block.Open[L, K, V](g.dir, id, g.locatorCodec, g.coordinateCodec, g.payloadCodec)
	if err != nil {
		return errors.Wrapf(err, "permstore: reopen sealed block %s", id)
	}
	g.sealed = append(g.sealed, r)
	g.sealedIDs = append(g.sealedIDs, id)
	g.active = block.NewWriter[L, K, V](g.locatorCodec, g.coordinateCodec, g.payloadCodec)
	return nil
}

// forLocator merges every sealed block's entries for locator, oldest
// generation first — callers fold Action/Version themselves, so merge
// order does not need to track wall-clock sealing order, only that all
// generations are represented.
func (g *generation[L, K, V]) forLocator(locator L) []block.Entry[L, K, V] {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []block.Entry[L, K, V]
	for _, r := range g.sealed {
		out = append(out, r.ForLocator(locator)...)
	}
	return out
}

// forLocatorCoordinate merges every sealed block's entries for the
// exact (locator, coordinate) pair, skipping any block whose Bloom
// filter proves the pair absent before it is ever scanned — the point-
// lookup path MightContain exists to accelerate (§4.2).
func (g *generation[L, K, V]) forLocatorCoordinate(locator L, coordinate K) []block.Entry[L, K, V] {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []block.Entry[L, K, V]
	for _, r := range g.sealed {
		out = append(out, r.ForLocatorCoordinate(locator, coordinate)...)
	}
	return out
}

func (g *generation[L, K, V]) allLocators() []L {
	g.mu.RLock()
	defer g.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []L
	for _, r := range g.sealed {
		for _, l := range r.AllLocators() {
			key := string(g.locatorCodec.Encode(l))
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, l)
		}
	}
	return out
}

// blockIDs lists every sealed block id for this index, for the
// operator-introspection `getDumpList()` call (§4.2).
func (g *generation[L, K, V]) blockIDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, len(g.sealedIDs))
	copy(out, g.sealedIDs)
	return out
}

// dump renders a human-readable listing of one sealed block's entries,
// for the operator-introspection `dump(blockId)` call (§4.2).
func (g *generation[L, K, V]) dump(id string, describe func(block.Entry[L, K, V]) string) (string, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for i, sealedID := range g.sealedIDs {
		if sealedID != id {
			continue
		}
		r := g.sealed[i]
		var b strings.Builder
		for _, locator := range r.AllLocators() {
			for _, e := range r.ForLocator(locator) {
				b.WriteString(describe(e))
				b.WriteByte('\n')
			}
		}
		return b.String(), true
	}
	return "", false
}
