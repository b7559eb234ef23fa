package engine

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
)

const wordBits = 64

// Inventory is the persistent, sparse bit-set of record ids described in
// §5: "a record r is in the Inventory iff at least one ADD for r was
// ever accepted." §5's concurrency note calls for "an optimistic/stamped
// lock: readers proceed concurrently, one writer at a time, readers
// re-check the stamp" — the literal Java java.util.concurrent.locks.
// StampedLock pattern does not translate safely to Go, since an
// optimistic reader racing a concurrent plain map write is undefined
// behavior (the Go race detector flags it, and the runtime can panic on
// a torn map). This realizes the same guarantee with what Go's memory
// model actually makes safe: the set is a growable array of
// atomic.Uint64 words, one bit per record id. A reader needing only one
// record's membership (Contains) holds the mutex only long enough to
// locate that bit's word, then reads it with an atomic load; a writer
// (Add) takes the mutex to serialize
// read-modify-write bit sets and grow the word slice, never mutating a
// word any reader can observe mid-update because every word update is
// itself a single atomic store.
type Inventory struct {
	mu    sync.Mutex
	words []atomic.Uint64
	path  string
}

// OpenInventory loads path (one 8-byte big-endian record id per entry,
// per §6 "a sequence of 8-byte record ids"), creating an empty one if
// the file does not yet exist.
func OpenInventory(path string) (*Inventory, error) {
	inv := &Inventory{path: path}

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return inv, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "inventory: open")
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var buf [8]byte
	for {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			break
		}
		inv.setBitLocked(binary.BigEndian.Uint64(buf[:]))
	}
	return inv, nil
}

func (inv *Inventory) ensureWordLocked(word int) {
	for word >= len(inv.words) {
		inv.words = append(inv.words, atomic.Uint64{})
	}
}

func (inv *Inventory) setBitLocked(record uint64) (changed bool) {
	word := int(record / wordBits)
	bit := uint64(1) << (record % wordBits)
	inv.ensureWordLocked(word)
	old := inv.words[word].Load()
	if old&bit != 0 {
		return false
	}
	inv.words[word].Store(old | bit)
	return true
}

// Add records r as present, appending it to the durable file the first
// time it's seen. A no-op (and no disk write) if r is already present.
func (inv *Inventory) Add(record uint64) error {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if !inv.setBitLocked(record) {
		return nil
	}
	f, err := os.OpenFile(inv.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "inventory: open for append")
	}
	defer f.Close()
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], record)
	if _, err := f.Write(buf[:]); err != nil {
		return errors.Wrap(err, "inventory: append record")
	}
	return nil
}

// Contains takes the mutex briefly to bounds-check and locate the bit's
// containing word, then releases it and reads the word with one atomic
// load.
func (inv *Inventory) Contains(record uint64) bool {
	word := int(record / wordBits)
	inv.mu.Lock()
	if word >= len(inv.words) {
		inv.mu.Unlock()
		return false
	}
	w := &inv.words[word]
	inv.mu.Unlock()

	bit := uint64(1) << (record % wordBits)
	return w.Load()&bit != 0
}

// All returns every record currently in the inventory, for
// GetAllRecords and startup reconciliation.
func (inv *Inventory) All() map[uint64]struct{} {
	inv.mu.Lock()
	words := make([]uint64, len(inv.words))
	for i := range inv.words {
		words[i] = inv.words[i].Load()
	}
	inv.mu.Unlock()

	out := make(map[uint64]struct{})
	for wi, w := range words {
		for b := 0; b < wordBits; b++ {
			if w&(1<<uint(b)) != 0 {
				out[uint64(wi*wordBits+b)] = struct{}{}
			}
		}
	}
	return out
}

// Count reports the number of records tracked, for operator
// introspection.
func (inv *Inventory) Count() int {
	return len(inv.All())
}
