package block

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/holiman/bloomfilter/v2"
)

// FileNames returns the four on-disk paths for block id in dir, per §6
// "<blockId>.revision, <blockId>.index, <blockId>.filter, <blockId>.meta".
func FileNames(dir, id string) (revision, index, filter, meta string) {
	base := filepath.Join(dir, id)
	return base + ".revision", base + ".index", base + ".filter", base + ".meta"
}

// Writer accumulates Entries for one block and seals them into the
// four on-disk files once full. Blocks are immutable from the instant
// sync, per §3: a Writer is single-use, discarded after Seal.
type Writer[L, K, V any] struct {
	locatorCodec    Codec[L]
	coordinateCodec Codec[K]
	payloadCodec    Codec[V]
	entries         []Entry[L, K, V]
}

func NewWriter[L, K, V any](locatorCodec Codec[L], coordinateCodec Codec[K], payloadCodec Codec[V]) *Writer[L, K, V] {
	return &Writer[L, K, V]{locatorCodec: locatorCodec, coordinateCodec: coordinateCodec, payloadCodec: payloadCodec}
}

func (w *Writer[L, K, V]) Add(e Entry[L, K, V]) {
	w.entries = append(w.entries, e)
}

func (w *Writer[L, K, V]) Len() int { return len(w.entries) }

func (w *Writer[L, K, V]) encodeEntry(e Entry[L, K, V]) []byte {
	locBytes := w.locatorCodec.Encode(e.Locator)
	coordBytes := w.coordinateCodec.Encode(e.Coordinate)
	valBytes := w.payloadCodec.Encode(e.Payload)

	body := make([]byte, len(locBytes)+len(coordBytes)+len(valBytes)+9)
	off := 0
	copy(body[off:], locBytes)
	off += len(locBytes)
	copy(body[off:], coordBytes)
	off += len(coordBytes)
	copy(body[off:], valBytes)
	off += len(valBytes)
	body[off] = byte(e.Action)
	binary.BigEndian.PutUint64(body[off+1:], e.Version)

	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(body)))
	copy(frame[4:], body)
	return frame
}

// Seal sorts entries by (Locator, Coordinate, Version) and writes the
// revision, index, filter, and meta files for blockID into dir.
//
// The index is a sparse offset table: one (locator-key, offset) pair
// per distinct Locator, the run of entries sharing that Locator always
// being contiguous after the sort. Reader does not consult it: Open
// loads the whole revision file and builds its own in-memory locator
// table, which Reader.ForLocator binary-searches.
func (w *Writer[L, K, V]) Seal(dir, blockID string) error {
	sort.SliceStable(w.entries, func(i, j int) bool {
		if c := w.locatorCodec.Compare(w.entries[i].Locator, w.entries[j].Locator); c != 0 {
			return c < 0
		}
		if c := w.coordinateCodec.Compare(w.entries[i].Coordinate, w.entries[j].Coordinate); c != 0 {
			return c < 0
		}
		return w.entries[i].Version < w.entries[j].Version
	})

	revPath, idxPath, filterPath, metaPath := FileNames(dir, blockID)

	revFile, err := os.Create(revPath)
	if err != nil {
		return errors.Wrap(err, "block: create revision file")
	}
	defer revFile.Close()
	revWriter := bufio.NewWriter(revFile)

	var rows []indexRow
	var lastLocator []byte

	n := uint64(len(w.entries))
	if n == 0 {
		n = 1
	}
	filter, err := bloomfilter.NewOptimal(n, 0.01)
	if err != nil {
		return errors.Wrap(err, "block: create filter")
	}

	var offset int64
	for _, e := range w.entries {
		locBytes := w.locatorCodec.Encode(e.Locator)
		if lastLocator == nil || !bytesEqual(locBytes, lastLocator) {
			rows = append(rows, indexRow{locator: locBytes, offset: offset})
			lastLocator = locBytes
		}
		frame := w.encodeEntry(e)
		if _, err := revWriter.Write(frame); err != nil {
			return errors.Wrap(err, "block: write revision frame")
		}
		offset += int64(len(frame))

		filter.Add(membershipHash(locBytes, w.coordinateCodec.Encode(e.Coordinate)))
	}
	if err := revWriter.Flush(); err != nil {
		return errors.Wrap(err, "block: flush revision file")
	}
	if err := revFile.Sync(); err != nil {
		return errors.Wrap(err, "block: sync revision file")
	}

	if err := writeIndexFile(idxPath, rows); err != nil {
		return err
	}
	if err := writeFilterFile(filterPath, filter); err != nil {
		return err
	}
	if err := writeMetaFile(metaPath, len(w.entries), len(rows)); err != nil {
		return err
	}
	return nil
}

// indexRow is one sparse-index entry: the byte-encoded locator of a run
// of entries and the revision-file offset where that run begins.
type indexRow struct {
	locator []byte
	offset  int64
}

func writeIndexFile(path string, rows []indexRow) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "block: create index file")
	}
	defer f.Close()
	bw := bufio.NewWriter(f)

	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(rows)))
	if _, err := bw.Write(countBuf[:]); err != nil {
		return err
	}
	for _, r := range rows {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(r.locator)))
		if _, err := bw.Write(lenBuf[:]); err != nil {
			return err
		}
		if _, err := bw.Write(r.locator); err != nil {
			return err
		}
		var offBuf [8]byte
		binary.BigEndian.PutUint64(offBuf[:], uint64(r.offset))
		if _, err := bw.Write(offBuf[:]); err != nil {
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return f.Sync()
}

func writeFilterFile(path string, filter *bloomfilter.Filter) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "block: create filter file")
	}
	defer f.Close()
	if _, err := filter.WriteTo(f); err != nil {
		return errors.Wrap(err, "block: serialize filter")
	}
	return f.Sync()
}

func writeMetaFile(path string, entryCount, locatorCount int) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "block: create meta file")
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "entries=%d\nlocators=%d\n", entryCount, locatorCount)
	if err != nil {
		return err
	}
	return f.Sync()
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
