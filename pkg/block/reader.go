package block

import (
	"bytes"
	"encoding/binary"
	"os"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/holiman/bloomfilter/v2"

	"github.com/concoursedb/concourse/pkg/value"
)

// Reader serves point and locator-scoped lookups against a sealed
// block. The revision file is loaded fully into memory on Open: a
// deliberate simplification of the teacher's paged B+Tree node cache
// (pkg/btree) appropriate to this scope. The index file is not read;
// Open rebuilds the locator table from the revision file itself.
type Reader[L, K, V any] struct {
	locatorCodec    Codec[L]
	coordinateCodec Codec[K]
	payloadCodec    Codec[V]

	entries []Entry[L, K, V]
	offsets map[int]int64 // entry index -> revision-file offset, diagnostic only
	starts  []locatorStart[L]
	filter  *bloomfilter.Filter
}

type locatorStart[L any] struct {
	locator L
	index   int // first index in entries belonging to this locator
}

// Open loads blockID's revision, index, and filter files from dir.
func Open[L, K, V any](dir, blockID string, locatorCodec Codec[L], coordinateCodec Codec[K], payloadCodec Codec[V]) (*Reader[L, K, V], error) {
	revPath, _, filterPath, _ := FileNames(dir, blockID)

	revBytes, err := os.ReadFile(revPath)
	if err != nil {
		return nil, errors.Wrap(err, "block: read revision file")
	}

	r := &Reader[L, K, V]{
		locatorCodec:    locatorCodec,
		coordinateCodec: coordinateCodec,
		payloadCodec:    payloadCodec,
		offsets:         make(map[int]int64),
	}

	var offset int64
	pos := 0
	for pos < len(revBytes) {
		if pos+4 > len(revBytes) {
			return nil, errors.New("block: truncated frame length")
		}
		length := int(binary.BigEndian.Uint32(revBytes[pos : pos+4]))
		pos += 4
		if pos+length > len(revBytes) {
			return nil, errors.New("block: truncated frame body")
		}
		body := revBytes[pos : pos+length]
		pos += length

		e, err := r.decodeBody(body)
		if err != nil {
			return nil, err
		}
		r.offsets[len(r.entries)] = offset
		offset += int64(4 + length)

		if len(r.starts) == 0 || locatorCodec.Compare(r.starts[len(r.starts)-1].locator, e.Locator) != 0 {
			r.starts = append(r.starts, locatorStart[L]{locator: e.Locator, index: len(r.entries)})
		}
		r.entries = append(r.entries, e)
	}

	filterBytes, err := os.ReadFile(filterPath)
	if err != nil {
		return nil, errors.Wrap(err, "block: read filter file")
	}
	filter := &bloomfilter.Filter{}
	if _, err := filter.ReadFrom(bytes.NewReader(filterBytes)); err != nil {
		return nil, errors.Wrap(err, "block: decode filter file")
	}
	r.filter = filter

	return r, nil
}

func (r *Reader[L, K, V]) decodeBody(body []byte) (Entry[L, K, V], error) {
	loc, n, err := r.locatorCodec.Decode(body)
	if err != nil {
		return Entry[L, K, V]{}, errors.Wrap(err, "block: decode locator")
	}
	body = body[n:]

	coord, n, err := r.coordinateCodec.Decode(body)
	if err != nil {
		return Entry[L, K, V]{}, errors.Wrap(err, "block: decode coordinate")
	}
	body = body[n:]

	payload, n, err := r.payloadCodec.Decode(body)
	if err != nil {
		return Entry[L, K, V]{}, errors.Wrap(err, "block: decode payload")
	}
	body = body[n:]

	if len(body) < 9 {
		return Entry[L, K, V]{}, errors.New("block: truncated entry trailer")
	}
	action := body[0]
	version := binary.BigEndian.Uint64(body[1:9])

	return Entry[L, K, V]{
		Locator:    loc,
		Coordinate: coord,
		Payload:    payload,
		Action:     value.Action(action),
		Version:    version,
	}, nil
}

// ForLocator returns every entry whose Locator equals locator, sorted
// by Coordinate then Version — the scan order browse()/find() and
// select() walk.
func (r *Reader[L, K, V]) ForLocator(locator L) []Entry[L, K, V] {
	i := sort.Search(len(r.starts), func(i int) bool {
		return r.locatorCodec.Compare(r.starts[i].locator, locator) >= 0
	})
	if i >= len(r.starts) || r.locatorCodec.Compare(r.starts[i].locator, locator) != 0 {
		return nil
	}
	start := r.starts[i].index
	end := len(r.entries)
	if i+1 < len(r.starts) {
		end = r.starts[i+1].index
	}
	return r.entries[start:end]
}

// AllLocators returns every distinct Locator present in the block.
func (r *Reader[L, K, V]) AllLocators() []L {
	out := make([]L, len(r.starts))
	for i, s := range r.starts {
		out[i] = s.locator
	}
	return out
}

// MightContain consults the block's Bloom accelerator for (locator,
// coordinate); a false result is definitive, per §4.1/§4.2.
func (r *Reader[L, K, V]) MightContain(locator L, coordinate K) bool {
	h := membershipHash(r.locatorCodec.Encode(locator), r.coordinateCodec.Encode(coordinate))
	return r.filter.Contains(h)
}

// ForLocatorCoordinate returns every entry for the exact (locator,
// coordinate) pair, consulting MightContain first: a negative result
// proves the pair is absent from this block without walking entries,
// the "reject absent locators without touching disk" the filter file
// exists for (§4.2). A positive result still requires the scan, since
// Bloom filters admit false positives.
func (r *Reader[L, K, V]) ForLocatorCoordinate(locator L, coordinate K) []Entry[L, K, V] {
	if !r.MightContain(locator, coordinate) {
		return nil
	}
	var out []Entry[L, K, V]
	for _, e := range r.ForLocator(locator) {
		if r.coordinateCodec.Compare(e.Coordinate, coordinate) == 0 {
			out = append(out, e)
		}
	}
	return out
}
