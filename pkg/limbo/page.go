package limbo

import (
	"bufio"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/holiman/bloomfilter/v2"

	"github.com/concoursedb/concourse/pkg/value"
)

// SyncPolicy selects when a Page's in-memory writes are fsync'd to
// disk, generalized from the teacher's wal.SyncPolicy.
type SyncPolicy int

const (
	// SyncEveryWrite fsyncs after every accepted Write. Safest, slowest.
	SyncEveryWrite SyncPolicy = iota
	// SyncInterval fsyncs periodically from a background goroutine.
	SyncInterval
	// SyncBatch fsyncs once accumulated unsynced bytes cross a threshold.
	SyncBatch
)

// Options configures a Buffer's pages.
type Options struct {
	Directory             string
	PageSize              int64 // target size before a page rotates; default 8192
	SyncPolicy            SyncPolicy
	SyncIntervalDuration  time.Duration
	SyncBatchBytes        int64
	FilterExpectedInserts uint64
	FilterFalsePositive   float64
}

// DefaultOptions mirrors the teacher's wal.DefaultOptions, retuned to
// the buffer page defaults named in §6 (`buffer_page_size` = 8192).
func DefaultOptions(dir string) Options {
	return Options{
		Directory:             dir,
		PageSize:              8192,
		SyncPolicy:            SyncInterval,
		SyncIntervalDuration:  200 * time.Millisecond,
		SyncBatchBytes:        64 * 1024,
		FilterExpectedInserts: 4096,
		FilterFalsePositive:   0.01,
	}
}

// uint64Hash adapts a precomputed uint64 into the hash.Hash64 the
// bloom filter library's Add/Contains expect.
type uint64Hash uint64

func (h uint64Hash) Write(p []byte) (int, error) { return len(p), nil }
func (h uint64Hash) Sum(b []byte) []byte          { return b }
func (h uint64Hash) Reset()                       {}
func (h uint64Hash) Size() int                    { return 8 }
func (h uint64Hash) BlockSize() int               { return 8 }
func (h uint64Hash) Sum64() uint64                { return uint64(h) }

func tripleHash(record uint64, key string, v value.Value) uint64Hash {
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%d|%s|", record, key)
	_, _ = h.Write(v.Encode())
	return uint64Hash(h.Sum64())
}

// page is one append-only, eventually-sealed page file: a writer for
// the active page, plus a Bloom-style accelerator over the triples it
// has seen (§4.1 "an in-memory per-page Bloom-style set accelerates
// negative lookups of (record,key,value) triples").
type page struct {
	mu    sync.Mutex
	index uint64
	path  string

	file   *os.File
	writer *bufio.Writer

	filter *bloomfilter.Filter

	sealed     bool
	size       int64
	unsynced   int64
	writes     []value.Write

	opts   Options
	ticker *time.Ticker
	done   chan struct{}
}

func pageFileName(dir string, index uint64) string {
	return filepath.Join(dir, fmt.Sprintf("page%05d", index))
}

func newPage(opts Options, index uint64) (*page, error) {
	path := pageFileName(opts.Directory, index)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "limbo: open page %d", index)
	}
	filter, err := bloomfilter.NewOptimal(opts.FilterExpectedInserts, opts.FilterFalsePositive)
	if err != nil {
		return nil, errors.Wrap(err, "limbo: create page filter")
	}

	p := &page{
		index:  index,
		path:   path,
		file:   f,
		writer: bufio.NewWriter(f),
		filter: filter,
		opts:   opts,
		done:   make(chan struct{}),
	}
	if opts.SyncPolicy == SyncInterval && opts.SyncIntervalDuration > 0 {
		p.ticker = time.NewTicker(opts.SyncIntervalDuration)
		go p.backgroundSync()
	}
	return p, nil
}

func (p *page) backgroundSync() {
	for {
		select {
		case <-p.ticker.C:
			p.mu.Lock()
			_ = p.syncLocked()
			p.mu.Unlock()
		case <-p.done:
			return
		}
	}
}

// append writes w to the page and applies the configured sync policy.
// It reports whether the page should now rotate (has reached its
// target size).
func (p *page) append(w value.Write, forceSync bool) (rotate bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sealed {
		return false, errors.New("limbo: page is sealed")
	}

	buf := encodeFrame(w)
	n, err := p.writer.Write(buf)
	if err != nil {
		return false, errors.Wrap(err, "limbo: write frame")
	}
	p.size += int64(n)
	p.unsynced += int64(n)
	p.writes = append(p.writes, w)
	p.filter.Add(tripleHash(w.Record, w.Key, w.Value))

	switch {
	case forceSync || p.opts.SyncPolicy == SyncEveryWrite:
		err = p.syncLocked()
	case p.opts.SyncPolicy == SyncBatch && p.unsynced >= p.opts.SyncBatchBytes:
		err = p.syncLocked()
	}
	if err != nil {
		return false, err
	}
	return p.size >= p.opts.PageSize, nil
}

func (p *page) syncLocked() error {
	if err := p.writer.Flush(); err != nil {
		return errors.Wrap(err, "limbo: flush page")
	}
	if err := p.file.Sync(); err != nil {
		return errors.Wrap(err, "limbo: fsync page")
	}
	p.unsynced = 0
	return nil
}

// mightContain consults the page's Bloom accelerator; a false result is
// definitive, a true result must still be confirmed by scanning.
func (p *page) mightContain(record uint64, key string, v value.Value) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.filter.Contains(tripleHash(record, key, v))
}

// seal marks the page read-only and eligible for transport, per §3
// "A page is mutable (append-only) until full; then it becomes
// read-only and eligible for transport."
func (p *page) seal() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sealed {
		return nil
	}
	p.sealed = true
	if p.ticker != nil {
		p.ticker.Stop()
		close(p.done)
	}
	return p.syncLocked()
}

func (p *page) close() error {
	if err := p.seal(); err != nil {
		_ = p.file.Close()
		return err
	}
	return p.file.Close()
}

func (p *page) snapshot() []value.Write {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]value.Write, len(p.writes))
	copy(out, p.writes)
	return out
}

func (p *page) remove() error {
	if err := p.file.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return err
	}
	return os.Remove(p.path)
}

// loadPage replays an existing page file from disk, for startup
// reload (§4.1 "Page files are named by monotonic creation index so
// startup reload is deterministic").
func loadPage(opts Options, index uint64) (*page, error) {
	path := pageFileName(opts.Directory, index)
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	filter, err := bloomfilter.NewOptimal(opts.FilterExpectedInserts, opts.FilterFalsePositive)
	if err != nil {
		return nil, errors.Wrap(err, "limbo: create page filter")
	}

	reader := bufio.NewReader(f)
	var writes []value.Write
	var size int64
	for {
		w, err := readFrame(reader)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "limbo: replay page %d", index)
		}
		writes = append(writes, w)
		filter.Add(tripleHash(w.Record, w.Key, w.Value))
		size += int64(frameHeaderSize + len(w.Key) + len(w.Value.Encode()))
	}

	out, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &page{
		index:  index,
		path:   path,
		file:   out,
		writer: bufio.NewWriter(out),
		filter: filter,
		writes: writes,
		size:   size,
		opts:   opts,
		sealed: true,
		done:   make(chan struct{}),
	}, nil
}
