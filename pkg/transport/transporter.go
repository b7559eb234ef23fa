// Package transport implements the Transporter (§4.7): the background
// worker that drains fully-persisted Buffer pages into the Database's
// indices without stopping reads or writes.
//
// The worker-loop shape — a ticker driving a background goroutine,
// stopped via a done channel — is grounded in the teacher's
// pkg/wal.WALWriter.backgroundSync and pkg/limbo/page.go's own
// backgroundSync, both of which already use this pattern for periodic
// background fsyncs; Transporter generalizes the same shape to periodic
// background page draining.
package transport

import (
	"sync"
	"time"

	"github.com/concoursedb/concourse/pkg/errs"
	"github.com/concoursedb/concourse/pkg/limbo"
	"github.com/concoursedb/concourse/pkg/log"
	"github.com/concoursedb/concourse/pkg/metrics"
)

// Mode selects how a round of transport batches its work, per §4.7.
type Mode int

const (
	// Streaming drains one page per round: eager, low-latency merges.
	Streaming Mode = iota
	// Batch accumulates up to BatchPages pages before indexing them in
	// one larger round, favoring throughput over latency.
	Batch
)

// Options configures a Transporter.
type Options struct {
	Mode Mode

	// BatchPages caps how many pages a Batch round drains in one pass.
	// Streaming mode ignores this and always drains exactly one page
	// per round (when one is available).
	BatchPages int

	// Interval is how often a background round runs. Zero disables the
	// background goroutine; rounds then only happen via explicit
	// RunOnce calls (e.g. from tests or an operator command).
	Interval time.Duration

	// Threads is the number of background workers started for this
	// Buffer — "num_transporter_threads" (§6). RunOnce holds the
	// Transporter's mutex for a whole round, so the workers take turns
	// and no two rounds run at once.
	Threads int
}

func DefaultOptions() Options {
	return Options{Mode: Streaming, BatchPages: 4, Interval: 100 * time.Millisecond, Threads: 1}
}

// Transporter moves Writes from one Buffer to its Destination, per the
// four-step algorithm in §4.7. Steps 1-2 (identify the oldest safe page,
// Database.accept each Write) and step 3 (Database.sync) are exactly
// limbo.Buffer.Transport's contract; step 4 (the atomic generation-flip
// moving a page's "home" from Buffer to Database) is Buffer.Transport's
// own page-removal-after-sync ordering. Transporter's job is purely to
// schedule and batch calls to that primitive.
type Transporter struct {
	buffer *limbo.Buffer
	dest   limbo.Destination
	opts   Options

	mu       sync.Mutex
	running  bool
	done     chan struct{}
	wg       sync.WaitGroup
	lastErr  error
	rounds   uint64
	migrated uint64
}

func New(buffer *limbo.Buffer, dest limbo.Destination, opts Options) *Transporter {
	if opts.BatchPages <= 0 {
		opts.BatchPages = 1
	}
	if opts.Threads <= 0 {
		opts.Threads = 1
	}
	return &Transporter{buffer: buffer, dest: dest, opts: opts}
}

// RunOnce executes a single round: in Streaming mode, transports at
// most one page's worth of Writes; in Batch mode, repeats until either
// BatchPages pages have been drained or the Buffer has nothing left to
// transport. RunOnce holds the Transporter's mutex until the round
// ends, so rounds never overlap.
func (t *Transporter) RunOnce() (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	limit := 1
	if t.opts.Mode == Batch {
		limit = t.opts.BatchPages
	}

	total := 0
	for i := 0; i < limit; i++ {
		before := t.buffer.PageCount()
		n, err := t.buffer.Transport(t.dest)
		if err != nil {
			return total, errs.Fatal(err, "transport: round failed")
		}
		total += n
		if t.buffer.PageCount() == before || n == 0 {
			break
		}
	}

	t.rounds++
	t.migrated += uint64(total)

	metrics.TransportRoundsTotal.Inc()
	if total > 0 {
		metrics.TransportedWritesTotal.Add(float64(total))
	}
	metrics.BufferPages.WithLabelValues(t.buffer.Environment()).Set(float64(t.buffer.PageCount()))
	return total, nil
}

// Start launches Options.Threads background workers, each running
// RunOnce every Interval until Stop is called. A zero Interval makes
// Start a no-op: the Transporter then only drains on explicit RunOnce
// calls.
func (t *Transporter) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running || t.opts.Interval <= 0 {
		return
	}
	t.running = true
	t.done = make(chan struct{})
	for i := 0; i < t.opts.Threads; i++ {
		t.wg.Add(1)
		go t.loop()
	}
}

func (t *Transporter) loop() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n, err := t.RunOnce()
			if err != nil {
				t.mu.Lock()
				t.lastErr = err
				t.mu.Unlock()
				log.Logger.Error().Err(err).Msg("transport: round failed")
			} else if n > 0 {
				log.Logger.Debug().Int("writes", n).Str("environment", t.buffer.Environment()).Msg("transport: round drained writes")
			}
		case <-t.done:
			return
		}
	}
}

// Stop halts every background worker and waits for them to exit.
func (t *Transporter) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	close(t.done)
	t.mu.Unlock()
	t.wg.Wait()
}

// LastError returns the most recent background round's error, if any,
// for health reporting.
func (t *Transporter) LastError() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr
}

// Stats reports cumulative round/Write counts, for operator
// introspection and tests.
func (t *Transporter) Stats() (rounds, migrated uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rounds, t.migrated
}
