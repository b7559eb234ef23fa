package transport

import (
	"testing"
	"time"

	"github.com/concoursedb/concourse/pkg/limbo"
	"github.com/concoursedb/concourse/pkg/permstore"
	"github.com/concoursedb/concourse/pkg/value"
)

func mustOpenBuffer(t *testing.T, pageSize int) *limbo.Buffer {
	t.Helper()
	opts := limbo.DefaultOptions(t.TempDir())
	opts.PageSize = pageSize
	opts.SyncPolicy = limbo.SyncEveryWrite
	buf, err := limbo.Open(opts)
	if err != nil {
		t.Fatalf("open buffer: %v", err)
	}
	return buf
}

func TestRunOnceStreamingDrainsOnePage(t *testing.T) {
	buf := mustOpenBuffer(t, 64)
	db, err := permstore.Open(permstore.DefaultOptions(t.TempDir()))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}

	for i := uint64(1); i <= 20; i++ {
		if err := buf.Insert(value.Write{Action: value.Add, Key: "k", Value: value.NewInt32(int32(i)), Record: i, Version: i}, false); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	before := buf.PageCount()
	if before < 2 {
		t.Fatalf("expected the small page size to produce multiple pages, got %d", before)
	}

	tr := New(buf, db, Options{Mode: Streaming})
	n, err := tr.RunOnce()
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if n == 0 {
		t.Fatal("expected streaming round to transport at least one Write")
	}
	if buf.PageCount() != before-1 {
		t.Fatalf("expected exactly one page to be drained, had %d now have %d", before, buf.PageCount())
	}
}

func TestRunOnceBatchDrainsMultiplePages(t *testing.T) {
	buf := mustOpenBuffer(t, 64)
	db, err := permstore.Open(permstore.DefaultOptions(t.TempDir()))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}

	for i := uint64(1); i <= 40; i++ {
		if err := buf.Insert(value.Write{Action: value.Add, Key: "k", Value: value.NewInt32(int32(i)), Record: i, Version: i}, false); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	before := buf.PageCount()

	tr := New(buf, db, Options{Mode: Batch, BatchPages: 3})
	if _, err := tr.RunOnce(); err != nil {
		t.Fatalf("run once: %v", err)
	}
	drained := before - buf.PageCount()
	if drained < 2 || drained > 3 {
		t.Fatalf("expected batch round to drain up to 3 pages, drained %d", drained)
	}
}

func TestBackgroundLoopStop(t *testing.T) {
	buf := mustOpenBuffer(t, 64)
	db, err := permstore.Open(permstore.DefaultOptions(t.TempDir()))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	for i := uint64(1); i <= 10; i++ {
		if err := buf.Insert(value.Write{Action: value.Add, Key: "k", Value: value.NewInt32(int32(i)), Record: i, Version: i}, false); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	tr := New(buf, db, Options{Mode: Streaming, Interval: time.Millisecond})
	tr.Start()
	time.Sleep(20 * time.Millisecond)
	tr.Stop()

	rounds, _ := tr.Stats()
	if rounds == 0 {
		t.Fatal("expected background loop to have run at least one round")
	}
}
