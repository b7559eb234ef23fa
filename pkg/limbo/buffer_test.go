package limbo

import (
	"testing"

	"github.com/concoursedb/concourse/pkg/ccl"
	"github.com/concoursedb/concourse/pkg/value"
)

func mustOpen(t *testing.T) *Buffer {
	t.Helper()
	opts := DefaultOptions(t.TempDir())
	opts.SyncPolicy = SyncEveryWrite
	b, err := Open(opts)
	if err != nil {
		t.Fatalf("open buffer: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestInsertAndSelect(t *testing.T) {
	b := mustOpen(t)

	w := value.Write{Action: value.Add, Key: "name", Value: value.NewString("jeff"), Record: 17, Version: 1}
	if err := b.Insert(w, true); err != nil {
		t.Fatalf("insert: %v", err)
	}

	vs := b.SelectKey("name", 17, ^uint64(0))
	if _, ok := vs[value.NewString("jeff")]; !ok {
		t.Fatalf("expected name=jeff in select, got %v", vs)
	}
}

func TestAddRemoveDuality(t *testing.T) {
	b := mustOpen(t)

	add := value.Write{Action: value.Add, Key: "x", Value: value.NewString("a"), Record: 1, Version: 1}
	rem := value.Write{Action: value.Remove, Key: "x", Value: value.NewString("a"), Record: 1, Version: 2}
	if err := b.Insert(add, true); err != nil {
		t.Fatalf("insert add: %v", err)
	}
	if err := b.Insert(rem, true); err != nil {
		t.Fatalf("insert remove: %v", err)
	}

	if b.Verify("x", value.NewString("a"), 1, ^uint64(0)) {
		t.Fatal("expected x=a to no longer verify after remove")
	}
}

func TestFindAtGreaterThan(t *testing.T) {
	b := mustOpen(t)

	for i, age := range []int32{17, 30, 42} {
		w := value.Write{Action: value.Add, Key: "age", Value: value.NewInt32(age), Record: uint64(i + 1), Version: uint64(i + 1)}
		if err := b.Insert(w, true); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	got, err := b.FindAt("age", ccl.GreaterThan, []value.Value{value.NewInt32(20)}, ^uint64(0))
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 records with age>20, got %d", len(got))
	}
}

func TestTransportRemovesSealedPages(t *testing.T) {
	opts := DefaultOptions(t.TempDir())
	opts.PageSize = frameHeaderSize + 16 // force rotation after one tiny write
	opts.SyncPolicy = SyncEveryWrite
	b, err := Open(opts)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer b.Close()

	w := value.Write{Action: value.Add, Key: "k", Value: value.NewBoolean(true), Record: 1, Version: 1}
	if err := b.Insert(w, true); err != nil {
		t.Fatalf("insert: %v", err)
	}
	// A second insert forces the first page to rotate and seal.
	w2 := value.Write{Action: value.Add, Key: "k", Value: value.NewBoolean(true), Record: 2, Version: 2}
	if err := b.Insert(w2, true); err != nil {
		t.Fatalf("insert: %v", err)
	}

	dst := &fakeDestination{}
	n, err := b.Transport(dst)
	if err != nil {
		t.Fatalf("transport: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 write transported, got %d", n)
	}
	if len(dst.accepted) != 1 || dst.accepted[0].Record != 1 {
		t.Fatalf("expected record 1 to be transported, got %v", dst.accepted)
	}
}

type fakeDestination struct {
	accepted []value.Write
}

func (f *fakeDestination) Accept(w value.Write) error {
	f.accepted = append(f.accepted, w)
	return nil
}

func (f *fakeDestination) Sync() error { return nil }

// TestTransportKeepsPageVisibleUntilDestinationSynced guards the §4.1
// invariant that a Write is observable in exactly one of {Buffer,
// Database}, never neither: the destination observes the sealed page
// still present in the buffer's own read path while Accept/Sync are
// running, proving the page isn't detached until after the destination
// has durably absorbed it.
func TestTransportKeepsPageVisibleUntilDestinationSynced(t *testing.T) {
	opts := DefaultOptions(t.TempDir())
	opts.PageSize = frameHeaderSize + 16
	opts.SyncPolicy = SyncEveryWrite
	b, err := Open(opts)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer b.Close()

	w := value.Write{Action: value.Add, Key: "k", Value: value.NewBoolean(true), Record: 1, Version: 1}
	if err := b.Insert(w, true); err != nil {
		t.Fatalf("insert: %v", err)
	}
	w2 := value.Write{Action: value.Add, Key: "k", Value: value.NewBoolean(true), Record: 2, Version: 2}
	if err := b.Insert(w2, true); err != nil {
		t.Fatalf("insert: %v", err)
	}

	dst := &observingDestination{buffer: b, record: 1}
	if _, err := b.Transport(dst); err != nil {
		t.Fatalf("transport: %v", err)
	}
	if !dst.sawRecordInBufferDuringAccept {
		t.Fatal("expected the buffer to still hold the sealed page while Accept ran")
	}
}

type observingDestination struct {
	buffer                        *Buffer
	record                        uint64
	sawRecordInBufferDuringAccept bool
}

func (o *observingDestination) Accept(w value.Write) error {
	if w.Record == o.record {
		o.sawRecordInBufferDuringAccept = o.buffer.Contains(o.record)
	}
	return nil
}

func (o *observingDestination) Sync() error { return nil }
