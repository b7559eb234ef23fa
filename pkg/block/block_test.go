package block

import (
	"testing"

	"github.com/concoursedb/concourse/pkg/value"
)

func TestWriterSealAndReaderForLocator(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter[uint64, string, value.Value](Uint64Codec, StringCodec, ValueCodec)

	w.Add(Entry[uint64, string, value.Value]{Locator: 1, Coordinate: "name", Payload: value.NewString("jeff"), Action: value.Add, Version: 1})
	w.Add(Entry[uint64, string, value.Value]{Locator: 1, Coordinate: "age", Payload: value.NewInt32(30), Action: value.Add, Version: 2})
	w.Add(Entry[uint64, string, value.Value]{Locator: 2, Coordinate: "name", Payload: value.NewString("amy"), Action: value.Add, Version: 3})

	if err := w.Seal(dir, "block-001"); err != nil {
		t.Fatalf("seal: %v", err)
	}

	r, err := Open[uint64, string, value.Value](dir, "block-001", Uint64Codec, StringCodec, ValueCodec)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	got := r.ForLocator(1)
	if len(got) != 2 {
		t.Fatalf("expected 2 entries for locator 1, got %d", len(got))
	}
	if got[0].Coordinate != "age" || got[1].Coordinate != "name" {
		t.Fatalf("expected entries sorted by coordinate, got %+v", got)
	}

	if len(r.ForLocator(3)) != 0 {
		t.Fatal("expected no entries for an absent locator")
	}

	if !r.MightContain(2, "name") {
		t.Fatal("expected filter to report locator 2 / name as present")
	}
}

func TestReaderForLocatorCoordinateUsesFilter(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter[uint64, string, value.Value](Uint64Codec, StringCodec, ValueCodec)

	w.Add(Entry[uint64, string, value.Value]{Locator: 1, Coordinate: "name", Payload: value.NewString("jeff"), Action: value.Add, Version: 1})
	w.Add(Entry[uint64, string, value.Value]{Locator: 1, Coordinate: "age", Payload: value.NewInt32(30), Action: value.Add, Version: 2})

	if err := w.Seal(dir, "block-002"); err != nil {
		t.Fatalf("seal: %v", err)
	}
	r, err := Open[uint64, string, value.Value](dir, "block-002", Uint64Codec, StringCodec, ValueCodec)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	got := r.ForLocatorCoordinate(1, "name")
	if len(got) != 1 || got[0].Payload != value.NewString("jeff") {
		t.Fatalf("expected the single (1, name) entry, got %+v", got)
	}

	if got := r.ForLocatorCoordinate(1, "missing"); got != nil {
		t.Fatalf("expected nil for a coordinate the filter proves absent, got %+v", got)
	}
	if got := r.ForLocatorCoordinate(99, "name"); got != nil {
		t.Fatalf("expected nil for an absent locator, got %+v", got)
	}
}
