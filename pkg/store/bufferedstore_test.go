package store

import (
	"testing"

	"github.com/concoursedb/concourse/pkg/ccl"
	"github.com/concoursedb/concourse/pkg/limbo"
	"github.com/concoursedb/concourse/pkg/permstore"
	"github.com/concoursedb/concourse/pkg/value"
)

func mustOpenBufferedStore(t *testing.T) *BufferedStore {
	t.Helper()
	bufOpts := limbo.DefaultOptions(t.TempDir())
	bufOpts.SyncPolicy = limbo.SyncEveryWrite
	buf, err := limbo.Open(bufOpts)
	if err != nil {
		t.Fatalf("open buffer: %v", err)
	}
	db, err := permstore.Open(permstore.DefaultOptions(t.TempDir()))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	return NewBufferedStore(buf, db)
}

func TestBufferedStoreMergesDatabaseAndBuffer(t *testing.T) {
	s := mustOpenBufferedStore(t)

	add := value.Write{Action: value.Add, Key: "age", Value: value.NewInt32(30), Record: 1, Version: 1}
	if err := s.Insert(add, true); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got := s.SelectKey("age", 1, ^uint64(0))
	if _, ok := got[value.NewInt32(30)]; !ok {
		t.Fatalf("expected age=30 to be visible from the buffer, got %v", got)
	}
}

func TestBufferedStoreRemoveOverridesDatabase(t *testing.T) {
	s := mustOpenBufferedStore(t)

	add := value.Write{Action: value.Add, Key: "name", Value: value.NewString("jeff"), Record: 1, Version: 1}
	if err := s.database.Accept(add); err != nil {
		t.Fatalf("seed database: %v", err)
	}
	if err := s.database.Sync(); err != nil {
		t.Fatalf("sync database: %v", err)
	}

	rem := value.Write{Action: value.Remove, Key: "name", Value: value.NewString("jeff"), Record: 1, Version: 2}
	if err := s.Insert(rem, true); err != nil {
		t.Fatalf("insert buffer remove: %v", err)
	}

	if s.Verify("name", value.NewString("jeff"), 1, ^uint64(0)) {
		t.Fatal("expected buffer-side remove to override the database's value")
	}
}

func TestBufferedStoreSearchMergesDatabaseAndBuffer(t *testing.T) {
	s := mustOpenBufferedStore(t)

	if err := s.database.Accept(value.Write{Action: value.Add, Key: "bio", Value: value.NewString("loves the go programming language"), Record: 1, Version: 1}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := s.database.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if err := s.Insert(value.Write{Action: value.Add, Key: "bio", Value: value.NewString("loves the rust programming language"), Record: 2, Version: 2}, true); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := s.SearchAt("bio", "programming language", ^uint64(0))
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if _, ok := got[1]; !ok {
		t.Fatalf("expected database-side record 1 to match, got %v", got)
	}
	if _, ok := got[2]; !ok {
		t.Fatalf("expected buffer-side record 2 to match, got %v", got)
	}

	got, err = s.SearchAt("bio", "rust", ^uint64(0))
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if _, ok := got[1]; ok {
		t.Fatalf("expected record 1 to be excluded from a rust-only query, got %v", got)
	}
	if _, ok := got[2]; !ok {
		t.Fatalf("expected buffer-side record 2 to match a rust-only query, got %v", got)
	}

	got, err = s.SearchAt("bio", "the", ^uint64(0))
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected a stopword query to match nothing, got %v", got)
	}
}

func TestBufferedStoreFindAcrossLayers(t *testing.T) {
	s := mustOpenBufferedStore(t)

	if err := s.database.Accept(value.Write{Action: value.Add, Key: "age", Value: value.NewInt32(17), Record: 1, Version: 1}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := s.database.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if err := s.Insert(value.Write{Action: value.Add, Key: "age", Value: value.NewInt32(42), Record: 2, Version: 2}, true); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := s.FindAt("age", ccl.GreaterThan, []value.Value{value.NewInt32(20)}, ^uint64(0))
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if _, ok := got[2]; !ok {
		t.Fatalf("expected record 2 (buffer-side) in find results, got %v", got)
	}
	if _, ok := got[1]; ok {
		t.Fatalf("expected record 1 (age=17) to be excluded, got %v", got)
	}
}
