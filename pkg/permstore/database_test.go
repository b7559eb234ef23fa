package permstore

import (
	"testing"

	"github.com/concoursedb/concourse/pkg/ccl"
	"github.com/concoursedb/concourse/pkg/value"
)

func mustOpenDatabase(t *testing.T) *Database {
	t.Helper()
	d, err := Open(DefaultOptions(t.TempDir()))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	return d
}

func TestAcceptSyncSelect(t *testing.T) {
	d := mustOpenDatabase(t)

	w := value.Write{Action: value.Add, Key: "name", Value: value.NewString("jeff"), Record: 17, Version: 1}
	if err := d.Accept(w); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := d.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	got := d.Select(17, ^uint64(0))
	if _, ok := got["name"][value.NewString("jeff")]; !ok {
		t.Fatalf("expected name=jeff in select, got %v", got)
	}
}

func TestBrowseAndFind(t *testing.T) {
	d := mustOpenDatabase(t)

	ages := []int32{17, 30, 42}
	for i, age := range ages {
		w := value.Write{Action: value.Add, Key: "age", Value: value.NewInt32(age), Record: uint64(i + 1), Version: uint64(i + 1)}
		if err := d.Accept(w); err != nil {
			t.Fatalf("accept: %v", err)
		}
	}
	if err := d.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	got, err := d.FindAt("age", ccl.GreaterThanOrEquals, []value.Value{value.NewInt32(30)}, ^uint64(0))
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 records with age>=30, got %d", len(got))
	}
}

func TestSearchRecall(t *testing.T) {
	d := mustOpenDatabase(t)

	w := value.Write{Action: value.Add, Key: "bio", Value: value.NewString("the quick brown fox"), Record: 1, Version: 1}
	if err := d.Accept(w); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := d.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	got, err := d.SearchAt("bio", "quick", ^uint64(0))
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if _, ok := got[1]; !ok {
		t.Fatalf("expected record 1 in search results, got %v", got)
	}

	got, err = d.SearchAt("bio", "zz", ^uint64(0))
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no matches for 'zz', got %v", got)
	}
}

func TestAddRemoveDualityAcrossSync(t *testing.T) {
	d := mustOpenDatabase(t)

	add := value.Write{Action: value.Add, Key: "x", Value: value.NewString("a"), Record: 1, Version: 1}
	if err := d.Accept(add); err != nil {
		t.Fatalf("accept add: %v", err)
	}
	if err := d.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	rem := value.Write{Action: value.Remove, Key: "x", Value: value.NewString("a"), Record: 1, Version: 2}
	if err := d.Accept(rem); err != nil {
		t.Fatalf("accept remove: %v", err)
	}
	if err := d.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	if d.Verify("x", value.NewString("a"), 1, ^uint64(0)) {
		t.Fatal("expected x=a to no longer verify after remove, across two sync generations")
	}
}
