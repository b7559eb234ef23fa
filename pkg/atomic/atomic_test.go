package atomic

import (
	"context"
	"testing"

	"github.com/concoursedb/concourse/pkg/clock"
	"github.com/concoursedb/concourse/pkg/errs"
	"github.com/concoursedb/concourse/pkg/limbo"
	"github.com/concoursedb/concourse/pkg/lock"
	"github.com/concoursedb/concourse/pkg/permstore"
	"github.com/concoursedb/concourse/pkg/store"
	"github.com/concoursedb/concourse/pkg/value"
)

func mustOpenStore(t *testing.T) *store.BufferedStore {
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
	return store.NewBufferedStore(buf, db)
}

func TestAtomicOperationAddCommit(t *testing.T) {
	s := mustOpenStore(t)
	locks := lock.NewManager()
	clk := clock.New(1)

	op := New(s, s, locks, clk)
	if err := op.Add("name", value.NewString("jeff"), 1); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := op.Commit(context.Background()); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if !s.Verify("name", value.NewString("jeff"), 1, ^uint64(0)) {
		t.Fatal("expected committed write to be visible")
	}
}

func TestAtomicOperationRejectsDuplicateAdd(t *testing.T) {
	s := mustOpenStore(t)
	locks := lock.NewManager()
	clk := clock.New(1)

	op := New(s, s, locks, clk)
	if err := op.Add("name", value.NewString("jeff"), 1); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := op.Add("name", value.NewString("jeff"), 1); err == nil {
		t.Fatal("expected duplicate ADD to be rejected")
	}
}

func TestAtomicOperationRejectsSelfLink(t *testing.T) {
	s := mustOpenStore(t)
	locks := lock.NewManager()
	clk := clock.New(1)

	op := New(s, s, locks, clk)
	if err := op.Add("parent", value.NewLink(1), 1); err == nil {
		t.Fatal("expected a self-link to be rejected")
	}
}

func TestAtomicOperationRetriesOnConflict(t *testing.T) {
	s := mustOpenStore(t)
	locks := lock.NewManager()
	clk := clock.New(1)

	// Seed an initial value so the operation below observes it.
	seed := New(s, s, locks, clk)
	if err := seed.Add("age", value.NewInt32(1), 1); err != nil {
		t.Fatalf("seed add: %v", err)
	}
	if err := seed.Commit(context.Background()); err != nil {
		t.Fatalf("seed commit: %v", err)
	}

	op := New(s, s, locks, clk)
	if _, ok := op.SelectKey("age", 1)[value.NewInt32(1)]; !ok {
		t.Fatal("expected operation to observe the seeded value")
	}

	// A concurrent write lands between the observation and commit.
	concurrent := New(s, s, locks, clk)
	if err := concurrent.Remove("age", value.NewInt32(1), 1); err != nil {
		t.Fatalf("concurrent remove: %v", err)
	}
	if err := concurrent.Add("age", value.NewInt32(2), 1); err != nil {
		t.Fatalf("concurrent add: %v", err)
	}
	if err := concurrent.Commit(context.Background()); err != nil {
		t.Fatalf("concurrent commit: %v", err)
	}

	if err := op.Add("name", value.NewString("anything"), 1); err != nil {
		t.Fatalf("add: %v", err)
	}
	err := op.Commit(context.Background())
	if _, ok := err.(*errs.RetryError); !ok {
		t.Fatalf("expected a RetryError from the stale observation, got %v", err)
	}
}

func TestExecuteWithRetrySucceeds(t *testing.T) {
	s := mustOpenStore(t)
	locks := lock.NewManager()
	clk := clock.New(1)

	err := ExecuteWithRetry(context.Background(), s, s, locks, clk, DefaultRetryPolicy(), func(op *AtomicOperation) error {
		return op.Add("email", value.NewString("a@example.com"), 5)
	})
	if err != nil {
		t.Fatalf("executeWithRetry: %v", err)
	}
	if !s.Verify("email", value.NewString("a@example.com"), 5, ^uint64(0)) {
		t.Fatal("expected write to be visible after executeWithRetry")
	}
}
