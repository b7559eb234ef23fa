package errs

import (
	"errors"
	"testing"
)

func TestFatalWrapsCauseAndUnwraps(t *testing.T) {
	cause := errors.New("disk full")
	fe := Fatal(cause, "buffer: accept write for record %d", 7)

	if fe.Error() == "" {
		t.Fatal("expected a non-empty error message")
	}
	if !errors.Is(fe, fe) {
		t.Fatal("expected FatalError to satisfy errors.Is against itself")
	}
	if errors.Unwrap(fe) == nil {
		t.Fatal("expected FatalError to unwrap to its wrapped cause")
	}
}

func TestErrorKindsCarryTheirFields(t *testing.T) {
	retry := &RetryError{Reason: "observation stale"}
	if retry.Error() == "" {
		t.Fatal("expected RetryError.Error() to be non-empty")
	}

	aborted := &TransactionAbortedError{Token: "tok-1", Reason: "version conflict"}
	if aborted.Token != "tok-1" {
		t.Fatalf("expected token tok-1, got %s", aborted.Token)
	}

	dup := &DuplicateEntryError{Key: "name", Value: "jeff", Count: 2}
	if dup.Count != 2 {
		t.Fatalf("expected count 2, got %d", dup.Count)
	}

	self := &SelfLinkError{Record: 5, Key: "friend"}
	if self.Error() == "" {
		t.Fatal("expected SelfLinkError.Error() to be non-empty")
	}
}
