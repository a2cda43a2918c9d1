package kernel

import "testing"

func TestErrorSentinels(t *testing.T) {
	var (
		errA = &Error{Module: "pmm", Message: "out of physical memory"}
		errB = &Error{Module: "pmm", Message: "out of physical memory"}
	)

	var err error = errA
	if got := err.Error(); got != errA.Message {
		t.Fatalf("expected Error() to return the message %q; got %q", errA.Message, got)
	}

	// Sentinels are compared by identity; an identical copy is a different
	// error.
	if err != error(errA) || err == error(errB) {
		t.Fatal("expected errors to compare by identity")
	}
}
