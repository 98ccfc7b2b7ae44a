package errorsx

import "testing"

func TestWrapAndReason(t *testing.T) {
	err := Wrap(assertErr{}, ReasonControlCommand)
	if Reason(err) != ReasonControlCommand {
		t.Fatalf("expected reason %s, got %s", ReasonControlCommand, Reason(err))
	}
	if !HasReason(err, ReasonControlCommand) {
		t.Fatalf("expected HasReason true")
	}
}

func TestWrapPreservesExistingReason(t *testing.T) {
	first := Wrap(assertErr{}, ReasonUpstreamSend)
	second := Wrap(first, ReasonControlCommand)
	if Reason(second) != ReasonUpstreamSend {
		t.Fatalf("expected reason preserved, got %s", Reason(second))
	}
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
