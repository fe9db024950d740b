package transport_test

import (
	"testing"
	"time"

	"github.com/blukai/rmpnet/internal/transport"
)

// nextEvent polls tr until an event shows up or timeout passes.
func nextEvent(t *testing.T, tr transport.Transport, timeout time.Duration) transport.Event {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if ev, ok := tr.Receive(); ok {
			return ev
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("no event within %s", timeout)
	return transport.Event{}
}
