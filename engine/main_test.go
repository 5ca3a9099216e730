package engine

import (
	"testing"

	"go.uber.org/goleak"
)

// Every test here spawns the engine's event-core and timeout-wheel
// goroutines plus one adapter pump per registered module; all of them must
// be gone once the tests' Stop/Close cleanups have run.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
