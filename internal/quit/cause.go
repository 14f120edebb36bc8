// Package quit coordinates broker shutdown.
//
// A shutdown is triggered by a Cause: either an OS signal or a remote request
// sent by a client. Whichever arrives first starts an ordered teardown that
// runs exactly once; later causes are recorded and otherwise ignored.
package quit

import (
	"fmt"
	"os"
	"syscall"
)

// Cause is the reason a shutdown was requested.
type Cause struct {
	sig    os.Signal
	remote bool
}

// Signal returns a Cause for an OS signal.
func Signal(sig os.Signal) Cause {
	return Cause{sig: sig}
}

// Remote returns the Cause used when a client asks the broker to exit.
func Remote() Cause {
	return Cause{remote: true}
}

// IsRemote reports whether the cause was a client request.
func (c Cause) IsRemote() bool {
	return c.remote
}

// OSSignal returns the signal for signal causes.
func (c Cause) OSSignal() (os.Signal, bool) {
	if c.remote || c.sig == nil {
		return nil, false
	}
	return c.sig, true
}

// Number returns the signal number, or -1 for remote requests.
func (c Cause) Number() int {
	if sig, ok := c.sig.(syscall.Signal); ok && !c.remote {
		return int(sig)
	}
	return -1
}

func (c Cause) String() string {
	if c.remote {
		return "remote request"
	}
	if c.sig == nil {
		return "unknown"
	}
	return fmt.Sprintf("signal %s", c.sig)
}
