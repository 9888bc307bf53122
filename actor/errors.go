package actor

import "fmt"

// ErrReceiveTimeout indicates that a mailbox receive (and therefore any Call
// built on top of one) did not yield a matching message before its deadline
// elapsed. The mailbox buffer is left untouched when this is returned, so the
// caller may simply retry.
var ErrReceiveTimeout = fmt.Errorf("receive timed out")

// ErrMaxRestartsExceeded indicates that a supervisor observed more restart
// events inside its sliding window than its configuration tolerates. The
// supervisor exits abnormally with this error, leaving the decision about
// what happens next to its own parent.
var ErrMaxRestartsExceeded = fmt.Errorf("max restarts exceeded")

// ErrMailboxClosed indicates a receive was attempted on a mailbox that has
// already been closed by its owning process.
var ErrMailboxClosed = fmt.Errorf("mailbox closed")

// ErrUnhandledCall indicates that a GenServer received a call request its
// behavior does not implement a branch for. The default HandleCall returns
// this, surfacing the bug as an abnormal actor exit rather than silently
// swallowing the request.
var ErrUnhandledCall = fmt.Errorf("unhandled call request")

// ErrInvalidPattern indicates that a pattern handed to Compile contains a
// construct the matcher does not support. This is a configuration-time
// programming error; Match itself is total and never fails.
var ErrInvalidPattern = fmt.Errorf("invalid pattern")
