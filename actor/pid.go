package actor

import (
	"fmt"

	"github.com/google/uuid"
)

// PID is the opaque address of a process. It carries a stable identity and
// the route to the process's mailbox. PIDs are freely copyable values: two
// PIDs compare equal iff they address the same process, and holding a PID
// does not keep the process (or its mailbox) alive. A PID whose process has
// exited is simply a dead address; sends to it are dropped.
type PID struct {
	id      uuid.UUID
	mailbox *Mailbox
}

// ZeroPID is the zero value of PID. It addresses nothing; sends to it are
// silently dropped.
var ZeroPID PID

// newPID mints a fresh PID routing to the given mailbox. A nil mailbox is
// allowed and produces an address-only PID (used for background task
// identities).
func newPID(mb *Mailbox) PID {
	return PID{
		id:      uuid.New(),
		mailbox: mb,
	}
}

// IsZero reports whether the PID is the zero value.
func (p PID) IsZero() bool {
	return p.id == uuid.Nil
}

// Alive reports whether the PID currently routes to an open mailbox. This is
// a point-in-time observation; the process may exit immediately after.
func (p PID) Alive() bool {
	return p.mailbox != nil && !p.mailbox.Closed()
}

// String returns a short human-readable form of the PID, suitable for log
// output.
func (p PID) String() string {
	return fmt.Sprintf("<pid:%s>", p.id.String()[:8])
}

// Ref is a unique correlation token. A fresh Ref is minted for every call so
// the caller can pair the eventual reply with its request; it has no other
// semantics. Refs compare by identity.
type Ref struct {
	id uuid.UUID
}

// NewRef mints a fresh Ref from an effectively unbounded namespace.
func NewRef() Ref {
	return Ref{id: uuid.New()}
}

// String returns a short human-readable form of the Ref.
func (r Ref) String() string {
	return fmt.Sprintf("<ref:%s>", r.id.String()[:8])
}
