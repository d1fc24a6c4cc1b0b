package mongowire

import (
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
)

// Sentinel errors checkable with errors.Is. Failures with attached
// context (a command name, a reply document) are typed structs below
// instead.
var (
	// ErrNotYetConnected is returned by any operation attempted before
	// Connect() succeeds, or after Disconnect(), and by a send over a
	// connection that an earlier I/O error has poisoned.
	ErrNotYetConnected = errors.New("mongowire: not connected")

	// ErrAlreadyConnected is returned by Connect() on a server that is
	// already connected.
	ErrAlreadyConnected = errors.New("mongowire: already connected")

	// ErrTimeout is returned when a reply does not arrive within its
	// deadline.
	ErrTimeout = errors.New("mongowire: timed out waiting for reply")

	// ErrIncorrectReply names a response whose opcode is not Reply. No
	// operation returns it: the reader goroutine logs and discards such
	// frames (wire.DecodeReply reports them as a wire.ParseError), and the
	// waiting caller then fails with ErrTimeout.
	ErrIncorrectReply = errors.New("mongowire: expected an OP_REPLY")

	// ErrUnsupportedOperations is returned when the peer's cached wire
	// version is too low for the requested command.
	ErrUnsupportedOperations = errors.New("mongowire: operation unsupported by peer wire version")

	// ErrInternalInconsistency marks a violated invariant, such as a
	// waker firing with no corresponding inbox entry.
	ErrInternalInconsistency = errors.New("mongowire: internal inconsistency")
)

// InvalidReplyError reports a reply that decoded cleanly at the wire layer
// but was missing fields required for the operation that requested it.
type InvalidReplyError struct {
	Operation string
	Reason    string
}

func (e InvalidReplyError) Error() string {
	return fmt.Sprintf("mongowire: invalid reply to %s: %s", e.Operation, e.Reason)
}

// CommandError reports a command reply with ok != 1. Raw holds the
// server's full error document so callers can inspect codeName/errmsg.
type CommandError struct {
	Command  string
	Code     int32
	CodeName string
	Message  string
	Raw      bson.Raw
}

func (e CommandError) Error() string {
	if e.CodeName != "" {
		return fmt.Sprintf("mongowire: command %s failed: %s (%s, code %d)", e.Command, e.Message, e.CodeName, e.Code)
	}
	return fmt.Sprintf("mongowire: command %s failed: %s (code %d)", e.Command, e.Message, e.Code)
}

// InsertError reports a failed insert command. FailedDocuments holds the
// input documents from the chunk that was in flight when the error was
// observed.
type InsertError struct {
	CommandError
	FailedDocuments []bson.Raw
}

// UpdateError reports a failed update command.
type UpdateError struct {
	CommandError
}

// RemoveError reports a failed delete command.
type RemoveError struct {
	CommandError
}

// CommandPreconditionError reports a client-side precondition violation,
// such as a forbidden flag combination passed to Modify, detected before
// any message is sent to the peer.
type CommandPreconditionError struct {
	Operation string
	Reason    string
}

func (e CommandPreconditionError) Error() string {
	return fmt.Sprintf("mongowire: precondition failed for %s: %s", e.Operation, e.Reason)
}

// CursorInitializationError reports a cursor reply whose cursor
// sub-document was missing or malformed.
type CursorInitializationError struct {
	Reason string
}

func (e CursorInitializationError) Error() string {
	return fmt.Sprintf("mongowire: cursor initialization failed: %s", e.Reason)
}
