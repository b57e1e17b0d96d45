package ftcomm

import (
    "context"
    "errors"
    "fmt"

    "github.com/amirimatin/go-ftcomm/pkg/group"
)

// ErrorClass is the classification carried by every failure returned from a
// communicator operation.
type ErrorClass int

const (
    ClassSuccess ErrorClass = iota
    // ClassProcFailed: a specific participant is confirmed dead.
    ClassProcFailed
    // ClassProcFailedPending: a wildcard receive cannot tell yet whether its
    // sender died; acknowledge failures and wait again.
    ClassProcFailedPending
    // ClassRevoked: the communicator was revoked.
    ClassRevoked
    // ClassSpawnFailed: the launcher could not create replacements.
    ClassSpawnFailed
    // ClassOther: not a fault-tolerance classification.
    ClassOther
)

func (c ErrorClass) String() string {
    switch c {
    case ClassSuccess:
        return "success"
    case ClassProcFailed:
        return "proc_failed"
    case ClassProcFailedPending:
        return "proc_failed_pending"
    case ClassRevoked:
        return "revoked"
    case ClassSpawnFailed:
        return "spawn_failed"
    }
    return "other"
}

var (
    ErrProcFailed        = errors.New("ftcomm: process failed")
    ErrProcFailedPending = errors.New("ftcomm: process failure pending")
    ErrRevoked           = errors.New("ftcomm: communicator revoked")
    ErrSpawnFailed       = errors.New("ftcomm: spawn failed")

    ErrKilled       = errors.New("ftcomm: local process terminated")
    ErrFreed        = errors.New("ftcomm: communicator freed")
    ErrInvalidRank  = errors.New("ftcomm: invalid rank")
    ErrInterComm    = errors.New("ftcomm: operation not valid on an intercommunicator")
    ErrIntraComm    = errors.New("ftcomm: operation requires an intercommunicator")
    ErrNoLauncher   = errors.New("ftcomm: no launcher configured")
    ErrSizeMismatch = errors.New("ftcomm: operand sizes differ")
)

// Error is a classified failure of one operation.
type Error struct {
    Class ErrorClass
    Op    string
    CID   string
    // Rank is the offending peer's rank, or group.Undefined.
    Rank int
    // Err optionally carries the underlying cause (launcher error, transport).
    Err error
}

func (e *Error) Error() string {
    msg := fmt.Sprintf("ftcomm: %s on %s: %s", e.Op, e.CID, e.Class)
    if e.Rank != group.Undefined { msg += fmt.Sprintf(" (rank %d)", e.Rank) }
    if e.Err != nil { msg += ": " + e.Err.Error() }
    return msg
}

// Is matches the sentinel of the error's class.
func (e *Error) Is(target error) bool {
    switch target {
    case ErrProcFailed:
        return e.Class == ClassProcFailed
    case ErrProcFailedPending:
        return e.Class == ClassProcFailedPending
    case ErrRevoked:
        return e.Class == ClassRevoked
    case ErrSpawnFailed:
        return e.Class == ClassSpawnFailed
    }
    return false
}

func (e *Error) Unwrap() error { return e.Err }

// Classify returns the class of err; nil is ClassSuccess.
func Classify(err error) ErrorClass {
    switch {
    case err == nil:
        return ClassSuccess
    case errors.Is(err, ErrProcFailedPending):
        return ClassProcFailedPending
    case errors.Is(err, ErrProcFailed):
        return ClassProcFailed
    case errors.Is(err, ErrRevoked):
        return ClassRevoked
    case errors.Is(err, ErrSpawnFailed):
        return ClassSpawnFailed
    }
    return ClassOther
}

func newError(class ErrorClass, op, cid string, rank int) *Error {
    return &Error{Class: class, Op: op, CID: cid, Rank: rank}
}

func isCtxErr(err error) bool {
    return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
