// Package txn runs code in try/agree scopes: the body works on a private
// duplicate of a communicator, and every member leaves the scope with the
// same verdict. A failing member raises a code, revoking the duplicate so
// that peers stuck in it return promptly; the codes of all members are then
// combined by one agreement over the enclosing communicator.
//
// Scopes nest by running Do inside a body: an inner *Aborted returned from
// the body is raised again in the outer scope with the same codes.
package txn

import (
    "context"
    "errors"
    "fmt"
    "log"

    "github.com/amirimatin/go-ftcomm/pkg/ftcomm"
    "github.com/amirimatin/go-ftcomm/pkg/internal/logutil"
    "github.com/amirimatin/go-ftcomm/pkg/observability/tracing"
)

// CodeFailure is raised for body errors that carry no code of their own.
const CodeFailure uint32 = 1

// Body is the work done inside a scope, on the scope's communicator.
type Body func(ctx context.Context, c *ftcomm.Communicator) error

// Raised is an error carrying an exception code.
type Raised struct {
    Code uint32
    Err  error
}

func (e *Raised) Error() string {
    if e.Err != nil { return fmt.Sprintf("txn: raised %#x: %v", e.Code, e.Err) }
    return fmt.Sprintf("txn: raised %#x", e.Code)
}

func (e *Raised) Unwrap() error { return e.Err }

// Raise builds an error that aborts the enclosing scope with code. A zero
// code is replaced with CodeFailure.
func Raise(code uint32, err error) error {
    if code == 0 { code = CodeFailure }
    return &Raised{Code: code, Err: err}
}

// Aborted reports that at least one member raised in the scope. Codes is the
// OR of every raised code and is the same at every member. Cause is the
// local body error, nil when only peers raised.
type Aborted struct {
    Codes uint32
    Cause error
}

func (e *Aborted) Error() string {
    if e.Cause != nil { return fmt.Sprintf("txn: aborted with codes %#x: %v", e.Codes, e.Cause) }
    return fmt.Sprintf("txn: aborted with codes %#x", e.Codes)
}

func (e *Aborted) Unwrap() error { return e.Cause }

// IsAborted reports whether err is a scope abort.
func IsAborted(err error) bool {
    var a *Aborted
    return errors.As(err, &a)
}

func codeOf(err error) uint32 {
    var a *Aborted
    if errors.As(err, &a) && a.Codes != 0 { return a.Codes }
    var r *Raised
    if errors.As(err, &r) && r.Code != 0 { return r.Code }
    return CodeFailure
}

// Options tunes a scope.
type Options struct {
    Logger *log.Logger
}

// Do runs body in a scope over comm with default options.
func Do(ctx context.Context, comm *ftcomm.Communicator, body Body) error {
    return DoWith(ctx, comm, body, Options{})
}

// DoWith runs body on a duplicate of comm and agrees over comm on the
// outcome. It returns nil when no member raised, *Aborted when some did, or
// the agreement's own error when comm itself is unusable.
func DoWith(ctx context.Context, comm *ftcomm.Communicator, body Body, opts Options) error {
    if opts.Logger == nil { opts.Logger = log.Default() }
    ctx, end := tracing.StartSpan(ctx, "txn.do", "cid", comm.CID())
    defer end()

    var code uint32
    var cause error
    dup, err := comm.Dup()
    if err != nil {
        code, cause = codeOf(err), err
    } else {
        if err := body(ctx, dup); err != nil {
            dup.Revoke()
            code, cause = codeOf(err), err
        }
    }
    flag, err := comm.Agree(ctx, ^uint32(0)&^code)
    if dup != nil { dup.Free() }
    if err != nil { return fmt.Errorf("txn: agree on %s: %w", comm.CID(), err) }
    if codes := ^flag; codes != 0 {
        logutil.Warnf(opts.Logger, "txn: scope on %s aborted with codes %#x (local: %v)", comm.CID(), codes, cause)
        return &Aborted{Codes: codes, Cause: cause}
    }
    return nil
}

// Retry runs the scope up to attempts times while it aborts. After every
// abort the communicator is shrunk so that later attempts run without the
// members that died; the body always gets ranks of the current one.
func Retry(ctx context.Context, comm *ftcomm.Communicator, attempts int, body Body) error {
    if attempts <= 0 { attempts = 1 }
    cur := comm
    defer func() {
        if cur != comm { cur.Free() }
    }()
    var err error
    for i := 0; i < attempts; i++ {
        err = Do(ctx, cur, body)
        if err == nil || !IsAborted(err) { return err }
        next, serr := cur.Shrink(ctx)
        if serr != nil { return fmt.Errorf("txn: shrink after abort: %w", serr) }
        if cur != comm { cur.Free() }
        cur = next
    }
    return err
}
