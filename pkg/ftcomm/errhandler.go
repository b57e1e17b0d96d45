package ftcomm

// ErrorPolicy selects what happens when an operation on a communicator
// fails with a classified error.
type ErrorPolicy int

const (
    // PolicyReturn hands the error back to the caller. Default.
    PolicyReturn ErrorPolicy = iota
    // PolicyAbort terminates the local process.
    PolicyAbort
    // PolicyCustom runs the installed ErrorHandler, then returns the error.
    PolicyCustom
)

func (p ErrorPolicy) String() string {
    switch p {
    case PolicyAbort:
        return "abort"
    case PolicyCustom:
        return "custom"
    }
    return "return"
}

// ErrorHandler intercepts classified failures before they reach the caller.
// It runs on the goroutine that issued the failing operation, without any
// internal lock held, so it may call operations on c (Revoke, Shrink, ...).
type ErrorHandler interface {
    HandleError(c *Communicator, class ErrorClass)
}

type ErrorHandlerFunc func(c *Communicator, class ErrorClass)

func (f ErrorHandlerFunc) HandleError(c *Communicator, class ErrorClass) { f(c, class) }

func (c *Communicator) SetErrorPolicy(policy ErrorPolicy) {
    c.p.mu.Lock()
    c.policy = policy
    c.p.mu.Unlock()
}

// SetErrorHandler installs h and switches to PolicyCustom; nil restores
// PolicyReturn.
func (c *Communicator) SetErrorHandler(h ErrorHandler) {
    c.p.mu.Lock()
    c.handler = h
    c.policy = PolicyCustom
    if h == nil { c.policy = PolicyReturn }
    c.p.mu.Unlock()
}

func (c *Communicator) ErrorHandler() (ErrorPolicy, ErrorHandler) {
    c.p.mu.Lock()
    defer c.p.mu.Unlock()
    return c.policy, c.handler
}

// raise applies the error policy to err and returns it unchanged.
func (c *Communicator) raise(err error) error {
    class := Classify(err)
    if class == ClassSuccess || class == ClassOther { return err }
    policy, h := c.ErrorHandler()
    switch policy {
    case PolicyAbort:
        c.p.abort(err)
    case PolicyCustom:
        if h != nil { h.HandleError(c, class) }
    }
    return err
}
