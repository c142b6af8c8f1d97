package hub

import "fmt"

// Wire error codes carried on error frames. Validation failures stay on
// the connection; auth failures close it. Authorization failures send
// nothing at all, so they have no code here.
const (
	CodeValidation  = "validation"
	CodeAuth        = "auth"
	CodeRateLimited = "rate_limited"
	CodeNotFound    = "not_found"
	CodeTool        = "tool"
	CodeInternal    = "internal"
)

// BindError reports a listener that could not bind its address. main maps
// it to a distinct exit code so supervisors can tell a port clash from a
// crash.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string { return fmt.Sprintf("bind %s: %v", e.Addr, e.Err) }

func (e *BindError) Unwrap() error { return e.Err }
