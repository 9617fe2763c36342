package apperrors

// Error is a chainable application error. Sentinel errors are declared with
// New and refined per call site with New/Msg/Err; Is matches any ancestor in
// the chain so callers can test against the sentinel they care about.
type Error interface {
	Error() string
	ErrorAll() string
	New(msg string) Error
	Msg(msg string) Error
	MsgErr(msg string, err ...error) Error
	Err(err ...error) Error
	Unwrap() []error
	Is(target error) bool
	SetStatusCode(code int) Error
	StatusCode() int
}
