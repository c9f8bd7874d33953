package wgdriver

import "fmt"

// ExecError wraps a failed invocation of a host tunnel-toolchain binary,
// carrying the verb and process exit code so callers can classify the
// failure without parsing free-form text.
type ExecError struct {
	Verb     string
	Args     []string
	ExitCode int
	Stderr   string
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("wgdriver: %s exited %d: %s", e.Verb, e.ExitCode, e.Stderr)
}

// Is allows errors.Is(err, &ExecError{Verb: "up"}) to match any ExecError
// for the same verb regardless of exit code or stderr content.
func (e *ExecError) Is(target error) bool {
	t, ok := target.(*ExecError)
	if !ok {
		return false
	}
	if t.Verb == "" {
		return true
	}
	return t.Verb == e.Verb
}
