package ffmpeg

import "fmt"

// ErrorKind classifies extraction failures.
type ErrorKind string

const (
	KindToolNotFound  ErrorKind = "tool_not_found"
	KindExit          ErrorKind = "exit"
	KindTimeout       ErrorKind = "timeout"
	KindMissingOutput ErrorKind = "missing_output"
)

// ExtractError is returned for any audio extraction failure, carrying
// the tool's diagnostic output when one was invoked.
type ExtractError struct {
	Kind    ErrorKind
	Message string
	Stderr  string
	Err     error
}

func (e *ExtractError) Error() string {
	if e == nil {
		return ""
	}
	if e.Stderr == "" {
		return fmt.Sprintf("audio extraction failed (%s): %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("audio extraction failed (%s): %s: %s", e.Kind, e.Message, e.Stderr)
}

func (e *ExtractError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
