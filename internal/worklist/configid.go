package worklist

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ConfigID identifies one benchmark configuration: a base index optionally
// refined by dash-separated variant indices, e.g. "12" or "12-4-0".
type ConfigID string

var configIDPattern = regexp.MustCompile(`^[0-9]+(-[0-9]+)*$`)

// ErrInvalidConfigID is wrapped by every ParseError.
var ErrInvalidConfigID = errors.New("invalid configuration id")

// ParseError reports a result line whose first token is not a ConfigID.
type ParseError struct {
	Line string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse config id: failed to parse %q", e.Line)
}

func (e *ParseError) Unwrap() error { return ErrInvalidConfigID }

// IsConfigID reports whether s is exactly a well-formed configuration id.
func IsConfigID(s string) bool {
	return configIDPattern.MatchString(s)
}

// ParseConfigID returns the configuration id that leads a result line.
func ParseConfigID(line string) (ConfigID, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 || !IsConfigID(fields[0]) {
		return "", &ParseError{Line: line}
	}
	return ConfigID(fields[0]), nil
}

// IsFinished reports whether a result line was completely written. Workers
// print a structured literal after the id, so a line is complete only once
// its closing bracket is present.
func IsFinished(line string) bool {
	return strings.HasSuffix(strings.TrimSpace(line), "]")
}
