package auth

import (
	"errors"
	"fmt"
	"strings"
)

// ErrAuth is matched by every authentication failure.
var ErrAuth = errors.New("authentication failed")

// Error describes a failed token exchange or a request that stayed
// unauthorized after a refresh.
type Error struct {
	// Op is the failing operation ("fetch token", "request").
	Op string

	// StatusCode is the HTTP status, 0 when no response was received.
	StatusCode int

	// Code and Description mirror the OAuth error object when present.
	Code        string
	Description string

	// Missing lists absent credential fields.
	Missing []string

	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("auth: ")
	b.WriteString(e.Op)

	switch {
	case len(e.Missing) > 0:
		b.WriteString(": missing credentials: ")
		b.WriteString(strings.Join(e.Missing, ", "))
	case e.Code != "":
		fmt.Fprintf(&b, ": %s", e.Code)
		if e.Description != "" {
			fmt.Fprintf(&b, " (%s)", e.Description)
		}
	case e.Description != "":
		fmt.Fprintf(&b, ": %s", e.Description)
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrAuth.
func (e *Error) Is(target error) bool {
	return target == ErrAuth
}
