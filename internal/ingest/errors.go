package ingest

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound signals a document lookup miss.
	ErrNotFound = errors.New("document not found")
	// ErrJobNotFound signals an unknown job id.
	ErrJobNotFound = errors.New("job not found")
	// ErrQueueClosed is returned once the broker has been closed.
	ErrQueueClosed = errors.New("queue closed")
	// ErrIndexNotFound signals a missing physical index or alias.
	ErrIndexNotFound = errors.New("index not found")
)

// RepositoryError wraps a listing or streaming failure with the backend's diagnostic output.
type RepositoryError struct {
	Op     string
	URL    string
	Output string
	Err    error
}

func (e *RepositoryError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "repository %s %s", e.Op, e.URL)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if out := strings.TrimSpace(e.Output); out != "" {
		fmt.Fprintf(&b, ": %s", out)
	}
	return b.String()
}

func (e *RepositoryError) Unwrap() error { return e.Err }

// ConversionError reports a failure of the external conversion service.
type ConversionError struct {
	Target     string
	File       string
	StatusCode int
	Body       string
	Err        error
}

func (e *ConversionError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "convert %s to %s", e.File, e.Target)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": status %d", e.StatusCode)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if body := strings.TrimSpace(e.Body); body != "" {
		fmt.Fprintf(&b, ": %s", body)
	}
	return b.String()
}

func (e *ConversionError) Unwrap() error { return e.Err }

// StoreError reports an unavailable document store or a rejected write.
type StoreError struct {
	Op  string
	ID  string
	Err error
}

func (e *StoreError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("document store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("document store %s %s: %v", e.Op, e.ID, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }
