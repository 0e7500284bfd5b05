package audio

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
)

// ErrorCategory classifies why a song could not be opened.
type ErrorCategory int

const (
	// ErrCategoryNotFound: the path does not exist or is unreadable
	ErrCategoryNotFound ErrorCategory = iota
	// ErrCategoryFormat: unsupported container or extension
	ErrCategoryFormat
	// ErrCategoryDecode: the decoder rejected the stream
	ErrCategoryDecode
	// ErrCategoryUnknown: anything else
	ErrCategoryUnknown
)

func (c ErrorCategory) String() string {
	switch c {
	case ErrCategoryNotFound:
		return "not_found"
	case ErrCategoryFormat:
		return "format"
	case ErrCategoryDecode:
		return "decode"
	default:
		return "unknown"
	}
}

// ErrUnsupportedFormat is returned for extensions no decoder handles.
var ErrUnsupportedFormat = errors.New("unsupported audio format")

// LoadError is returned when a song cannot be probed or opened. It is always
// raised before any analysis goroutine starts.
type LoadError struct {
	Path     string
	Category ErrorCategory
	Err      error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("audio: load %s (%s): %v", e.Path, e.Category, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

func newLoadError(path string, err error) *LoadError {
	return &LoadError{Path: path, Category: classify(err), Err: err}
}

// classify buckets an error by type first, then by message keywords.
func classify(err error) ErrorCategory {
	if err == nil {
		return ErrCategoryUnknown
	}
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
		return ErrCategoryNotFound
	}
	if errors.Is(err, ErrUnsupportedFormat) {
		return ErrCategoryFormat
	}

	msg := strings.ToLower(err.Error())
	// Format first: GStreamer reports an unknown container as "type not found".
	if containsAny(msg, "type not found", "missing plugin", "no decoder", "could not determine type", "unsupported") {
		return ErrCategoryFormat
	}
	if containsAny(msg, "no such file", "not found", "could not open resource", "permission denied") {
		return ErrCategoryNotFound
	}
	if containsAny(msg, "decode", "invalid", "corrupt", "header", "sync", "eof") {
		return ErrCategoryDecode
	}
	return ErrCategoryUnknown
}

func containsAny(s string, keywords ...string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}
