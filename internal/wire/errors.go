package wire

import (
	"errors"
	"fmt"
)

// Sentinel errors this package returns. WireClosed and WireWriteError are
// both account-terminating; ParseError invalidates the connection because
// the stream is desynchronized.
var (
	ErrWireClosed     = errors.New("wire: connection closed")
	ErrWireWriteError = errors.New("wire: unrecoverable write failure")
)

// ParseError reports a malformed start-line or header block. The stream is
// no longer trustworthy once one occurs: the caller must tear down the
// connection rather than keep framing.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("wire: parse error: %s", e.Reason)
}

func newParseError(reason string) error {
	return &ParseError{Reason: reason}
}
