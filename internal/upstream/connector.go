package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrNotOpen is returned by Handle operations after the connection closed.
var ErrNotOpen = errors.New("upstream connection is not open")

// OpenOptions configure the initial session sent right after connecting.
type OpenOptions struct {
	Instructions string
	// Greet asks the provider for a response immediately after configuring the session.
	Greet bool
}

// Connector opens one provider connection per relay session.
type Connector interface {
	Open(ctx context.Context, sessionID string, opts OpenOptions) (Handle, error)
}

// Handle is an open provider connection. Events is closed when the
// connection ends for any reason. Close is idempotent.
type Handle interface {
	ForwardAudio(pcm []byte) error
	Commit(instructions string) error
	SendText(text, instructions string) error
	UpdateInstructions(instructions string) error
	Events() <-chan Event
	Close() error
}

// ConnectError reports a failed open, including dial timeouts.
type ConnectError struct {
	StatusCode int
	Err        error
}

func (e *ConnectError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("upstream connect failed (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("upstream connect failed: %v", e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// Timeout reports whether the open failed because its deadline expired.
func (e *ConnectError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(e.Err, &ne) && ne.Timeout()
}
