package node

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/pbft/core/envelope"
)

var (
	// ErrDispatch is matched by every DispatchError.
	ErrDispatch = errors.New("dispatch error")
	// ErrStopped is returned by calls made after the loop has exited.
	ErrStopped = errors.New("node is stopped")
)

// DispatchError reports an outbound envelope that was not sent this round.
type DispatchError struct {
	Envelope envelope.Envelope
	Err      error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("%s: %s for %s: %v", ErrDispatch, e.Envelope.Stage, e.Envelope.ProposalKey, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

func (e *DispatchError) Is(target error) bool {
	return target == ErrDispatch
}
