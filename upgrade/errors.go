package upgrade

import (
	"fmt"

	"github.com/pkg/errors"
)

// Stage identifies which step of the layer→secure→mux pipeline failed.
type Stage string

const (
	StageLayer    Stage = "layer"
	StageSecurity Stage = "security"
	StageMux      Stage = "mux"
)

// Error is the single typed error every upgrade failure surfaces as
// (spec.md §4.5: "Any stage failure propagates as a single
// UpgradeFailed{stage, cause} error").
type Error struct {
	Stage Stage
	Cause error
}

func (e *Error) Error() string {
	return fmt.Sprintf("upgrade: %s stage failed: %v", e.Stage, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

func wrapStage(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Stage: stage, Cause: errors.WithStack(err)}
}

// ErrPeerIDMismatch indicates a dial asked for a specific remote PeerId but
// the post-handshake identity didn't match (spec.md §4.5, §7).
var ErrPeerIDMismatch = errors.New("upgrade: remote peer id does not match expected identity")
