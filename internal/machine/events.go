package machine

import "github.com/ent0n29/voicerelay/internal/upstream"

// Event is an input to Transition.
type Event interface {
	isEvent()
}

type SetInstructions struct{ Instructions string }

// Start requests an upstream connection. Empty Instructions keeps the current ones.
type Start struct {
	Instructions string
	Greet        bool
}

type Opened struct{}

type OpenFailed struct{ Err error }

type AudioChunk struct{ Data []byte }

type Commit struct{}

type UserText struct{ Text string }

// Upstream wraps one classified provider event.
type Upstream struct{ Event upstream.Event }

type UpstreamClosed struct{ Err error }

type WatchdogFired struct{ TurnID int }

// Stop is the explicit stop-session intent; the local channel stays open.
type Stop struct{}

// Disconnect means the local channel closed.
type Disconnect struct{}

func (SetInstructions) isEvent() {}
func (Start) isEvent() {}
func (Opened) isEvent() {}
func (OpenFailed) isEvent() {}
func (AudioChunk) isEvent() {}
func (Commit) isEvent() {}
func (UserText) isEvent() {}
func (Upstream) isEvent() {}
func (UpstreamClosed) isEvent() {}
func (WatchdogFired) isEvent() {}
func (Stop) isEvent() {}
func (Disconnect) isEvent() {}

// Effect is an instruction for the caller to perform I/O.
type Effect interface {
	isEffect()
}

type OpenUpstream struct {
	Instructions string
	Greet        bool
}

type ForwardAudio struct{ Data []byte }

// CommitAudio commits the input buffer and requests one response.
type CommitAudio struct{ Instructions string }

type SendUserText struct {
	Text         string
	Instructions string
}

type UpdateInstructions struct{ Instructions string }

// CloseUpstream releases the session's provider connection.
type CloseUpstream struct{}

// Notify sends a message to the local channel.
type Notify struct{ Message any }

type ArmWatchdog struct{ TurnID int }

type DisarmWatchdog struct{ TurnID int }

// Notice records an intent or event dropped without user-visible effect.
type Notice struct {
	Code   string
	Detail string
}

func (OpenUpstream) isEffect() {}
func (ForwardAudio) isEffect() {}
func (CommitAudio) isEffect() {}
func (SendUserText) isEffect() {}
func (UpdateInstructions) isEffect() {}
func (CloseUpstream) isEffect() {}
func (Notify) isEffect() {}
func (ArmWatchdog) isEffect() {}
func (DisarmWatchdog) isEffect() {}
func (Notice) isEffect() {}
