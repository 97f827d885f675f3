// Package machine is the per-session relay state machine. Transition is a
// pure function; callers execute the returned effects in order.
package machine

import (
	"github.com/ent0n29/voicerelay/internal/protocol"
	"github.com/ent0n29/voicerelay/internal/reliability"
	"github.com/ent0n29/voicerelay/internal/upstream"
)

type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseConnecting Phase = "connecting"
	PhaseOpenIdle   Phase = "open_idle"
	PhaseResponding Phase = "responding"
	PhaseClosed     Phase = "closed"
)

// HasUpstream reports whether a provider connection exists or is being opened.
func (p Phase) HasUpstream() bool {
	return p == PhaseConnecting || p == PhaseOpenIdle || p == PhaseResponding
}

// Notice codes for intents dropped at the boundary.
const (
	NoticeDuplicateCommit   = "duplicate_commit_ignored"
	NoticeResponseInFlight  = "response_in_flight"
	NoticeNoSession         = "no_session"
	NoticeNotOpen           = "upstream_not_open"
	NoticeAlreadyStarted    = "session_already_started"
	NoticeSessionClosed     = "session_closed"
	NoticeLateEvent         = "late_upstream_event"
	NoticeMalformedUpstream = "malformed_upstream_event"
	NoticePendingOverflow   = "pending_audio_overflow"
)

// Turn tracks one response from commit to completion.
type Turn struct {
	ID         int
	Text       string
	Transcript string
	AudioSeq   int
	AudioEnded bool
	FinalSent  bool
}

type State struct {
	Phase        Phase
	Instructions string
	Greet        bool
	// Pending holds audio received while connecting, flushed in order on open.
	Pending    [][]byte
	MaxPending int
	Turn       Turn
	TurnSeq    int
}

func New(instructions string, maxPending int) State {
	return State{Phase: PhaseIdle, Instructions: instructions, MaxPending: maxPending}
}

// InFlight reports whether a response is outstanding.
func (s State) InFlight() bool {
	return s.Phase == PhaseResponding
}

// Transition applies ev to s.
func Transition(s State, ev Event) (State, []Effect) {
	switch e := ev.(type) {
	case SetInstructions:
		return onSetInstructions(s, e)
	case Start:
		return onStart(s, e)
	case Opened:
		return onOpened(s)
	case OpenFailed:
		return onOpenFailed(s, e)
	case AudioChunk:
		return onAudio(s, e)
	case Commit:
		return onCommit(s)
	case UserText:
		return onUserText(s, e)
	case Upstream:
		return onUpstream(s, e.Event)
	case UpstreamClosed:
		return onUpstreamClosed(s, e)
	case WatchdogFired:
		return onWatchdog(s, e)
	case Stop:
		return shutdown(s, true)
	case Disconnect:
		return shutdown(s, false)
	default:
		return s, nil
	}
}

func onSetInstructions(s State, e SetInstructions) (State, []Effect) {
	s.Instructions = e.Instructions
	effects := []Effect{Notify{Message: protocol.SetSystemMessage{Type: protocol.TypeSetSystemMessage, Instructions: e.Instructions}}}
	if s.Phase == PhaseOpenIdle || s.Phase == PhaseResponding {
		effects = append(effects, UpdateInstructions{Instructions: e.Instructions})
	}
	return s, effects
}

func onStart(s State, e Start) (State, []Effect) {
	switch s.Phase {
	case PhaseIdle:
	case PhaseClosed:
		return s, []Effect{Notice{Code: NoticeSessionClosed}}
	default:
		return s, []Effect{Notice{Code: NoticeAlreadyStarted, Detail: string(s.Phase)}}
	}
	if e.Instructions != "" {
		s.Instructions = e.Instructions
	}
	s.Greet = e.Greet
	s.Phase = PhaseConnecting
	return s, []Effect{
		Notify{Message: protocol.NewStatus(protocol.StateConnecting, "", "")},
		OpenUpstream{Instructions: s.Instructions, Greet: s.Greet},
	}
}

func onOpened(s State) (State, []Effect) {
	if s.Phase != PhaseConnecting {
		return s, []Effect{Notice{Code: NoticeLateEvent, Detail: "opened"}}
	}
	effects := []Effect{Notify{Message: protocol.NewStatus(protocol.StateConnected, "", "")}}
	for _, chunk := range s.Pending {
		effects = append(effects, ForwardAudio{Data: chunk})
	}
	s.Pending = nil
	if s.Greet {
		s = beginTurn(s)
		return s, append(effects, ArmWatchdog{TurnID: s.Turn.ID})
	}
	s.Phase = PhaseOpenIdle
	return s, effects
}

func onOpenFailed(s State, e OpenFailed) (State, []Effect) {
	if s.Phase != PhaseConnecting {
		return s, nil
	}
	s.Phase = PhaseClosed
	s.Pending = nil
	detail := ""
	if e.Err != nil {
		detail = e.Err.Error()
	}
	return s, []Effect{Notify{Message: protocol.NewStatus(protocol.StateConnectionFailed, "upstream_connect_error", detail)}}
}

func onAudio(s State, e AudioChunk) (State, []Effect) {
	switch s.Phase {
	case PhaseOpenIdle, PhaseResponding:
		return s, []Effect{ForwardAudio{Data: e.Data}}
	case PhaseConnecting:
		if len(s.Pending) >= s.MaxPending {
			return s, []Effect{
				Notice{Code: NoticePendingOverflow},
				Notify{Message: protocol.NewStatus(protocol.StateDropped, NoticePendingOverflow, "audio dropped while connecting")},
			}
		}
		s.Pending = append(s.Pending, e.Data)
		return s, nil
	default:
		return s, []Effect{
			Notice{Code: NoticeNoSession, Detail: "user-audio-chunk"},
			Notify{Message: protocol.NewStatus(protocol.StateDropped, NoticeNoSession, "audio dropped without an open session")},
		}
	}
}

func onCommit(s State) (State, []Effect) {
	switch s.Phase {
	case PhaseOpenIdle:
		s = beginTurn(s)
		return s, []Effect{CommitAudio{Instructions: s.Instructions}, ArmWatchdog{TurnID: s.Turn.ID}}
	case PhaseResponding:
		return s, []Effect{Notice{Code: NoticeDuplicateCommit}}
	case PhaseConnecting:
		return s, []Effect{Notice{Code: NoticeNotOpen, Detail: "commit-audio"}}
	default:
		return s, []Effect{Notice{Code: NoticeNoSession, Detail: "commit-audio"}}
	}
}

func onUserText(s State, e UserText) (State, []Effect) {
	switch s.Phase {
	case PhaseOpenIdle:
		s = beginTurn(s)
		return s, []Effect{SendUserText{Text: e.Text, Instructions: s.Instructions}, ArmWatchdog{TurnID: s.Turn.ID}}
	case PhaseResponding:
		return s, []Effect{Notice{Code: NoticeResponseInFlight, Detail: "user-text-message"}}
	case PhaseConnecting:
		return s, []Effect{Notice{Code: NoticeNotOpen, Detail: "user-text-message"}}
	default:
		return s, []Effect{Notice{Code: NoticeNoSession, Detail: "user-text-message"}}
	}
}

func beginTurn(s State) State {
	s.TurnSeq++
	s.Turn = Turn{ID: s.TurnSeq}
	s.Phase = PhaseResponding
	return s
}

func endTurn(s State) (State, []Effect) {
	s.Phase = PhaseOpenIdle
	return s, []Effect{DisarmWatchdog{TurnID: s.Turn.ID}}
}

func onUpstream(s State, ev upstream.Event) (State, []Effect) {
	if e, ok := ev.(upstream.Malformed); ok {
		detail := ""
		if e.Err != nil {
			detail = e.Err.Error()
		}
		return s, []Effect{Notice{Code: NoticeMalformedUpstream, Detail: detail}}
	}
	if s.Phase != PhaseOpenIdle && s.Phase != PhaseResponding {
		return s, nil
	}
	responding := s.Phase == PhaseResponding

	switch e := ev.(type) {
	case upstream.SessionReady:
		return s, []Effect{Notify{Message: protocol.NewStatus(protocol.StateSessionReady, e.Type, "")}}
	case upstream.SpeechStarted:
		return s, []Effect{Notify{Message: protocol.NewStatus(protocol.StateSpeechStarted, "", "")}}
	case upstream.SpeechStopped:
		return s, []Effect{Notify{Message: protocol.NewStatus(protocol.StateSpeechStopped, "", "")}}
	case upstream.InputTranscript:
		return s, []Effect{Notify{Message: protocol.NewText(protocol.TypeUserTranscript, e.Text)}}
	case upstream.TextDelta:
		if !responding {
			return s, []Effect{Notice{Code: NoticeLateEvent, Detail: e.Kind()}}
		}
		s.Turn.Text += e.Text
		return s, []Effect{Notify{Message: protocol.NewText(protocol.TypeBotResponse, e.Text)}}
	case upstream.AudioTranscriptDelta:
		if !responding {
			return s, []Effect{Notice{Code: NoticeLateEvent, Detail: e.Kind()}}
		}
		s.Turn.Transcript += e.Text
		return s, []Effect{Notify{Message: protocol.NewText(protocol.TypeBotTranscript, e.Text)}}
	case upstream.AudioDelta:
		if !responding {
			return s, []Effect{Notice{Code: NoticeLateEvent, Detail: e.Kind()}}
		}
		s.Turn.AudioSeq++
		return s, []Effect{Notify{Message: protocol.NewBotAudio(e.Audio, s.Turn.AudioSeq)}}
	case upstream.TextDone:
		if !responding || s.Turn.FinalSent {
			return s, nil
		}
		s.Turn.FinalSent = true
		return s, []Effect{Notify{Message: protocol.NewText(protocol.TypeBotResponseFinal, firstNonEmpty(e.Text, s.Turn.Text, s.Turn.Transcript))}}
	case upstream.AudioDone:
		if !responding || s.Turn.AudioEnded {
			return s, nil
		}
		s.Turn.AudioEnded = true
		return s, []Effect{Notify{Message: protocol.BotAudioEnd{Type: protocol.TypeBotAudioEnd}}}
	case upstream.ResponseDone:
		if !responding {
			return s, []Effect{Notice{Code: NoticeLateEvent, Detail: e.Kind()}}
		}
		var effects []Effect
		if s.Turn.AudioSeq > 0 && !s.Turn.AudioEnded {
			s.Turn.AudioEnded = true
			effects = append(effects, Notify{Message: protocol.BotAudioEnd{Type: protocol.TypeBotAudioEnd}})
		}
		if !s.Turn.FinalSent {
			s.Turn.FinalSent = true
			effects = append(effects, Notify{Message: protocol.NewText(protocol.TypeBotResponseFinal, firstNonEmpty(e.Text, s.Turn.Text, s.Turn.Transcript))})
		}
		if e.Failed() {
			effects = append(effects, Notify{Message: protocol.NewStatus(protocol.StateResponseError, "response_failed", "")})
		}
		var end []Effect
		s, end = endTurn(s)
		return s, append(effects, end...)
	case upstream.ResponseError:
		effects := []Effect{Notify{Message: errorStatus(protocol.StateResponseError, e.Code, e.Message)}}
		if responding {
			var end []Effect
			s, end = endTurn(s)
			effects = append(effects, end...)
		}
		return s, effects
	case upstream.ProviderError:
		// Errors about other client events (an empty commit under server VAD,
		// a rejected session.update) leave the response running.
		if !responding || !e.RejectsResponse {
			return s, []Effect{Notify{Message: errorStatus(protocol.StateUpstreamError, e.Code, e.Message)}}
		}
		effects := []Effect{Notify{Message: errorStatus(protocol.StateResponseError, e.Code, e.Message)}}
		var end []Effect
		s, end = endTurn(s)
		return s, append(effects, end...)
	case upstream.Unrecognized:
		return s, nil
	default:
		return s, nil
	}
}

func onUpstreamClosed(s State, e UpstreamClosed) (State, []Effect) {
	if s.Phase != PhaseOpenIdle && s.Phase != PhaseResponding {
		return s, nil
	}
	detail := ""
	if e.Err != nil {
		detail = e.Err.Error()
	}
	effects := []Effect{CloseUpstream{}}
	if s.Phase == PhaseResponding {
		effects = append(effects, DisarmWatchdog{TurnID: s.Turn.ID})
	}
	s.Phase = PhaseClosed
	return s, append(effects, Notify{Message: protocol.NewStatus(protocol.StateDisconnected, "upstream_closed", detail)})
}

func onWatchdog(s State, e WatchdogFired) (State, []Effect) {
	if s.Phase != PhaseResponding || s.Turn.ID != e.TurnID {
		return s, nil
	}
	s.Phase = PhaseOpenIdle
	return s, []Effect{Notify{Message: protocol.NewStatus(protocol.StateResponseTimeout, "response_timeout", "no completion from upstream")}}
}

// shutdown moves any phase to Closed. notify is false when the local channel is gone.
func shutdown(s State, notify bool) (State, []Effect) {
	if s.Phase == PhaseClosed {
		return s, nil
	}
	var effects []Effect
	if s.Phase.HasUpstream() {
		effects = append(effects, CloseUpstream{})
	}
	if s.Phase == PhaseResponding {
		effects = append(effects, DisarmWatchdog{TurnID: s.Turn.ID})
	}
	s.Phase = PhaseClosed
	s.Pending = nil
	if notify {
		effects = append(effects, Notify{Message: protocol.NewStatus(protocol.StateDisconnected, "stopped", "")})
	}
	return s, effects
}

func errorStatus(state, code, message string) protocol.StatusEvent {
	st := protocol.NewStatus(state, code, message)
	st.Retryable = reliability.IsRetryableRealtimeErrorCode(code)
	return st
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
