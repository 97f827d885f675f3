package machine

import (
	"bytes"
	"errors"
	"testing"

	"github.com/ent0n29/voicerelay/internal/protocol"
	"github.com/ent0n29/voicerelay/internal/upstream"
)

func run(s State, events ...Event) (State, []Effect) {
	var all []Effect
	for _, ev := range events {
		var effects []Effect
		s, effects = Transition(s, ev)
		all = append(all, effects...)
	}
	return s, all
}

func countEffects[T Effect](effects []Effect) int {
	n := 0
	for _, e := range effects {
		if _, ok := e.(T); ok {
			n++
		}
	}
	return n
}

func notifications(effects []Effect) []any {
	var out []any
	for _, e := range effects {
		if n, ok := e.(Notify); ok {
			out = append(out, n.Message)
		}
	}
	return out
}

func openSession(t *testing.T) State {
	t.Helper()
	s, _ := run(New("default", 8), Start{}, Opened{})
	if s.Phase != PhaseOpenIdle {
		t.Fatalf("phase = %s, want open_idle", s.Phase)
	}
	return s
}

func TestDuplicateCommitYieldsSingleResponse(t *testing.T) {
	s := openSession(t)
	s, effects := run(s, Commit{}, Commit{})
	if got := countEffects[CommitAudio](effects); got != 1 {
		t.Fatalf("CommitAudio effects = %d, want 1", got)
	}
	if got := countEffects[Notice](effects); got != 1 {
		t.Fatalf("Notice effects = %d, want 1", got)
	}
	if !s.InFlight() {
		t.Fatalf("InFlight() = false after commit")
	}
}

func TestResponseCompletionClearsInFlight(t *testing.T) {
	for name, ev := range map[string]upstream.Event{
		"done":  upstream.ResponseDone{Status: "completed"},
		"error": upstream.ResponseError{Code: "server_error", Message: "boom"},
	} {
		t.Run(name, func(t *testing.T) {
			s := openSession(t)
			s, _ = run(s, Commit{})
			s, effects := run(s, Upstream{Event: ev})
			if s.InFlight() || s.Phase != PhaseOpenIdle {
				t.Fatalf("phase = %s after %s, want open_idle", s.Phase, name)
			}
			if countEffects[DisarmWatchdog](effects) != 1 {
				t.Fatalf("expected watchdog disarm, got %#v", effects)
			}
			_, effects = run(s, Commit{})
			if countEffects[CommitAudio](effects) != 1 {
				t.Fatalf("next commit was not accepted: %#v", effects)
			}
		})
	}
}

func TestResponseErrorKeepsSessionOpen(t *testing.T) {
	s := openSession(t)
	s, effects := run(s, Commit{}, Upstream{Event: upstream.ResponseError{Code: "rate_limit_exceeded"}})
	if s.Phase != PhaseOpenIdle || countEffects[CloseUpstream](effects) != 0 {
		t.Fatalf("response error closed the session: phase=%s effects=%#v", s.Phase, effects)
	}
	msgs := notifications(effects)
	status, ok := msgs[len(msgs)-1].(protocol.StatusEvent)
	if !ok || status.State != protocol.StateResponseError || status.Code != "rate_limit_exceeded" {
		t.Fatalf("last notification = %#v, want response_error status", msgs[len(msgs)-1])
	}
}

func TestProviderErrorLeavesResponseRunning(t *testing.T) {
	s := openSession(t)
	s, effects := run(s, Commit{}, Upstream{Event: upstream.ProviderError{Code: "input_audio_buffer_commit_empty"}})
	if s.Phase != PhaseResponding {
		t.Fatalf("phase = %s after commit_empty error, want responding", s.Phase)
	}
	if countEffects[DisarmWatchdog](effects) != 0 {
		t.Fatalf("provider error disarmed the watchdog: %#v", effects)
	}
	msgs := notifications(effects)
	status, ok := msgs[len(msgs)-1].(protocol.StatusEvent)
	if !ok || status.State != protocol.StateUpstreamError || status.Code != "input_audio_buffer_commit_empty" || status.Retryable {
		t.Fatalf("last notification = %#v, want upstream_error status", msgs[len(msgs)-1])
	}

	s, effects = run(s,
		Upstream{Event: upstream.AudioDelta{Audio: []byte{1, 0}}},
		Upstream{Event: upstream.ResponseDone{Status: "completed", Text: "hi"}},
	)
	if s.Phase != PhaseOpenIdle {
		t.Fatalf("phase = %s after done, want open_idle", s.Phase)
	}
	var audio, finals int
	for _, msg := range notifications(effects) {
		switch m := msg.(type) {
		case protocol.BotAudio:
			audio++
		case protocol.TextEvent:
			if m.Type == protocol.TypeBotResponseFinal {
				finals++
			}
		}
	}
	if audio != 1 || finals != 1 {
		t.Fatalf("delivered audio=%d finals=%d after provider error, want 1 and 1", audio, finals)
	}
}

func TestProviderErrorRejectingResponseEndsTurn(t *testing.T) {
	s := openSession(t)
	s, effects := run(s, Commit{}, Upstream{Event: upstream.ProviderError{Code: "server_error", RejectsResponse: true}})
	if s.InFlight() {
		t.Fatalf("InFlight() = true after response.create was rejected")
	}
	if countEffects[DisarmWatchdog](effects) != 1 {
		t.Fatalf("expected watchdog disarm, got %#v", effects)
	}
	msgs := notifications(effects)
	status, ok := msgs[len(msgs)-1].(protocol.StatusEvent)
	if !ok || status.State != protocol.StateResponseError || !status.Retryable {
		t.Fatalf("last notification = %#v, want retryable response_error", msgs[len(msgs)-1])
	}
}

func TestMalformedEventIsNoticedInAnyPhase(t *testing.T) {
	for name, s := range map[string]State{
		"idle":       New("", 8),
		"connecting": func() State { s, _ := run(New("", 8), Start{}); return s }(),
		"open":       openSession(t),
	} {
		t.Run(name, func(t *testing.T) {
			_, effects := run(s, Upstream{Event: upstream.Malformed{Raw: []byte("{"), Err: errors.New("unexpected EOF")}})
			if countEffects[Notice](effects) != 1 {
				t.Fatalf("effects = %#v, want one malformed notice", effects)
			}
		})
	}
}

func TestPendingAudioFlushesInOrderOnOpen(t *testing.T) {
	c1, c2, c3 := []byte{1}, []byte{2}, []byte{3}
	s, effects := run(New("", 8), Start{}, AudioChunk{Data: c1}, AudioChunk{Data: c2}, AudioChunk{Data: c3})
	if countEffects[ForwardAudio](effects) != 0 {
		t.Fatalf("audio forwarded before open")
	}
	s, effects = run(s, Opened{}, AudioChunk{Data: []byte{4}})
	var got [][]byte
	for _, e := range effects {
		if fa, ok := e.(ForwardAudio); ok {
			got = append(got, fa.Data)
		}
	}
	want := [][]byte{c1, c2, c3, {4}}
	if len(got) != len(want) {
		t.Fatalf("forwarded %d chunks, want %d", len(got), len(want))
	}
	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			t.Fatalf("chunk %d = %v, want %v", i, got[i], want[i])
		}
	}
	if len(s.Pending) != 0 {
		t.Fatalf("pending not cleared")
	}
}

func TestPendingAudioOverflowNotifies(t *testing.T) {
	s, _ := run(New("", 1), Start{}, AudioChunk{Data: []byte{1}})
	_, effects := run(s, AudioChunk{Data: []byte{2}})
	msgs := notifications(effects)
	if len(msgs) != 1 || msgs[0].(protocol.StatusEvent).State != protocol.StateDropped {
		t.Fatalf("expected dropped status, got %#v", msgs)
	}
}

func TestCloseWhileRespondingReleasesOnce(t *testing.T) {
	s := openSession(t)
	s, _ = run(s, Commit{})
	s, effects := run(s, Disconnect{})
	if s.Phase != PhaseClosed {
		t.Fatalf("phase = %s, want closed", s.Phase)
	}
	if got := countEffects[CloseUpstream](effects); got != 1 {
		t.Fatalf("CloseUpstream effects = %d, want 1", got)
	}
	if len(notifications(effects)) != 0 {
		t.Fatalf("disconnect must not notify a closed channel")
	}
	s, effects = run(s, Disconnect{}, Stop{})
	if len(effects) != 0 || s.Phase != PhaseClosed {
		t.Fatalf("repeated close produced effects: %#v", effects)
	}
}

func TestInstructionsRoundTripIntoOpen(t *testing.T) {
	s, effects := run(New("You are a friendly assistant.", 8), SetInstructions{Instructions: "You are terse."}, Start{})
	var open *OpenUpstream
	for _, e := range effects {
		if o, ok := e.(OpenUpstream); ok {
			open = &o
		}
	}
	if open == nil || open.Instructions != "You are terse." {
		t.Fatalf("OpenUpstream = %#v, want instructions %q", open, "You are terse.")
	}
	msgs := notifications(effects)
	if echo, ok := msgs[0].(protocol.SetSystemMessage); !ok || echo.Instructions != "You are terse." {
		t.Fatalf("first notification = %#v, want set-system-message echo", msgs[0])
	}
	if s.Phase != PhaseConnecting {
		t.Fatalf("phase = %s, want connecting", s.Phase)
	}
}

func TestSetInstructionsWhileOpenUpdatesUpstream(t *testing.T) {
	s := openSession(t)
	_, effects := run(s, SetInstructions{Instructions: "Speak French."})
	if countEffects[UpdateInstructions](effects) != 1 {
		t.Fatalf("expected UpdateInstructions effect, got %#v", effects)
	}
}

func TestAudioResponseScenario(t *testing.T) {
	s := openSession(t)
	s, _ = run(s, AudioChunk{Data: make([]byte, 24000)}, Commit{})
	s, effects := run(s,
		Upstream{Event: upstream.AudioDelta{Audio: []byte{1}}},
		Upstream{Event: upstream.AudioDelta{Audio: []byte{2}}},
		Upstream{Event: upstream.AudioDelta{Audio: []byte{3}}},
		Upstream{Event: upstream.ResponseDone{Status: "completed", Text: "hello"}},
	)

	msgs := notifications(effects)
	if len(msgs) != 5 {
		t.Fatalf("notifications = %d (%#v), want 5", len(msgs), msgs)
	}
	for i := 0; i < 3; i++ {
		audio, ok := msgs[i].(protocol.BotAudio)
		if !ok || audio.Seq != i+1 {
			t.Fatalf("notification %d = %#v, want bot-audio seq %d", i, msgs[i], i+1)
		}
	}
	if _, ok := msgs[3].(protocol.BotAudioEnd); !ok {
		t.Fatalf("notification 3 = %#v, want bot-audio-end", msgs[3])
	}
	final, ok := msgs[4].(protocol.TextEvent)
	if !ok || final.Type != protocol.TypeBotResponseFinal || final.Text != "hello" {
		t.Fatalf("notification 4 = %#v, want bot-response-final", msgs[4])
	}
	if s.InFlight() {
		t.Fatalf("InFlight() = true after response.done")
	}
}

func TestTextDeltasAssembleFinalOnce(t *testing.T) {
	s := openSession(t)
	s, effects := run(s,
		UserText{Text: "hi"},
		Upstream{Event: upstream.TextDelta{Text: "Hel"}},
		Upstream{Event: upstream.TextDelta{Text: "lo"}},
		Upstream{Event: upstream.TextDone{}},
		Upstream{Event: upstream.ResponseDone{Status: "completed"}},
	)
	finals := 0
	for _, m := range notifications(effects) {
		if te, ok := m.(protocol.TextEvent); ok && te.Type == protocol.TypeBotResponseFinal {
			finals++
			if te.Text != "Hello" {
				t.Fatalf("final text = %q, want Hello", te.Text)
			}
		}
	}
	if finals != 1 {
		t.Fatalf("final notifications = %d, want 1", finals)
	}
	if countEffects[SendUserText](effects) != 1 || s.Phase != PhaseOpenIdle {
		t.Fatalf("unexpected state after text turn: phase=%s", s.Phase)
	}
}

func TestLateDeltasAfterTurnAreDropped(t *testing.T) {
	s := openSession(t)
	s, _ = run(s, Commit{}, Upstream{Event: upstream.ResponseDone{}})
	s, effects := run(s, Upstream{Event: upstream.AudioDelta{Audio: []byte{9}}}, Upstream{Event: upstream.ResponseDone{}})
	if len(notifications(effects)) != 0 || s.Phase != PhaseOpenIdle {
		t.Fatalf("late events leaked: %#v", effects)
	}
}

func TestOpenFailureClosesWithSingleStatus(t *testing.T) {
	s, _ := run(New("", 8), Start{})
	s, effects := run(s, OpenFailed{Err: errors.New("dial refused")})
	if s.Phase != PhaseClosed {
		t.Fatalf("phase = %s, want closed", s.Phase)
	}
	msgs := notifications(effects)
	if len(msgs) != 1 || msgs[0].(protocol.StatusEvent).State != protocol.StateConnectionFailed {
		t.Fatalf("expected one connection_failed status, got %#v", msgs)
	}
	if countEffects[CloseUpstream](effects) != 0 {
		t.Fatalf("failed open must not close a handle")
	}
}

func TestWatchdogOnlyClearsMatchingTurn(t *testing.T) {
	s := openSession(t)
	s, _ = run(s, Commit{})
	s, effects := run(s, WatchdogFired{TurnID: s.Turn.ID + 1})
	if !s.InFlight() || len(effects) != 0 {
		t.Fatalf("stale watchdog changed state")
	}
	s, effects = run(s, WatchdogFired{TurnID: s.Turn.ID})
	if s.InFlight() {
		t.Fatalf("watchdog did not clear in-flight")
	}
	if msgs := notifications(effects); msgs[0].(protocol.StatusEvent).State != protocol.StateResponseTimeout {
		t.Fatalf("expected response_timeout status, got %#v", msgs)
	}
}

func TestGreetStartsRespondingOnOpen(t *testing.T) {
	s, effects := run(New("hi", 8), Start{Greet: true}, Opened{})
	if s.Phase != PhaseResponding || countEffects[ArmWatchdog](effects) != 1 {
		t.Fatalf("greet open: phase=%s effects=%#v", s.Phase, effects)
	}
}

func TestUpstreamClosedEndsSession(t *testing.T) {
	s := openSession(t)
	s, effects := run(s, UpstreamClosed{Err: errors.New("eof")})
	if s.Phase != PhaseClosed || countEffects[CloseUpstream](effects) != 1 {
		t.Fatalf("upstream close: phase=%s effects=%#v", s.Phase, effects)
	}
	_, effects = run(s, Start{})
	if countEffects[OpenUpstream](effects) != 0 {
		t.Fatalf("closed session reopened")
	}
}

func TestIntentsWithoutSessionAreNoticed(t *testing.T) {
	_, effects := run(New("", 8), Commit{}, UserText{Text: "x"})
	if countEffects[Notice](effects) != 2 || countEffects[CommitAudio](effects)+countEffects[SendUserText](effects) != 0 {
		t.Fatalf("unexpected effects: %#v", effects)
	}
}
