// Package relay connects one local websocket client to one provider
// session. It owns the per-connection goroutine; every state change goes
// through the session registry.
package relay

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ent0n29/voicerelay/internal/audit"
	"github.com/ent0n29/voicerelay/internal/logging"
	"github.com/ent0n29/voicerelay/internal/machine"
	"github.com/ent0n29/voicerelay/internal/observability"
	"github.com/ent0n29/voicerelay/internal/protocol"
	"github.com/ent0n29/voicerelay/internal/session"
	"github.com/ent0n29/voicerelay/internal/upstream"
)

const (
	criticalSendTimeout = 600 * time.Millisecond
	deltaSendTimeout    = 2 * time.Second
	auditWriteTimeout   = 2 * time.Second
)

type Config struct {
	DefaultInstructions string
	GreetOnStart        bool
	ConnectTimeout      time.Duration
	ResponseTimeout     time.Duration
	MaxPendingAudio     int
	// ProviderName labels provider error metrics.
	ProviderName string
}

type Service struct {
	cfg       Config
	sessions  *session.Registry
	connector upstream.Connector
	audit     audit.Store
	metrics   *observability.Metrics
	log       logrus.FieldLogger
	newID     func() string
}

// NewService wires a relay. store may be nil to disable the audit ledger.
func NewService(cfg Config, sessions *session.Registry, connector upstream.Connector, store audit.Store, metrics *observability.Metrics, log logrus.FieldLogger) *Service {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = 60 * time.Second
	}
	if cfg.MaxPendingAudio <= 0 {
		cfg.MaxPendingAudio = 64
	}
	if cfg.ProviderName == "" {
		cfg.ProviderName = "openai"
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Service{
		cfg:       cfg,
		sessions:  sessions,
		connector: connector,
		audit:     store,
		metrics:   metrics,
		log:       log,
		newID:     uuid.NewString,
	}
}

type openResult struct {
	sessionID string
	handle    upstream.Handle
	err       error
	elapsed   time.Duration
}

type connection struct {
	svc      *Service
	ctx      context.Context
	outbound chan<- any
	log      logrus.FieldLogger

	sessionID    string
	instructions string

	events     <-chan upstream.Event
	opens      chan openResult
	openCancel context.CancelFunc

	watchdog      *time.Timer
	watchdogC     <-chan time.Time
	watchdogTurn  int
	turnStartedAt time.Time
	firstAudio    bool
	firstText     bool

	queue    []machine.Event
	draining bool
}

// RunConnection drives relay sessions for one local connection until ctx is
// cancelled or inbound is closed. A session is created immediately; a new
// one replaces it when start-session arrives after the previous one closed.
func (s *Service) RunConnection(ctx context.Context, inbound <-chan any, outbound chan<- any) error {
	c := &connection{
		svc:          s,
		ctx:          ctx,
		outbound:     outbound,
		log:          s.log,
		instructions: s.cfg.DefaultInstructions,
		opens:        make(chan openResult, 4),
	}
	if err := c.newSession(); err != nil {
		c.send(protocol.NewError("session_create_failed", err.Error()))
		return err
	}
	defer c.teardown()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			c.handleIntent(msg)
		case ev, ok := <-c.events:
			if !ok {
				c.events = nil
				c.dispatch(machine.UpstreamClosed{})
				continue
			}
			c.dispatch(machine.Upstream{Event: ev})
		case res := <-c.opens:
			c.handleOpen(res)
		case <-c.watchdogC:
			c.watchdogC = nil
			c.dispatch(machine.WatchdogFired{TurnID: c.watchdogTurn})
			c.turnStartedAt = time.Time{}
		}
	}
}

func (c *connection) newSession() error {
	id := c.svc.newID()
	if _, err := c.svc.sessions.Create(id, machine.New(c.instructions, c.svc.cfg.MaxPendingAudio)); err != nil {
		return err
	}
	c.sessionID = id
	c.log = c.svc.log.WithField("session_id", id)
	c.svc.metrics.SessionEvents.WithLabelValues("created").Inc()
	c.svc.metrics.ActiveSessions.Set(float64(c.svc.sessions.ActiveCount()))
	c.record(audit.KindSessionCreated, "")
	c.log.Info("relay session created")
	c.send(protocol.SessionEvent{Type: protocol.TypeSession, SessionID: id})
	return nil
}

func (c *connection) teardown() {
	if c.openCancel != nil {
		c.openCancel()
	}
	c.stopWatchdog()
	if c.sessionID == "" {
		return
	}
	c.dispatch(machine.Disconnect{})
	c.destroySession()
}

func (c *connection) destroySession() {
	id := c.sessionID
	if err := c.svc.sessions.Destroy(id); err != nil && !errors.Is(err, session.ErrNotFound) {
		c.log.WithError(err).Warn("close upstream on destroy")
	}
	c.record(audit.KindSessionDestroyed, "")
	c.svc.metrics.SessionEvents.WithLabelValues("destroyed").Inc()
	c.svc.metrics.ActiveSessions.Set(float64(c.svc.sessions.ActiveCount()))
	c.log.Info("relay session destroyed")
	c.sessionID = ""
	c.events = nil
}

func (c *connection) handleIntent(msg any) {
	switch m := msg.(type) {
	case protocol.SetInstructions:
		c.instructions = m.Instructions
		if !c.ensureSession() {
			return
		}
		c.dispatch(machine.SetInstructions{Instructions: m.Instructions})
	case protocol.StartSession:
		if m.Instructions != "" {
			c.instructions = m.Instructions
		}
		if !c.ensureFreshSession() {
			return
		}
		c.dispatch(machine.Start{Instructions: m.Instructions, Greet: c.svc.cfg.GreetOnStart})
	case protocol.UserAudioChunk:
		if !c.ensureSession() {
			return
		}
		c.dispatch(machine.AudioChunk{Data: m.PCM})
	case protocol.CommitAudio:
		if !c.ensureSession() {
			return
		}
		c.dispatch(machine.Commit{})
	case protocol.UserTextMessage:
		if !c.ensureSession() {
			return
		}
		c.dispatch(machine.UserText{Text: m.Text})
	case protocol.StopSession:
		if c.sessionID == "" {
			return
		}
		c.dispatch(machine.Stop{})
	default:
		c.send(protocol.NewError("unsupported_message", "message type is not handled by the relay"))
	}
}

// ensureSession recreates a session after the previous one expired.
func (c *connection) ensureSession() bool {
	if c.sessionID != "" {
		return true
	}
	if err := c.newSession(); err != nil {
		c.send(protocol.NewError("session_create_failed", err.Error()))
		return false
	}
	return true
}

// ensureFreshSession replaces a closed session so start-session can reconnect.
func (c *connection) ensureFreshSession() bool {
	if c.sessionID != "" {
		sess, err := c.svc.sessions.Get(c.sessionID)
		if err == nil && sess.State.Phase != machine.PhaseClosed {
			return true
		}
		c.destroySession()
	}
	return c.ensureSession()
}

func (c *connection) handleOpen(res openResult) {
	if res.sessionID != c.sessionID {
		// The session was replaced while dialing; Attach already refused the handle.
		return
	}
	c.openCancel = nil
	if res.err != nil {
		if c.openAbandoned(res.err) {
			c.log.WithError(res.err).Debug("upstream open abandoned")
			return
		}
		code := "connect"
		var ce *upstream.ConnectError
		if errors.As(res.err, &ce) && ce.Timeout() {
			code = "connect_timeout"
		}
		c.svc.metrics.ProviderErrors.WithLabelValues(c.svc.cfg.ProviderName, code).Inc()
		c.record(audit.KindUpstreamFailed, res.err.Error())
		c.log.WithError(res.err).Warn("upstream open failed")
		c.dispatch(machine.OpenFailed{Err: res.err})
		return
	}
	c.svc.metrics.ObserveStage(observability.StageUpstreamConnect, res.elapsed)
	c.record(audit.KindUpstreamOpened, "")
	c.events = res.handle.Events()
	c.dispatch(machine.Opened{})
}

// openAbandoned reports whether an open failed only because nobody waits for
// it anymore: the session was stopped or the connection is going away.
func (c *connection) openAbandoned(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	sess, gerr := c.svc.sessions.Get(c.sessionID)
	return gerr == nil && sess.State.Phase != machine.PhaseConnecting
}

// dispatch queues ev so effects that raise follow-up events never recurse.
func (c *connection) dispatch(ev machine.Event) {
	c.queue = append(c.queue, ev)
	if c.draining {
		return
	}
	c.draining = true
	defer func() { c.draining = false }()
	for len(c.queue) > 0 {
		next := c.queue[0]
		c.queue = c.queue[1:]
		c.apply(next)
	}
}

func (c *connection) apply(ev machine.Event) {
	if c.sessionID == "" {
		return
	}
	res, err := c.svc.sessions.Dispatch(c.sessionID, ev)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			c.log.Info("relay session expired")
			c.send(protocol.NewStatus(protocol.StateDisconnected, "session_expired", ""))
			c.sessionID = ""
			c.events = nil
			c.stopWatchdog()
			c.queue = nil
			return
		}
		c.log.WithError(err).Error("dispatch failed")
		return
	}
	if res.Changed() {
		c.svc.metrics.ActiveSessions.Set(float64(c.svc.sessions.ActiveCount()))
		c.record(audit.KindPhaseChanged, string(res.From)+"->"+string(res.State.Phase))
		c.log.WithFields(logrus.Fields{"from": res.From, "to": res.State.Phase}).Debug("phase changed")
	}
	for _, eff := range res.Effects {
		c.execute(eff)
	}
}

func (c *connection) execute(eff machine.Effect) {
	switch e := eff.(type) {
	case machine.OpenUpstream:
		c.openUpstream(e)
	case machine.ForwardAudio:
		h := c.handle()
		if h == nil {
			c.send(protocol.NewStatus(protocol.StateDropped, "forward_failed", "no upstream handle"))
			return
		}
		if err := h.ForwardAudio(e.Data); err != nil {
			c.log.WithError(err).Warn("forward audio failed")
			c.send(protocol.NewStatus(protocol.StateDropped, "forward_failed", err.Error()))
		}
	case machine.CommitAudio:
		c.sendTurn(func(h upstream.Handle) error { return h.Commit(e.Instructions) }, "commit_failed")
	case machine.SendUserText:
		c.sendTurn(func(h upstream.Handle) error { return h.SendText(e.Text, e.Instructions) }, "send_text_failed")
	case machine.UpdateInstructions:
		if h := c.handle(); h != nil {
			if err := h.UpdateInstructions(e.Instructions); err != nil {
				c.log.WithError(err).Warn("update instructions failed")
			}
		}
	case machine.CloseUpstream:
		if c.openCancel != nil {
			c.openCancel()
			c.openCancel = nil
		}
		c.events = nil
		if err := c.svc.sessions.ReleaseUpstream(c.sessionID); err != nil && !errors.Is(err, session.ErrNotFound) {
			c.log.WithError(err).Warn("close upstream failed")
		}
	case machine.Notify:
		c.notify(e.Message)
	case machine.ArmWatchdog:
		c.armWatchdog(e.TurnID)
	case machine.DisarmWatchdog:
		c.disarmWatchdog(e.TurnID)
	case machine.Notice:
		c.notice(e)
	}
}

func (c *connection) handle() upstream.Handle {
	h, err := c.svc.sessions.Upstream(c.sessionID)
	if err != nil {
		return nil
	}
	return h
}

// sendTurn runs a turn-starting call. A failure ends the turn through the
// machine as an upstream error.
func (c *connection) sendTurn(call func(upstream.Handle) error, code string) {
	h := c.handle()
	err := upstream.ErrNotOpen
	if h != nil {
		err = call(h)
	}
	if err == nil {
		return
	}
	c.log.WithError(err).Warn("upstream turn request failed")
	c.svc.metrics.ProviderErrors.WithLabelValues(c.svc.cfg.ProviderName, code).Inc()
	c.queue = append(c.queue, machine.Upstream{Event: upstream.ResponseError{Code: code, Message: err.Error()}})
}

func (c *connection) openUpstream(e machine.OpenUpstream) {
	if c.openCancel != nil {
		c.openCancel()
	}
	ctx, cancel := context.WithTimeout(c.ctx, c.svc.cfg.ConnectTimeout)
	c.openCancel = cancel
	id := c.sessionID
	opts := upstream.OpenOptions{Instructions: e.Instructions, Greet: e.Greet}
	opens := c.opens
	registry := c.svc.sessions
	connector := c.svc.connector

	go func() {
		defer cancel()
		started := time.Now()
		h, err := connector.Open(ctx, id, opts)
		res := openResult{sessionID: id, err: err, elapsed: time.Since(started)}
		if err == nil {
			if attachErr := registry.Attach(id, h); attachErr != nil {
				_ = h.Close()
				return
			}
			res.handle = h
		}
		select {
		case opens <- res:
		case <-c.ctx.Done():
			if res.handle != nil {
				_ = registry.ReleaseUpstream(id)
			}
		}
	}()
}

func (c *connection) notify(msg any) {
	switch m := msg.(type) {
	case protocol.BotAudio:
		if !c.firstAudio && !c.turnStartedAt.IsZero() {
			c.firstAudio = true
			c.svc.metrics.ObserveFirstAudioLatency(time.Since(c.turnStartedAt))
		}
	case protocol.TextEvent:
		if m.Type == protocol.TypeBotResponse || m.Type == protocol.TypeBotTranscript {
			if !c.firstText && !c.turnStartedAt.IsZero() {
				c.firstText = true
				c.svc.metrics.ObserveStage(observability.StageCommitToFirstText, time.Since(c.turnStartedAt))
			}
		}
	case protocol.StatusEvent:
		switch m.State {
		case protocol.StateResponseError:
			c.record(audit.KindResponseError, m.Code)
		case protocol.StateResponseTimeout:
			c.svc.metrics.SessionEvents.WithLabelValues("response_timeout").Inc()
			c.record(audit.KindResponseError, "response_timeout")
		case protocol.StateUpstreamError:
			c.svc.metrics.ProviderErrors.WithLabelValues(c.svc.cfg.ProviderName, "request_rejected").Inc()
			c.log.WithFields(logrus.Fields{"code": m.Code, "detail": m.Detail}).Warn("upstream rejected a client event")
			c.record(audit.KindProviderError, m.Code)
		case protocol.StateConnectionFailed, protocol.StateDisconnected:
			c.svc.metrics.SessionEvents.WithLabelValues(string(m.State)).Inc()
		}
	}
	c.send(msg)
}

func (c *connection) armWatchdog(turnID int) {
	c.stopWatchdog()
	c.watchdog = time.NewTimer(c.svc.cfg.ResponseTimeout)
	c.watchdogC = c.watchdog.C
	c.watchdogTurn = turnID
	c.turnStartedAt = time.Now()
	c.firstAudio = false
	c.firstText = false
}

func (c *connection) disarmWatchdog(turnID int) {
	if turnID != c.watchdogTurn {
		return
	}
	c.stopWatchdog()
	if !c.turnStartedAt.IsZero() {
		c.svc.metrics.ObserveStage(observability.StageTurnTotal, time.Since(c.turnStartedAt))
		c.turnStartedAt = time.Time{}
	}
	c.record(audit.KindResponseComplete, "")
}

func (c *connection) stopWatchdog() {
	if c.watchdog != nil {
		c.watchdog.Stop()
		c.watchdog = nil
	}
	c.watchdogC = nil
}

func (c *connection) notice(n machine.Notice) {
	if n.Code == machine.NoticeMalformedUpstream {
		c.svc.metrics.ProviderErrors.WithLabelValues(c.svc.cfg.ProviderName, "malformed_event").Inc()
		c.log.WithField("detail", n.Detail).Warn("malformed upstream event")
		return
	}
	c.svc.metrics.SessionEvents.WithLabelValues(n.Code).Inc()
	c.svc.metrics.ObserveIndicator(n.Code)
	c.log.WithFields(logrus.Fields{"code": n.Code, "detail": n.Detail}).Info("intent dropped")
	c.record(audit.KindIntentDropped, n.Code)
}

func (c *connection) record(kind, detail string) {
	if c.svc.audit == nil || c.sessionID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), auditWriteTimeout)
	defer cancel()
	detail, _ = audit.Redact(detail)
	err := c.svc.audit.Record(ctx, audit.Entry{
		ID:        uuid.NewString(),
		SessionID: c.sessionID,
		Kind:      kind,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		c.log.WithError(err).Warn("audit record failed")
	}
}

func (c *connection) send(msg any) {
	msgType, critical := outboundMessageMeta(msg)
	record := func(result string) {
		c.svc.metrics.ObserveOutboundMessage(msgType, result)
	}

	timeout := deltaSendTimeout
	timeoutEvent := ""
	if critical {
		timeout = criticalSendTimeout
		timeoutEvent = "outbound_timeout_critical"
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case c.outbound <- msg:
		record("delivered")
	case <-timer.C:
		record("timeout")
		if timeoutEvent != "" {
			c.svc.metrics.SessionEvents.WithLabelValues(timeoutEvent).Inc()
		}
		c.svc.metrics.SessionEvents.WithLabelValues("outbound_drop").Inc()
	case <-c.ctx.Done():
		record("dropped")
	}
}

// outboundMessageMeta reports the wire type and whether the client must not
// miss the message.
func outboundMessageMeta(msg any) (string, bool) {
	t, ok := protocol.MessageTypeOf(msg)
	if !ok {
		return "unknown", true
	}
	switch t {
	case protocol.TypeBotResponse, protocol.TypeBotTranscript, protocol.TypeUserTranscript, protocol.TypeBotAudio:
		return string(t), false
	default:
		return string(t), true
	}
}
