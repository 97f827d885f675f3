package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	wsDialTimeout    = 10 * time.Second
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = 25 * time.Second
	wsMaxMessageSize = 16 << 20
	wsEventBuffer    = 256
)

type WSConfig struct {
	URL    string
	APIKey string
	Model  string
	Voice  string
	Logger logrus.FieldLogger
}

// WSConnector dials the provider's realtime websocket endpoint.
type WSConnector struct {
	cfg    WSConfig
	dialer websocket.Dialer
}

func NewWSConnector(cfg WSConfig) *WSConnector {
	if strings.TrimSpace(cfg.URL) == "" {
		cfg.URL = "wss://api.openai.com/v1/realtime"
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &WSConnector{
		cfg: cfg,
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: wsDialTimeout,
		},
	}
}

func (c *WSConnector) Open(ctx context.Context, sessionID string, opts OpenOptions) (Handle, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, &ConnectError{Err: err}
	}
	if c.cfg.Model != "" {
		q := u.Query()
		q.Set("model", c.cfg.Model)
		u.RawQuery = q.Encode()
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+c.cfg.APIKey)
	headers.Set("OpenAI-Beta", "realtime=v1")

	log := c.cfg.Logger.WithFields(logrus.Fields{"session_id": sessionID, "upstream": u.Host})
	conn, resp, err := c.dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		cerr := &ConnectError{Err: err}
		if resp != nil {
			cerr.StatusCode = resp.StatusCode
			_ = resp.Body.Close()
		}
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			cerr.Err = fmt.Errorf("%w: %v", ctxErr, err)
		}
		return nil, cerr
	}

	conn.SetReadLimit(wsMaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	h := &wsHandle{
		conn:   conn,
		log:    log,
		events: make(chan Event, wsEventBuffer),
		done:   make(chan struct{}),
	}
	if err := h.writeJSON(NewSessionUpdate(opts.Instructions, c.cfg.Voice)); err != nil {
		_ = h.Close()
		return nil, &ConnectError{Err: fmt.Errorf("send session.update: %w", err)}
	}
	if opts.Greet {
		if err := h.requestResponse(opts.Instructions); err != nil {
			_ = h.Close()
			return nil, &ConnectError{Err: fmt.Errorf("send response.create: %w", err)}
		}
	}

	go h.readLoop()
	go h.pingLoop()
	log.Info("upstream connected")
	return h, nil
}

type wsHandle struct {
	conn      *websocket.Conn
	log       logrus.FieldLogger
	writeMu   sync.Mutex
	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
	// responseCreateID is the event id of the latest response.create.
	responseCreateID atomic.Value
}

func (h *wsHandle) ForwardAudio(pcm []byte) error {
	return h.writeJSON(NewAudioAppend(pcm))
}

func (h *wsHandle) Commit(instructions string) error {
	if err := h.writeJSON(NewAudioCommit()); err != nil {
		return err
	}
	return h.requestResponse(instructions)
}

func (h *wsHandle) SendText(text, instructions string) error {
	if err := h.writeJSON(NewUserText(text)); err != nil {
		return err
	}
	return h.requestResponse(instructions)
}

// requestResponse tags response.create so a provider error naming it can be
// told apart from errors about other client events.
func (h *wsHandle) requestResponse(instructions string) error {
	msg := NewResponseCreate(instructions)
	msg.EventID = "evt_" + uuid.NewString()
	h.responseCreateID.Store(msg.EventID)
	return h.writeJSON(msg)
}

func (h *wsHandle) UpdateInstructions(instructions string) error {
	return h.writeJSON(SessionUpdate{
		Type:    "session.update",
		Session: SessionConfig{Instructions: instructions},
	})
}

func (h *wsHandle) Events() <-chan Event { return h.events }

func (h *wsHandle) Close() error {
	var retErr error
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		close(h.done)
		h.writeMu.Lock()
		_ = h.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		h.writeMu.Unlock()
		retErr = h.conn.Close()
	})
	return retErr
}

func (h *wsHandle) writeJSON(payload any) error {
	if h.closed.Load() {
		return ErrNotOpen
	}
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	_ = h.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := h.conn.WriteJSON(payload); err != nil {
		return fmt.Errorf("write upstream message: %w", err)
	}
	return nil
}

func (h *wsHandle) readLoop() {
	defer close(h.events)
	for {
		_, data, err := h.conn.ReadMessage()
		if err != nil {
			if !h.closed.Load() {
				h.log.WithError(err).Warn("upstream read failed")
				_ = h.Close()
			}
			return
		}
		_ = h.conn.SetReadDeadline(time.Now().Add(wsPongWait))

		select {
		case h.events <- h.classify(data):
		case <-h.done:
			return
		}
	}
}

func (h *wsHandle) classify(data []byte) Event {
	ev := Parse(data)
	if pe, ok := ev.(ProviderError); ok && pe.EventID != "" {
		if id, _ := h.responseCreateID.Load().(string); id == pe.EventID {
			pe.RejectsResponse = true
			return pe
		}
	}
	return ev
}

func (h *wsHandle) pingLoop() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			h.writeMu.Lock()
			err := h.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
			h.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
