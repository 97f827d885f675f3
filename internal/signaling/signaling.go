// Package signaling handles the peer-to-peer mode, where the browser's
// media session terminates at the provider and the relay only brokers SDP.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pion/sdp/v3"
)

var (
	ErrInvalidOffer  = errors.New("invalid sdp offer")
	ErrInvalidAnswer = errors.New("invalid sdp answer")
)

const maxSDPBytes = 64 << 10

// OfferSummary describes the media sections found in an offer.
type OfferSummary struct {
	Audio       bool
	DataChannel bool
	Media       []string
}

// ValidateOffer parses offer and requires at least one audio section.
func ValidateOffer(offer string) (OfferSummary, error) {
	desc, err := parse(offer)
	if err != nil {
		return OfferSummary{}, fmt.Errorf("%w: %v", ErrInvalidOffer, err)
	}
	var sum OfferSummary
	for _, m := range desc.MediaDescriptions {
		sum.Media = append(sum.Media, m.MediaName.Media)
		switch m.MediaName.Media {
		case "audio":
			sum.Audio = true
		case "application":
			sum.DataChannel = true
		}
	}
	if !sum.Audio {
		return sum, fmt.Errorf("%w: no audio media section", ErrInvalidOffer)
	}
	return sum, nil
}

func parse(raw string) (*sdp.SessionDescription, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, errors.New("empty description")
	}
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return nil, err
	}
	return &desc, nil
}

// ExchangeError reports a failed offer/answer exchange with the provider.
type ExchangeError struct {
	Status int
	Body   string
	Err    error
}

func (e *ExchangeError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("sdp exchange failed: status %d: %s", e.Status, e.Body)
	}
	return fmt.Sprintf("sdp exchange failed: %v", e.Err)
}

func (e *ExchangeError) Unwrap() error { return e.Err }

// Timeout reports whether the exchange exceeded its deadline.
func (e *ExchangeError) Timeout() bool {
	return errors.Is(e.Err, context.DeadlineExceeded)
}

type Config struct {
	BaseURL    string
	Model      string
	HTTPClient *http.Client
}

type Client struct {
	cfg Config
}

func NewClient(cfg Config) *Client {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{cfg: cfg}
}

// Exchange posts the offer with the ephemeral token and returns the answer SDP.
func (c *Client) Exchange(ctx context.Context, token, offer string) (string, error) {
	endpoint := c.cfg.BaseURL + "/realtime"
	if c.cfg.Model != "" {
		endpoint += "?model=" + url.QueryEscape(c.cfg.Model)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(offer))
	if err != nil {
		return "", &ExchangeError{Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/sdp")

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", &ExchangeError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSDPBytes))
	if err != nil {
		return "", &ExchangeError{Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &ExchangeError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body)), Err: fmt.Errorf("upstream status %d", resp.StatusCode)}
	}

	answer := string(body)
	if _, err := parse(answer); err != nil {
		return "", &ExchangeError{Status: resp.StatusCode, Err: fmt.Errorf("%w: %v", ErrInvalidAnswer, err)}
	}
	return answer, nil
}
