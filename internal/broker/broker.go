// Package broker mints short-lived realtime credentials so the long-lived
// API key never reaches the browser.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/voicerelay/internal/reliability"
)

var (
	ErrUpstreamAuth        = errors.New("upstream rejected the API key")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrUpstreamRejected    = errors.New("upstream rejected the credential request")
	ErrNoToken             = errors.New("upstream returned no usable token")
)

const maxBodyBytes = 1 << 20

// CredentialError wraps a failed mint. Status and Body are set when the
// provider answered with a non-2xx response.
type CredentialError struct {
	Status int
	Body   json.RawMessage
	Err    error
}

func (e *CredentialError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("mint credential: status %d: %v", e.Status, e.Err)
	}
	return fmt.Sprintf("mint credential: %v", e.Err)
}

func (e *CredentialError) Unwrap() error { return e.Err }

// Credential is an ephemeral token plus the provider's full session payload.
type Credential struct {
	Token     string
	ExpiresAt time.Time
	Raw       json.RawMessage
}

type Config struct {
	BaseURL    string
	APIKey     string
	Model      string
	Voice      string
	HTTPClient *http.Client
}

type Broker struct {
	cfg Config
}

func New(cfg Config) *Broker {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Broker{cfg: cfg}
}

type mintRequest struct {
	Model string `json:"model"`
	Voice string `json:"voice,omitempty"`
}

type mintResponse struct {
	ClientSecret *struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at"`
	} `json:"client_secret"`
}

// Mint performs one credential request. It does not retry.
func (b *Broker) Mint(ctx context.Context) (Credential, error) {
	body, err := json.Marshal(mintRequest{Model: b.cfg.Model, Voice: b.cfg.Voice})
	if err != nil {
		return Credential{}, &CredentialError{Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.BaseURL+"/realtime/sessions", bytes.NewReader(body))
	if err != nil {
		return Credential{}, &CredentialError{Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+b.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.cfg.HTTPClient.Do(req)
	if err != nil {
		return Credential{}, &CredentialError{Err: fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Credential{}, &CredentialError{Status: resp.StatusCode, Err: fmt.Errorf("%w: read body: %v", ErrUpstreamUnavailable, err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		cerr := &CredentialError{Status: resp.StatusCode, Body: jsonOrString(raw)}
		switch {
		case reliability.IsAuthHTTPStatus(resp.StatusCode):
			cerr.Err = ErrUpstreamAuth
		case reliability.IsRetryableHTTPStatus(resp.StatusCode):
			cerr.Err = ErrUpstreamUnavailable
		default:
			cerr.Err = ErrUpstreamRejected
		}
		return Credential{}, cerr
	}

	var parsed mintResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Credential{}, &CredentialError{Err: fmt.Errorf("%w: %v", ErrNoToken, err)}
	}
	if parsed.ClientSecret == nil || strings.TrimSpace(parsed.ClientSecret.Value) == "" {
		return Credential{}, &CredentialError{Err: ErrNoToken}
	}

	cred := Credential{Token: parsed.ClientSecret.Value, Raw: json.RawMessage(raw)}
	if parsed.ClientSecret.ExpiresAt > 0 {
		cred.ExpiresAt = time.Unix(parsed.ClientSecret.ExpiresAt, 0).UTC()
	}
	return cred, nil
}

func jsonOrString(raw []byte) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	if json.Valid(raw) {
		return json.RawMessage(raw)
	}
	quoted, _ := json.Marshal(string(raw))
	return quoted
}
