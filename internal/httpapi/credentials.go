package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ent0n29/voicerelay/internal/broker"
	"github.com/ent0n29/voicerelay/internal/observability"
	"github.com/ent0n29/voicerelay/internal/signaling"
)

const maxOfferBytes = 64 << 10

type offerRequest struct {
	SDP string `json:"sdp"`
}

// handleMintCredential returns the provider's ephemeral session payload
// unchanged, so browsers can read client_secret.value themselves.
func (s *Server) handleMintCredential(w http.ResponseWriter, r *http.Request) {
	if s.minter == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "credential minting requires UPSTREAM_MODE=openai")
		return
	}
	cred, ok := s.mint(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(cred.Raw)
}

// handleOffer exchanges a browser SDP offer for the provider's answer using
// a freshly minted ephemeral credential.
func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	if s.minter == nil || s.exchanger == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "sdp exchange requires UPSTREAM_MODE=openai")
		return
	}
	offer, err := readOffer(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	summary, err := signaling.ValidateOffer(offer)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_offer", err.Error())
		return
	}
	s.log.WithField("media", summary.Media).Debug("sdp offer accepted")

	cred, ok := s.mint(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.NegotiationTimeout)
	defer cancel()
	answer, err := s.exchanger.Exchange(ctx, cred.Token, offer)
	if err != nil {
		var xe *signaling.ExchangeError
		switch {
		case errors.As(err, &xe) && xe.Timeout():
			s.metrics.ProviderErrors.WithLabelValues("openai", "negotiation_timeout").Inc()
			respondError(w, http.StatusGatewayTimeout, "negotiation_timeout", err.Error())
		case errors.As(err, &xe) && xe.Status > 0:
			s.metrics.ProviderErrors.WithLabelValues("openai", "negotiation_rejected").Inc()
			respondJSON(w, http.StatusBadGateway, errorResponse{
				Error:    "sdp_exchange_failed",
				Message:  err.Error(),
				Upstream: quoteJSON(xe.Body),
			})
		default:
			s.metrics.ProviderErrors.WithLabelValues("openai", "negotiation").Inc()
			respondError(w, http.StatusBadGateway, "sdp_exchange_failed", err.Error())
		}
		return
	}

	w.Header().Set("Content-Type", "application/sdp")
	w.WriteHeader(http.StatusCreated)
	_, _ = io.WriteString(w, answer)
}

// mint writes the error response itself and reports whether to continue.
func (s *Server) mint(w http.ResponseWriter, r *http.Request) (broker.Credential, bool) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.CredentialTimeout)
	defer cancel()

	started := time.Now()
	cred, err := s.minter.Mint(ctx)
	s.metrics.ObserveStage(observability.StageCredentialMint, time.Since(started))
	if err == nil {
		s.metrics.CredentialMints.WithLabelValues("ok").Inc()
		return cred, true
	}

	s.log.WithError(err).Error("credential mint failed")
	var ce *broker.CredentialError
	if errors.As(err, &ce) && ce.Status > 0 {
		s.metrics.CredentialMints.WithLabelValues("upstream_" + strconv.Itoa(ce.Status)).Inc()
		respondJSON(w, ce.Status, errorResponse{
			Error:    credentialErrorCode(err),
			Message:  err.Error(),
			Upstream: ce.Body,
		})
		return broker.Credential{}, false
	}
	s.metrics.CredentialMints.WithLabelValues("error").Inc()
	respondError(w, http.StatusInternalServerError, credentialErrorCode(err), err.Error())
	return broker.Credential{}, false
}

func credentialErrorCode(err error) string {
	switch {
	case errors.Is(err, broker.ErrUpstreamAuth):
		return "upstream_auth"
	case errors.Is(err, broker.ErrUpstreamUnavailable):
		return "upstream_unavailable"
	case errors.Is(err, broker.ErrNoToken):
		return "no_token"
	default:
		return "credential_error"
	}
}

// readOffer accepts either a raw application/sdp body or JSON {"sdp": ...}.
func readOffer(r *http.Request) (string, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var req offerRequest
		if err := decodeJSON(r, &req); err != nil {
			return "", err
		}
		return req.SDP, nil
	}
	if r.Body == nil {
		return "", errEmptyBody
	}
	defer r.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxOfferBytes))
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(string(raw)) == "" {
		return "", errEmptyBody
	}
	return string(raw), nil
}

func quoteJSON(body string) json.RawMessage {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil
	}
	if json.Valid([]byte(body)) {
		return json.RawMessage(body)
	}
	quoted, _ := json.Marshal(body)
	return quoted
}
