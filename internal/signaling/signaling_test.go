package signaling

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

const testOffer = "v=0\r\n" +
	"o=- 4611731400430051336 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"a=group:BUNDLE 0 1\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n" +
	"a=mid:0\r\n" +
	"a=sendrecv\r\n" +
	"m=application 9 UDP/DTLS/SCTP webrtc-datachannel\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:1\r\n"

const videoOnlyOffer = "v=0\r\n" +
	"o=- 1 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=rtpmap:96 VP8/90000\r\n"

func TestValidateOffer(t *testing.T) {
	sum, err := ValidateOffer(testOffer)
	if err != nil {
		t.Fatalf("ValidateOffer() error = %v", err)
	}
	if !sum.Audio || !sum.DataChannel || len(sum.Media) != 2 {
		t.Fatalf("unexpected summary: %+v", sum)
	}

	for name, offer := range map[string]string{
		"empty":      "",
		"garbage":    "hello",
		"video only": videoOnlyOffer,
	} {
		if _, err := ValidateOffer(offer); !errors.Is(err, ErrInvalidOffer) {
			t.Fatalf("ValidateOffer(%s) error = %v, want ErrInvalidOffer", name, err)
		}
	}
}

func TestExchangeReturnsAnswer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/realtime" || r.URL.Query().Get("model") != "test-model" {
			http.Error(w, "wrong route", http.StatusNotFound)
			return
		}
		if r.Header.Get("Authorization") != "Bearer ek_1" || r.Header.Get("Content-Type") != "application/sdp" {
			http.Error(w, "bad headers", http.StatusUnauthorized)
			return
		}
		body, _ := io.ReadAll(r.Body)
		if !strings.HasPrefix(string(body), "v=0") {
			http.Error(w, "bad offer", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/sdp")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(testOffer))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, Model: "test-model"})
	answer, err := c.Exchange(context.Background(), "ek_1", testOffer)
	if err != nil {
		t.Fatalf("Exchange() error = %v", err)
	}
	if !strings.HasPrefix(answer, "v=0") {
		t.Fatalf("answer = %q", answer)
	}
}

func TestExchangeSurfacesUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "expired token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := NewClient(Config{BaseURL: srv.URL}).Exchange(context.Background(), "ek_1", testOffer)
	var xerr *ExchangeError
	if !errors.As(err, &xerr) {
		t.Fatalf("Exchange() error = %v, want *ExchangeError", err)
	}
	if xerr.Status != http.StatusUnauthorized || !strings.Contains(xerr.Body, "expired token") {
		t.Fatalf("unexpected exchange error: %+v", xerr)
	}
}

func TestExchangeTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := NewClient(Config{BaseURL: srv.URL}).Exchange(ctx, "ek_1", testOffer)
	var xerr *ExchangeError
	if !errors.As(err, &xerr) || !xerr.Timeout() {
		t.Fatalf("Exchange() error = %v, want timeout", err)
	}
}
