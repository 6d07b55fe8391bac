package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	api "github.com/OvyFlash/telegram-bot-api"
	"github.com/prometheus/client_golang/prometheus"

	ngerrors "github.com/iamwavecut/ngguard/internal/errors"
)

type fakeAcceptor struct {
	updates []int
	err     error
}

func (a *fakeAcceptor) Accept(_ context.Context, u *api.Update) (int, error) {
	a.updates = append(a.updates, u.UpdateID)
	return 1, a.err
}

type fakePinger struct {
	err error
}

func (p fakePinger) Ping(context.Context) error {
	return p.err
}

func newTestServer(acceptor Acceptor, pinger Pinger) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "test_total", Help: "test"}))
	return New(":0", pinger, reg, acceptor, "s3cret").Router()
}

func TestWebhook(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		secret    string
		body      string
		acceptErr error
		want      int
		accepted  int
	}{
		{name: "valid", secret: "s3cret", body: `{"update_id": 42}`, want: http.StatusOK, accepted: 1},
		{name: "missing secret", body: `{"update_id": 42}`, want: http.StatusUnauthorized},
		{name: "wrong secret", secret: "s3cre", body: `{"update_id": 42}`, want: http.StatusUnauthorized},
		{name: "bad json", secret: "s3cret", body: `{"update_id":`, want: http.StatusBadRequest},
		{name: "malformed callback", secret: "s3cret", body: `{"update_id": 43}`, acceptErr: ngerrors.Malformed("bad callback"), want: http.StatusOK, accepted: 1},
		{name: "queue down", secret: "s3cret", body: `{"update_id": 44}`, acceptErr: errors.New("queue closed"), want: http.StatusServiceUnavailable, accepted: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			acceptor := &fakeAcceptor{err: tt.acceptErr}
			h := newTestServer(acceptor, fakePinger{})

			req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(tt.body))
			if tt.secret != "" {
				req.Header.Set(SecretHeader, tt.secret)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Fatalf("status %d, want %d", rec.Code, tt.want)
			}
			if len(acceptor.updates) != tt.accepted {
				t.Fatalf("accepted %d updates, want %d", len(acceptor.updates), tt.accepted)
			}
		})
	}
}

func TestWebhookNotRoutedWhenPolling(t *testing.T) {
	t.Parallel()

	h := newTestServer(nil, fakePinger{})
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code == http.StatusOK {
		t.Fatalf("webhook must not be served in polling mode")
	}
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{ngerrors.Unavailable(errors.New("down")), http.StatusServiceUnavailable},
	} {
		h := newTestServer(nil, fakePinger{err: tt.err})
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		if rec.Code != tt.want {
			t.Fatalf("status %d, want %d", rec.Code, tt.want)
		}
	}
}

func TestMetrics(t *testing.T) {
	t.Parallel()

	h := newTestServer(nil, fakePinger{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "test_total 0") {
		t.Fatalf("unexpected metrics response %d: %s", rec.Code, rec.Body.String())
	}
}
