package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequestID(t *testing.T) {
	t.Run("generates id when absent", func(t *testing.T) {
		rec := httptest.NewRecorder()
		RequestID(okHandler()).ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
		if id := rec.Header().Get("X-Request-ID"); len(id) != 16 {
			t.Errorf("X-Request-ID = %q, want 16 hex chars", id)
		}
	})

	t.Run("passes through provided id", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("X-Request-ID", "abc123")
		rec := httptest.NewRecorder()
		RequestID(okHandler()).ServeHTTP(rec, req)
		if id := rec.Header().Get("X-Request-ID"); id != "abc123" {
			t.Errorf("X-Request-ID = %q, want abc123", id)
		}
	})
}

func TestBearerAuth(t *testing.T) {
	t.Run("empty token allows all", func(t *testing.T) {
		rec := httptest.NewRecorder()
		BearerAuth("")(okHandler()).ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
		if rec.Code != http.StatusOK {
			t.Errorf("status = %d, want 200", rec.Code)
		}
	})

	t.Run("missing token rejected", func(t *testing.T) {
		rec := httptest.NewRecorder()
		BearerAuth("secret")(okHandler()).ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("wrong token rejected", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("Authorization", "Bearer wrong")
		rec := httptest.NewRecorder()
		BearerAuth("secret")(okHandler()).ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("bearer header accepted", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("Authorization", "Bearer secret")
		rec := httptest.NewRecorder()
		BearerAuth("secret")(okHandler()).ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("status = %d, want 200", rec.Code)
		}
	})

	t.Run("query token accepted", func(t *testing.T) {
		rec := httptest.NewRecorder()
		BearerAuth("secret")(okHandler()).ServeHTTP(rec, httptest.NewRequest("GET", "/?token=secret", nil))
		if rec.Code != http.StatusOK {
			t.Errorf("status = %d, want 200", rec.Code)
		}
	})
}

func TestRecoverer(t *testing.T) {
	panicking := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})
	// Logger installs the hlog context Recoverer pulls its logger from.
	h := Logger(zerolog.Nop())(Recoverer(panicking))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
}
