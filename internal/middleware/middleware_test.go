package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nmslite/wmipoller/internal/auth"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func okHandler(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte(SubjectFrom(r.Context())))
}

func TestRequestID(t *testing.T) {
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(RequestIDFrom(r.Context())))
	}))

	t.Run("generated", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

		id := w.Header().Get("X-Request-ID")
		if _, err := uuid.Parse(id); err != nil {
			t.Fatalf("expected generated uuid, got %q", id)
		}
		if w.Body.String() != id {
			t.Errorf("context id %q does not match header %q", w.Body.String(), id)
		}
	})

	t.Run("propagated", func(t *testing.T) {
		incoming := uuid.NewString()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Request-ID", incoming)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)

		if got := w.Header().Get("X-Request-ID"); got != incoming {
			t.Errorf("expected %q, got %q", incoming, got)
		}
	})

	t.Run("garbage replaced", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Request-ID", "<script>")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)

		if got := w.Header().Get("X-Request-ID"); got == "<script>" {
			t.Error("invalid request id was propagated")
		}
	})
}

func TestJWTAuth(t *testing.T) {
	svc, err := auth.NewService(testSecret, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	token, err := svc.IssueToken("ops")
	if err != nil {
		t.Fatal(err)
	}

	h := RequestID(JWTAuth(svc)(http.HandlerFunc(okHandler)))

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + token.Token, http.StatusUnauthorized},
		{"empty token", "Bearer ", http.StatusUnauthorized},
		{"bad token", "Bearer not-a-jwt", http.StatusUnauthorized},
		{"valid token", "Bearer " + token.Token, http.StatusOK},
		{"lower case scheme", "bearer " + token.Token, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/inputs", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			if w.Code != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, w.Code)
			}
			if tt.status == http.StatusOK {
				if w.Body.String() != "ops" {
					t.Errorf("expected subject ops, got %q", w.Body.String())
				}
				return
			}

			var resp ErrorResponse
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatal(err)
			}
			if resp.Error.Code != "UNAUTHORIZED" {
				t.Errorf("expected UNAUTHORIZED, got %s", resp.Error.Code)
			}
			if resp.Error.RequestID == "" {
				t.Error("error response is missing the request id")
			}
		})
	}
}

func TestRecovery(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	h := Recovery(logger)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("handler exploded")
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	if !strings.Contains(logs.String(), "handler exploded") {
		t.Error("panic value was not logged")
	}
}

func TestLogger(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))

	h := Logger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	var entry map[string]any
	if err := json.NewDecoder(&logs).Decode(&entry); err != nil {
		t.Fatal(err)
	}
	if entry["status"] != float64(http.StatusTeapot) {
		t.Errorf("expected status 418 in log, got %v", entry["status"])
	}
	if entry["path"] != "/health" {
		t.Errorf("expected path /health, got %v", entry["path"])
	}
}
