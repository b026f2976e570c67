package api

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ottolabs/otto/internal/tasks"
)

func TestLoadOrMintToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets", "internal-api.token")

	first, err := LoadOrMintToken(path)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if len(first) != 64 {
		t.Fatalf("expected 32-byte hex token, got %q", first)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("token file mode = %v, want 0600", info.Mode().Perm())
	}

	// Second load reuses the persisted token.
	second, err := LoadOrMintToken(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if second != first {
		t.Fatalf("token changed across loads: %q vs %q", first, second)
	}
}

func TestRequireBearer(t *testing.T) {
	var reached bool
	handler := RequireBearer("sekrit")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
		w.WriteHeader(http.StatusNoContent)
	}))

	cases := []struct {
		name   string
		header string
		status int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"wrong token", "Bearer nope", http.StatusUnauthorized},
		{"valid", "Bearer sekrit", http.StatusNoContent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reached = false
			req := httptest.NewRequest(http.MethodGet, "/x", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tc.status {
				t.Fatalf("status = %d, want %d", rec.Code, tc.status)
			}
			if tc.status == http.StatusUnauthorized {
				if reached {
					t.Fatal("handler ran despite auth failure")
				}
				if !strings.Contains(rec.Body.String(), `"error":"unauthorized"`) {
					t.Fatalf("body = %s", rec.Body.String())
				}
			}
		})
	}
}

func TestStatusForKind(t *testing.T) {
	cases := map[tasks.ErrorKind]int{
		tasks.KindInvalidRequest:     http.StatusBadRequest,
		tasks.KindUnauthorized:       http.StatusUnauthorized,
		tasks.KindForbiddenMutation:  http.StatusForbidden,
		tasks.KindNotFound:           http.StatusNotFound,
		tasks.KindStateConflict:      http.StatusConflict,
		tasks.KindServiceUnavailable: http.StatusServiceUnavailable,
		tasks.KindInternal:           http.StatusInternalServerError,
		tasks.KindLeaseExpired:       http.StatusInternalServerError,
	}
	for kind, want := range cases {
		if got := StatusForKind(kind); got != want {
			t.Errorf("StatusForKind(%s) = %d, want %d", kind, got, want)
		}
	}
}

func TestWriteTaskError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteTaskError(rec, tasks.Errf(tasks.KindForbiddenMutation, "system tasks are immutable"))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"error":"forbidden_mutation"`) || !strings.Contains(body, "immutable") {
		t.Fatalf("body = %s", body)
	}

	// Plain errors fall back to internal_error.
	rec = httptest.NewRecorder()
	WriteTaskError(rec, errors.New("boom"))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

func TestInstrumentRecordsRoute(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /external/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := Instrument("external", mux)

	req := httptest.NewRequest(http.MethodGet, "/external/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}
