package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/jmerrifield20/decisionlog/pkg/client"
)

// ── Stub server ─────────────────────────────────────────────────────────

type stubServer struct {
	*httptest.Server
	tokenCalls atomic.Int32
	lastAuth   atomic.Value
	lastQuery  atomic.Value
}

func newStubServer(t *testing.T) *stubServer {
	t.Helper()
	s := &stubServer{}
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/token", func(w http.ResponseWriter, r *http.Request) {
		s.tokenCalls.Add(1)
		var req map[string]any
		json.NewDecoder(r.Body).Decode(&req)
		if req["secret"] != "s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]any{"error": "invalid secret"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"token": "tok-" + req["subject"].(string), "token_type": "Bearer", "expires_in": 3600,
		})
	})

	mux.HandleFunc("POST /api/v1/eventlog/entries", func(w http.ResponseWriter, r *http.Request) {
		s.lastAuth.Store(r.Header.Get("Authorization"))
		if r.Header.Get("Authorization") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]any{"error": "Bearer token required"})
			return
		}
		var req map[string]any
		json.NewDecoder(r.Body).Decode(&req)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"id": "e-1", "actor": req["actor"], "event_kind": req["event_kind"],
			"entity_kind": req["entity_kind"], "previous_hash": nil, "current_hash": "abc",
		})
	})

	mux.HandleFunc("GET /api/v1/eventlog/entries/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "e-1" {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]any{"error": "entry not found"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"id": "e-1", "previous_hash": "p", "current_hash": "abc"})
	})

	mux.HandleFunc("GET /api/v1/eventlog/verify", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"valid": false, "total_verified": 3, "first_invalid_index": 3,
			"reason": "chain broken", "mode": r.URL.Query().Get("mode"),
		})
	})

	mux.HandleFunc("GET /api/v1/eventlog/export", func(w http.ResponseWriter, r *http.Request) {
		s.lastQuery.Store(r.URL.RawQuery)
		if r.URL.Query().Get("from_segment") == "" {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			json.NewEncoder(w).Encode(map[string]any{"error": "eventlog: export exceeds max_export_events"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"entries":  []map[string]any{{"id": "e-1"}},
			"manifest": map[string]any{"count": 1, "chain_valid_within_export": true},
		})
	})

	mux.HandleFunc("GET /api/v1/eventlog/replay", func(w http.ResponseWriter, r *http.Request) {
		s.lastQuery.Store(r.URL.RawQuery)
		json.NewEncoder(w).Encode(map[string]any{
			"total_entries": 2, "scanned": 4,
			"by_actor":        map[string]int{"system": 2},
			"inconsistencies": []any{},
			"truncated":       true,
		})
	})

	mux.HandleFunc("GET /api/v1/eventlog/mirror", func(w http.ResponseWriter, r *http.Request) {
		s.lastAuth.Store(r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]any{
			"mirrored": 4, "log_count": 5, "in_sync": false,
			"verify": map[string]any{"valid": true, "total_verified": 4, "mode": "full"},
		})
	})

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// ── Tests ───────────────────────────────────────────────────────────────

func TestAppend_withBearerToken(t *testing.T) {
	srv := newStubServer(t)
	c := client.MustNew(srv.URL, client.WithBearerToken("static"))

	e, err := c.Append(context.Background(), client.AppendRequest{Actor: "system", EventKind: "k", EntityKind: "n"})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if e.ID != "e-1" || e.PreviousHash != nil {
		t.Errorf("unexpected entry %+v", e)
	}
	if got := srv.lastAuth.Load(); got != "Bearer static" {
		t.Errorf("Authorization = %v", got)
	}
	if srv.tokenCalls.Load() != 0 {
		t.Error("static token should not trigger an exchange")
	}
}

func TestAppend_exchangesSecretOnce(t *testing.T) {
	srv := newStubServer(t)
	c := client.MustNew(srv.URL, client.WithAdminSecret("s3cret", "ci"))

	for i := 0; i < 3; i++ {
		if _, err := c.Append(context.Background(), client.AppendRequest{Actor: "system", EventKind: "k", EntityKind: "n"}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if n := srv.tokenCalls.Load(); n != 1 {
		t.Errorf("token exchanged %d times, want 1", n)
	}
	if got := srv.lastAuth.Load(); got != "Bearer tok-ci" {
		t.Errorf("Authorization = %v", got)
	}
}

func TestAppend_badSecret(t *testing.T) {
	srv := newStubServer(t)
	c := client.MustNew(srv.URL, client.WithAdminSecret("wrong", "ci"))

	_, err := c.Append(context.Background(), client.AppendRequest{Actor: "system", EventKind: "k", EntityKind: "n"})
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized || apiErr.Message != "invalid secret" {
		t.Errorf("expected 401 APIError, got %v", err)
	}
}

func TestAppend_unauthenticated(t *testing.T) {
	srv := newStubServer(t)
	c := client.MustNew(srv.URL)

	_, err := c.Append(context.Background(), client.AppendRequest{Actor: "system", EventKind: "k", EntityKind: "n"})
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %v", err)
	}
}

func TestGetEntry(t *testing.T) {
	srv := newStubServer(t)
	c := client.MustNew(srv.URL)

	e, err := c.GetEntry(context.Background(), "e-1")
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	if e.PreviousHash == nil || *e.PreviousHash != "p" {
		t.Errorf("previous hash %v", e.PreviousHash)
	}

	if _, err := c.GetEntry(context.Background(), "missing"); !errors.Is(err, client.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestVerify(t *testing.T) {
	srv := newStubServer(t)
	c := client.MustNew(srv.URL)

	res, err := c.Verify(context.Background(), client.VerifySnapshot)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.Valid || res.FirstInvalidIndex == nil || *res.FirstInvalidIndex != 3 || res.Mode != "snapshot" {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestExport(t *testing.T) {
	srv := newStubServer(t)
	c := client.MustNew(srv.URL, client.WithBearerToken("t"))

	zero, one := 0, 1
	exp, err := c.Export(context.Background(), client.ExportOptions{FromSegment: &zero, ToSegment: &one})
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if exp.Manifest.Count != 1 || len(exp.Entries) != 1 {
		t.Errorf("unexpected export %+v", exp)
	}
	if q := srv.lastQuery.Load(); q != "from_segment=0&to_segment=1" {
		t.Errorf("query = %v", q)
	}

	_, err = c.Export(context.Background(), client.ExportOptions{})
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %v", err)
	}
}

func TestReplay(t *testing.T) {
	srv := newStubServer(t)
	c := client.MustNew(srv.URL, client.WithBearerToken("t"))

	sum, err := c.Replay(context.Background(), client.ReplayOptions{EventKind: "decision.recorded", MaxScan: 4})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if !sum.Truncated || sum.ByActor["system"] != 2 {
		t.Errorf("unexpected summary %+v", sum)
	}
	if q := srv.lastQuery.Load(); q != "event_kind=decision.recorded&max_scan=4" {
		t.Errorf("query = %v", q)
	}
}

func TestMirrorStatus(t *testing.T) {
	srv := newStubServer(t)
	c := client.MustNew(srv.URL, client.WithBearerToken("tok"))

	st, err := c.MirrorStatus(context.Background())
	if err != nil {
		t.Fatalf("MirrorStatus: %v", err)
	}
	if st.InSync || st.Mirrored != 4 || st.LogCount != 5 || !st.Verify.Valid {
		t.Errorf("unexpected status %+v", st)
	}
	if got := srv.lastAuth.Load(); got != "Bearer tok" {
		t.Errorf("Authorization = %v", got)
	}
}

func TestWithAdminSecret_requiresSubject(t *testing.T) {
	if _, err := client.New("http://localhost", client.WithAdminSecret("s", "")); err == nil {
		t.Error("expected error for empty subject")
	}
}
