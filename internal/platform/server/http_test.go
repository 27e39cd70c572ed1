package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/wizardbeardstudio/open-acs-go/internal/platform/auth"
	"github.com/wizardbeardstudio/open-acs-go/internal/platform/clock"
	"github.com/wizardbeardstudio/open-acs-go/internal/platform/ledger"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	clk := clock.Fixed{Instant: testInstant}
	c := NewCoordinator(clk, ledger.NewInMemory(clk))
	h := &Handler{Coordinator: c, Logger: zerolog.Nop()}
	mux := http.NewServeMux()
	h.Register(mux)
	srv := httptest.NewServer(auth.HTTPMiddleware(nil, mux, []string{"/healthz"}))
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, srv *httptest.Server, method, path, actorID, actorType string, payload any) (*http.Response, map[string]any) {
	t.Helper()
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			t.Fatalf("encode payload: %v", err)
		}
	}
	req, err := http.NewRequest(method, srv.URL+path, &body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if actorID != "" {
		req.Header.Set("X-Actor-Id", actorID)
		req.Header.Set("X-Actor-Type", actorType)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestHTTPLifecycle(t *testing.T) {
	srv := newTestServer(t)

	resp, created := doJSON(t, srv, http.MethodPost, "/v1/items", "producer-1", auth.ActorTypeProducer, map[string]any{
		"fee_minor":         300,
		"required_auditors": 2,
		"metadata_uri":      "ipfs://bafy-item-meta",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}
	itemID, _ := created["id"].(string)
	if itemID == "" {
		t.Fatalf("create response carries no id: %v", created)
	}
	if created["metadata_uri"] != "ipfs://bafy-item-meta" {
		t.Fatalf("metadata_uri = %v", created["metadata_uri"])
	}

	for _, a := range []string{"auditor-a", "auditor-b"} {
		resp, _ := doJSON(t, srv, http.MethodPost, "/v1/items/"+itemID+"/enroll", a, auth.ActorTypeAuditor, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("enroll %s status = %d", a, resp.StatusCode)
		}
	}

	resp, assigned := doJSON(t, srv, http.MethodPost, "/v1/items/"+itemID+"/assign", "producer-1", auth.ActorTypeProducer, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("assign status = %d", resp.StatusCode)
	}
	if slots, _ := assigned["slots"].([]any); len(slots) != 2 {
		t.Fatalf("slots = %v", assigned["slots"])
	}

	for _, a := range []string{"auditor-a", "auditor-b"} {
		resp, _ := doJSON(t, srv, http.MethodPost, "/v1/items/"+itemID+"/results", a, auth.ActorTypeAuditor, map[string]any{
			"verdict":    "passed",
			"result_uri": "ipfs://bafy-report-" + a,
		})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("submit %s status = %d", a, resp.StatusCode)
		}
	}

	resp, got := doJSON(t, srv, http.MethodGet, "/v1/items/"+itemID, "producer-1", auth.ActorTypeProducer, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	if got["status"] != "passed" {
		t.Fatalf("status = %v, want passed", got["status"])
	}

	resp, bal := doJSON(t, srv, http.MethodGet, "/v1/items/"+itemID+"/escrow", "producer-1", auth.ActorTypeProducer, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("escrow status = %d", resp.StatusCode)
	}
	if bal["balance_minor"] != float64(0) {
		t.Fatalf("escrow balance = %v, want 0", bal["balance_minor"])
	}
}

func TestHTTPListFilters(t *testing.T) {
	srv := newTestServer(t)

	_, a := doJSON(t, srv, http.MethodPost, "/v1/items", "producer-1", auth.ActorTypeProducer, map[string]any{"fee_minor": 100, "required_auditors": 1})
	_, b := doJSON(t, srv, http.MethodPost, "/v1/items", "producer-2", auth.ActorTypeProducer, map[string]any{"fee_minor": 100, "required_auditors": 1})
	bID, _ := b["id"].(string)
	doJSON(t, srv, http.MethodPost, "/v1/items/"+bID+"/enroll", "auditor-a", auth.ActorTypeAuditor, nil)
	doJSON(t, srv, http.MethodPost, "/v1/items/"+bID+"/assign", "producer-2", auth.ActorTypeProducer, nil)

	_, all := doJSON(t, srv, http.MethodGet, "/v1/items", "producer-1", auth.ActorTypeProducer, nil)
	if items, _ := all["items"].([]any); len(items) != 2 {
		t.Fatalf("unfiltered list = %v", all["items"])
	}

	_, mine := doJSON(t, srv, http.MethodGet, "/v1/items?producer=me", "producer-1", auth.ActorTypeProducer, nil)
	items, _ := mine["items"].([]any)
	if len(items) != 1 {
		t.Fatalf("producer filter = %v", mine["items"])
	}
	if first, _ := items[0].(map[string]any); first["id"] != a["id"] {
		t.Fatalf("producer filter returned %v, want %v", first["id"], a["id"])
	}

	_, assigned := doJSON(t, srv, http.MethodGet, "/v1/items?auditor=me", "auditor-a", auth.ActorTypeAuditor, nil)
	items, _ = assigned["items"].([]any)
	if len(items) != 1 {
		t.Fatalf("auditor filter = %v", assigned["items"])
	}
	if first, _ := items[0].(map[string]any); first["id"] != bID {
		t.Fatalf("auditor filter returned %v, want %v", first["id"], bID)
	}
}

func TestHTTPErrorMapping(t *testing.T) {
	srv := newTestServer(t)

	_, created := doJSON(t, srv, http.MethodPost, "/v1/items", "producer-1", auth.ActorTypeProducer, map[string]any{"fee_minor": 100, "required_auditors": 1})
	itemID, _ := created["id"].(string)

	cases := []struct {
		name       string
		method     string
		path       string
		actor      string
		actorType  string
		payload    any
		wantStatus int
		wantCode   string
	}{
		{"missing item", http.MethodGet, "/v1/items/nope", "producer-1", auth.ActorTypeProducer, nil, http.StatusNotFound, "not_found"},
		{"invalid create", http.MethodPost, "/v1/items", "producer-1", auth.ActorTypeProducer, map[string]any{"fee_minor": -5, "required_auditors": 1}, http.StatusBadRequest, "invalid_input"},
		{"self enrollment", http.MethodPost, "/v1/items/" + itemID + "/enroll", "producer-1", auth.ActorTypeProducer, nil, http.StatusUnprocessableEntity, "rejected"},
		{"assign empty pool", http.MethodPost, "/v1/items/" + itemID + "/assign", "producer-1", auth.ActorTypeProducer, nil, http.StatusUnprocessableEntity, "rejected"},
		{"cancel by outsider", http.MethodPost, "/v1/items/" + itemID + "/cancel", "producer-2", auth.ActorTypeProducer, nil, http.StatusForbidden, "unauthorized"},
		{"retry while pending", http.MethodPost, "/v1/items/" + itemID + "/settlement/retry", "producer-1", auth.ActorTypeProducer, nil, http.StatusConflict, "invalid_state"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := doJSON(t, srv, tc.method, tc.path, tc.actor, tc.actorType, tc.payload)
			if resp.StatusCode != tc.wantStatus {
				t.Fatalf("status = %d, want %d (body %v)", resp.StatusCode, tc.wantStatus, body)
			}
			errObj, _ := body["error"].(map[string]any)
			if errObj["code"] != tc.wantCode {
				t.Fatalf("code = %v, want %s", errObj["code"], tc.wantCode)
			}
		})
	}
}

func TestStatusForErrorClassifiesFailures(t *testing.T) {
	cases := []struct {
		err        error
		wantStatus int
		wantCode   string
	}{
		{ErrLedgerFailure, http.StatusBadGateway, "ledger_failure"},
		{ErrStorageFailure, http.StatusServiceUnavailable, "storage_failure"},
		{ErrInvalidState, http.StatusConflict, "invalid_state"},
	}
	for _, tc := range cases {
		status, code := statusForError(tc.err)
		if status != tc.wantStatus || code != tc.wantCode {
			t.Fatalf("statusForError(%v) = %d %q, want %d %q", tc.err, status, code, tc.wantStatus, tc.wantCode)
		}
	}
}

func TestHTTPRequiresActor(t *testing.T) {
	srv := newTestServer(t)

	resp, _ := doJSON(t, srv, http.MethodGet, "/v1/items", "", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous list status = %d, want 401", resp.StatusCode)
	}

	resp, _ = doJSON(t, srv, http.MethodGet, "/healthz", "", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d, want 200", resp.StatusCode)
	}
}

func TestHTTPDuplicateEnrollmentConflict(t *testing.T) {
	srv := newTestServer(t)

	_, created := doJSON(t, srv, http.MethodPost, "/v1/items", "producer-1", auth.ActorTypeProducer, map[string]any{"fee_minor": 100, "required_auditors": 2})
	itemID, _ := created["id"].(string)

	if resp, _ := doJSON(t, srv, http.MethodPost, "/v1/items/"+itemID+"/enroll", "auditor-a", auth.ActorTypeAuditor, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("first enroll status = %d", resp.StatusCode)
	}
	resp, body := doJSON(t, srv, http.MethodPost, "/v1/items/"+itemID+"/enroll", "auditor-a", auth.ActorTypeAuditor, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate enroll status = %d, want 409 (%v)", resp.StatusCode, body)
	}
}
