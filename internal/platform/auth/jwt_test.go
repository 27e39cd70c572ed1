package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestParseActor(t *testing.T) {
	verifier := NewJWTVerifier("test-secret")

	signed, err := NewJWTSigner("test-secret").SignActor(
		Actor{ID: "auditor-1", Type: ActorTypeAuditor}, time.Now().Add(-time.Minute), time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	actor, err := verifier.ParseActor(signed)
	if err != nil {
		t.Fatalf("parse actor: %v", err)
	}
	if actor.ID != "auditor-1" || actor.Type != ActorTypeAuditor {
		t.Fatalf("unexpected actor: %+v", actor)
	}
}

func TestParseActorRejectsWrongSecret(t *testing.T) {
	signed, err := NewJWTSigner("other-secret").SignActor(
		Actor{ID: "auditor-1", Type: ActorTypeAuditor}, time.Now(), time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	if _, err := NewJWTVerifier("test-secret").ParseActor(signed); err == nil {
		t.Fatal("expected verification failure")
	}
}

func TestParseActorRejectsMissingClaims(t *testing.T) {
	claims := jwt.MapClaims{
		"sub": "auditor-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	if _, err := NewJWTVerifier("test-secret").ParseActor(signed); err == nil {
		t.Fatal("expected missing actor_type to fail")
	}
}

func TestHTTPMiddlewareHeaderFallback(t *testing.T) {
	var got Actor
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = ActorFromContext(r.Context())
	})
	h := HTTPMiddleware(nil, next, []string{"/healthz"})

	req := httptest.NewRequest(http.MethodPost, "/v1/items", nil)
	req.Header.Set("X-Actor-Id", "producer-1")
	req.Header.Set("X-Actor-Type", ActorTypeProducer)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got.ID != "producer-1" || got.Type != ActorTypeProducer {
		t.Fatalf("unexpected actor: %+v", got)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/items", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without actor headers, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected skip path to pass, got %d", rec.Code)
	}
}
