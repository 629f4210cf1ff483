package middleware

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	rotauth "github.com/rotauth/rotauth"
	"github.com/rotauth/rotauth/token"
)

func newGuardedEngine(t *testing.T) *rotauth.Engine {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("key generation: %v", err)
	}

	cfg := rotauth.DefaultConfig()
	cfg.JWT.AccessTTL = time.Hour
	cfg.JWT.PrivateKey = priv
	cfg.JWT.PublicKey = pub
	cfg.Audit.Enabled = false

	engine, err := rotauth.New().
		WithConfig(cfg).
		WithDurableStore(token.NewMemoryStore()).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(engine.Close)
	return engine
}

func okHandler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := AccessResultFromContext(r.Context()); !ok {
			t.Error("claims missing from request context")
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestGuardAcceptsValidToken(t *testing.T) {
	engine := newGuardedEngine(t)

	result, err := engine.Issue(context.Background(), rotauth.Principal{UserID: "u1", Roles: []string{"admin"}})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Authorization", "Bearer "+result.AccessToken)
	rr := httptest.NewRecorder()

	Guard(engine)(okHandler(t)).ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", rr.Code)
	}
}

func TestGuardRejectsMissingAndBadTokens(t *testing.T) {
	engine := newGuardedEngine(t)
	guarded := Guard(engine)(okHandler(t))

	for _, header := range []string{"", "Bearer ", "Bearer garbage", "Basic abc"} {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rr := httptest.NewRecorder()
		guarded.ServeHTTP(rr, req)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("header %q: want 401, got %d", header, rr.Code)
		}
	}
}

func TestRequireRole(t *testing.T) {
	engine := newGuardedEngine(t)

	admin, err := engine.Issue(context.Background(), rotauth.Principal{UserID: "u1", Roles: []string{"admin"}})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	member, err := engine.Issue(context.Background(), rotauth.Principal{UserID: "u2", Roles: []string{"member"}})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	guarded := RequireRole(engine, "admin")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Authorization", "Bearer "+admin.AccessToken)
	rr := httptest.NewRecorder()
	guarded.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("admin: want 200, got %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Authorization", "Bearer "+member.AccessToken)
	rr = httptest.NewRecorder()
	guarded.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("member: want 403, got %d", rr.Code)
	}
}
