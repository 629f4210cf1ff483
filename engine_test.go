package rotauth

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rotauth/rotauth/internal"
	"github.com/rotauth/rotauth/jwt"
	"github.com/rotauth/rotauth/token"
)

type staticVerifier struct {
	principal Principal
	password  string
}

func (v staticVerifier) Verify(_ context.Context, _, credential string) (Principal, error) {
	if credential != v.password {
		return Principal{}, errors.New("wrong password")
	}
	return v.principal, nil
}

func testConfig(t *testing.T) Config {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("key generation: %v", err)
	}

	cfg := DefaultConfig()
	cfg.JWT.AccessTTL = time.Hour
	cfg.JWT.PrivateKey = priv
	cfg.JWT.PublicKey = pub
	cfg.Audit.Enabled = false
	return cfg
}

func newTestEngine(t *testing.T, opts ...func(*Builder)) (*Engine, *token.MemoryStore) {
	t.Helper()
	store := token.NewMemoryStore()

	b := New().
		WithConfig(testConfig(t)).
		WithDurableStore(store).
		WithCredentialVerifier(staticVerifier{
			principal: Principal{UserID: "u1", Roles: []string{"user"}, Lang: "en"},
			password:  "hunter2",
		})
	for _, opt := range opts {
		opt(b)
	}

	engine, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(engine.Close)
	return engine, store
}

func TestLoginIssuesWorkingPair(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	result, err := engine.Login(ctx, "alice", "hunter2")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if result.AccessToken == "" || result.RefreshToken == "" || result.SessionID == "" {
		t.Fatalf("incomplete result: %+v", result)
	}

	access, err := engine.ValidateAccess(result.AccessToken)
	if err != nil {
		t.Fatalf("ValidateAccess: %v", err)
	}
	if access.UserID != "u1" || access.SessionID != result.SessionID {
		t.Fatalf("claims mismatch: %+v", access)
	}
	if len(access.Roles) != 1 || access.Roles[0] != "user" || access.Lang != "en" {
		t.Fatalf("claim snapshot not carried: %+v", access)
	}
}

func TestLoginRejectsBadCredential(t *testing.T) {
	engine, _ := newTestEngine(t)

	if _, err := engine.Login(context.Background(), "alice", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("want ErrInvalidCredentials, got %v", err)
	}
	if _, err := engine.Login(context.Background(), "alice", ""); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("empty credential: want ErrInvalidCredentials, got %v", err)
	}
}

func TestRotateIsOneTimeUse(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	first, err := engine.Login(ctx, "alice", "hunter2")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	second, err := engine.Rotate(ctx, first.RefreshToken)
	if err != nil {
		t.Fatalf("first rotation: %v", err)
	}
	if second.SessionID != first.SessionID {
		t.Fatal("rotation must stay in the same session")
	}
	if second.RefreshToken == first.RefreshToken {
		t.Fatal("rotation must mint a new refresh token")
	}

	// Replaying the consumed token kills the whole lineage.
	if _, err := engine.Rotate(ctx, first.RefreshToken); !errors.Is(err, ErrReplayDetected) {
		t.Fatalf("replay: want ErrReplayDetected, got %v", err)
	}

	// The legitimate successor is dead too.
	if _, err := engine.Rotate(ctx, second.RefreshToken); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("successor after replay: want ErrTokenNotFound, got %v", err)
	}
}

func TestRotateConcurrentSingleWinner(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	first, err := engine.Login(ctx, "alice", "hunter2")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	const workers = 32
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		winners  int
		replays  int
		notFound int
	)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.Rotate(ctx, first.RefreshToken)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case errors.Is(err, ErrReplayDetected):
				replays++
			case errors.Is(err, ErrTokenNotFound):
				notFound++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if winners > 1 {
		t.Fatalf("at most one rotation may win, got %d", winners)
	}
	if winners+replays+notFound != workers {
		t.Fatalf("unaccounted outcomes: winners=%d replays=%d notFound=%d", winners, replays, notFound)
	}
	if replays == 0 {
		t.Fatal("losers must observe the replay")
	}
}

func TestRotationInheritsLineageExpiry(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	first, err := engine.Login(ctx, "alice", "hunter2")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if _, err := engine.Rotate(ctx, first.RefreshToken); err != nil {
		t.Fatalf("Rotate: %v", err)
	}

	lineage, err := engine.LineageOf(ctx, first.SessionID)
	if err != nil {
		t.Fatalf("LineageOf: %v", err)
	}
	if len(lineage) != 2 {
		t.Fatalf("want 2 records, got %d", len(lineage))
	}
	if !lineage[1].ExpiresAt.Equal(lineage[0].ExpiresAt) {
		t.Fatalf("rotation must not extend the lifetime: %v vs %v", lineage[1].ExpiresAt, lineage[0].ExpiresAt)
	}
	if !lineage[0].Consumed || lineage[0].SupersededBy != lineage[1].ID {
		t.Fatalf("chain broken: %+v", lineage[0])
	}
}

func TestRotateExpiredToken(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	secret, err := internal.NewTokenSecret()
	if err != nil {
		t.Fatalf("NewTokenSecret: %v", err)
	}
	tokenID, _ := internal.NewTokenID()
	sessionID, _ := internal.NewSessionID()

	past := time.Now().UTC().Add(-time.Hour)
	rec := token.RefreshTokenRecord{
		ID:         tokenID,
		UserID:     "u1",
		SecretHash: internal.HashTokenSecret(secret),
		SessionID:  sessionID,
		IssuedAt:   past.Add(-time.Hour),
		ExpiresAt:  past,
	}
	entry := token.SessionEntry{
		SessionID:             sessionID,
		UserID:                "u1",
		CurrentRefreshTokenID: tokenID,
		CreatedAt:             rec.IssuedAt,
		LastRotatedAt:         rec.IssuedAt,
		ExpiresAt:             past,
	}
	if err := store.CreateSession(ctx, rec, entry); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	refresh, err := internal.EncodeRefreshToken(tokenID, secret)
	if err != nil {
		t.Fatalf("EncodeRefreshToken: %v", err)
	}

	if _, err := engine.Rotate(ctx, refresh); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("want ErrTokenExpired, got %v", err)
	}

	// Expiry is not a replay; the record stays untouched.
	got, err := store.GetToken(ctx, tokenID)
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if got.Consumed {
		t.Fatal("expired rejection must not consume the record")
	}
}

func TestRotateRejectsWrongSecret(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	first, err := engine.Login(ctx, "alice", "hunter2")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	tokenID, _, err := internal.DecodeRefreshToken(first.RefreshToken)
	if err != nil {
		t.Fatalf("DecodeRefreshToken: %v", err)
	}
	wrongSecret, _ := internal.NewTokenSecret()
	forged, err := internal.EncodeRefreshToken(tokenID, wrongSecret)
	if err != nil {
		t.Fatalf("EncodeRefreshToken: %v", err)
	}

	if _, err := engine.Rotate(ctx, forged); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("want ErrTokenInvalid, got %v", err)
	}

	// The real token still works afterwards.
	if _, err := engine.Rotate(ctx, first.RefreshToken); err != nil {
		t.Fatalf("legitimate rotation after forgery attempt: %v", err)
	}
}

func TestRotateMalformedToken(t *testing.T) {
	engine, _ := newTestEngine(t)

	if _, err := engine.Rotate(context.Background(), "not-a-token"); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("want ErrTokenInvalid, got %v", err)
	}
}

func TestRotateUnknownToken(t *testing.T) {
	engine, _ := newTestEngine(t)

	secret, _ := internal.NewTokenSecret()
	tokenID, _ := internal.NewTokenID()
	refresh, err := internal.EncodeRefreshToken(tokenID, secret)
	if err != nil {
		t.Fatalf("EncodeRefreshToken: %v", err)
	}

	if _, err := engine.Rotate(context.Background(), refresh); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("want ErrTokenNotFound, got %v", err)
	}
}

func TestLogout(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	first, err := engine.Login(ctx, "alice", "hunter2")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	if err := engine.Logout(ctx, first.RefreshToken); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, err := engine.Rotate(ctx, first.RefreshToken); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("after logout: want ErrTokenNotFound, got %v", err)
	}

	// Logging out twice is fine.
	if err := engine.Logout(ctx, first.RefreshToken); err != nil {
		t.Fatalf("second Logout: %v", err)
	}
}

func TestLogoutRejectsWrongSecret(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	first, err := engine.Login(ctx, "alice", "hunter2")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	tokenID, _, err := internal.DecodeRefreshToken(first.RefreshToken)
	if err != nil {
		t.Fatalf("DecodeRefreshToken: %v", err)
	}
	wrongSecret, _ := internal.NewTokenSecret()
	forged, err := internal.EncodeRefreshToken(tokenID, wrongSecret)
	if err != nil {
		t.Fatalf("EncodeRefreshToken: %v", err)
	}

	if err := engine.Logout(ctx, forged); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("want ErrTokenInvalid, got %v", err)
	}
	if _, err := engine.Rotate(ctx, first.RefreshToken); err != nil {
		t.Fatalf("session must survive forged logout: %v", err)
	}
}

func TestInvalidateAllExceptKeepsCurrentSession(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	var results []*IssueResult
	for i := 0; i < 3; i++ {
		r, err := engine.Issue(ctx, Principal{UserID: "u1"})
		if err != nil {
			t.Fatalf("Issue %d: %v", i, err)
		}
		results = append(results, r)
	}

	removed, err := engine.InvalidateAllExcept(ctx, "u1", results[2].SessionID)
	if err != nil {
		t.Fatalf("InvalidateAllExcept: %v", err)
	}
	if removed != 2 {
		t.Fatalf("want 2 removed, got %d", removed)
	}

	if _, err := engine.Rotate(ctx, results[0].RefreshToken); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("invalidated session token must be gone, got %v", err)
	}
	if _, err := engine.Rotate(ctx, results[2].RefreshToken); err != nil {
		t.Fatalf("kept session must still rotate: %v", err)
	}
}

func TestSweepExpiredReclaims(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	secret, _ := internal.NewTokenSecret()
	tokenID, _ := internal.NewTokenID()
	sessionID, _ := internal.NewSessionID()
	past := time.Now().UTC().Add(-time.Minute)

	err := store.CreateSession(ctx, token.RefreshTokenRecord{
		ID:         tokenID,
		UserID:     "u-old",
		SecretHash: internal.HashTokenSecret(secret),
		SessionID:  sessionID,
		IssuedAt:   past.Add(-time.Hour),
		ExpiresAt:  past,
	}, token.SessionEntry{
		SessionID:             sessionID,
		UserID:                "u-old",
		CurrentRefreshTokenID: tokenID,
		ExpiresAt:             past,
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	live, err := engine.Issue(ctx, Principal{UserID: "u-live"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	reclaimed, err := engine.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if reclaimed != 1 {
		t.Fatalf("want 1 reclaimed, got %d", reclaimed)
	}
	if _, err := engine.Rotate(ctx, live.RefreshToken); err != nil {
		t.Fatalf("live session must survive the sweep: %v", err)
	}
}

func TestValidateAccessRejectsTampering(t *testing.T) {
	engine, _ := newTestEngine(t)

	result, err := engine.Issue(context.Background(), Principal{UserID: "u1"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	tampered := result.AccessToken[:len(result.AccessToken)-2] + "xx"
	if _, err := engine.ValidateAccess(tampered); !errors.Is(err, jwt.ErrSignatureInvalid) {
		t.Fatalf("want jwt.ErrSignatureInvalid, got %v", err)
	}
	if _, err := engine.ValidateAccess("garbage"); !errors.Is(err, jwt.ErrTokenMalformed) {
		t.Fatalf("want jwt.ErrTokenMalformed, got %v", err)
	}
}

func TestReplayEmitsAuditEvent(t *testing.T) {
	sink := NewChannelSink(16)
	engine, _ := newTestEngine(t, func(b *Builder) {
		cfg := testConfig(t)
		cfg.Audit.Enabled = true
		b.WithConfig(cfg).WithAuditSink(sink)
	})
	ctx := WithClientIP(context.Background(), "203.0.113.7")

	first, err := engine.Issue(ctx, Principal{UserID: "u1"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := engine.Rotate(ctx, first.RefreshToken); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if _, err := engine.Rotate(ctx, first.RefreshToken); !errors.Is(err, ErrReplayDetected) {
		t.Fatalf("want ErrReplayDetected, got %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case event := <-sink.Events():
			if event.EventType != auditEventReplayDetected {
				continue
			}
			if event.Success {
				t.Fatal("replay event must not be marked successful")
			}
			if event.SessionID != first.SessionID {
				t.Fatalf("wrong session in event: %+v", event)
			}
			if event.IP != "203.0.113.7" {
				t.Fatalf("client IP not propagated: %+v", event)
			}
			return
		case <-deadline:
			t.Fatal("replay audit event never arrived")
		}
	}
}

func TestMetricsCountReplay(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	first, err := engine.Issue(ctx, Principal{UserID: "u1"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := engine.Rotate(ctx, first.RefreshToken); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if _, err := engine.Rotate(ctx, first.RefreshToken); !errors.Is(err, ErrReplayDetected) {
		t.Fatalf("want ErrReplayDetected, got %v", err)
	}

	snap := engine.MetricsSnapshot()
	if snap.Counters[MetricReplayDetected] != 1 {
		t.Fatalf("replay counter: %d", snap.Counters[MetricReplayDetected])
	}
	if snap.Counters[MetricRotateSuccess] != 1 {
		t.Fatalf("rotate success counter: %d", snap.Counters[MetricRotateSuccess])
	}
	if snap.Counters[MetricSessionCreated] != 1 {
		t.Fatalf("session created counter: %d", snap.Counters[MetricSessionCreated])
	}
}
