package rotauth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/rotauth/rotauth/internal"
	"github.com/rotauth/rotauth/jwt"
	"github.com/rotauth/rotauth/token"
)

// Engine defines a public type used by rotauth APIs.
//
// Engine instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type Engine struct {
	config     Config
	store      token.Store
	cache      token.CacheSider
	verifier   CredentialVerifier
	audit      *auditDispatcher
	metrics    *Metrics
	jwtManager *jwt.Manager
}

// Close describes the close operation and its observable behavior.
//
// Close does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.audit != nil {
		e.audit.Close()
	}
}

// AuditDropped describes the auditdropped operation and its observable behavior.
//
// AuditDropped does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

// MetricsSnapshot describes the metricssnapshot operation and its observable behavior.
//
// MetricsSnapshot does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

func (e *Engine) metricAdd(id MetricID, n uint64) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Add(id, n)
}

func (e *Engine) storageCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, e.config.Storage.OpTimeout)
}

func storageErr(err error) error {
	return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
}

// Issue mints a fresh access/refresh pair for an already-authenticated
// principal and opens a new session lineage for it. Callers that own their
// credential check (SSO callbacks, admin impersonation) use Issue directly;
// password logins go through [Engine.Login].
func (e *Engine) Issue(ctx context.Context, principal Principal) (*IssueResult, error) {
	if e == nil || e.store == nil {
		return nil, ErrEngineNotReady
	}
	if principal.UserID == "" {
		e.metricInc(MetricIssueFailure)
		return nil, ErrUserRequired
	}

	sessionID, err := internal.NewSessionID()
	if err != nil {
		e.metricInc(MetricIssueFailure)
		return nil, err
	}
	tokenID, err := internal.NewTokenID()
	if err != nil {
		e.metricInc(MetricIssueFailure)
		return nil, err
	}
	secret, err := internal.NewTokenSecret()
	if err != nil {
		e.metricInc(MetricIssueFailure)
		return nil, err
	}

	now := time.Now().UTC()
	expiresAt := now.Add(e.config.Token.RefreshTTL)

	rec := token.RefreshTokenRecord{
		ID:         tokenID,
		UserID:     principal.UserID,
		SecretHash: internal.HashTokenSecret(secret),
		SessionID:  sessionID,
		IssuedAt:   now,
		ExpiresAt:  expiresAt,
	}
	entry := token.SessionEntry{
		SessionID:             sessionID,
		UserID:                principal.UserID,
		CurrentRefreshTokenID: tokenID,
		Roles:                 append([]string(nil), principal.Roles...),
		Lang:                  principal.Lang,
		CreatedAt:             now,
		LastRotatedAt:         now,
		ExpiresAt:             expiresAt,
	}

	sctx, cancel := e.storageCtx(ctx)
	err = e.store.CreateSession(sctx, rec, entry)
	cancel()
	if err != nil {
		e.metricInc(MetricIssueFailure)
		e.emitAudit(ctx, auditEventTokenIssued, false, principal.UserID, sessionID, tokenID, ErrStorageUnavailable, nil)
		return nil, storageErr(err)
	}

	e.mirrorToken(ctx, rec)
	e.mirrorSession(ctx, entry)

	refreshToken, err := internal.EncodeRefreshToken(tokenID, secret)
	if err != nil {
		e.metricInc(MetricIssueFailure)
		return nil, err
	}
	accessToken, err := e.jwtManager.Create(principal.UserID, sessionID, tokenID, principal.Roles, principal.Lang)
	if err != nil {
		e.metricInc(MetricIssueFailure)
		return nil, err
	}

	e.metricInc(MetricIssueSuccess)
	e.metricInc(MetricSessionCreated)
	e.emitAudit(ctx, auditEventTokenIssued, true, principal.UserID, sessionID, tokenID, nil, nil)

	return &IssueResult{
		AccessToken:     accessToken,
		RefreshToken:    refreshToken,
		SessionID:       sessionID,
		UserID:          principal.UserID,
		AccessExpiresAt: now.Add(e.config.JWT.AccessTTL),
	}, nil
}

// Login verifies a credential through the configured [CredentialVerifier]
// and issues the first token pair of a new session.
//
// Login may return an error when input validation, dependency calls, or security checks fail.
// Login does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) Login(ctx context.Context, identifier, credential string) (*IssueResult, error) {
	if e == nil || e.store == nil {
		return nil, ErrEngineNotReady
	}
	if e.verifier == nil {
		return nil, ErrEngineNotReady
	}
	if identifier == "" || credential == "" {
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, "", "", "", ErrInvalidCredentials, func() map[string]string {
			return map[string]string{
				"identifier": identifier,
				"reason":     "empty_credential",
			}
		})
		return nil, ErrInvalidCredentials
	}

	principal, err := e.verifier.Verify(ctx, identifier, credential)
	if err != nil {
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, "", "", "", ErrInvalidCredentials, func() map[string]string {
			return map[string]string{
				"identifier": identifier,
				"reason":     "verifier_rejected",
			}
		})
		return nil, ErrInvalidCredentials
	}
	credential = ""

	result, err := e.Issue(ctx, principal)
	if err != nil {
		e.metricInc(MetricLoginFailure)
		return nil, err
	}

	e.metricInc(MetricLoginSuccess)
	e.emitAudit(ctx, auditEventLoginSuccess, true, result.UserID, result.SessionID, "", nil, nil)

	return result, nil
}

// Rotate redeems a refresh token exactly once: it consumes the presented
// token and returns a replacement pair bound to the same session.
//
// Presenting an already-consumed token is treated as evidence of theft.
// Rotate then invalidates the whole session lineage before returning
// [ErrReplayDetected], so neither the attacker nor the legitimate holder
// keeps a working token.
func (e *Engine) Rotate(ctx context.Context, refreshToken string) (*IssueResult, error) {
	if e == nil || e.store == nil {
		return nil, ErrEngineNotReady
	}

	start := time.Now()
	result, err := e.rotate(ctx, refreshToken)
	if e.metrics.LatencyEnabled() {
		e.metrics.Observe(MetricRotateLatency, time.Since(start))
	}
	return result, err
}

func (e *Engine) rotate(ctx context.Context, refreshToken string) (*IssueResult, error) {
	tokenID, secret, err := internal.DecodeRefreshToken(refreshToken)
	if err != nil {
		e.metricInc(MetricRotateFailure)
		e.emitAudit(ctx, auditEventRotateInvalid, false, "", "", "", ErrTokenInvalid, nil)
		return nil, ErrTokenInvalid
	}

	rec, err := e.lookupToken(ctx, tokenID)
	if err != nil {
		if errors.Is(err, token.ErrNotFound) {
			e.metricInc(MetricRotateFailure)
			e.emitAudit(ctx, auditEventRotateNotFound, false, "", "", tokenID, ErrTokenNotFound, nil)
			return nil, ErrTokenNotFound
		}
		e.metricInc(MetricRotateFailure)
		return nil, storageErr(err)
	}

	if !internal.SecretHashEqual(rec.SecretHash, internal.HashTokenSecret(secret)) {
		e.metricInc(MetricRotateFailure)
		e.emitAudit(ctx, auditEventRotateInvalid, false, rec.UserID, rec.SessionID, tokenID, ErrTokenInvalid, nil)
		return nil, ErrTokenInvalid
	}

	now := time.Now().UTC()

	if rec.Consumed {
		return nil, e.handleReplay(ctx, *rec)
	}

	if rec.Expired(now) {
		e.metricInc(MetricRotateExpired)
		e.emitAudit(ctx, auditEventRotateExpired, false, rec.UserID, rec.SessionID, tokenID, ErrTokenExpired, nil)
		return nil, ErrTokenExpired
	}

	// The claim snapshot is read before the consume transition. Once the
	// conditional update wins, everything needed for the response is in
	// hand; a concurrent replay teardown cannot race the winner out of it.
	entry, err := e.lookupSession(ctx, rec.SessionID)
	if err != nil {
		if errors.Is(err, token.ErrSessionNotFound) {
			e.metricInc(MetricRotateFailure)
			e.emitAudit(ctx, auditEventRotateNotFound, false, rec.UserID, rec.SessionID, tokenID, ErrTokenNotFound, nil)
			return nil, ErrTokenNotFound
		}
		e.metricInc(MetricRotateFailure)
		return nil, storageErr(err)
	}

	nextID, err := internal.NewTokenID()
	if err != nil {
		e.metricInc(MetricRotateFailure)
		return nil, err
	}
	nextSecret, err := internal.NewTokenSecret()
	if err != nil {
		e.metricInc(MetricRotateFailure)
		return nil, err
	}

	next := token.RefreshTokenRecord{
		ID:         nextID,
		UserID:     rec.UserID,
		SecretHash: internal.HashTokenSecret(nextSecret),
		SessionID:  rec.SessionID,
		IssuedAt:   now,
		// Rotation inherits the lineage expiry. A session never lives past
		// the deadline fixed at login.
		ExpiresAt: rec.ExpiresAt,
	}

	sctx, cancel := e.storageCtx(ctx)
	won, err := e.store.Rotate(sctx, rec.ID, now, next)
	cancel()
	if err != nil {
		e.metricInc(MetricRotateFailure)
		return nil, storageErr(err)
	}

	if !won {
		// Lost the consume race. Re-read the durable record to tell a
		// concurrent deletion apart from a replay.
		sctx, cancel := e.storageCtx(ctx)
		fresh, err := e.store.GetToken(sctx, rec.ID)
		cancel()
		if err != nil {
			if errors.Is(err, token.ErrNotFound) {
				e.metricInc(MetricRotateFailure)
				e.emitAudit(ctx, auditEventRotateNotFound, false, rec.UserID, rec.SessionID, rec.ID, ErrTokenNotFound, nil)
				return nil, ErrTokenNotFound
			}
			e.metricInc(MetricRotateFailure)
			return nil, storageErr(err)
		}
		return nil, e.handleReplay(ctx, *fresh)
	}

	entry.CurrentRefreshTokenID = nextID
	entry.LastRotatedAt = now

	e.mirrorToken(ctx, next)
	e.mirrorSession(ctx, *entry)

	newRefresh, err := internal.EncodeRefreshToken(nextID, nextSecret)
	if err != nil {
		e.metricInc(MetricRotateFailure)
		return nil, err
	}
	accessToken, err := e.jwtManager.Create(rec.UserID, rec.SessionID, nextID, entry.Roles, entry.Lang)
	if err != nil {
		e.metricInc(MetricRotateFailure)
		return nil, err
	}

	e.metricInc(MetricRotateSuccess)
	e.emitAudit(ctx, auditEventRotateSuccess, true, rec.UserID, rec.SessionID, nextID, nil, func() map[string]string {
		return map[string]string{
			"previous_token_id": rec.ID,
		}
	})

	return &IssueResult{
		AccessToken:     accessToken,
		RefreshToken:    newRefresh,
		SessionID:       rec.SessionID,
		UserID:          rec.UserID,
		AccessExpiresAt: now.Add(e.config.JWT.AccessTTL),
	}, nil
}

// handleReplay tears down the compromised lineage. The invalidation is
// durable-first; the cache drop afterwards is best-effort.
func (e *Engine) handleReplay(ctx context.Context, rec token.RefreshTokenRecord) error {
	sctx, cancel := e.storageCtx(ctx)
	_, err := e.store.DeleteSession(sctx, rec.SessionID)
	cancel()
	if err != nil {
		e.metricInc(MetricRotateFailure)
		return storageErr(err)
	}

	e.dropSessionCache(ctx, rec.SessionID)

	e.metricInc(MetricReplayDetected)
	e.metricInc(MetricSessionInvalidated)
	e.emitAudit(ctx, auditEventReplayDetected, false, rec.UserID, rec.SessionID, rec.ID, ErrReplayDetected, func() map[string]string {
		m := map[string]string{}
		if rec.SupersededBy != "" {
			m["superseded_by"] = rec.SupersededBy
		}
		if rec.ConsumedAt != nil {
			m["consumed_at"] = rec.ConsumedAt.UTC().Format(time.RFC3339)
		}
		return m
	})

	return ErrReplayDetected
}

// ValidateAccess checks an access token's signature and expiry and returns
// its claims. No store round-trip happens here; revocation takes effect at
// the next rotation, not before.
func (e *Engine) ValidateAccess(accessToken string) (*AccessResult, error) {
	if e == nil || e.jwtManager == nil {
		return nil, ErrEngineNotReady
	}

	start := time.Now()
	claims, err := e.jwtManager.Parse(accessToken)
	if e.metrics.LatencyEnabled() {
		e.metrics.Observe(MetricValidateLatency, time.Since(start))
	}
	if err != nil {
		return nil, err
	}

	result := &AccessResult{
		UserID:    claims.Subject,
		SessionID: claims.SID,
		Roles:     claims.Roles,
		Lang:      claims.Lang,
	}
	if claims.ID != "" {
		result.TokenID = claims.ID
	}
	if claims.ExpiresAt != nil {
		result.ExpiresAt = claims.ExpiresAt.Time
	}
	return result, nil
}

// Logout ends the session that the presented refresh token belongs to. An
// unknown token is already logged out and returns nil; a token with a wrong
// secret is rejected so a leaked token ID alone cannot end sessions.
func (e *Engine) Logout(ctx context.Context, refreshToken string) error {
	if e == nil || e.store == nil {
		return ErrEngineNotReady
	}

	tokenID, secret, err := internal.DecodeRefreshToken(refreshToken)
	if err != nil {
		return ErrTokenInvalid
	}

	rec, err := e.lookupToken(ctx, tokenID)
	if err != nil {
		if errors.Is(err, token.ErrNotFound) {
			return nil
		}
		return storageErr(err)
	}

	if !internal.SecretHashEqual(rec.SecretHash, internal.HashTokenSecret(secret)) {
		return ErrTokenInvalid
	}

	return e.InvalidateSession(ctx, rec.SessionID)
}

// lookupToken is the cache-aside read path. The cache answer is only a
// hint: a hit is served, any cache failure or miss falls through to the
// durable store, which stays the single source of truth.
func (e *Engine) lookupToken(ctx context.Context, tokenID string) (*token.RefreshTokenRecord, error) {
	rec, ok, err := e.cache.GetToken(ctx, tokenID)
	if err != nil {
		e.metricInc(MetricCacheDegraded)
		log.Print("rotauth: token cache read failed")
	} else if ok {
		e.metricInc(MetricCacheHit)
		return rec, nil
	} else {
		e.metricInc(MetricCacheMiss)
	}

	sctx, cancel := e.storageCtx(ctx)
	defer cancel()
	return e.store.GetToken(sctx, tokenID)
}

func (e *Engine) lookupSession(ctx context.Context, sessionID string) (*token.SessionEntry, error) {
	entry, ok, err := e.cache.GetSession(ctx, sessionID)
	if err != nil {
		e.metricInc(MetricCacheDegraded)
		log.Print("rotauth: session cache read failed")
	} else if ok {
		e.metricInc(MetricCacheHit)
		return entry, nil
	} else {
		e.metricInc(MetricCacheMiss)
	}

	sctx, cancel := e.storageCtx(ctx)
	defer cancel()
	return e.store.GetSession(sctx, sessionID)
}

func (e *Engine) mirrorToken(ctx context.Context, rec token.RefreshTokenRecord) {
	ttl := time.Until(rec.ExpiresAt)
	if ttl <= 0 {
		return
	}
	if err := e.cache.PutToken(ctx, rec, ttl); err != nil {
		e.metricInc(MetricCacheDegraded)
		log.Print("rotauth: token cache write failed")
	}
}

func (e *Engine) mirrorSession(ctx context.Context, entry token.SessionEntry) {
	ttl := time.Until(entry.ExpiresAt)
	if ttl <= 0 {
		return
	}
	if err := e.cache.PutSession(ctx, entry, ttl); err != nil {
		e.metricInc(MetricCacheDegraded)
		log.Print("rotauth: session cache write failed")
	}
}

func (e *Engine) dropSessionCache(ctx context.Context, sessionID string) {
	if err := e.cache.DropSession(ctx, sessionID); err != nil {
		e.metricInc(MetricCacheDegraded)
		log.Print("rotauth: session cache drop failed")
	}
}
