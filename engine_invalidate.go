package rotauth

import (
	"context"
	"strconv"
	"time"

	"github.com/rotauth/rotauth/token"
)

// InvalidateSession durably removes a session and every refresh token of
// its lineage. It is idempotent: invalidating an unknown session is a
// no-op.
func (e *Engine) InvalidateSession(ctx context.Context, sessionID string) error {
	if e == nil || e.store == nil {
		return ErrEngineNotReady
	}
	if sessionID == "" {
		return nil
	}

	sctx, cancel := e.storageCtx(ctx)
	removed, err := e.store.DeleteSession(sctx, sessionID)
	cancel()
	if err != nil {
		return storageErr(err)
	}

	e.dropSessionCache(ctx, sessionID)

	if removed > 0 {
		e.metricInc(MetricSessionInvalidated)
		e.emitAudit(ctx, auditEventSessionInvalidated, true, "", sessionID, "", nil, nil)
	}
	return nil
}

// InvalidateAllExcept ends every session of a user except the one named by
// keepSessionID. This backs the "log out other devices" flow after a
// password change: the device that made the change keeps its session.
//
// The walk fails fast on the first storage error so a partial invalidation
// is reported rather than silently swallowed.
func (e *Engine) InvalidateAllExcept(ctx context.Context, userID, keepSessionID string) (int, error) {
	if e == nil || e.store == nil {
		return 0, ErrEngineNotReady
	}
	if userID == "" {
		return 0, ErrUserRequired
	}

	sctx, cancel := e.storageCtx(ctx)
	sessions, err := e.store.SessionsForUser(sctx, userID)
	cancel()
	if err != nil {
		return 0, storageErr(err)
	}

	removed := 0
	for _, entry := range sessions {
		if entry.SessionID == keepSessionID {
			continue
		}

		sctx, cancel := e.storageCtx(ctx)
		n, err := e.store.DeleteSession(sctx, entry.SessionID)
		cancel()
		if err != nil {
			return removed, storageErr(err)
		}
		e.dropSessionCache(ctx, entry.SessionID)
		if n > 0 {
			removed++
		}
	}

	e.metricAdd(MetricBulkInvalidated, uint64(removed))
	e.emitAudit(ctx, auditEventBulkInvalidated, true, userID, keepSessionID, "", nil, func() map[string]string {
		return map[string]string{
			"sessions_removed": strconv.Itoa(removed),
		}
	})

	return removed, nil
}

// SweepExpired reclaims token records whose lineage expiry has passed.
// Expiry is already enforced at rotation time, so the sweep is pure
// storage hygiene and can run on any schedule.
func (e *Engine) SweepExpired(ctx context.Context) (int64, error) {
	if e == nil || e.store == nil {
		return 0, ErrEngineNotReady
	}

	sctx, cancel := e.storageCtx(ctx)
	reclaimed, err := e.store.DeleteExpired(sctx, time.Now().UTC())
	cancel()
	if err != nil {
		return 0, storageErr(err)
	}

	e.metricAdd(MetricSweepReclaimed, uint64(reclaimed))
	e.emitAudit(ctx, auditEventSweepCompleted, true, "", "", "", nil, func() map[string]string {
		return map[string]string{
			"reclaimed": strconv.FormatInt(reclaimed, 10),
		}
	})

	return reclaimed, nil
}

// LineageOf returns the rotation history of a session, oldest first. It
// reads the durable store only; intended for incident forensics after a
// replay detection.
func (e *Engine) LineageOf(ctx context.Context, sessionID string) ([]token.RefreshTokenRecord, error) {
	if e == nil || e.store == nil {
		return nil, ErrEngineNotReady
	}

	sctx, cancel := e.storageCtx(ctx)
	defer cancel()
	return e.store.Lineage(sctx, sessionID)
}
