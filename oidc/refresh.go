package oidc

import (
	"context"
	"fmt"
	"time"
)

// Refresh obtains a new token set with the stored refresh token. Concurrent
// callers are coalesced: while a refresh is in flight every additional
// caller waits for its outcome instead of spending the refresh token again,
// and all of them receive the same token set or the same error. A waiter
// that outlives the configured wait bound fails with ErrRefreshTimeout
// rather than hanging on a crashed flight.
//
// On success the rotated token set is committed and the flow is LOGGED_IN.
// On failure the token set is cleared and the flow is driven to LOGGED_OUT:
// an invalid refresh token cannot self heal, so there is no automatic
// retry. The error still distinguishes network failures (errors.Is
// ErrNetworkFailure) so callers can offer a retry instead of a new login.
func (a *Authenticator) Refresh(ctx context.Context) (*TokenSet, error) {
	const op = "Authenticator.Refresh"
	ch := a.refreshGroup.DoChan("refresh", func() (interface{}, error) {
		// The flight outlives any single caller; bound it independently.
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.refreshWait)
		defer cancel()
		return a.doRefresh(fctx)
	})

	timer := time.NewTimer(a.refreshWait)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, fmt.Errorf("%s: %w", op, res.Err)
		}
		return res.Val.(*TokenSet), nil
	case <-timer.C:
		return nil, fmt.Errorf("%s: %w", op, ErrRefreshTimeout)
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	}
}

// doRefresh performs the single token endpoint call behind the
// single-flight group.
func (a *Authenticator) doRefresh(ctx context.Context) (*TokenSet, error) {
	const op = "Authenticator.doRefresh"
	p, err := a.registry.Current(ctx)
	if err != nil {
		return nil, a.failRefresh(ctx, err)
	}
	if p == nil {
		return nil, a.failRefresh(ctx, fmt.Errorf("%s: no current provider: %w", op, ErrProviderNotFound))
	}
	tokens, err := a.tokens.Get(ctx)
	if err != nil {
		return nil, a.failRefresh(ctx, err)
	}
	if tokens == nil {
		return nil, a.failRefresh(ctx, fmt.Errorf("%s: %w", op, ErrMissingToken))
	}
	if tokens.RefreshToken == "" {
		return nil, a.failRefresh(ctx, fmt.Errorf("%s: %w", op, ErrMissingRefreshToken))
	}
	eps, err := a.endpoints(ctx, p)
	if err != nil {
		return nil, a.failRefresh(ctx, err)
	}

	refreshed, err := a.refreshGrant(ctx, p, eps, tokens.RefreshToken)
	if err != nil {
		return nil, a.failRefresh(ctx, err)
	}
	if err := a.tokens.Set(ctx, refreshed); err != nil {
		return nil, a.failRefresh(ctx, err)
	}
	a.setStatus(StatusLoggedIn)
	a.logger.Debug("token set refreshed", "issuer", p.Issuer)
	return refreshed, nil
}

// failRefresh is the unrecoverable-refresh path: clear the token set,
// transition to LOGGED_OUT and report ErrRefreshFailed while preserving the
// cause.
func (a *Authenticator) failRefresh(ctx context.Context, cause error) error {
	if err := a.tokens.Clear(ctx); err != nil {
		a.logger.Warn("unable to clear token set after failed refresh", "err", err)
	}
	a.setStatus(StatusLoggedOut)
	a.logger.Debug("token refresh failed", "err", cause)
	return fmt.Errorf("%w: %w", ErrRefreshFailed, cause)
}
