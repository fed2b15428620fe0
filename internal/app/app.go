package app

import (
	"context"
	"fmt"

	"cipherfan/internal/domain"
	messagesvc "cipherfan/internal/services/message"
)

// App runs the multi-step flows the CLI exposes on top of a Wire.
type App struct {
	*Wire
}

// New wraps w.
func New(w *Wire) *App { return &App{Wire: w} }

// InitResult reports what Init did.
type InitResult struct {
	Registration domain.LocalRegistration
	Fingerprint  domain.Fingerprint
	Bundle       domain.PublishedBundle
}

// Init bootstraps the identity once, makes sure a signed prekey and enough
// one-time prekeys exist, and publishes the bundle. It is safe to re-run.
func (a *App) Init(ctx context.Context, reg domain.LocalRegistration) (InitResult, error) {
	reg, fp, err := a.Identity.Bootstrap(reg)
	if err != nil {
		return InitResult{}, fmt.Errorf("bootstrap identity: %w", err)
	}
	if _, ok, err := a.Store.CurrentSignedPreKey(); err != nil {
		return InitResult{}, err
	} else if !ok {
		if _, err := a.PreKeys.RotateSignedPreKey(); err != nil {
			return InitResult{}, fmt.Errorf("signed prekey: %w", err)
		}
	}
	if _, err := a.PreKeys.Replenish(a.Config.PreKeys.MinAvailable, a.Config.PreKeys.BatchSize); err != nil {
		return InitResult{}, fmt.Errorf("one-time prekeys: %w", err)
	}
	bundle, err := a.PreKeys.Publish(ctx)
	if err != nil {
		return InitResult{}, err
	}
	return InitResult{Registration: reg, Fingerprint: fp, Bundle: bundle}, nil
}

// Receive drains the inbox, then replaces consumed one-time prekeys and
// republishes when the local supply ran low.
func (a *App) Receive(ctx context.Context, limit int) (messagesvc.PullResult, error) {
	res, err := a.Messages.Pull(ctx, limit)
	if err != nil {
		return res, err
	}
	n, err := a.PreKeys.Replenish(a.Config.PreKeys.MinAvailable, a.Config.PreKeys.BatchSize)
	if err != nil {
		return res, fmt.Errorf("replenish prekeys: %w", err)
	}
	if n > 0 {
		if _, err := a.PreKeys.Publish(ctx); err != nil {
			return res, err
		}
	}
	return res, nil
}

// PruneSessions removes sessions idle for longer than sessions.max_age.
func (a *App) PruneSessions() (int, error) {
	return a.Sessions.CleanupOldSessions(a.Config.Sessions.MaxAge)
}
