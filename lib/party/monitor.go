package party

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"auxcord/partymode/lib/sonos"
)

const (
	settingsInterval = 2 * time.Second
	cacheInterval    = 15 * time.Second
)

// RunSettingsLoop re-asserts every active party's settings (volume, mute,
// playback) on a tight cadence until the context is cancelled. A session
// whose tokens went bad is logged and left alone; the host has to re-link.
func (r *Registry) RunSettingsLoop(ctx context.Context) {
	ticker := time.NewTicker(settingsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("settings loop stopped")
			return
		case <-ticker.C:
			for _, session := range r.All() {
				if !session.Device.PartyActive() {
					continue
				}
				if err := session.Device.EnsureCurrentSettings(ctx); err != nil {
					logLoopError(session.UserID, "settings", err)
				}
			}
		}
	}
}

// RunCacheLoop keeps each session's topology and favorites snapshots fresh
// and re-resolves the selected group when speakers were re-grouped.
func (r *Registry) RunCacheLoop(ctx context.Context) {
	ticker := time.NewTicker(cacheInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("cache loop stopped")
			return
		case <-ticker.C:
			for _, session := range r.All() {
				if err := session.Device.RefreshCaches(ctx); err != nil {
					logLoopError(session.UserID, "cache refresh", err)
					continue
				}
				if session.Device.PartyActive() {
					if err := session.Device.ResolveGroup(ctx); err != nil {
						logLoopError(session.UserID, "group resolve", err)
					}
				}
			}
		}
	}
}

func logLoopError(userID, stage string, err error) {
	var authErr *sonos.AuthError
	if errors.As(err, &authErr) {
		slog.Warn("session needs re-link", "user_id", userID, "stage", stage, "reason", authErr.Reason)
		return
	}
	slog.Error("background loop error", "user_id", userID, "stage", stage, "error", err)
}
