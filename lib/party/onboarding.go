package party

import (
	"log/slog"

	"auxcord/partymode/lib/store"
)

// MergeOnboarding collapses duplicate sign-ups for the same Sonos
// household into one user. Hosts restart onboarding all the time (closed
// tab, second browser), leaving half-linked records behind. If any user in
// the household already has both accounts linked, that user wins - even
// over the one that just signed in - so an established party is never
// orphaned. Otherwise the oldest record wins. Every other record in the
// household is deleted. Returns the surviving user id.
func MergeOnboarding(storage store.Store, userID string) string {
	session := storage.GetSonosSession(userID)
	if session == nil || session.Household == "" {
		return userID
	}

	siblings := storage.SonosSessionsByHousehold(session.Household)
	if len(siblings) <= 1 {
		return userID
	}

	// Siblings arrive oldest first, so the first fully linked record is
	// also the longest established one.
	keep := siblings[0].UserID
	for _, sibling := range siblings {
		if storage.GetSpotifySession(sibling.UserID) != nil {
			keep = sibling.UserID
			break
		}
	}

	for _, sibling := range siblings {
		if sibling.UserID == keep {
			continue
		}
		storage.DeleteSonosSession(sibling.UserID)
		storage.DeleteSpotifySession(sibling.UserID)
		storage.DeleteUser(sibling.UserID)
		slog.Info("merged duplicate onboarding", "household", session.Household, "removed", sibling.UserID, "kept", keep)
	}
	return keep
}
