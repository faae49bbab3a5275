package store

// NOTIFY channel naming, modeled on pkg/events/types.go's
// SessionChannel/GlobalSessionsChannel helpers.

// GlobalSessionsChannel is reserved for a future multi-session dashboard;
// nothing in this gateway currently publishes to it.
const GlobalSessionsChannel = "gateway:sessions"

// SessionChannel returns the per-session NOTIFY channel name.
func SessionChannel(sessionID string) string {
	return "gateway:session:" + sessionID
}
