// Package session owns one peer link on top of a frame.Conn.
//
// Ownership boundary:
// - handshake/liveness state machine (pure, see Transition)
// - per-link logical clock
// - the session goroutine, sole writer of its connection
// - dial retry/backoff primitives
//
// Lifecycle:
// - Offline -> Syncing on the initial Ping probe
// - Syncing -> Connected on the first Pong
// - any state -> Closed on a fatal read/write error, shutdown, or eviction
package session
