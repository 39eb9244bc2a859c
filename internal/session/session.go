// Package session holds the observable state of a realtime chat session:
// connectivity, match status, the current partner and message log, typing
// flag, population counts, friends and pending friend requests. State
// transitions for inbound frames live here so they can be exercised without
// a transport. The package also mirrors the state into Redis for operators.
package session
