// Package journal persists broker activity in SQLite.
//
// A journal holds one row per daemon session, every frame the read loops
// received while recording was enabled, and the vacuum supervisor's events.
// Frames are stored verbatim so a session can be replayed through the command
// processor; the history command reads sessions and events back out.
package journal
