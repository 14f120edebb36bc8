// Package logging builds the slog loggers used by the broker daemon and CLI.
//
// It owns the console and JSON handlers, the standard attribute keys, and the
// helpers that keep warnings carrying an event type, a hint, and an impact.
// Records can also be mirrored onto a pubsub channel so in-process observers
// see the daemon's log stream without touching the files.
package logging
