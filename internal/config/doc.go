// Package config loads, normalizes, and validates storebroker configuration.
//
// It supplies defaults, expands user paths (including tilde shortcuts), reads
// TOML files, and honours the STOREBROKER_PIPE_PATH environment override. The
// Config type centralizes every knob the daemon and the client commands need
// so the broker state directory, the FIFO location, and the client retry
// budget are discovered in one pass.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
