// Package main hosts the storebroker CLI entrypoint and command graph.
//
// The same binary runs the broker (`storebroker daemon`) and talks to it:
// `poke` writes raw verbs to the broker FIFO, `gc` and `stop` wrap the common
// ones, and `status` and `history` read the lock, pid file, and journal
// without needing the broker to answer. Configuration resolution and FIFO
// discovery live here so subcommands only deal with their own flags.
package main
