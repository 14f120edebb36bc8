// Package command runs the broker's command pipeline.
//
// Read loops pull fixed-size frames off the broker FIFO, the Processor
// reassembles them into commands, and a single command loop executes each
// verb in arrival order. During shutdown the Processor acts as the quit
// coordinator's dispatcher: it stops accepting frames and queues one internal
// _QUIT per read loop followed by _CQUIT, so every blocked reader is woken by
// a frame it can discard and the command loop drains last.
package command
