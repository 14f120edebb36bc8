// Package fifo implements the named channel clients use to reach the broker.
//
// A Path names a POSIX FIFO. Clients call OpenClient, which retries while the
// FIFO is missing or has no reader attached. The daemon calls OpenServer,
// which creates the FIFO on first use and keeps a private write handle open so
// readers never observe end-of-file. Only the Path that created the FIFO
// removes it on Close.
package fifo
