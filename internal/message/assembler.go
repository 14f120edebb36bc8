package message

import (
	"bytes"
	"fmt"
	"sync"
	"time"
)

type partialKey struct {
	sender uint32
	id     uint32
}

type partial struct {
	parts    [][]byte
	received int
	arrived  time.Time
}

// Assembler rebuilds commands from packets that may arrive interleaved with
// packets of other commands. It is safe for concurrent use.
type Assembler struct {
	mu      sync.Mutex
	pending map[partialKey]*partial
	now     func() time.Time
}

// NewAssembler returns an empty Assembler.
func NewAssembler() *Assembler {
	return &Assembler{pending: make(map[partialKey]*partial), now: time.Now}
}

// Add records p. It returns the command once all of its parts have arrived.
func (a *Assembler) Add(p Packet) (Command, bool, error) {
	if p.Parts == 0 || p.Part >= p.Parts {
		return Command{}, false, fmt.Errorf("%w: part %d of %d", ErrBadPart, p.Part, p.Parts)
	}
	if p.Parts == 1 {
		cmd, err := DecodeCommand(p.Payload)
		return cmd, err == nil, err
	}

	key := partialKey{sender: p.SenderID, id: p.MessageID}
	a.mu.Lock()
	entry, ok := a.pending[key]
	if !ok {
		entry = &partial{parts: make([][]byte, p.Parts)}
		a.pending[key] = entry
	}
	if len(entry.parts) != int(p.Parts) {
		delete(a.pending, key)
		a.mu.Unlock()
		return Command{}, false, fmt.Errorf("%w: part count changed from %d to %d", ErrBadPart, len(entry.parts), p.Parts)
	}
	entry.arrived = a.now()
	if entry.parts[p.Part] == nil {
		entry.received++
	}
	entry.parts[p.Part] = append([]byte(nil), p.Payload...)
	if entry.received < len(entry.parts) {
		a.mu.Unlock()
		return Command{}, false, nil
	}
	delete(a.pending, key)
	a.mu.Unlock()

	cmd, err := DecodeCommand(bytes.Join(entry.parts, nil))
	return cmd, err == nil, err
}

// Pending reports how many commands are partially received.
func (a *Assembler) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Scavenge drops partial commands whose latest part arrived before cutoff and
// returns how many were removed.
func (a *Assembler) Scavenge(cutoff time.Time) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	removed := 0
	for key, entry := range a.pending {
		if entry.arrived.Before(cutoff) {
			delete(a.pending, key)
			removed++
		}
	}
	return removed
}
