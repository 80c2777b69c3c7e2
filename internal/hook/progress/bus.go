// Package progress streams install and update progress to subscribers, one
// channel per operation.
package progress

import (
	"sync"
	"time"
)

// Update types. Terminal updates close the stream. Connected and heartbeat
// envelopes are emitted by the transport layer, not the bus.
const (
	TypeConnected = "connected"
	TypeProgress  = "progress"
	TypeHeartbeat = "heartbeat"
	TypeComplete  = "complete"
	TypeError     = "error"
)

// Phases of an install or update operation.
const (
	PhasePull        = "pull"
	PhaseCreate      = "create"
	PhaseStart       = "start"
	PhaseHealthcheck = "healthcheck"
	PhaseComplete    = "complete"
	PhaseError       = "error"
)

// Update is one progress envelope pushed to subscribers.
type Update struct {
	Type      string    `json:"type"`
	InstallID string    `json:"installId"`
	Phase     string    `json:"phase,omitempty"`
	Message   string    `json:"message,omitempty"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

const channelBuffer = 64

// Bus fans out progress updates keyed by install id. Slow subscribers drop
// non-terminal updates rather than block the operation; terminal updates are
// delivered synchronously and close the stream.
type Bus struct {
	mu      sync.Mutex
	streams map[string][]chan Update
}

// NewBus creates an empty progress bus.
func NewBus() *Bus {
	return &Bus{streams: make(map[string][]chan Update)}
}

// Subscribe returns a channel of updates for one install id. The channel is
// closed when the operation completes or fails.
func (b *Bus) Subscribe(installID string) <-chan Update {
	ch := make(chan Update, channelBuffer)
	b.mu.Lock()
	b.streams[installID] = append(b.streams[installID], ch)
	b.mu.Unlock()
	return ch
}

// Publish pushes a non-terminal progress update.
func (b *Bus) Publish(installID, phase, message string) {
	b.send(Update{
		Type:      TypeProgress,
		InstallID: installID,
		Phase:     phase,
		Message:   message,
		At:        time.Now().UTC(),
	}, false)
}

// Complete pushes the terminal success update and closes the stream.
func (b *Bus) Complete(installID, message string) {
	b.send(Update{
		Type:      TypeComplete,
		InstallID: installID,
		Message:   message,
		At:        time.Now().UTC(),
	}, true)
}

// Fail pushes the terminal error update and closes the stream.
func (b *Bus) Fail(installID, errMsg string) {
	b.send(Update{
		Type:      TypeError,
		InstallID: installID,
		Error:     errMsg,
		At:        time.Now().UTC(),
	}, true)
}

func (b *Bus) send(u Update, terminal bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.streams[u.InstallID]
	for _, ch := range subs {
		if terminal {
			select {
			case ch <- u:
			default:
			}
			close(ch)
			continue
		}
		// Keep one slot free so the terminal update always fits.
		if len(ch) >= cap(ch)-1 {
			continue
		}
		select {
		case ch <- u:
		default:
			// subscriber is not keeping up; drop the update
		}
	}
	if terminal {
		delete(b.streams, u.InstallID)
	}
}

// Close shuts down all streams, used on host shutdown.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, subs := range b.streams {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.streams, id)
	}
}
