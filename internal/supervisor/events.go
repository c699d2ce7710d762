package supervisor

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType names a lifecycle transition.
type EventType string

const (
	EventStarted   EventType = "started"
	EventStopped   EventType = "stopped"
	EventExited    EventType = "exited"
	EventCrashed   EventType = "crashed"
	EventBackoff   EventType = "backoff"
	EventRevived   EventType = "revived"
	EventDead      EventType = "dead"
	EventRecycled  EventType = "recycled"
	EventExhausted EventType = "credits_exhausted"
	EventDeleted   EventType = "deleted"
	EventSpawnFail EventType = "spawn_failed"
)

// Event is one lifecycle notification.
type Event struct {
	ID       string    `json:"id"`
	Time     time.Time `json:"time"`
	Type     EventType `json:"type"`
	Tenant   string    `json:"tenant"`
	BotID    string    `json:"botId"`
	Attempt  int       `json:"attempt,omitempty"`
	ExitCode *int      `json:"exitCode,omitempty"`
	Message  string    `json:"message,omitempty"`
}

// Bus fans events out to subscribers. Slow subscribers lose events rather
// than block the supervisor.
type Bus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  uint64
}

func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]chan Event)}
}

// Subscribe returns a channel of events and a func that ends the
// subscription and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	b.seq++
	id := b.seq
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *Bus) Publish(e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
