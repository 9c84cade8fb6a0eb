package progress

import "context"

// Sink consumes batches of progress events. Implementations must be safe for
// repeated calls and honor ctx deadlines.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter publishes individual events. Hub satisfies it; workers and handlers
// depend only on this.
type Emitter interface {
	Emit(evt Event)
}

// Nop discards events.
type Nop struct{}

// Emit does nothing.
func (Nop) Emit(Event) {}

// OrNop returns e, or a Nop emitter when e is nil.
func OrNop(e Emitter) Emitter {
	if e == nil {
		return Nop{}
	}
	return e
}
