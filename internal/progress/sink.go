package progress

import "context"

// Sink consumes batches of events. Calls for one Hub are serialized.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter publishes individual events. Hub satisfies it, so producers stay
// agnostic about buffering.
type Emitter interface {
	Emit(evt Event)
}
