package entity

import "context"

// Publisher is implemented by components that own a JetStream stream.
type Publisher interface {
	JetstreamEventInit(ctx context.Context) error
}

// Subscriber is implemented by components that consume a JetStream stream.
type Subscriber interface {
	JetstreamEventSubscribe(ctx context.Context) error
}

// MarketSink receives every update emitted by the delta engine. Publish is
// called while the engine holds its writer lock, so it must not block.
type MarketSink interface {
	Publish(update MarketUpdate)
}
