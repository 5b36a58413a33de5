package websocket

import (
	"context"

	"github.com/mina-net/debugger/internal/storage"
)

// PublishingSink wraps a storage.Sink and publishes a ConnectionEvent to a
// Broadcaster for every call that reaches it, after forwarding to the
// wrapped sink. This lets the recorder's capture pipeline double as the
// live feed's event source without the broadcaster knowing anything about
// connection pipelines or persistence.
type PublishingSink struct {
	storage.Sink
	bc *Broadcaster
}

// NewPublishingSink wraps sink so that every event it receives is also
// published to bc.
func NewPublishingSink(sink storage.Sink, bc *Broadcaster) *PublishingSink {
	return &PublishingSink{Sink: sink, bc: bc}
}

// depther is satisfied by storage.Queue; Depth forwards to it when the
// wrapped sink supports it so orchestrator health reporting still works
// when a sink is wrapped with PublishingSink.
type depther interface{ Depth() int }

// Depth forwards to the wrapped sink's Depth method when it has one, and
// returns 0 otherwise.
func (p *PublishingSink) Depth() int {
	if d, ok := p.Sink.(depther); ok {
		return d.Depth()
	}
	return 0
}

func (p *PublishingSink) OnConnect(ctx context.Context, incoming bool, meta storage.ConnectionMeta) error {
	err := p.Sink.OnConnect(ctx, incoming, meta)
	p.bc.Publish(ConnectionEvent{
		Kind: "connect", Alias: meta.Alias, Incoming: incoming,
		RemoteAddr: meta.RemoteAddr, PID: meta.PID, FD: meta.FD, ObservedAt: meta.Time,
	})
	return err
}

func (p *PublishingSink) OnDisconnect(ctx context.Context, meta storage.ConnectionMeta) error {
	err := p.Sink.OnDisconnect(ctx, meta)
	p.bc.Publish(ConnectionEvent{
		Kind: "disconnect", Alias: meta.Alias,
		RemoteAddr: meta.RemoteAddr, PID: meta.PID, FD: meta.FD, ObservedAt: meta.Time,
	})
	return err
}

func (p *PublishingSink) OnData(ctx context.Context, incoming bool, meta storage.ConnectionMeta, data []byte) error {
	err := p.Sink.OnData(ctx, incoming, meta, data)
	p.bc.Publish(ConnectionEvent{
		Kind: "data", Alias: meta.Alias, Incoming: incoming,
		RemoteAddr: meta.RemoteAddr, PID: meta.PID, FD: meta.FD,
		ByteLength: len(data), ObservedAt: meta.Time,
	})
	return err
}

func (p *PublishingSink) OnRandomness(ctx context.Context, alias string, sample [32]byte) error {
	err := p.Sink.OnRandomness(ctx, alias, sample)
	p.bc.Publish(ConnectionEvent{Kind: "randomness", Alias: alias})
	return err
}
