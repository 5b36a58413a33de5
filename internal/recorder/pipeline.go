package recorder

import (
	"github.com/mina-net/debugger/internal/pipeline/chunk"
	"github.com/mina-net/debugger/internal/pipeline/mplex"
	"github.com/mina-net/debugger/internal/pipeline/mss"
	"github.com/mina-net/debugger/internal/pipeline/noise"
	"github.com/mina-net/debugger/internal/pipeline/pnet"
	"github.com/mina-net/debugger/internal/pipeline/protocol"
)

// The connection pipeline nests one nested generic layer per wire encoding a
// Mina connection passes through, innermost first:
//
//	protocol.State            -- per-stream application dispatch
//	mss.Pipe[..]              -- per-stream protocol negotiation
//	mplex.Layer[..]           -- stream multiplexing
//	noise.Layer[..]           -- encrypted channel
//	chunk.Layer[..]           -- length-prefixed framing
//	mss.Pipe[..]              -- channel-level protocol negotiation
//	pnet.Layer[..]            -- private network preamble
//
// Every layer type parameter is instantiated concretely here so the whole
// stack collapses to a single named type with no further generic
// indirection at the call site.
type (
	streamPipe         = *mss.Pipe[*protocol.State]
	mplexLayer         = *mplex.Layer[streamPipe]
	noiseLayer         = *noise.Layer[mplexLayer]
	chunkLayer         = *chunk.Layer[noiseLayer]
	channelPipe        = *mss.Pipe[chunkLayer]
	connectionPipeline = *pnet.Layer[channelPipe]
)

// newConnectionPipeline builds one fresh pipeline for a newly observed
// connection. candidates supplies the alias-scoped randomness queue the
// Noise layer tries as the local ephemeral private key; rec receives every
// application message the innermost protocol.State layers produce, already
// tagged with its stream's negotiated protocol name.
func newConnectionPipeline(candidates noise.CandidateSource, rec protocol.Recorder) connectionPipeline {
	newStream := func() streamPipe {
		return mss.NewPipe(func(name string) *protocol.State {
			return protocol.New(name, rec)
		})
	}

	mplexL := mplex.New(newStream)
	noiseL := noise.New(mplexL, candidates)
	chunkL := chunk.New(noiseL)
	// The channel-level negotiation is expected to agree on "/noise"; this
	// recorder only understands the noise+mplex stack regardless of which
	// name was actually selected, so the factory ignores it.
	channel := mss.NewPipe(func(protocolName string) chunkLayer {
		return chunkL
	})

	return pnet.New(channel)
}
