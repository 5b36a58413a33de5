// Package protocol is the innermost layer of the connection pipeline: it
// receives already-demultiplexed, already-decrypted message payloads for a
// single mplex stream, tagged with the multistream-select protocol name the
// stream negotiated, and hands them to a collaborator for persistence.
//
// Decoding the wire format of any individual Mina protocol (rpc, meshsub,
// and so on) is out of scope here — this package only classifies a stream
// by its negotiated name and forwards message boundaries, matching the
// contract the rest of the pipeline depends on.
package protocol

import "strings"

// Kind coarsely classifies a negotiated protocol name for observability;
// it does not affect how message bytes are handled.
type Kind string

const (
	KindRPC     Kind = "rpc"
	KindMeshsub Kind = "meshsub"
	KindUnknown Kind = "unknown"
)

// KindFromName classifies a negotiated multistream-select protocol name.
func KindFromName(name string) Kind {
	switch {
	case strings.HasPrefix(name, "/mina/rpcs/") || strings.HasPrefix(name, "/coda/rpcs/"):
		return KindRPC
	case strings.HasPrefix(name, "/meshsub/") || strings.HasPrefix(name, "/floodsub/"):
		return KindMeshsub
	default:
		return KindUnknown
	}
}

// Recorder receives one already-framed application message at a time. The
// recorder package implements this to persist messages via a storage.Sink.
type Recorder interface {
	RecordMessage(protocolName string, kind Kind, incoming bool, data []byte) error
}

// State dispatches message payloads for a single stream to a Recorder,
// tagged with the protocol name the stream negotiated.
type State struct {
	name string
	kind Kind
	rec  Recorder
}

// New constructs a State for a stream that negotiated protocolName.
func New(protocolName string, rec Recorder) *State {
	return &State{name: protocolName, kind: KindFromName(protocolName), rec: rec}
}

// OnData forwards one message payload to the underlying Recorder.
func (s *State) OnData(incoming bool, data []byte) error {
	return s.rec.RecordMessage(s.name, s.kind, incoming, data)
}
