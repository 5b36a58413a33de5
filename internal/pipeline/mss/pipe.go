package mss

// Handler is the interface an mss.Pipe's inner layer must satisfy. It is
// the same shape every layer in the connection pipeline exposes, so each
// layer package can compose the next without importing a shared pipeline
// package.
type Handler interface {
	OnData(incoming bool, data []byte) error
}

// Pipe composes the negotiation State with a dynamically constructed inner
// layer: it feeds bytes to the negotiation engine until a protocol is
// agreed, then constructs Inner via factory and forwards everything from
// that point on, in both directions, straight to it.
type Pipe[Inner Handler] struct {
	neg     State
	factory func(protocol string) Inner
	inner   Inner
	started bool

	// OnToken, if set, is called with every token decoded during
	// negotiation, for audit trails that want to record the raw handshake.
	OnToken func(incoming bool, token string)
}

// NewPipe constructs a Pipe. factory is invoked exactly once, with the
// agreed protocol name, the moment both directions converge.
func NewPipe[Inner Handler](factory func(protocol string) Inner) *Pipe[Inner] {
	return &Pipe[Inner]{factory: factory}
}

// OnData feeds one direction's bytes through negotiation, or — once
// negotiation has completed — straight through to Inner.
func (p *Pipe[Inner]) OnData(incoming bool, data []byte) error {
	if p.started {
		return p.inner.OnData(incoming, data)
	}

	res := p.neg.Poll(incoming, data)
	if p.OnToken != nil {
		for _, tok := range res.Tokens {
			p.OnToken(incoming, tok)
		}
	}
	if res.Err != nil {
		// A malformed token poisons this direction's negotiation; the
		// other direction is unaffected since each runs its own
		// low-level accumulator.
		return res.Err
	}
	if !res.Agreed {
		return nil
	}

	p.inner = p.factory(res.Protocol)
	p.started = true
	if len(res.Remainder) == 0 {
		return nil
	}
	return p.inner.OnData(incoming, res.Remainder)
}

// Done reports the agreed protocol name, if negotiation has completed.
func (p *Pipe[Inner]) Done() (protocol string, ok bool) {
	return p.neg.Done()
}
