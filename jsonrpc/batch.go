package jsonrpc

// BeginBatch opens a batch scope. Scopes nest; messages created and replies
// produced while any scope is open are buffered instead of returned.
func (p *Peer) BeginBatch() {
	p.batchDepth++
}

// EndBatch closes the innermost batch scope. Buffered messages stay
// buffered until CollectBatch.
func (p *Peer) EndBatch() {
	if p.batchDepth > 0 {
		p.batchDepth--
	}
}

// Batch runs fn inside a batch scope. The scope is closed on every exit
// path, including a panic in fn.
func (p *Peer) Batch(fn func() error) error {
	p.BeginBatch()
	defer p.EndBatch()
	return fn()
}

// Batching reports whether a batch scope is open.
func (p *Peer) Batching() bool {
	return p.batchDepth > 0
}

// BatchSize returns the number of buffered messages.
func (p *Peer) BatchSize() int {
	return len(p.batched)
}

// CollectBatch drains the buffer into a Batch. Any extra messages are
// appended first, in order. It returns nil when there is nothing to send.
func (p *Peer) CollectBatch(extra ...Message) Message {
	for _, m := range extra {
		if !isNilMessage(m) {
			p.enqueue(m)
		}
	}
	if len(p.batched) == 0 {
		return nil
	}
	b := Batch(p.batched)
	p.batched = nil
	p.log.Debug().Int("size", len(b)).Msg("batch collected")
	return b
}

// filter buffers m while a batch scope is open and returns nil; otherwise it
// returns m unchanged.
func (p *Peer) filter(m Message) Message {
	if p.batchDepth == 0 {
		return m
	}
	p.log.Debug().Stringer("message", m).Msg("batching message")
	p.enqueue(m)
	return nil
}

// enqueue appends m to the buffer, flattening batches.
func (p *Peer) enqueue(m Message) {
	if b, ok := m.(Batch); ok {
		p.batched = append(p.batched, b...)
		return
	}
	p.batched = append(p.batched, m)
}

func isNilMessage(m Message) bool {
	switch v := m.(type) {
	case nil:
		return true
	case *Request:
		return v == nil
	case *Notification:
		return v == nil
	case *Response:
		return v == nil
	case *ErrorResponse:
		return v == nil
	case Batch:
		return len(v) == 0
	}
	return false
}
