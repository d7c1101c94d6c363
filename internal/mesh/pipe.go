package mesh

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// PipeRouter speaks newline-delimited JSON over a reader/writer pair, which
// lets the daemon sit inside a gateway pipeline: delivered packets arrive one
// per line on the reader, outbound frames are written one per line to the
// writer. It implements Router for the egress side and dispatches ingress
// packets to a registered Handler.
type PipeRouter struct {
	log *slog.Logger
	r   io.Reader

	wmu sync.Mutex
	w   io.Writer

	hmu     sync.RWMutex
	handler Handler
}

// NewPipeRouter wires a router around the given reader and writer.
func NewPipeRouter(log *slog.Logger, r io.Reader, w io.Writer) *PipeRouter {
	return &PipeRouter{log: log, r: r, w: w}
}

// SetHandler registers the ingress handler. Packets read before a handler is
// registered are dropped with a warning.
func (p *PipeRouter) SetHandler(h Handler) {
	p.hmu.Lock()
	defer p.hmu.Unlock()
	p.handler = h
}

// SendMessage writes one frame as a single JSON line. Writes are serialized
// so concurrent senders cannot interleave lines.
func (p *PipeRouter) SendMessage(ctx context.Context, msg *Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("mesh: error encoding message: %w", err)
	}
	p.wmu.Lock()
	defer p.wmu.Unlock()
	if _, err := p.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("mesh: error writing message: %w", err)
	}
	return nil
}

// Run reads frames until the reader is exhausted or the context is canceled.
// Malformed lines are logged and skipped; handler errors are logged but do
// not stop the read loop. Returns nil on clean EOF or cancellation.
func (p *PipeRouter) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(p.r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			p.log.Warn("mesh: skipping malformed frame", "error", err)
			continue
		}
		p.hmu.RLock()
		h := p.handler
		p.hmu.RUnlock()
		if h == nil {
			p.log.Warn("mesh: no handler registered, dropping frame", "id", msg.ID)
			continue
		}
		if err := h.HandleMessage(ctx, &msg); err != nil {
			p.log.Error("mesh: handler error", "id", msg.ID, "error", err)
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		return fmt.Errorf("mesh: read loop failed: %w", err)
	}
	return nil
}
