package manager

import (
	"context"

	"github.com/zgsm-ai/tunnel-starter/internal/tunnel"
)

// ctrlType enumerates control message kinds handled by handler.
type ctrlType int

const (
	ctrlOpen ctrlType = iota
	ctrlClose
	ctrlShutdown
)

// ctrlMsg is a control-plane message sent to a handler to serialize
// lifecycle ops for one key.
type ctrlMsg struct {
	Type  ctrlType
	Rec   tunnel.Record
	Reply chan error
}

// handler owns the control path for a single tunnel key. All lifecycle
// operations for the key flow through its channel, which gives each key a
// total order of open/close/crash handling without a per-key lock.
type handler struct {
	key  tunnel.Key
	ctrl chan ctrlMsg
	m    *Manager
}

func newHandler(key tunnel.Key, m *Manager) *handler {
	return &handler{key: key, ctrl: make(chan ctrlMsg, 16), m: m}
}

func (h *handler) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-h.ctrl:
			var err error
			switch msg.Type {
			case ctrlOpen:
				err = h.m.launch(h.key, msg.Rec)
			case ctrlClose:
				err = h.m.terminate(h.key)
			case ctrlShutdown:
				if msg.Reply != nil {
					msg.Reply <- nil
				}
				return
			}
			if msg.Reply != nil {
				msg.Reply <- err
			}
		}
	}
}

// send dispatches a control message and waits for the handler's reply.
func (h *handler) send(ctx context.Context, msg ctrlMsg) error {
	msg.Reply = make(chan error, 1)
	select {
	case h.ctrl <- msg:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-msg.Reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
