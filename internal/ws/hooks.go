package ws

import (
	"context"

	"github.com/example/shared-note/internal/document"
	"github.com/example/shared-note/internal/types"
)

// SessionHandler receives transport events for sessions.
type SessionHandler interface {
	Connect(ctx context.Context, peer document.Peer, name types.DocumentName) error
	Receive(ctx context.Context, peer document.Peer, frame []byte) error
	Disconnect(ctx context.Context, peer document.Peer) error
}

// HandlerHooks adapts a SessionHandler to gateway hooks.
func HandlerHooks(h SessionHandler) Hooks {
	return Hooks{
		OnConnect: func(ctx context.Context, conn *Connection) error {
			return h.Connect(ctx, conn, conn.Document())
		},
		OnMessage: func(ctx context.Context, conn *Connection, payload []byte) error {
			return h.Receive(ctx, conn, payload)
		},
		OnDisconnect: func(conn *Connection) {
			if err := h.Disconnect(context.Background(), conn); err != nil {
				conn.logger.Debug().Err(err).Msg("disconnect not delivered")
			}
		},
	}
}
