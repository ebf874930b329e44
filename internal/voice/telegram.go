package voice

import (
	"context"

	kit "bossbot/internal/transport"
)

// ChatTransport delivers clips as voice notes through the chat adapter.
// Note delivery is stateless, so its connections never drop on their own.
type ChatTransport struct {
	adapter kit.Adapter
}

func NewChatTransport(adapter kit.Adapter) *ChatTransport {
	return &ChatTransport{adapter: adapter}
}

func (t *ChatTransport) Connect(_ context.Context, target Target) (Conn, error) {
	return &chatConn{adapter: t.adapter, target: target}, nil
}

type chatConn struct {
	adapter kit.Adapter
	target  Target
}

func (c *chatConn) Play(ctx context.Context, path string) error {
	_, err := c.adapter.SendVoice(ctx, kit.ChatTarget{ChatID: c.target.ChatID, ThreadID: c.target.ThreadID}, path)
	return err
}

func (c *chatConn) Close() error { return nil }

func (c *chatConn) Done() <-chan error { return nil }
