package channel

import (
	"context"

	"go.uber.org/zap"

	"github.com/nanoclaw/nanoclaw/internal/common/logger"
)

// LogChannel is the Channel used when no adapter is configured: it never
// reaches an external platform, only logs what would have been sent, the
// way the teacher's NoopClient stands in for an unconfigured GitHub
// integration.
type LogChannel struct {
	logger *logger.Logger
}

// NewLogChannel creates a LogChannel.
func NewLogChannel(log *logger.Logger) *LogChannel {
	return &LogChannel{logger: log.WithFields(zap.String("component", "channel-log"))}
}

func (c *LogChannel) Connect(ctx context.Context) error { return nil }

func (c *LogChannel) OnInbound(callback func(InboundMessage)) {}

func (c *LogChannel) SendMessage(ctx context.Context, chatID, text string) error {
	c.logger.Info("no channel adapter configured, dropping outbound message",
		zap.String("chat_id", chatID), zap.Int("text_len", len(text)))
	return nil
}

func (c *LogChannel) SetTyping(ctx context.Context, chatID string, typing bool) error {
	return nil
}

func (c *LogChannel) SyncMetadata(ctx context.Context, force bool) error { return nil }

func (c *LogChannel) Disconnect(ctx context.Context) error { return nil }
