package provider

import (
	"context"

	"github.com/google/uuid"
	"github.com/kursadbilgin/clinic-dispatch/internal/domain"
	"go.uber.org/zap"
)

// LogProvider writes each message to the logger and reports it delivered.
// Used in development and staging where no gateway is configured.
type LogProvider struct {
	channel domain.Channel
	logger  *zap.Logger
}

func NewLogProvider(channel domain.Channel, logger *zap.Logger) *LogProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogProvider{channel: channel, logger: logger}
}

func (p *LogProvider) Send(ctx context.Context, recipient string, templateName string, variables map[string]string) (DeliveryResult, error) {
	if err := ctx.Err(); err != nil {
		return DeliveryResult{}, err
	}

	messageID := uuid.NewString()
	p.logger.Info("notification delivered to log provider",
		zap.String("channel", p.channel.String()),
		zap.String("recipient", recipient),
		zap.String("template", templateName),
		zap.Int("variables", len(variables)),
		zap.String("messageId", messageID),
	)
	return Delivered(0, messageID), nil
}
