package provider

import (
	"fmt"
	"strings"

	"github.com/kursadbilgin/clinic-dispatch/internal/domain"
	"go.uber.org/zap"
)

const KindLog = "log"

// NewFromKind builds the provider named by a *_PROVIDER setting. An empty
// kind returns (nil, nil): the channel stays unregistered.
func NewFromKind(kind string, channel domain.Channel, token string, logger *zap.Logger) (Provider, error) {
	kind = strings.TrimSpace(kind)

	switch {
	case kind == "":
		return nil, nil
	case strings.EqualFold(kind, KindLog):
		return NewLogProvider(channel, logger), nil
	case strings.HasPrefix(kind, "http://"), strings.HasPrefix(kind, "https://"):
		p, err := NewWebhookProvider(channel, kind, token)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unsupported provider %q for channel %s", kind, channel)
	}
}

// Setting is the configured provider for one channel.
type Setting struct {
	Channel domain.Channel
	Kind    string
	Token   string
}

// BuildRegistry registers a provider for every setting with a non-empty kind.
func BuildRegistry(settings []Setting, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	registry := NewRegistry()
	for _, s := range settings {
		p, err := NewFromKind(s.Kind, s.Channel, s.Token, logger)
		if err != nil {
			return nil, err
		}
		if p == nil {
			logger.Warn("no provider configured for channel", zap.String("channel", s.Channel.String()))
			continue
		}
		if err := registry.Register(s.Channel, p); err != nil {
			return nil, err
		}
	}
	return registry, nil
}
