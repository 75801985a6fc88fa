package provider

import (
	"fmt"
	"sort"
	"sync"

	"github.com/kursadbilgin/clinic-dispatch/internal/domain"
)

// Registry maps channels to providers. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	providers map[domain.Channel]Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[domain.Channel]Provider)}
}

// Register binds p to channel, replacing any earlier binding.
func (r *Registry) Register(channel domain.Channel, p Provider) error {
	if !channel.IsValid() {
		return fmt.Errorf("%w: invalid channel %q", domain.ErrValidation, string(channel))
	}
	if p == nil {
		return fmt.Errorf("%w: provider for channel %s is nil", domain.ErrValidation, channel)
	}

	r.mu.Lock()
	r.providers[channel] = p
	r.mu.Unlock()
	return nil
}

func (r *Registry) Resolve(channel domain.Channel) (Provider, error) {
	r.mu.RLock()
	p, ok := r.providers[channel]
	r.mu.RUnlock()

	if !ok {
		return nil, &UnknownChannelError{Channel: channel}
	}
	return p, nil
}

// Channels returns the registered channels in lexical order.
func (r *Registry) Channels() []domain.Channel {
	r.mu.RLock()
	channels := make([]domain.Channel, 0, len(r.providers))
	for channel := range r.providers {
		channels = append(channels, channel)
	}
	r.mu.RUnlock()

	sort.Slice(channels, func(i, j int) bool { return channels[i] < channels[j] })
	return channels
}
