package adapters

import (
	"fmt"
	"sort"
	"strings"

	"github.com/smallbiznis/railpay/internal/payment/domain"
)

// Registry resolves a channel tag to its adapter.
type Registry struct {
	channels map[string]domain.Channel
}

func NewRegistry(channels ...domain.Channel) *Registry {
	registry := &Registry{channels: make(map[string]domain.Channel, len(channels))}
	for _, channel := range channels {
		if channel == nil {
			continue
		}
		registry.channels[normalize(channel.Name())] = channel
	}
	return registry
}

func (r *Registry) ChannelExists(name string) bool {
	if r == nil {
		return false
	}
	_, ok := r.channels[normalize(name)]
	return ok
}

// Get returns the adapter for name or domain.ErrUnsupportedChannel.
func (r *Registry) Get(name string) (domain.Channel, error) {
	if r == nil {
		return nil, domain.ErrUnsupportedChannel
	}
	channel, ok := r.channels[normalize(name)]
	if !ok {
		return nil, domain.ErrUnsupportedChannel
	}
	return channel, nil
}

// Names lists the registered channel tags in sorted order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.channels))
	for name := range r.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SupportsTradeType reports whether the channel accepts tradeType.
func SupportsTradeType(channel domain.Channel, tradeType string) bool {
	for _, candidate := range channel.TradeTypes() {
		if candidate == tradeType {
			return true
		}
	}
	return false
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// MetadataString reads a scene field such as openid or buyer_id from charge
// metadata.
func MetadataString(metadata map[string]any, key string) string {
	if metadata == nil {
		return ""
	}
	value, ok := metadata[key]
	if !ok || value == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(value))
}
