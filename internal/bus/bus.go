package bus

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var busMessages = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "kestrel",
		Subsystem: "bus",
		Name:      "messages_total",
		Help:      "Messages handed to subscribers, by topic and outcome.",
	},
	[]string{"topic", "outcome"},
)

func init() {
	prometheus.MustRegister(busMessages)
}

// New creates a new event bus based on configuration.
// For Community tier: returns ChannelBus.
// For Pro tier: returns NATSBus.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}

// Reply answers a message received through Request. Messages without a
// reply topic are ignored.
func Reply(ctx context.Context, b domain.EventBus, msg *domain.Message, payload []byte) error {
	to := msg.Metadata[MetadataReplyTo]
	if to == "" {
		return nil
	}
	if nb, ok := b.(*NATSBus); ok {
		return nb.reply(to, payload)
	}
	return b.Publish(ctx, to, payload)
}
