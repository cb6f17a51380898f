package events

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/railpay/internal/clock"
	"github.com/smallbiznis/railpay/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module provides the outbox publisher.
var Module = fx.Module("events",
	fx.Provide(func(genID *snowflake.Node, clk clock.Clock) *Outbox {
		return NewOutbox(genID, clk)
	}),
	fx.Provide(func(o *Outbox) domain.EventPublisher { return o }),
)

// RelayModule runs the outbox relay in the background.
var RelayModule = fx.Module("events.relay",
	fx.Provide(NewRelay),
	fx.Invoke(runRelay),
)

func runRelay(lc fx.Lifecycle, relay *Relay, log *zap.Logger) {
	relay.Subscribe("*", LogSubscriber(log.Named("events")))

	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go relay.RunForever(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}
