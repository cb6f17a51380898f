package clock

import "go.uber.org/fx"

// Module provides the wall clock used by the payment state machines.
var Module = fx.Module("clock",
	fx.Provide(NewSystem),
)

func NewSystem() Clock { return SystemClock{} }
