package presence

import (
	"context"
	"sync"

	"github.com/cwrk-planet/presence-service/internal/domain"
)

type Handler[E domain.Event] func(ctx context.Context, ev E)

// Dispatcher keeps an ordered handler list per event variant.
type Dispatcher struct {
	mu           sync.RWMutex
	roomAssigned []Handler[domain.RoomAssigned]
	userJoined   []Handler[domain.UserJoined]
	userLeft     []Handler[domain.UserLeft]
}

func NewDispatcher() *Dispatcher { return &Dispatcher{} }

func (d *Dispatcher) OnRoomAssigned(h Handler[domain.RoomAssigned]) {
	d.mu.Lock()
	d.roomAssigned = append(d.roomAssigned, h)
	d.mu.Unlock()
}

func (d *Dispatcher) OnUserJoined(h Handler[domain.UserJoined]) {
	d.mu.Lock()
	d.userJoined = append(d.userJoined, h)
	d.mu.Unlock()
}

func (d *Dispatcher) OnUserLeft(h Handler[domain.UserLeft]) {
	d.mu.Lock()
	d.userLeft = append(d.userLeft, h)
	d.mu.Unlock()
}

// Dispatch runs the handlers of ev's variant in registration order.
func (d *Dispatcher) Dispatch(ctx context.Context, ev domain.Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	switch e := ev.(type) {
	case domain.RoomAssigned:
		run(ctx, d.roomAssigned, e)
	case domain.UserJoined:
		run(ctx, d.userJoined, e)
	case domain.UserLeft:
		run(ctx, d.userLeft, e)
	}
}

func run[E domain.Event](ctx context.Context, hs []Handler[E], ev E) {
	for _, h := range hs {
		h(ctx, ev)
	}
}
