package workers

import (
	"context"
	"log/slog"
	"sync"

	"wfchat/contract"
	"wfchat/errors"
	"wfchat/repositories"
)

// ControlHandler applies room creation and destruction events from other processes.
type ControlHandler interface {
	HandleControl(ctx context.Context, payload []byte)
}

// ControlWatcher listens on the control channel for the whole life of the process.
// Ready is closed once the first subscription is live, so that the room directory
// can be read without missing an event published in between.
type ControlWatcher struct {
	bus     contract.Bus
	handler ControlHandler
	log     *slog.Logger
	ready   chan struct{}
	once    sync.Once
}

func NewControlWatcher(bus contract.Bus, handler ControlHandler, log *slog.Logger) *ControlWatcher {
	return &ControlWatcher{
		bus:     bus,
		handler: handler,
		log:     log,
		ready:   make(chan struct{}),
	}
}

func (w *ControlWatcher) Ready() <-chan struct{} {
	return w.ready
}

func (w *ControlWatcher) Run(ctx context.Context) error {
	sub, err := w.bus.Subscribe(ctx, repositories.ControlChannel)
	if err != nil {
		return err
	}
	defer func() { _ = sub.Close() }()

	w.once.Do(func() { close(w.ready) })
	w.log.Info("Watching room control channel", "channel", repositories.ControlChannel)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-sub.Messages():
			if !ok {
				// Restarted by the supervisor.
				return errors.ErrSubscriptionClosed
			}
			w.handler.HandleControl(ctx, payload)
		}
	}
}
