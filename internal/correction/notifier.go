// Package correction delivers balance_correction events to the sockets of the
// affected identity, either in-process or across instances over Redis.
package correction

import (
	"context"

	"github.com/evetabi/slotmine/internal/domain"
	"github.com/evetabi/slotmine/internal/ws"
)

// Notifier pushes a balance correction to every connection of its owner.
type Notifier interface {
	Notify(ctx context.Context, c domain.BalanceCorrection) error
}

// CriticalPublisher is the hub surface used for identity-critical frames.
type CriticalPublisher interface {
	PublishCritical(identity string, frameType ws.MsgType, data any) int
}

// Local delivers corrections straight to this process's hub.
type Local struct {
	hub CriticalPublisher
}

// NewLocal returns a Local notifier.
func NewLocal(hub CriticalPublisher) *Local {
	return &Local{hub: hub}
}

// Notify sends the correction to every connection of c.OwnerID, ignoring
// topic subscriptions.  An owner with no connection is not an error.
func (l *Local) Notify(_ context.Context, c domain.BalanceCorrection) error {
	l.hub.PublishCritical(c.OwnerID.String(), ws.MsgTypeBalanceCorrection, c)
	return nil
}

var (
	_ Notifier = (*Local)(nil)
	_ Notifier = (*Redis)(nil)
)
