package subscription

import (
	"context"
	"time"

	"github.com/xraph/chainhook/id"
)

// Store persists subscriptions. Soft-deleted rows are invisible to every
// read method.
type Store interface {
	CreateSubscription(ctx context.Context, sub *Subscription) error
	GetSubscription(ctx context.Context, subID id.ID) (*Subscription, error)
	UpdateSubscription(ctx context.Context, sub *Subscription) error
	ListSubscriptions(ctx context.Context, opts ListOpts) ([]*Subscription, error)

	// ListActiveSubscriptions returns every active, non-deleted subscription.
	// The registry calls it on each cache refresh.
	ListActiveSubscriptions(ctx context.Context) ([]*Subscription, error)

	SetActive(ctx context.Context, subID id.ID, active bool) error

	// TouchTriggered records the completion time of a successful delivery.
	TouchTriggered(ctx context.Context, subID id.ID, at time.Time) error
}
