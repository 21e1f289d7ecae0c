package bunstore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/xraph/chainhook/chainevent"
	"github.com/xraph/chainhook/id"
	"github.com/xraph/chainhook/internal/entity"
	"github.com/xraph/chainhook/ledger"
	"github.com/xraph/chainhook/ratelimit"
	"github.com/xraph/chainhook/subscription"
)

type subscriptionModel struct {
	bun.BaseModel `bun:"table:chainhook_subscriptions"`

	ID              string     `bun:"id,pk"`
	URL             string     `bun:"url,notnull"`
	TokenAddress    string     `bun:"token_address,notnull,default:''"`
	EventTypes      []string   `bun:"event_types,array"`
	Secret          string     `bun:"secret,notnull"`
	Active          bool       `bun:"active,notnull"`
	RateLimit       int        `bun:"rate_limit,notnull,default:0"`
	CreatedBy       string     `bun:"created_by,notnull,default:''"`
	LastTriggeredAt *time.Time `bun:"last_triggered_at,nullzero"`
	DeletedAt       *time.Time `bun:"deleted_at,nullzero"`
	CreatedAt       time.Time  `bun:"created_at,notnull"`
	UpdatedAt       time.Time  `bun:"updated_at,notnull"`
}

func toSubscriptionModel(sub *subscription.Subscription) *subscriptionModel {
	types := make([]string, len(sub.EventTypes))
	for i, t := range sub.EventTypes {
		types[i] = string(t)
	}
	return &subscriptionModel{
		ID:              sub.ID.String(),
		URL:             sub.URL,
		TokenAddress:    sub.TokenAddress,
		EventTypes:      types,
		Secret:          sub.Secret,
		Active:          sub.Active,
		RateLimit:       sub.RateLimit,
		CreatedBy:       sub.CreatedBy,
		LastTriggeredAt: sub.LastTriggeredAt,
		DeletedAt:       sub.DeletedAt,
		CreatedAt:       sub.CreatedAt,
		UpdatedAt:       sub.UpdatedAt,
	}
}

func fromSubscriptionModel(m *subscriptionModel) (*subscription.Subscription, error) {
	subID, err := id.ParseSubscriptionID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse subscription ID %q: %w", m.ID, err)
	}
	types := make([]chainevent.Type, len(m.EventTypes))
	for i, t := range m.EventTypes {
		types[i] = chainevent.Type(t)
	}
	return &subscription.Subscription{
		Entity:          entity.Entity{CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt},
		ID:              subID,
		URL:             m.URL,
		TokenAddress:    m.TokenAddress,
		EventTypes:      types,
		Secret:          m.Secret,
		Active:          m.Active,
		RateLimit:       m.RateLimit,
		CreatedBy:       m.CreatedBy,
		LastTriggeredAt: m.LastTriggeredAt,
		DeletedAt:       m.DeletedAt,
	}, nil
}

type deliveryLogModel struct {
	bun.BaseModel `bun:"table:chainhook_delivery_logs"`

	ID             string          `bun:"id,pk"`
	SubscriptionID string          `bun:"subscription_id,notnull,unique:pair"`
	EventKey       string          `bun:"event_key,notnull,unique:pair"`
	EventType      string          `bun:"event_type,notnull"`
	Payload        json.RawMessage `bun:"payload,type:jsonb,notnull"`
	StatusCode     int             `bun:"status_code,notnull,default:0"`
	Success        bool            `bun:"success,notnull"`
	Terminal       bool            `bun:"terminal,notnull"`
	Attempts       int             `bun:"attempts,notnull,default:0"`
	LastAttemptAt  time.Time       `bun:"last_attempt_at,notnull"`
	ErrorMessage   string          `bun:"error_message,notnull,default:''"`
	CreatedAt      time.Time       `bun:"created_at,notnull"`
	UpdatedAt      time.Time       `bun:"updated_at,notnull"`
}

func toDeliveryLogModel(l *ledger.DeliveryLog) *deliveryLogModel {
	return &deliveryLogModel{
		ID:             l.ID.String(),
		SubscriptionID: l.SubscriptionID.String(),
		EventKey:       l.EventKey,
		EventType:      string(l.EventType),
		Payload:        l.Payload,
		StatusCode:     l.StatusCode,
		Success:        l.Success,
		Terminal:       l.Terminal,
		Attempts:       l.Attempts,
		LastAttemptAt:  l.LastAttemptAt,
		ErrorMessage:   l.ErrorMessage,
		CreatedAt:      l.CreatedAt,
		UpdatedAt:      l.UpdatedAt,
	}
}

func fromDeliveryLogModel(m *deliveryLogModel) (*ledger.DeliveryLog, error) {
	logID, err := id.ParseDeliveryLogID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse delivery log ID %q: %w", m.ID, err)
	}
	subID, err := id.ParseSubscriptionID(m.SubscriptionID)
	if err != nil {
		return nil, fmt.Errorf("parse subscription ID %q: %w", m.SubscriptionID, err)
	}
	return &ledger.DeliveryLog{
		Entity:         entity.Entity{CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt},
		ID:             logID,
		SubscriptionID: subID,
		EventKey:       m.EventKey,
		EventType:      chainevent.Type(m.EventType),
		Payload:        m.Payload,
		StatusCode:     m.StatusCode,
		Success:        m.Success,
		Terminal:       m.Terminal,
		Attempts:       m.Attempts,
		LastAttemptAt:  m.LastAttemptAt,
		ErrorMessage:   m.ErrorMessage,
	}, nil
}

type cursorModel struct {
	bun.BaseModel `bun:"table:chainhook_cursors"`

	Name       string    `bun:"name,pk"`
	Ledger     int64     `bun:"ledger,notnull"`
	EventIndex int       `bun:"event_index,notnull"`
	UpdatedAt  time.Time `bun:"updated_at,notnull,default:current_timestamp"`
}

type rateLimitModel struct {
	bun.BaseModel `bun:"table:chainhook_rate_limits"`

	SubscriptionID string    `bun:"subscription_id,pk"`
	RequestCount   int       `bun:"request_count,notnull"`
	WindowStart    time.Time `bun:"window_start,notnull"`
}

func (m *rateLimitModel) counter(subID id.ID) ratelimit.Counter {
	return ratelimit.Counter{
		SubscriptionID: subID,
		RequestCount:   m.RequestCount,
		WindowStart:    m.WindowStart.UTC(),
	}
}
