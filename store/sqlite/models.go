package sqlite

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/xraph/grove"

	"github.com/xraph/chainhook/chainevent"
	"github.com/xraph/chainhook/id"
	"github.com/xraph/chainhook/internal/entity"
	"github.com/xraph/chainhook/ledger"
	"github.com/xraph/chainhook/ratelimit"
	"github.com/xraph/chainhook/subscription"
)

// --- Subscription models ---

type subscriptionModel struct {
	grove.BaseModel `grove:"table:chainhook_subscriptions"`

	ID              string     `grove:"id,pk"`
	URL             string     `grove:"url"`
	TokenAddress    string     `grove:"token_address"`
	EventTypes      string     `grove:"event_types"` // JSON array
	Secret          string     `grove:"secret"`
	Active          bool       `grove:"active"`
	RateLimit       int        `grove:"rate_limit"`
	CreatedBy       string     `grove:"created_by"`
	LastTriggeredAt *time.Time `grove:"last_triggered_at"`
	DeletedAt       *time.Time `grove:"deleted_at"`
	CreatedAt       time.Time  `grove:"created_at"`
	UpdatedAt       time.Time  `grove:"updated_at"`
}

func toSubscriptionModel(sub *subscription.Subscription) *subscriptionModel {
	eventTypes, _ := json.Marshal(sub.EventTypes) //nolint:errcheck // string slice

	return &subscriptionModel{
		ID:              sub.ID.String(),
		URL:             sub.URL,
		TokenAddress:    sub.TokenAddress,
		EventTypes:      string(eventTypes),
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

	var eventTypes []chainevent.Type
	if m.EventTypes != "" {
		if err := json.Unmarshal([]byte(m.EventTypes), &eventTypes); err != nil {
			return nil, fmt.Errorf("decode event types of %s: %w", m.ID, err)
		}
	}

	return &subscription.Subscription{
		Entity: entity.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:              subID,
		URL:             m.URL,
		TokenAddress:    m.TokenAddress,
		EventTypes:      eventTypes,
		Secret:          m.Secret,
		Active:          m.Active,
		RateLimit:       m.RateLimit,
		CreatedBy:       m.CreatedBy,
		LastTriggeredAt: m.LastTriggeredAt,
		DeletedAt:       m.DeletedAt,
	}, nil
}

// --- Delivery log models ---

type deliveryLogModel struct {
	grove.BaseModel `grove:"table:chainhook_delivery_logs"`

	ID             string    `grove:"id,pk"`
	SubscriptionID string    `grove:"subscription_id"`
	EventKey       string    `grove:"event_key"`
	EventType      string    `grove:"event_type"`
	Payload        string    `grove:"payload"` // JSON object
	StatusCode     int       `grove:"status_code"`
	Success        bool      `grove:"success"`
	Terminal       bool      `grove:"terminal"`
	Attempts       int       `grove:"attempts"`
	LastAttemptAt  time.Time `grove:"last_attempt_at"`
	ErrorMessage   string    `grove:"error_message"`
	CreatedAt      time.Time `grove:"created_at"`
	UpdatedAt      time.Time `grove:"updated_at"`
}

func toDeliveryLogModel(l *ledger.DeliveryLog) *deliveryLogModel {
	return &deliveryLogModel{
		ID:             l.ID.String(),
		SubscriptionID: l.SubscriptionID.String(),
		EventKey:       l.EventKey,
		EventType:      string(l.EventType),
		Payload:        string(l.Payload),
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
		Entity: entity.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:             logID,
		SubscriptionID: subID,
		EventKey:       m.EventKey,
		EventType:      chainevent.Type(m.EventType),
		Payload:        json.RawMessage(m.Payload),
		StatusCode:     m.StatusCode,
		Success:        m.Success,
		Terminal:       m.Terminal,
		Attempts:       m.Attempts,
		LastAttemptAt:  m.LastAttemptAt,
		ErrorMessage:   m.ErrorMessage,
	}, nil
}

// --- Cursor and counter models ---

type cursorModel struct {
	grove.BaseModel `grove:"table:chainhook_cursors"`

	Name       string    `grove:"name,pk"`
	Ledger     int64     `grove:"ledger"`
	EventIndex int       `grove:"event_index"`
	UpdatedAt  time.Time `grove:"updated_at"`
}

// rateLimitModel keeps the window start as Unix nanoseconds so the window
// arithmetic stays in integer SQL.
type rateLimitModel struct {
	grove.BaseModel `grove:"table:chainhook_rate_limits"`

	SubscriptionID string `grove:"subscription_id,pk"`
	RequestCount   int    `grove:"request_count"`
	WindowStartNs  int64  `grove:"window_start_ns"`
}

func (m *rateLimitModel) counter(subID id.ID) ratelimit.Counter {
	return ratelimit.Counter{
		SubscriptionID: subID,
		RequestCount:   m.RequestCount,
		WindowStart:    time.Unix(0, m.WindowStartNs).UTC(),
	}
}
