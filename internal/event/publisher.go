// Package event publishes session lifecycle events. Publishing is best
// effort: a broker outage never fails the request that triggered the event.
package event

import (
	"context"
	"log/slog"

	"github.com/bitemap/session/pkg/kafka"
	"github.com/bitemap/session/pkg/logger"
)

// Topics for session lifecycle events.
const (
	TopicLogin         = "session.login"
	TopicLogout        = "session.logout"
	TopicRefreshed     = "session.refreshed"
	TopicReuseDetected = "session.reuse_detected"
	TopicGuestUpgraded = "session.guest_upgraded"
)

const source = "session-service"

// LoginPayload is published on successful login or registration.
type LoginPayload struct {
	PrincipalID string   `json:"principal_id"`
	Email       string   `json:"email"`
	Roles       []string `json:"roles"`
	ClientIP    string   `json:"client_ip,omitempty"`
	NewAccount  bool     `json:"new_account,omitempty"`
}

// LogoutPayload is published when a session ends.
type LogoutPayload struct {
	PrincipalID string `json:"principal_id"`
	Scope       string `json:"scope"`
}

// RefreshedPayload is published on successful token rotation.
type RefreshedPayload struct {
	PrincipalID string `json:"principal_id"`
	LineageID   string `json:"lineage_id"`
}

// ReuseDetectedPayload is published when a lineage is revoked after reuse.
type ReuseDetectedPayload struct {
	PrincipalID string `json:"principal_id"`
	LineageID   string `json:"lineage_id"`
	ClientIP    string `json:"client_ip,omitempty"`
}

// GuestUpgradedPayload is published when a guest session becomes a user
// session.
type GuestUpgradedPayload struct {
	GuestID         string `json:"guest_id"`
	PrincipalID     string `json:"principal_id"`
	FavoritesMerged int    `json:"favorites_merged"`
}

// Publisher emits lifecycle events to Kafka.
type Publisher struct {
	producer *kafka.Producer
	logger   *slog.Logger
}

// NewPublisher creates a publisher over the given producer.
func NewPublisher(producer *kafka.Producer, log *slog.Logger) *Publisher {
	return &Publisher{producer: producer, logger: log}
}

// Publish emits one event, keyed by principalID. Failures are logged and
// swallowed.
func (p *Publisher) Publish(ctx context.Context, topic, eventType, principalID string, payload any) {
	if p == nil || p.producer == nil {
		return
	}

	evt, err := kafka.NewEvent(eventType, principalID, "session", source, payload)
	if err != nil {
		p.logger.ErrorContext(ctx, "failed to build event",
			slog.String("event_type", eventType),
			slog.String("error", err.Error()),
		)
		return
	}
	if cid := logger.CorrelationIDFromContext(ctx); cid != "" {
		evt.WithCorrelationID(cid)
	}

	if err := p.producer.Publish(ctx, topic, evt); err != nil {
		// Producer already logged the failure with topic context.
		return
	}
}
