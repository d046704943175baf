// Package ingest turns payment-provider webhooks into ledger writes.
package ingest

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/docgen/entitlement-api/internal/domain/catalog"
	"github.com/docgen/entitlement-api/internal/domain/ledger"
	"github.com/docgen/entitlement-api/internal/pkg/logger"
	"github.com/docgen/entitlement-api/internal/pkg/metrics"
)

// Event types, also the webhook_events.event_type values
const (
	EventPurchaseCompleted   = "purchase.completed"
	EventPurchaseConfirmed   = "purchase.confirmed"
	EventPurchaseRefunded    = "purchase.refunded"
	EventSubscriptionUpdated = "subscription.updated"
)

// webhookActor is recorded as admin_id on webhook-driven status changes
const webhookActor = "webhook"

// Delivery is the raw inbound request journaled before it is applied
type Delivery struct {
	Payload        []byte
	SignatureValid bool
}

type Service struct {
	store ledger.Store
}

func NewService(store ledger.Store) *Service {
	return &Service{store: store}
}

// PurchaseCompleted creates the purchase for a completion event. Replays
// return the existing purchase with Created=false.
func (s *Service) PurchaseCompleted(ctx context.Context, d Delivery, req PurchaseCompletedRequest) (*PurchaseResult, error) {
	evt, err := ledger.ValidateEvent(ledger.PurchaseEvent{
		ExternalEventID: req.ExternalEventID,
		PurchaserID:     req.Principal,
		PackageType:     catalog.PackageType(strings.TrimSpace(req.PackageType)),
		TemplateID:      req.TemplateID,
		CreditsGranted:  req.CreditsGranted,
		Amount:          req.Amount,
		Status:          ledger.Status(strings.TrimSpace(req.Status)),
	})
	if err != nil {
		metrics.RecordWebhook(EventPurchaseCompleted, "rejected")
		return nil, err
	}

	var (
		purchase *ledger.Purchase
		created  bool
	)
	replayed, err := s.journal(ctx, EventPurchaseCompleted, evt.ExternalEventID, d, func(ctx context.Context) error {
		p, c, err := s.store.UpsertPurchaseFromExternalEvent(ctx, evt)
		purchase, created = p, c
		return err
	})
	if err != nil {
		return nil, err
	}

	if purchase == nil {
		purchase, err = s.store.GetPurchaseByExternalEvent(ctx, evt.ExternalEventID)
		if err != nil {
			return nil, err
		}
	}

	if created {
		logger.FromContext(ctx).Info().
			Str("principal", purchase.PurchaserID).
			Str("purchase_id", purchase.ID.String()).
			Str("package_type", string(purchase.PackageType)).
			Int("credits", purchase.CreditsTotal).
			Str("status", string(purchase.Status)).
			Msg("purchase ingested")
	}

	return &PurchaseResult{
		Purchase: ledger.NewPurchaseResponse(purchase),
		Created:  created,
		Replayed: replayed || !created,
	}, nil
}

// PurchaseConfirmed advances a pending purchase to completed.
func (s *Service) PurchaseConfirmed(ctx context.Context, d Delivery, req PurchaseConfirmedRequest) (*PurchaseResult, error) {
	return s.advance(ctx, d, EventPurchaseConfirmed, req.ExternalEventID, req.PurchaseEventID, ledger.StatusCompleted, "")
}

// PurchaseRefunded advances the purchase created by req.PurchaseEventID to refunded.
func (s *Service) PurchaseRefunded(ctx context.Context, d Delivery, req PurchaseRefundedRequest) (*PurchaseResult, error) {
	return s.advance(ctx, d, EventPurchaseRefunded, req.ExternalEventID, req.PurchaseEventID, ledger.StatusRefunded, req.Reason)
}

func (s *Service) advance(ctx context.Context, d Delivery, eventType, externalID, purchaseEventID string, status ledger.Status, reason string) (*PurchaseResult, error) {
	externalID = strings.TrimSpace(externalID)
	purchaseEventID = strings.TrimSpace(purchaseEventID)
	if externalID == "" || purchaseEventID == "" {
		metrics.RecordWebhook(eventType, "rejected")
		return nil, ErrInvalidPayload
	}
	if reason == "" {
		reason = eventType + " " + externalID
	}

	var purchase *ledger.Purchase
	replayed, err := s.journal(ctx, eventType, externalID, d, func(ctx context.Context) error {
		p, err := s.store.GetPurchaseByExternalEvent(ctx, purchaseEventID)
		if err != nil {
			return err
		}
		purchase, err = s.store.AdvanceStatus(ctx, ledger.StatusChange{
			PurchaseID: p.ID,
			Status:     status,
			AdminID:    webhookActor,
			Reason:     reason,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	if purchase == nil {
		purchase, err = s.store.GetPurchaseByExternalEvent(ctx, purchaseEventID)
		if err != nil {
			return nil, err
		}
	} else {
		logger.FromContext(ctx).Info().
			Str("principal", purchase.PurchaserID).
			Str("purchase_id", purchase.ID.String()).
			Str("status", string(purchase.Status)).
			Msg("purchase status advanced")
	}

	return &PurchaseResult{Purchase: ledger.NewPurchaseResponse(purchase), Replayed: replayed}, nil
}

// SubscriptionUpdated sets the principal's tier, creating the principal if needed.
func (s *Service) SubscriptionUpdated(ctx context.Context, d Delivery, req SubscriptionUpdatedRequest) (*PrincipalResult, error) {
	externalID := strings.TrimSpace(req.ExternalEventID)
	principalID := strings.TrimSpace(req.Principal)
	tier := catalog.TierID(strings.TrimSpace(req.Tier))
	if externalID == "" || principalID == "" || !catalog.IsKnownTier(tier) {
		metrics.RecordWebhook(EventSubscriptionUpdated, "rejected")
		return nil, ErrInvalidPayload
	}

	var principal *ledger.Principal
	replayed, err := s.journal(ctx, EventSubscriptionUpdated, externalID, d, func(ctx context.Context) error {
		p, err := s.store.UpsertPrincipalTier(ctx, principalID, tier)
		principal = p
		return err
	})
	if err != nil {
		return nil, err
	}

	if principal == nil {
		principal, err = s.store.GetPrincipal(ctx, principalID)
		if err != nil {
			return nil, err
		}
	} else {
		logger.FromContext(ctx).Info().
			Str("principal", principalID).
			Str("tier", string(tier)).
			Msg("tier updated")
	}

	return &PrincipalResult{Principal: ledger.NewPrincipalResponse(principal), Replayed: replayed}, nil
}

// journal records the delivery and runs apply unless an earlier delivery of
// the same event was already processed successfully.
func (s *Service) journal(ctx context.Context, eventType, externalID string, d Delivery, apply func(context.Context) error) (bool, error) {
	log := logger.FromContext(ctx)

	payload := d.Payload
	if !json.Valid(payload) {
		payload = []byte("{}")
	}

	evt, duplicate, err := s.store.RecordWebhookEvent(ctx, ledger.WebhookEvent{
		EventType:       eventType,
		ExternalEventID: externalID,
		Payload:         payload,
		SignatureValid:  d.SignatureValid,
	})
	if err != nil {
		metrics.RecordWebhook(eventType, "failed")
		return false, err
	}

	if duplicate && evt.ProcessedAt != nil {
		metrics.RecordWebhook(eventType, "replayed")
		log.Debug().Str("event_type", eventType).Str("external_event_id", externalID).Msg("webhook replay skipped")
		return true, nil
	}

	applyErr := apply(ctx)
	if err := s.store.MarkWebhookProcessed(ctx, evt.ID, applyErr); err != nil {
		log.Warn().Err(err).Str("event_id", evt.ID.String()).Msg("failed to mark webhook processed")
	}
	if applyErr != nil {
		metrics.RecordWebhook(eventType, "failed")
		log.Warn().Err(applyErr).Str("event_type", eventType).Str("external_event_id", externalID).Msg("webhook processing failed")
		return false, applyErr
	}

	metrics.RecordWebhook(eventType, "processed")
	return duplicate, nil
}
