package entitlement

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/docgen/entitlement-api/internal/domain/catalog"
	"github.com/docgen/entitlement-api/internal/domain/ledger"
	"github.com/docgen/entitlement-api/internal/pkg/logger"
	"github.com/docgen/entitlement-api/internal/pkg/metrics"
)

// maxCommitAttempts is the first attempt plus one re-resolve after a lost race
const maxCommitAttempts = 2

// ConsumeRequest is one logical consumption attempt
type ConsumeRequest struct {
	PrincipalID    string
	TemplateID     string
	Action         catalog.ActionKind
	IdempotencyKey string
}

// ConsumeResult is the outcome of Consume
type ConsumeResult struct {
	Allowed           bool
	ChargedPurchaseID *uuid.UUID
	Cost              int
	Reason            string
	Source            Source
	Replayed          bool
	CreditsRemaining  int
	UsageID           *uuid.UUID
}

type Service struct {
	resolver *Resolver
	store    ledger.Store
}

func NewService(resolver *Resolver, store ledger.Store) *Service {
	return &Service{resolver: resolver, store: store}
}

// Check answers "may I?" without consuming anything. A principal with no
// ledger record is evaluated as free tier with no purchases.
func (s *Service) Check(ctx context.Context, principalID, templateID string, action catalog.ActionKind) (Decision, error) {
	decision, _, err := s.resolver.Resolve(ctx, principalID, templateID, action)
	if errors.Is(err, ledger.ErrPrincipalNotFound) {
		decision = s.resolver.Unregistered(principalID).DecisionFor(templateID, action, s.resolver.RequiredTier(templateID))
		err = nil
	}
	if err != nil {
		s.recordStorageError("check", err)
		return Decision{}, err
	}
	metrics.RecordDecision(string(action), string(decision.Source), decision.Allowed)
	return decision, nil
}

// Snapshot returns the principal's derived entitlement state.
func (s *Service) Snapshot(ctx context.Context, principalID string) (*Snapshot, error) {
	snap, err := s.resolver.Snapshot(ctx, principalID)
	if err != nil {
		s.recordStorageError("snapshot", err)
		return nil, err
	}
	return snap, nil
}

// RequiredTier returns the minimum tier for a template.
func (s *Service) RequiredTier(templateID string) catalog.TierID {
	return s.resolver.RequiredTier(templateID)
}

// Usage lists the principal's consumption history, newest first.
func (s *Service) Usage(ctx context.Context, principalID string, p ledger.Pagination) ([]ledger.UsageEntry, error) {
	entries, err := s.store.ListUsage(ctx, principalID, p)
	if err != nil {
		s.recordStorageError("usage", err)
		return nil, err
	}
	return entries, nil
}

// Consume re-validates entitlement and records the usage atomically,
// decrementing one credit when the decision costs one. A retried call with
// the same idempotency key returns the recorded outcome without charging.
func (s *Service) Consume(ctx context.Context, req ConsumeRequest) (*ConsumeResult, error) {
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	log := logger.FromContext(ctx)

	if req.IdempotencyKey != "" {
		result, err := s.replay(ctx, req)
		if err == nil {
			metrics.RecordConsume("replayed")
			return result, nil
		}
		if !errors.Is(err, ledger.ErrUsageNotFound) {
			s.recordStorageError("consume", err)
			return nil, err
		}
	}

	lostCharge := false
	for attempt := 0; attempt < maxCommitAttempts; attempt++ {
		decision, _, err := s.resolver.Resolve(ctx, req.PrincipalID, req.TemplateID, req.Action)
		if err != nil {
			s.recordStorageError("consume", err)
			return nil, err
		}

		if !decision.Allowed {
			result := &ConsumeResult{Reason: decision.Reason, Source: decision.Source}
			if lostCharge {
				result.Reason = ReasonInsufficientCredits
			}
			metrics.RecordConsume("denied")
			return result, nil
		}

		commit := ledger.UsageCommit{
			PurchaserID:    req.PrincipalID,
			TemplateID:     req.TemplateID,
			ActionKind:     req.Action,
			PurchaseID:     decision.PurchaseID,
			Charge:         decision.Cost == 1,
			IdempotencyKey: req.IdempotencyKey,
		}
		if !commit.Charge && (decision.Source == SourceUnlimited || decision.Source == SourceSingle) {
			commit.GrantPurchaseID = decision.PurchaseID
		}
		entry, err := s.store.CommitUsage(ctx, commit)
		switch {
		case err == nil:
			result := resultFromEntry(entry, decision)
			if result.Cost == 1 {
				metrics.RecordConsume("charged")
				log.Info().
					Str("principal", req.PrincipalID).
					Str("template", req.TemplateID).
					Str("purchase_id", result.ChargedPurchaseID.String()).
					Int("credits_remaining", entry.CreditsRemainingAfter).
					Msg("consume charged")
			} else {
				metrics.RecordConsume("free")
			}
			return result, nil

		case errors.Is(err, ledger.ErrCreditConflict):
			// The purchase behind the decision was drained or refunded after
			// it was read; re-resolve once.
			lostCharge = lostCharge || commit.Charge
			metrics.RecordCreditConflict()
			log.Debug().
				Str("principal", req.PrincipalID).
				Int("attempt", attempt+1).
				Msg("credit conflict, re-resolving")
			continue

		case errors.Is(err, ledger.ErrDuplicateIdempotencyKey):
			// A concurrent retry with the same key committed first.
			result, err := s.replay(ctx, req)
			if err != nil {
				s.recordStorageError("consume", err)
				return nil, err
			}
			metrics.RecordConsume("replayed")
			return result, nil

		default:
			s.recordStorageError("consume", err)
			return nil, err
		}
	}

	metrics.RecordConsume("denied")
	if !lostCharge {
		return &ConsumeResult{Reason: ReasonUpgradeRequired, Source: SourceNone}, nil
	}
	return &ConsumeResult{Reason: ReasonInsufficientCredits, Source: SourceCredits}, nil
}

func (s *Service) replay(ctx context.Context, req ConsumeRequest) (*ConsumeResult, error) {
	entry, err := s.store.FindUsageByIdempotencyKey(ctx, req.PrincipalID, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	result := resultFromEntry(entry, Decision{Reason: ReasonReplayed})
	result.Replayed = true
	return result, nil
}

func resultFromEntry(entry *ledger.UsageEntry, decision Decision) *ConsumeResult {
	id := entry.ID
	result := &ConsumeResult{
		Allowed:          true,
		Cost:             entry.CreditsConsumed,
		Reason:           decision.Reason,
		Source:           decision.Source,
		CreditsRemaining: entry.CreditsRemainingAfter,
		UsageID:          &id,
	}
	if entry.CreditsConsumed == 1 && entry.PurchaseID != nil {
		pid := *entry.PurchaseID
		result.ChargedPurchaseID = &pid
	}
	return result
}

func (s *Service) recordStorageError(op string, err error) {
	if errors.Is(err, ledger.ErrStorageUnavailable) {
		metrics.RecordStorageError(op)
	}
}
