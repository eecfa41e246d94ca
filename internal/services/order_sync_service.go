package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/gorgonstone/api/internal/domain"
	"github.com/gorgonstone/api/internal/payments"
	"github.com/gorgonstone/api/internal/repositories"
)

const syncRunIDPrefix = "sync_"

// OrderSyncServiceDeps bundles collaborators for the bulk reconciliation service.
type OrderSyncServiceDeps struct {
	Ledger      repositories.OrderLedger
	Payments    payments.Provider
	Catalog     CatalogService
	Events      OrderEventPublisher
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
	// Lookback bounds how far back session listing reaches. Zero means unbounded.
	Lookback time.Duration
}

type orderSyncService struct {
	ledger   repositories.OrderLedger
	payments payments.Provider
	catalog  CatalogService
	events   OrderEventPublisher
	clock    func() time.Time
	newID    func() string
	logger   func(context.Context, string, map[string]any)
	lookback time.Duration
}

// NewOrderSyncService wires dependencies into a concrete OrderSyncService.
func NewOrderSyncService(deps OrderSyncServiceDeps) (OrderSyncService, error) {
	if deps.Ledger == nil {
		return nil, errors.New("order sync service: order ledger is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("order sync service: payment provider is required")
	}
	if deps.Catalog == nil {
		return nil, errors.New("order sync service: catalog service is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &orderSyncService{
		ledger:   deps.Ledger,
		payments: deps.Payments,
		catalog:  deps.Catalog,
		events:   deps.Events,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:    idGen,
		logger:   logger,
		lookback: deps.Lookback,
	}, nil
}

// SyncOrders brings the owner's ledger into agreement with every completed
// session the payment processor knows about. A failure while processing one
// session is recorded in the report and never aborts the rest of the batch,
// so interrupted runs resume naturally from ledger state.
func (s *orderSyncService) SyncOrders(ctx context.Context, cmd SyncOrdersCommand) (SyncReport, error) {
	ownerID := strings.TrimSpace(cmd.OwnerID)
	if ownerID == "" {
		return SyncReport{}, fmt.Errorf("%w: owner id is required", ErrOrderInvalidInput)
	}
	// The email is the only listing filter scoping the run to this customer.
	// Without it the listing would cover the whole account.
	ownerEmail := strings.TrimSpace(cmd.OwnerEmail)
	if ownerEmail == "" {
		return SyncReport{}, fmt.Errorf("%w: owner email is required", ErrOrderInvalidInput)
	}

	report := SyncReport{RunID: syncRunIDPrefix + s.newID()}

	filter := payments.ListFilter{CustomerEmail: ownerEmail}
	if s.lookback > 0 {
		filter.CreatedAfter = s.clock().Add(-s.lookback)
	}
	summaries, err := s.payments.ListCompletedSessions(ctx, filter)
	if err != nil {
		return SyncReport{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	report.TotalFound = len(summaries)
	snapshot := s.loadSnapshot(ctx)

	for _, summary := range summaries {
		synced, already, order, err := s.reconcileSession(ctx, ownerID, ownerEmail, summary, snapshot)
		if err != nil {
			report.Failures = append(report.Failures, SyncFailure{
				SessionRef: summary.ID,
				Reason:     err.Error(),
			})
			s.logger(ctx, "orders.sync.session.failed", map[string]any{
				"runId":   report.RunID,
				"session": summary.ID,
				"error":   err.Error(),
			})
			continue
		}
		if already {
			report.AlreadyExistsCount++
		}
		if synced {
			report.SyncedCount++
			report.SyncedOrders = append(report.SyncedOrders, order)
		}
	}

	s.logger(ctx, "orders.sync.completed", map[string]any{
		"runId":         report.RunID,
		"owner":         ownerID,
		"totalFound":    report.TotalFound,
		"synced":        report.SyncedCount,
		"alreadyExists": report.AlreadyExistsCount,
		"failures":      len(report.Failures),
	})
	return report, nil
}

// reconcileSession applies the per-session decision: canonical record exists,
// legacy record needs migrating, or the full pipeline builds a new record.
func (s *orderSyncService) reconcileSession(ctx context.Context, ownerID, ownerEmail string, summary payments.SessionSummary, snapshot CatalogSnapshot) (synced, already bool, order Order, err error) {
	// A session for anyone else must never land under this owner's keys, even
	// if the upstream listing filter lets one through.
	if !strings.EqualFold(strings.TrimSpace(summary.CustomerEmail), ownerEmail) {
		return false, false, Order{}, fmt.Errorf("session %s was not placed by this customer", summary.ID)
	}

	intentID := strings.TrimSpace(summary.PaymentIntentID)
	if intentID == "" {
		return false, false, Order{}, fmt.Errorf("%w: session %s has no payment reference", ErrSessionInvalid, summary.ID)
	}

	canonicalKey := repositories.LedgerKey(ownerID, intentID)
	legacyKey := repositories.LedgerKey(ownerID, summary.ID)

	_, canonicalExists, err := lookupLedger(ctx, s.ledger, canonicalKey)
	if err != nil {
		return false, false, Order{}, err
	}
	if canonicalExists {
		// Stray legacy keys from records written before migration support
		// still appear in old ledgers; clean them up here.
		if _, legacyExists, lookErr := lookupLedger(ctx, s.ledger, legacyKey); lookErr == nil && legacyExists {
			if delErr := s.ledger.Delete(ctx, legacyKey); delErr != nil {
				s.logger(ctx, "orders.sync.legacy.cleanup.failed", map[string]any{
					"key":   legacyKey,
					"error": delErr.Error(),
				})
			}
		}
		return false, true, Order{}, nil
	}

	legacy, legacyExists, err := lookupLedger(ctx, s.ledger, legacyKey)
	if err != nil {
		return false, false, Order{}, err
	}
	if legacyExists {
		migrated := legacy
		migrated.OrderID = intentID
		migrated.LegacySessionID = summary.ID
		if err := s.ledger.Migrate(ctx, legacyKey, canonicalKey, migrated); err != nil {
			return false, false, Order{}, mapLedgerError(err)
		}
		s.publishRecorded(ctx, migrated, summary.Currency)
		return true, false, migrated, nil
	}

	detail, err := s.payments.RetrieveSession(ctx, summary.ID)
	if err != nil {
		if errors.Is(err, payments.ErrSessionNotFound) {
			return false, false, Order{}, fmt.Errorf("%w: %v", ErrSessionInvalid, err)
		}
		return false, false, Order{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	if err := validateSessionDetail(detail); err != nil {
		return false, false, Order{}, err
	}

	built := buildOrder(detail, ownerID, ownerEmail, snapshot)
	if err := s.ledger.Set(ctx, canonicalKey, built); err != nil {
		return false, false, Order{}, mapLedgerError(err)
	}
	s.publishRecorded(ctx, built, detail.Currency)
	return true, false, built, nil
}

// CleanupDuplicates repairs ledgers where more than one record references the
// same originating session. The pass is idempotent and safe to run at any time.
func (s *orderSyncService) CleanupDuplicates(ctx context.Context, cmd CleanupDuplicatesCommand) (CleanupReport, error) {
	ownerID := strings.TrimSpace(cmd.OwnerID)
	if ownerID == "" {
		return CleanupReport{}, fmt.Errorf("%w: owner id is required", ErrOrderInvalidInput)
	}

	entries, err := s.ledger.ScanOwner(ctx, ownerID)
	if err != nil {
		return CleanupReport{}, mapLedgerError(err)
	}

	groups := make(map[string][]repositories.LedgerEntry)
	groupOrder := make([]string, 0, len(entries))
	for _, entry := range entries {
		ref := entry.Order.LegacySessionID
		if ref == "" {
			ref = entry.Order.OrderID
		}
		if _, seen := groups[ref]; !seen {
			groupOrder = append(groupOrder, ref)
		}
		groups[ref] = append(groups[ref], entry)
	}

	report := CleanupReport{}
	for _, ref := range groupOrder {
		members := groups[ref]
		if len(members) < 2 {
			continue
		}
		report.DuplicatesFound++

		keeper := chooseKeeper(members)
		group := DuplicateGroup{SessionRef: ref, KeptOrderID: keeper.Order.OrderID}
		for _, member := range members {
			if member.Key == keeper.Key {
				continue
			}
			if err := s.ledger.Delete(ctx, member.Key); err != nil {
				return report, mapLedgerError(err)
			}
			report.DeletedCount++
			group.DeletedKeys = append(group.DeletedKeys, member.Key)
		}
		report.Duplicates = append(report.Duplicates, group)
	}

	s.logger(ctx, "orders.cleanup.completed", map[string]any{
		"owner":           ownerID,
		"duplicatesFound": report.DuplicatesFound,
		"deleted":         report.DeletedCount,
	})
	return report, nil
}

// chooseKeeper picks which member of a duplicate group survives: a canonical
// payment-reference key wins, then any member whose id already diverged from
// its session reference, then the first scanned.
func chooseKeeper(members []repositories.LedgerEntry) repositories.LedgerEntry {
	for _, member := range members {
		if domain.IsCanonicalOrderID(member.Order.OrderID) {
			return member
		}
	}
	for _, member := range members {
		if member.Order.LegacySessionID != "" && member.Order.OrderID != member.Order.LegacySessionID {
			return member
		}
	}
	return members[0]
}

func (s *orderSyncService) loadSnapshot(ctx context.Context) CatalogSnapshot {
	snapshot, err := s.catalog.Snapshot(ctx)
	if err != nil {
		s.logger(ctx, "orders.catalog.snapshot.failed", map[string]any{
			"error": err.Error(),
		})
		return CatalogSnapshot{}
	}
	return snapshot
}

func (s *orderSyncService) publishRecorded(ctx context.Context, order Order, currency string) {
	if s.events == nil {
		return
	}
	message := OrderEventMessage{
		EventType:       orderEventRecorded,
		OrderID:         order.OrderID,
		UserID:          order.UserID,
		LegacySessionID: order.LegacySessionID,
		Total:           order.Total(),
		Currency:        currency,
		Source:          eventSourceSync,
		OccurredAt:      s.clock(),
	}
	if _, err := s.events.PublishOrderEvent(ctx, message); err != nil {
		s.logger(ctx, "orders.event.publish.failed", map[string]any{
			"order":  order.OrderID,
			"source": eventSourceSync,
			"error":  err.Error(),
		})
	}
}
