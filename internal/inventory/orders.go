package inventory

import (
	"context"
	"errors"
	"fmt"

	"github.com/bookstore/services/commerce/internal/apperr"
	"github.com/bookstore/services/commerce/internal/db"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// OrderLine is one variant/quantity pair of an order
type OrderLine struct {
	VariantID string `json:"variant_id"`
	Quantity  int    `json:"quantity"`
}

// orderPosition is what the ledger says an order currently holds and has
// bought of one variant.
type orderPosition struct {
	held int
	sold int
}

// ReserveOrder reserves every line of an order or none of them. When a line
// fails, the lines already reserved by this call are released before the
// original error is returned. Lines the ledger already shows as held for the
// order are skipped, so a redelivered request does not double the hold.
func (s *Service) ReserveOrder(ctx context.Context, orderID string, lines []OrderLine, actor string) error {
	ctx, span := s.tracer.Start(ctx, "inventory.ReserveOrder")
	defer span.End()
	span.SetAttributes(attribute.String("order_id", orderID), attribute.Int("lines", len(lines)))

	lines, err := normalizeOrder(orderID, lines)
	if err != nil {
		return err
	}
	positions, err := s.orderPositions(ctx, orderID)
	if err != nil {
		return err
	}

	var reserved []OrderLine
	for _, line := range lines {
		pos := positions[line.VariantID]
		missing := line.Quantity - pos.held - pos.sold
		if missing <= 0 {
			continue
		}

		_, err := s.Reserve(ctx, Mutation{
			VariantID: line.VariantID,
			Quantity:  missing,
			Reference: orderID,
			Actor:     actor,
		})
		if err != nil {
			s.log.Warn("Order reservation failed, rolling back",
				zap.String("order_id", orderID),
				zap.String("variant_id", line.VariantID),
				zap.Int("rollback_lines", len(reserved)),
				zap.Error(err))
			s.compensate(ctx, orderID, reserved, actor)
			return err
		}
		reserved = append(reserved, OrderLine{VariantID: line.VariantID, Quantity: missing})
	}

	s.log.Info("Order stock reserved", zap.String("order_id", orderID), zap.Int("lines", len(lines)))
	return nil
}

// CommitOrder deducts every line once payment has been captured. Lines
// already sold for the order are skipped.
func (s *Service) CommitOrder(ctx context.Context, orderID string, lines []OrderLine, actor string) error {
	ctx, span := s.tracer.Start(ctx, "inventory.CommitOrder")
	defer span.End()
	span.SetAttributes(attribute.String("order_id", orderID), attribute.Int("lines", len(lines)))

	lines, err := normalizeOrder(orderID, lines)
	if err != nil {
		return err
	}
	positions, err := s.orderPositions(ctx, orderID)
	if err != nil {
		return err
	}

	var errs []error
	for _, line := range lines {
		pending := line.Quantity - positions[line.VariantID].sold
		if pending <= 0 {
			continue
		}
		if _, err := s.Deduct(ctx, Mutation{
			VariantID: line.VariantID,
			Quantity:  pending,
			Reference: orderID,
			Actor:     actor,
		}); err != nil {
			errs = append(errs, fmt.Errorf("variant %s: %w", line.VariantID, err))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	s.log.Info("Order stock committed", zap.String("order_id", orderID), zap.Int("lines", len(lines)))
	return nil
}

// CancelOrder gives an order's stock back from what the ledger says the
// order holds: held units are released and sold units are restored with a
// RETURN entry, up to each line's quantity. paid is what the caller believes
// and is only checked against the ledger. Every line is attempted and the
// failures are joined.
func (s *Service) CancelOrder(ctx context.Context, orderID string, lines []OrderLine, paid bool, actor string) error {
	ctx, span := s.tracer.Start(ctx, "inventory.CancelOrder")
	defer span.End()
	span.SetAttributes(
		attribute.String("order_id", orderID),
		attribute.Int("lines", len(lines)),
		attribute.Bool("paid", paid),
	)

	lines, err := normalizeOrder(orderID, lines)
	if err != nil {
		return err
	}
	positions, err := s.orderPositions(ctx, orderID)
	if err != nil {
		return err
	}

	var errs []error
	for _, line := range lines {
		pos := positions[line.VariantID]
		if paid != (pos.sold > 0) && pos.held+pos.sold > 0 {
			s.log.Warn("Cancellation paid flag disagrees with ledger",
				zap.String("order_id", orderID),
				zap.String("variant_id", line.VariantID),
				zap.Bool("paid", paid),
				zap.Int("held", pos.held),
				zap.Int("sold", pos.sold))
		}

		released, err := s.releaseHeld(ctx, orderID, line, pos, actor, "order cancelled")
		if err != nil {
			errs = append(errs, fmt.Errorf("variant %s: %w", line.VariantID, err))
			continue
		}
		qty := min(line.Quantity-released, pos.sold)
		if qty <= 0 {
			continue
		}
		if _, err := s.Restore(ctx, Mutation{
			VariantID: line.VariantID,
			Quantity:  qty,
			Reference: orderID,
			Actor:     actor,
			Reason:    "order cancelled",
			Type:      db.MovementReturn,
		}); err != nil {
			errs = append(errs, fmt.Errorf("variant %s: %w", line.VariantID, err))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	s.log.Info("Order stock returned", zap.String("order_id", orderID), zap.Bool("paid", paid))
	return nil
}

// ExpireOrder releases what an abandoned order still holds. Sold units are
// left alone: a capture that raced the hold window wins.
func (s *Service) ExpireOrder(ctx context.Context, orderID string, lines []OrderLine, actor string) error {
	ctx, span := s.tracer.Start(ctx, "inventory.ExpireOrder")
	defer span.End()
	span.SetAttributes(attribute.String("order_id", orderID), attribute.Int("lines", len(lines)))

	lines, err := normalizeOrder(orderID, lines)
	if err != nil {
		return err
	}
	positions, err := s.orderPositions(ctx, orderID)
	if err != nil {
		return err
	}

	var errs []error
	for _, line := range lines {
		if _, err := s.releaseHeld(ctx, orderID, line, positions[line.VariantID], actor, "reservation expired"); err != nil {
			errs = append(errs, fmt.Errorf("variant %s: %w", line.VariantID, err))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	s.log.Info("Order holds expired", zap.String("order_id", orderID), zap.Int("lines", len(lines)))
	return nil
}

// releaseHeld releases up to line.Quantity of the units the order holds and
// returns how many it released.
func (s *Service) releaseHeld(ctx context.Context, orderID string, line OrderLine, pos orderPosition, actor, reason string) (int, error) {
	qty := min(line.Quantity, pos.held)
	if qty <= 0 {
		return 0, nil
	}
	change, err := s.Release(ctx, Mutation{
		VariantID: line.VariantID,
		Quantity:  qty,
		Reference: orderID,
		Actor:     actor,
		Reason:    reason,
	})
	if err != nil {
		return 0, err
	}
	return change.Movement.Quantity, nil
}

func (s *Service) compensate(ctx context.Context, orderID string, reserved []OrderLine, actor string) {
	for i := len(reserved) - 1; i >= 0; i-- {
		line := reserved[i]
		if _, err := s.Release(ctx, Mutation{
			VariantID: line.VariantID,
			Quantity:  line.Quantity,
			Reference: orderID,
			Actor:     actor,
			Reason:    "reservation rollback",
		}); err != nil {
			s.log.Error("Compensating release failed",
				zap.String("order_id", orderID),
				zap.String("variant_id", line.VariantID),
				zap.Int("quantity", line.Quantity),
				zap.Error(err))
		}
	}
}

// orderPositions folds the ledger entries recorded against an order into
// per-variant held and sold quantities.
func (s *Service) orderPositions(ctx context.Context, orderID string) (map[string]orderPosition, error) {
	movements, err := s.ledger.ByReference(ctx, orderID)
	if err != nil {
		return nil, err
	}

	positions := make(map[string]orderPosition)
	for _, m := range movements {
		pos := positions[m.VariantID]
		switch m.Type {
		case db.MovementReservation:
			pos.held += -m.Quantity
		case db.MovementRelease:
			pos.held -= m.Quantity
		case db.MovementSale:
			pos.held += m.Quantity
			pos.sold += -m.Quantity
		case db.MovementReturn:
			pos.sold -= m.Quantity
		}
		pos.held = max(pos.held, 0)
		pos.sold = max(pos.sold, 0)
		positions[m.VariantID] = pos
	}
	return positions, nil
}

// normalizeOrder validates an order and merges lines for the same variant,
// keeping first-seen order.
func normalizeOrder(orderID string, lines []OrderLine) ([]OrderLine, error) {
	if orderID == "" {
		return nil, apperr.Invalid("order_id", "is required")
	}
	if len(lines) == 0 {
		return nil, apperr.Invalid("lines", "order has no lines")
	}

	merged := make([]OrderLine, 0, len(lines))
	index := make(map[string]int, len(lines))
	for _, line := range lines {
		if err := validateMutation(Mutation{VariantID: line.VariantID, Quantity: line.Quantity}); err != nil {
			return nil, err
		}
		if i, ok := index[line.VariantID]; ok {
			merged[i].Quantity += line.Quantity
			continue
		}
		index[line.VariantID] = len(merged)
		merged = append(merged, line)
	}
	return merged, nil
}
