package badger

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/causa/internal/interfaces"
	"github.com/ternarybob/causa/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// DeliveryStorage implements the DeliveryStorage interface for Badger
type DeliveryStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewDeliveryStorage creates a new DeliveryStorage instance
func NewDeliveryStorage(db *BadgerDB, logger arbor.ILogger) interfaces.DeliveryStorage {
	return &DeliveryStorage{
		db:     db,
		logger: logger,
	}
}

func (s *DeliveryStorage) SaveDelivery(ctx context.Context, delivery *models.WebhookDelivery) error {
	if delivery.ID == "" {
		return fmt.Errorf("delivery ID is required")
	}

	if err := s.db.Store().Upsert(delivery.ID, delivery); err != nil {
		return fmt.Errorf("failed to save delivery: %w", err)
	}
	return nil
}

func (s *DeliveryStorage) GetDelivery(ctx context.Context, deliveryID string) (*models.WebhookDelivery, error) {
	var delivery models.WebhookDelivery
	if err := s.db.Store().Get(deliveryID, &delivery); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("delivery not found: %s", deliveryID)
		}
		return nil, fmt.Errorf("failed to get delivery: %w", err)
	}
	return &delivery, nil
}

func (s *DeliveryStorage) GetDeliveriesByJob(ctx context.Context, jobID string) ([]*models.WebhookDelivery, error) {
	var deliveries []models.WebhookDelivery
	if err := s.db.Store().Find(&deliveries, badgerhold.Where("JobID").Eq(jobID).SortBy("CreatedAt")); err != nil {
		return nil, fmt.Errorf("failed to get deliveries for job: %w", err)
	}

	result := make([]*models.WebhookDelivery, len(deliveries))
	for i := range deliveries {
		result[i] = &deliveries[i]
	}
	return result, nil
}

func (s *DeliveryStorage) GetPendingDeliveries(ctx context.Context) ([]*models.WebhookDelivery, error) {
	var deliveries []models.WebhookDelivery
	if err := s.db.Store().Find(&deliveries, badgerhold.Where("Status").Eq(models.DeliveryStatusPending).SortBy("CreatedAt")); err != nil {
		return nil, fmt.Errorf("failed to get pending deliveries: %w", err)
	}

	result := make([]*models.WebhookDelivery, len(deliveries))
	for i := range deliveries {
		result[i] = &deliveries[i]
	}
	return result, nil
}

func (s *DeliveryStorage) DeleteTerminalDeliveriesBefore(ctx context.Context, cutoff time.Time) (int, error) {
	var deliveries []models.WebhookDelivery
	query := badgerhold.Where("Status").In(models.DeliveryStatusDelivered, models.DeliveryStatusFailed)
	if err := s.db.Store().Find(&deliveries, query); err != nil {
		return 0, err
	}

	deleted := 0
	for i := range deliveries {
		if deliveries[i].CompletedAt == nil || !deliveries[i].CompletedAt.Before(cutoff) {
			continue
		}
		if err := s.db.Store().Delete(deliveries[i].ID, &models.WebhookDelivery{}); err != nil {
			s.logger.Warn().Err(err).Str("delivery_id", deliveries[i].ID).Msg("Failed to delete expired delivery")
			continue
		}
		deleted++
	}
	return deleted, nil
}
