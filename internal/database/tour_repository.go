package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/wanderlust/booking-backend/internal/models"
)

// TourRepository is the price source and the inventory check for tours
type TourRepository struct {
	db *sqlx.DB
}

// NewTourRepository creates a new TourRepository
func NewTourRepository(db *sqlx.DB) *TourRepository {
	return &TourRepository{db: db}
}

// GetTour retrieves a tour by ID; nil when absent
func (r *TourRepository) GetTour(ctx context.Context, id uuid.UUID) (*models.Tour, error) {
	var tour models.Tour
	query := `
		SELECT id, name, price_per_night, currency, pricing_unit, capacity, active, created_at, updated_at
		FROM tours
		WHERE id = $1`

	err := r.db.GetContext(ctx, &tour, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &models.TransientStoreError{Op: "get tour", Err: err}
	}
	return &tour, nil
}

// IsAvailable reports whether the tour can take guests for the stay.
// Every live booking overlapping the stay counts against capacity; a capacity of 0 means unlimited.
func (r *TourRepository) IsAvailable(ctx context.Context, tour *models.Tour, stay models.DateRange, guests int) (bool, error) {
	if tour.Capacity <= 0 {
		return true, nil
	}

	var reserved int
	query := `
		SELECT COALESCE(SUM(guest_count), 0)
		FROM bookings
		WHERE tour_id = $1
		AND status <> 'CANCELLED'
		AND payment_status <> 'FAILED'
		AND start_date < $3
		AND end_date > $2`

	if err := r.db.GetContext(ctx, &reserved, query, tour.ID, stay.Start, stay.End); err != nil {
		return false, &models.TransientStoreError{Op: "check availability", Err: fmt.Errorf("tour %s: %w", tour.ID, err)}
	}

	return reserved+guests <= tour.Capacity, nil
}
