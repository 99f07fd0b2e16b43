package utils

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

/* DB fetching */

// FetchModel loads one row by id. Tenant scoping comes from the tenant guard
// plugin on ctx. Returns a NotFound error naming resource.
func FetchModel[T any](ctx context.Context, db *gorm.DB, resource string, id uuid.UUID, associations ...string) (*T, error) {
	q := db.WithContext(ctx)
	for _, field := range associations {
		q = q.Preload(field)
	}
	var result T
	if err := q.Where("id = ?", id).Take(&result).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, NewNotFound(resource)
		}
		return nil, err
	}
	return &result, nil
}

// FetchModelForUpdate loads one row inside tx and holds its row lock until the
// transaction ends (SELECT ... FOR UPDATE).
func FetchModelForUpdate[T any](tx *gorm.DB, resource string, id uuid.UUID) (*T, error) {
	var result T
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).Take(&result).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, NewNotFound(resource)
		}
		return nil, err
	}
	return &result, nil
}

// ParseId turns a path/body id into a uuid, failing with a ValidationError.
func ParseId(field, raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, NewValidationError("invalid_"+field, field+" must be a uuid")
	}
	return id, nil
}
