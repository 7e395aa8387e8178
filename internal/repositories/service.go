package repositories

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/pushbot-io/pushbot/internal/db"
)

// gormServiceRepository is the GORM implementation of ServiceRepository.
type gormServiceRepository struct {
	db *gorm.DB
}

// NewServiceRepository returns a ServiceRepository backed by the provided *gorm.DB.
func NewServiceRepository(database *gorm.DB) ServiceRepository {
	return &gormServiceRepository{db: database}
}

func (r *gormServiceRepository) Create(ctx context.Context, service *db.Service) error {
	if err := r.db.WithContext(ctx).Create(service).Error; err != nil {
		return fmt.Errorf("services: create: %w", err)
	}
	return nil
}

func (r *gormServiceRepository) GetByID(ctx context.Context, id uint) (*db.Service, error) {
	var service db.Service
	err := r.db.WithContext(ctx).First(&service, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("services: get by id: %w", err)
	}
	return &service, nil
}

func (r *gormServiceRepository) GetByName(ctx context.Context, name string) (*db.Service, error) {
	var service db.Service
	err := r.db.WithContext(ctx).First(&service, "name = ?", name).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("services: get by name: %w", err)
	}
	return &service, nil
}

// GetByRepoBranch routes an inbound push to a service. Name order makes the
// match deterministic when two services declare the same pair.
func (r *gormServiceRepository) GetByRepoBranch(ctx context.Context, repository, branch string) (*db.Service, error) {
	var service db.Service
	err := r.db.WithContext(ctx).
		Where("repository = ? AND branch = ?", repository, branch).
		Order("name ASC").
		First(&service).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("services: get by repo/branch: %w", err)
	}
	return &service, nil
}

func (r *gormServiceRepository) Update(ctx context.Context, service *db.Service) error {
	result := r.db.WithContext(ctx).Save(service)
	if result.Error != nil {
		return fmt.Errorf("services: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormServiceRepository) List(ctx context.Context) ([]db.Service, error) {
	var services []db.Service
	if err := r.db.WithContext(ctx).Order("name ASC").Find(&services).Error; err != nil {
		return nil, fmt.Errorf("services: list: %w", err)
	}
	return services, nil
}

// DeleteCascade removes a service with its deployment history. Deployments
// go first so the foreign key is never violated mid-transaction.
func (r *gormServiceRepository) DeleteCascade(ctx context.Context, id uint) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("service_id = ?", id).Delete(&db.Deployment{}).Error; err != nil {
			return err
		}
		result := tx.Delete(&db.Service{}, "id = ?", id)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("services: delete cascade: %w", err)
	}
	return nil
}
