package pg

import (
	"context"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"eca.monitor/internal/core/domain"
	"eca.monitor/internal/core/ports"
)

type Repository struct {
	db *gorm.DB
}

func NewRepository(dsn string) (ports.WatchRepository, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	// Enable UUID extension
	db.Exec("CREATE EXTENSION IF NOT EXISTS \"uuid-ossp\"")

	if err := db.AutoMigrate(&domain.Watch{}); err != nil {
		return nil, err
	}

	return &Repository{db: db}, nil
}

func (r *Repository) Create(ctx context.Context, w *domain.Watch) error {
	return r.db.WithContext(ctx).Create(w).Error
}

func (r *Repository) Update(ctx context.Context, w *domain.Watch) error {
	return r.db.WithContext(ctx).Save(w).Error
}

func (r *Repository) Get(ctx context.Context, id string) (*domain.Watch, error) {
	var w domain.Watch
	if err := r.db.WithContext(ctx).First(&w, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &w, nil
}

func (r *Repository) List(ctx context.Context, offset, limit int) ([]*domain.Watch, error) {
	var watches []*domain.Watch
	if err := r.db.WithContext(ctx).Order("created_at desc").Offset(offset).Limit(limit).Find(&watches).Error; err != nil {
		return nil, err
	}
	return watches, nil
}

func (r *Repository) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&domain.Watch{}).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

func (r *Repository) CountActive(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&domain.Watch{}).Where("active = ?", true).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// DB returns the underlying gorm DB instance, used by health checks.
func (r *Repository) DB() (*gorm.DB, error) {
	return r.db, nil
}
