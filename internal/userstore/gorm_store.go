package userstore

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

// GormStore is the Postgres-backed Store implementation, grounded on
// auth/internal/store/user_store.go's plain gorm query shape (no
// query-builder abstraction layer — direct db.WithContext calls).
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps an already-opened *gorm.DB.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Create(ctx context.Context, u *User) error {
	if err := s.db.WithContext(ctx).Create(u).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrConflict
		}
		return err
	}
	return nil
}

func (s *GormStore) Get(ctx context.Context, userID string) (*User, error) {
	var u User
	err := s.db.WithContext(ctx).First(&u, "id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *GormStore) GetByUsername(ctx context.Context, username string) (*User, error) {
	var u User
	err := s.db.WithContext(ctx).First(&u, "username = ?", username).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *GormStore) Update(ctx context.Context, u *User) error {
	// Select("*") so zero values (is_active=false) are written too.
	res := s.db.WithContext(ctx).Model(&User{}).Where("id = ?", u.ID).Select("*").Updates(u)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) Delete(ctx context.Context, userID string) error {
	res := s.db.WithContext(ctx).Delete(&User{}, "id = ?", userID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) List(ctx context.Context, limit, offset int) ([]User, error) {
	if limit <= 0 {
		limit = 50
	}
	var users []User
	err := s.db.WithContext(ctx).Order("created_at").Limit(limit).Offset(offset).Find(&users).Error
	return users, err
}
