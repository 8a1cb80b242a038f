// Package userstore implements the external user-management
// collaborator referenced by spec §6 ("delegates to user store
// (external)"): a small CRUD interface plus a gorm/Postgres reference
// implementation, and the argon2id password service the dispatcher's
// `auth`/`user.*` handlers use. Grounded on
// auth/internal/domain/user.go (field shape),
// auth/internal/store/user_store.go (gorm query shape), and
// auth/internal/service/impl/password_service_impl.go (hashing
// scheme).
package userstore

import "time"

// User is the record the external user store owns.
type User struct {
	ID           string `gorm:"primaryKey"`
	Username     string `gorm:"uniqueIndex"`
	Email        string `gorm:"uniqueIndex"`
	PasswordHash []byte
	Salt         []byte
	ParamsJSON   []byte
	Algo         string
	PasswordVer  int
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (User) TableName() string { return "users" }
