package userstore

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/json"
	"errors"

	"golang.org/x/crypto/argon2"
)

// ErrEmptyPassword is returned by Hash for an empty input.
var ErrEmptyPassword = errors.New("userstore: empty password")

// Argon2Params is persisted alongside a hash so verification replays it
// against the cost parameters it was created under, even after the
// service's default policy changes.
type Argon2Params struct {
	Time    uint32 `json:"t"`
	Memory  uint32 `json:"m"`
	Threads uint8  `json:"p"`
	KeyLen  uint32 `json:"k"`
	SaltLen uint32 `json:"s"`
}

// PasswordService hashes and verifies passwords with argon2id,
// constant-time compared (spec §9 supplemented feature: "transparent
// password rehash").
type PasswordService struct {
	currentVer int
	cur        Argon2Params
	algoName   string
}

// NewPasswordService builds a PasswordService with the default policy.
func NewPasswordService() *PasswordService {
	return &PasswordService{
		currentVer: 1,
		algoName:   "argon2id",
		cur: Argon2Params{
			Time:    3,
			Memory:  64 * 1024,
			Threads: 1,
			KeyLen:  32,
			SaltLen: 16,
		},
	}
}

// Hash derives a new hash/salt/params for password under the current policy.
func (p *PasswordService) Hash(password string) (hash, salt, paramsJSON []byte, algo string, ver int, err error) {
	if password == "" {
		return nil, nil, nil, "", 0, ErrEmptyPassword
	}
	salt = make([]byte, p.cur.SaltLen)
	if _, err = rand.Read(salt); err != nil {
		return nil, nil, nil, "", 0, err
	}
	hash = argon2.IDKey([]byte(password), salt, p.cur.Time, p.cur.Memory, p.cur.Threads, p.cur.KeyLen)
	paramsJSON, err = json.Marshal(p.cur)
	if err != nil {
		return nil, nil, nil, "", 0, err
	}
	return hash, salt, paramsJSON, p.algoName, p.currentVer, nil
}

// Verify checks password against u's stored hash and reports whether a
// rehash is warranted (algorithm/version/cost drift since u was hashed).
func (p *PasswordService) Verify(password string, u *User) (ok, rehashNeeded bool) {
	if u.Algo != p.algoName {
		return false, true
	}
	var stored Argon2Params
	if err := json.Unmarshal(u.ParamsJSON, &stored); err != nil {
		return false, true
	}
	calculated := argon2.IDKey([]byte(password), u.Salt, stored.Time, stored.Memory, stored.Threads, stored.KeyLen)
	ok = subtle.ConstantTimeCompare(calculated, u.PasswordHash) == 1

	rehashNeeded = ok && (u.PasswordVer != p.currentVer ||
		stored.Time != p.cur.Time ||
		stored.Memory != p.cur.Memory ||
		stored.Threads != p.cur.Threads ||
		stored.KeyLen != p.cur.KeyLen ||
		stored.SaltLen != p.cur.SaltLen)
	return ok, rehashNeeded
}

// Rehash re-derives and overwrites u's password fields in place. Callers
// persist u after calling this.
func (p *PasswordService) Rehash(password string, u *User) error {
	hash, salt, params, algo, ver, err := p.Hash(password)
	if err != nil {
		return err
	}
	u.PasswordHash, u.Salt, u.ParamsJSON, u.Algo, u.PasswordVer = hash, salt, params, algo, ver
	return nil
}
