// Package accounts stores user accounts and verifies sign-in credentials.
//
// Each user is a USER record keyed by its integer id. Two LOGIN records, one
// for the normalised email and one for the normalised username, point back
// at the id so that either can be used to sign in. The three records are
// always written and removed in a single batch.
package accounts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jmcleod/bizadmin/auth"
	"github.com/jmcleod/bizadmin/internal/util"
	"github.com/jmcleod/bizadmin/storage"
)

const (
	namespace       = "accounts"
	userRecordType  = "USER"
	loginRecordType = "LOGIN"
)

var (
	// ErrUserExists is returned when the email or username is already taken.
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound is returned when no account matches.
	ErrUserNotFound = errors.New("user not found")
	// ErrInvalidCredentials is returned by Authenticate for an unknown login
	// and for a wrong password alike.
	ErrInvalidCredentials = errors.New("invalid email or password")
	// ErrInvalidUser wraps NewUser field errors.
	ErrInvalidUser = errors.New("invalid user")
)

// User is a stored account.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	Role         auth.Role `json:"role"`
	PasswordHash string    `json:"password_hash"`
	CreatedAt    time.Time `json:"created_at"`
}

// Identity returns the token-embeddable view of u.
func (u *User) Identity() auth.Identity {
	return auth.Identity{ID: u.ID, Username: u.Username, Role: u.Role}
}

// NewUser is the input to Store.Create.
type NewUser struct {
	Username string
	Email    string
	Password string
	Role     auth.Role
}

// Validate checks the fields that do not need the store.
func (n NewUser) Validate() error {
	username := strings.TrimSpace(n.Username)
	switch {
	case username == "":
		return fmt.Errorf("%w: username is required", ErrInvalidUser)
	case strings.ContainsAny(username, "@ \t\n"):
		return fmt.Errorf("%w: username must not contain '@' or whitespace", ErrInvalidUser)
	}
	addr, err := mail.ParseAddress(strings.TrimSpace(n.Email))
	if err != nil || addr.Address != strings.TrimSpace(n.Email) {
		return fmt.Errorf("%w: email must be a plain address such as name@example.com", ErrInvalidUser)
	}
	if !n.Role.Valid() {
		return auth.ErrUnknownRole
	}
	if len(n.Password) < auth.MinPasswordLen {
		return auth.ErrPasswordTooShort
	}
	if len(n.Password) > auth.MaxPasswordLen {
		return auth.ErrPasswordTooLong
	}
	return nil
}

type loginEntry struct {
	UserID int64 `json:"user_id"`
}

// Store is the account store.
type Store struct {
	repo storage.Repository
	now  func() time.Time
}

// NewStore returns a Store over repo.
func NewStore(repo storage.Repository) *Store {
	return &Store{repo: repo, now: time.Now}
}

// Create hashes the password and stores a new account.
func (s *Store) Create(ctx context.Context, n NewUser) (*User, error) {
	if err := n.Validate(); err != nil {
		return nil, err
	}
	hash, err := auth.HashPassword(n.Password)
	if err != nil {
		return nil, err
	}

	u := &User{
		Username:     strings.TrimSpace(n.Username),
		Email:        strings.TrimSpace(n.Email),
		Role:         n.Role,
		PasswordHash: hash,
		CreatedAt:    s.now().UTC(),
	}
	err = s.repo.Batch(ctx, namespace, func(tx storage.BatchTx) error {
		id, err := tx.NextID(userRecordType)
		if err != nil {
			return err
		}
		u.ID = id

		userRec, err := s.encode(u, 1)
		if err != nil {
			return err
		}
		if err := tx.PutCAS(userRecordType, formatID(id), 0, userRec); err != nil {
			return err
		}
		loginRec, err := s.encode(loginEntry{UserID: id}, 1)
		if err != nil {
			return err
		}
		for _, login := range loginKeys(u) {
			if err := tx.PutCAS(loginRecordType, login, 0, loginRec); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, storage.ErrCASFailed) {
		return nil, ErrUserExists
	}
	if err != nil {
		return nil, fmt.Errorf("creating account: %w", err)
	}
	return u, nil
}

// ByLogin looks an account up by email or username.
func (s *Store) ByLogin(ctx context.Context, login string) (*User, error) {
	key := util.NormalizeLogin(login)
	if key == "" {
		return nil, ErrUserNotFound
	}
	rec, err := s.repo.Get(ctx, namespace, loginRecordType, key)
	if storage.IsNotFound(err) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	var entry loginEntry
	if err := json.Unmarshal(rec.Data, &entry); err != nil {
		return nil, fmt.Errorf("decoding login index: %w", err)
	}
	return s.ByID(ctx, entry.UserID)
}

// ByID returns the account with the given id.
func (s *Store) ByID(ctx context.Context, id int64) (*User, error) {
	rec, err := s.repo.Get(ctx, namespace, userRecordType, formatID(id))
	if storage.IsNotFound(err) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeUser(rec)
}

// List returns every account ordered by id.
func (s *Store) List(ctx context.Context) ([]User, error) {
	ids, err := s.repo.List(ctx, namespace, userRecordType)
	if err != nil {
		return nil, err
	}
	users := make([]User, 0, len(ids))
	for _, raw := range ids {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		u, err := s.ByID(ctx, id)
		if errors.Is(err, ErrUserNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

// SetRole changes an account's role. Tokens issued before the change keep
// the old role until they expire.
func (s *Store) SetRole(ctx context.Context, id int64, role auth.Role) (*User, error) {
	if !role.Valid() {
		return nil, auth.ErrUnknownRole
	}
	var updated *User
	err := s.repo.Batch(ctx, namespace, func(tx storage.BatchTx) error {
		rec, err := tx.Get(userRecordType, formatID(id))
		if err != nil {
			return err
		}
		u, err := decodeUser(rec)
		if err != nil {
			return err
		}
		u.Role = role
		next, err := s.encode(u, rec.Version+1)
		if err != nil {
			return err
		}
		if err := tx.PutCAS(userRecordType, formatID(id), rec.Version, next); err != nil {
			return err
		}
		updated = u
		return nil
	})
	if storage.IsNotFound(err) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Delete removes an account and its login index entries.
func (s *Store) Delete(ctx context.Context, id int64) error {
	err := s.repo.Batch(ctx, namespace, func(tx storage.BatchTx) error {
		rec, err := tx.Get(userRecordType, formatID(id))
		if err != nil {
			return err
		}
		u, err := decodeUser(rec)
		if err != nil {
			return err
		}
		if err := tx.Delete(userRecordType, formatID(id)); err != nil {
			return err
		}
		for _, login := range loginKeys(u) {
			if err := tx.Delete(loginRecordType, login); err != nil && !storage.IsNotFound(err) {
				return err
			}
		}
		return nil
	})
	if storage.IsNotFound(err) {
		return ErrUserNotFound
	}
	return err
}

// Authenticate verifies login and password. It returns ErrInvalidCredentials
// whether the account is missing or the password is wrong, and spends the
// same bcrypt work in both cases. Any other error is a storage failure.
func (s *Store) Authenticate(ctx context.Context, login, password string) (*User, error) {
	u, err := s.ByLogin(ctx, login)
	if errors.Is(err, ErrUserNotFound) {
		auth.CheckPasswordDummy(password)
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("looking up account: %w", err)
	}
	if !auth.CheckPassword(u.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}
	return u, nil
}

func (s *Store) encode(v any, version uint64) (*storage.Record, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &storage.Record{Version: version, Data: data, UpdatedAt: s.now().UTC()}, nil
}

func decodeUser(rec *storage.Record) (*User, error) {
	var u User
	if err := json.Unmarshal(rec.Data, &u); err != nil {
		return nil, fmt.Errorf("decoding user: %w", err)
	}
	return &u, nil
}

func loginKeys(u *User) []string {
	return []string{util.NormalizeLogin(u.Email), util.NormalizeLogin(u.Username)}
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
