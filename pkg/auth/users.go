// Package auth provides local users with PBKDF2 password hashing,
// opaque access/refresh tokens with a persistent revocation set, and
// an optional JWKS-backed JWT validator for external identity
// providers.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 100000
	saltBytes        = 16
	keyBytes         = 32
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)

// User is one local account. Salt and Hash are base64; AllowedTools
// nil means every tool is permitted.
type User struct {
	Username     string    `json:"username"`
	Roles        []string  `json:"roles"`
	Salt         string    `json:"salt"`
	Hash         string    `json:"hash"`
	AllowedTools []string  `json:"allowed_tools,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// HasRole reports whether the user carries the given role.
func (u *User) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// ToolPermitted checks the per-user tool allow-list.
func (u *User) ToolPermitted(tool string) bool {
	if u.AllowedTools == nil {
		return true
	}
	for _, t := range u.AllowedTools {
		if t == tool {
			return true
		}
	}
	return false
}

// public strips credential material for API responses.
func (u *User) public() *User {
	c := *u
	c.Salt = ""
	c.Hash = ""
	return &c
}

// UserStore keeps accounts in a JSON file keyed by username.
type UserStore struct {
	mu    sync.Mutex
	path  string
	users map[string]*User
}

// NewUserStore loads the users file, tolerating a missing one.
func NewUserStore(path string) (*UserStore, error) {
	s := &UserStore{path: path, users: make(map[string]*User)}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("failed to read users file: %w", err)
	}
	if err := json.Unmarshal(data, &s.users); err != nil {
		return nil, fmt.Errorf("failed to parse users file: %w", err)
	}
	for name, u := range s.users {
		if u.Username == "" {
			u.Username = name
		}
	}
	return s, nil
}

func (s *UserStore) saveLocked() error {
	data, err := json.MarshalIndent(s.users, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write users file: %w", err)
	}
	return nil
}

// Create adds a user with a freshly salted password hash.
func (s *UserStore) Create(username, password string, roles []string) (*User, error) {
	if !usernamePattern.MatchString(username) {
		return nil, fmt.Errorf("invalid username %q", username)
	}
	if password == "" {
		return nil, fmt.Errorf("password is required")
	}

	salt, hash, err := hashPassword(password)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[username]; exists {
		return nil, ErrUserExists
	}
	u := &User{
		Username:  username,
		Roles:     roles,
		Salt:      salt,
		Hash:      hash,
		CreatedAt: time.Now().UTC(),
	}
	s.users[username] = u
	if err := s.saveLocked(); err != nil {
		delete(s.users, username)
		return nil, err
	}
	return u.public(), nil
}

// Authenticate verifies a password and returns the account on success.
func (s *UserStore) Authenticate(username, password string) (*User, error) {
	s.mu.Lock()
	u, ok := s.users[username]
	s.mu.Unlock()
	if !ok {
		// Burn a hash anyway so missing users cost the same as wrong
		// passwords.
		verifyPassword(password, "", "")
		return nil, ErrInvalidCredentials
	}
	if !verifyPassword(password, u.Salt, u.Hash) {
		return nil, ErrInvalidCredentials
	}
	return u.public(), nil
}

// Get returns the public view of one user.
func (s *UserStore) Get(username string) (*User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[username]
	if !ok {
		return nil, false
	}
	return u.public(), true
}

// List returns public views sorted by username.
func (s *UserStore) List() []*User {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u.public())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

// Count reports how many accounts exist.
func (s *UserStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users)
}

// Delete removes an account.
func (s *UserStore) Delete(username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[username]
	if !ok {
		return ErrUserNotFound
	}
	delete(s.users, username)
	if err := s.saveLocked(); err != nil {
		s.users[username] = u
		return err
	}
	return nil
}

// SetPassword re-salts and re-hashes the password.
func (s *UserStore) SetPassword(username, password string) error {
	if password == "" {
		return fmt.Errorf("password is required")
	}
	salt, hash, err := hashPassword(password)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[username]
	if !ok {
		return ErrUserNotFound
	}
	u.Salt, u.Hash = salt, hash
	return s.saveLocked()
}

// Update replaces roles and the tool allow-list. A nil tools slice
// clears the restriction; an empty one forbids every tool.
func (s *UserStore) Update(username string, roles []string, tools []string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[username]
	if !ok {
		return nil, ErrUserNotFound
	}
	if roles != nil {
		u.Roles = roles
	}
	u.AllowedTools = tools
	if err := s.saveLocked(); err != nil {
		return nil, err
	}
	return u.public(), nil
}

func hashPassword(password string) (salt, hash string, err error) {
	raw := make([]byte, saltBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("failed to generate salt: %w", err)
	}
	key := pbkdf2.Key([]byte(password), raw, pbkdf2Iterations, keyBytes, sha256.New)
	return base64.StdEncoding.EncodeToString(raw),
		base64.StdEncoding.EncodeToString(key), nil
}

func verifyPassword(password, salt, hash string) bool {
	rawSalt, err := base64.StdEncoding.DecodeString(salt)
	if err != nil {
		return false
	}
	rawHash, err := base64.StdEncoding.DecodeString(hash)
	if err != nil {
		return false
	}
	key := pbkdf2.Key([]byte(password), rawSalt, pbkdf2Iterations, keyBytes, sha256.New)
	return subtle.ConstantTimeCompare(key, rawHash) == 1
}
