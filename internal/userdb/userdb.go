// Package userdb implements a simple local user database.
//
// # Format
//
// The user database is a TOML file containing a list of users and their
// scrypt-hashed passwords. We write text (rather than a binary or protobuf
// encoding) to make it easy for administrators to read and hand-edit.
//
// Users must be UTF-8 and not contain whitespace; PRECIS normalization
// enforces this on add.
//
// # Schemes
//
// The default scheme is SCRYPT, with hard-coded parameters. A PLAIN scheme
// is also supported, for debugging only.
//
// # Writing
//
// Write rewrites the whole file; it does not preserve comments or
// formatting a human editor may have added.
//
// It is not safe for concurrent use from different processes.
package userdb

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"os"
	"sync"

	"github.com/pelletier/go-toml/v2"
	"golang.org/x/crypto/scrypt"

	"go.emailrelay.dev/relay/internal/normalize"
	"go.emailrelay.dev/relay/internal/safeio"
)

// scryptParams are the hard-coded parameters recommended by the scrypt
// paper for interactive logins; not user-configurable.
const (
	scryptLogN   = 14
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
)

// entry is one user's on-disk record. Exactly one of Scrypt or Plain is
// populated.
type entry struct {
	Scrypt *scryptScheme `toml:"scrypt,omitempty"`
	Plain  *plainScheme  `toml:"plain,omitempty"`
}

type scryptScheme struct {
	LogN      int    `toml:"log_n"`
	R         int    `toml:"r"`
	P         int    `toml:"p"`
	KeyLen    int    `toml:"key_len"`
	Salt      string `toml:"salt"`      // base64
	Encrypted string `toml:"encrypted"` // base64
}

type plainScheme struct {
	Password string `toml:"password"`
}

type fileFormat struct {
	Users map[string]entry `toml:"users"`
}

// DB represents a single user database.
type DB struct {
	fname string
	users map[string]entry

	mu sync.RWMutex
}

// New returns a new, empty user database backed by the given file name.
func New(fname string) *DB {
	return &DB{fname: fname, users: map[string]entry{}}
}

// Load the database from the given file. A missing file is treated as an
// empty, usable database.
func Load(fname string) (*DB, error) {
	db := New(fname)
	data, err := os.ReadFile(fname)
	if os.IsNotExist(err) {
		return db, nil
	}
	if err != nil {
		return db, err
	}
	var ff fileFormat
	if err := toml.Unmarshal(data, &ff); err != nil {
		return db, fmt.Errorf("userdb: parsing %s: %w", fname, err)
	}
	if ff.Users != nil {
		db.users = ff.Users
	}
	return db, nil
}

// Reload refreshes the database's contents from the current file on disk.
// If there are errors reading from the file, they are returned and the
// database is not changed.
func (db *DB) Reload() error {
	newdb, err := Load(db.fname)
	if err != nil {
		return err
	}
	db.mu.Lock()
	db.users = newdb.users
	db.mu.Unlock()
	return nil
}

// Write the database to disk, wholesale, atomically (via a temporary file
// and rename) so a reader never observes a partially-written file. Not
// safe to call concurrently from different processes.
func (db *DB) Write() error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	data, err := toml.Marshal(fileFormat{Users: db.users})
	if err != nil {
		return err
	}
	return safeio.WriteFile(db.fname, data, 0660)
}

// Authenticate returns true if the password is valid for the user, false
// otherwise. Satisfies auth.NoErrorBackend.
func (db *DB) Authenticate(name, plainPassword string) bool {
	db.mu.RLock()
	e, ok := db.users[name]
	db.mu.RUnlock()
	if !ok {
		return false
	}
	return e.passwordMatches(plainPassword)
}

func (e entry) passwordMatches(plain string) bool {
	switch {
	case e.Scrypt != nil:
		return e.Scrypt.passwordMatches(plain)
	case e.Plain != nil:
		return plain == e.Plain.Password
	default:
		return false
	}
}

func (s *scryptScheme) passwordMatches(plain string) bool {
	salt, err := base64.StdEncoding.DecodeString(s.Salt)
	if err != nil {
		return false
	}
	want, err := base64.StdEncoding.DecodeString(s.Encrypted)
	if err != nil {
		return false
	}
	got, err := scrypt.Key([]byte(plain), salt, 1<<s.LogN, s.R, s.P, s.KeyLen)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(got, want) == 1
}

// AddUser to the database, using the scrypt scheme. If the user is already
// present, override it. The name must already be PRECIS-normalized.
func (db *DB) AddUser(name, plainPassword string) error {
	norm, err := normalize.User(name)
	if err != nil || name != norm {
		return fmt.Errorf("userdb: invalid username %q", name)
	}

	salt := make([]byte, 16)
	if n, err := rand.Read(salt); n != 16 || err != nil {
		return fmt.Errorf("userdb: failed to get salt: %d, %v", n, err)
	}

	enc, err := scrypt.Key([]byte(plainPassword), salt, 1<<scryptLogN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return fmt.Errorf("userdb: scrypt failed: %w", err)
	}

	db.mu.Lock()
	db.users[name] = entry{Scrypt: &scryptScheme{
		LogN: scryptLogN, R: scryptR, P: scryptP, KeyLen: scryptKeyLen,
		Salt:      base64.StdEncoding.EncodeToString(salt),
		Encrypted: base64.StdEncoding.EncodeToString(enc),
	}}
	db.mu.Unlock()
	return nil
}

// AddPlainUser adds a user with a plain-text password. Useful only for
// testing and debugging.
func (db *DB) AddPlainUser(name, plainPassword string) error {
	norm, err := normalize.User(name)
	if err != nil || name != norm {
		return fmt.Errorf("userdb: invalid username %q", name)
	}
	db.mu.Lock()
	db.users[name] = entry{Plain: &plainScheme{Password: plainPassword}}
	db.mu.Unlock()
	return nil
}

// RemoveUser from the database. Returns true if the user was there, false
// otherwise.
func (db *DB) RemoveUser(name string) bool {
	db.mu.Lock()
	_, present := db.users[name]
	delete(db.users, name)
	db.mu.Unlock()
	return present
}

// Exists returns true if the user is present, false otherwise. Satisfies
// auth.NoErrorBackend.
func (db *DB) Exists(name string) bool {
	db.mu.RLock()
	_, present := db.users[name]
	db.mu.RUnlock()
	return present
}
