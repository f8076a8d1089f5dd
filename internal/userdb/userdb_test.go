package userdb

import (
	"path/filepath"
	"testing"
)

func TestAddAuthenticate(t *testing.T) {
	db := New(filepath.Join(t.TempDir(), "users.toml"))

	if err := db.AddUser("fulanito", "hunter2"); err != nil {
		t.Fatalf("AddUser: %v", err)
	}

	if !db.Authenticate("fulanito", "hunter2") {
		t.Errorf("expected password to match")
	}
	if db.Authenticate("fulanito", "wrong") {
		t.Errorf("expected password mismatch to fail")
	}
	if db.Authenticate("nosuchuser", "hunter2") {
		t.Errorf("expected unknown user to fail")
	}
	if !db.Exists("fulanito") {
		t.Errorf("expected user to exist")
	}
	if db.Exists("nosuchuser") {
		t.Errorf("expected unknown user to not exist")
	}
}

func TestWriteLoadRoundTrip(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "users.toml")
	db := New(fname)
	if err := db.AddUser("alice", "s3cret"); err != nil {
		t.Fatalf("AddUser: %v", err)
	}
	if err := db.Write(); err != nil {
		t.Fatalf("Write: %v", err)
	}

	loaded, err := Load(fname)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !loaded.Authenticate("alice", "s3cret") {
		t.Errorf("expected password to survive round-trip")
	}
}

func TestLoadMissingFile(t *testing.T) {
	db, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	if err != nil {
		t.Fatalf("Load of missing file: %v", err)
	}
	if db.Exists("anyone") {
		t.Errorf("expected empty db")
	}
}

func TestRemoveUser(t *testing.T) {
	db := New(filepath.Join(t.TempDir(), "users.toml"))
	_ = db.AddUser("bob", "pw")
	if !db.RemoveUser("bob") {
		t.Errorf("expected RemoveUser to report present")
	}
	if db.Exists("bob") {
		t.Errorf("expected user removed")
	}
	if db.RemoveUser("bob") {
		t.Errorf("expected second RemoveUser to report absent")
	}
}
