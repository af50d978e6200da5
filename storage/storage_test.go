package storage

import (
	"testing"

	"github.com/google/uuid"
)

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open("mysql", "dsn"); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestOpenTestAppliesSchema(t *testing.T) {
	db, err := OpenTest()
	if err != nil {
		t.Fatalf("OpenTest failed: %v", err)
	}
	defer db.Close()

	insert := `INSERT INTO users (id, email, password_hash, created_at) VALUES ($1, $2, $3, $4)`
	if _, err := db.Exec(insert, uuid.New(), "maria@example.com", "x", 0); err != nil {
		t.Fatalf("inserting into migrated schema failed: %v", err)
	}

	_, err = db.Exec(insert, uuid.New(), "maria@example.com", "x", 0)
	if err == nil {
		t.Fatal("duplicate email accepted")
	}
	if !IsUniqueViolation(err) {
		t.Errorf("IsUniqueViolation(%v) = false", err)
	}
}
