package db

import (
	"strings"
	"testing"
)

func TestMaskPassword(t *testing.T) {
	got := maskPassword("postgres://vending:s3cret@db:5432/vending")
	if strings.Contains(got, "s3cret") {
		t.Fatalf("password leaked: %s", got)
	}
	if got != "postgres://vending:***@db:5432/vending" {
		t.Errorf("unexpected mask %s", got)
	}
	if maskPassword("") != "<empty>" {
		t.Error("Expected <empty> for empty url")
	}
}

func TestMigrationNamesSorted(t *testing.T) {
	names, err := migrationNames()
	if err != nil {
		t.Fatalf("migrationNames failed: %v", err)
	}
	if len(names) == 0 || names[0] != "001_purchase_attempts.sql" {
		t.Fatalf("unexpected migrations %v", names)
	}
}
