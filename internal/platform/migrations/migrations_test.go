package migrations

import (
	"testing"

	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

func TestEmbeddedMigrationsAreOrdered(t *testing.T) {
	src, err := iofs.New(files, ".")
	if err != nil {
		t.Fatalf("open migration source: %v", err)
	}
	defer src.Close()

	first, err := src.First()
	if err != nil {
		t.Fatalf("first migration: %v", err)
	}
	if first != 1 {
		t.Fatalf("expected first migration version 1, got %d", first)
	}

	var versions []uint
	versions = append(versions, first)
	cur := first
	for {
		next, err := src.Next(cur)
		if err == source.ErrNotExist {
			break
		}
		if err != nil {
			t.Fatalf("next migration after %d: %v", cur, err)
		}
		versions = append(versions, next)
		cur = next
	}

	if len(versions) != 5 {
		t.Fatalf("expected 5 migration versions, got %v", versions)
	}
	for i, v := range versions {
		if v != uint(i+1) {
			t.Fatalf("expected contiguous versions starting at 1, got %v", versions)
		}
	}
}
