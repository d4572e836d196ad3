// Package dbtest поднимает временную sqlite-базу с полной схемой для тестов пакетов.
package dbtest

import (
	"path/filepath"
	"testing"

	"gorm.io/gorm"

	"rootauth/internal/db"
)

func Open(t testing.TB) *gorm.DB {
	t.Helper()
	d, err := db.Open("sqlite", filepath.Join(t.TempDir(), "rootauth.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.Migrate(d); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := d.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return d
}
