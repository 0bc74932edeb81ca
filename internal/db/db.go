package db

import (
	"fmt"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Connect opens the student-record store. A DSN starting with "sqlite:" or "file:" opens a
// SQLite database (local stacks and tests); anything else is treated as a postgres URL. When
// schema is set and the DSN does not already pin a search_path, it is appended.
func Connect(databaseURL, schema string) (*gorm.DB, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database url is empty")
	}
	cfg := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	}

	if path, ok := sqlitePath(databaseURL); ok {
		gdb, err := gorm.Open(sqlite.Open(path), cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		sqlDB, err := gdb.DB()
		if err != nil {
			return nil, err
		}
		// In-memory databases are per connection.
		sqlDB.SetMaxOpenConns(1)
		return gdb, nil
	}

	dsn := databaseURL
	if schema != "" && !strings.Contains(dsn, "search_path") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn = dsn + sep + "search_path=" + schema
	}

	gdb, err := gorm.Open(postgres.Open(dsn), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return gdb, nil
}

func sqlitePath(dsn string) (string, bool) {
	switch {
	case strings.HasPrefix(dsn, "sqlite://"):
		return strings.TrimPrefix(dsn, "sqlite://"), true
	case strings.HasPrefix(dsn, "sqlite:"):
		return strings.TrimPrefix(dsn, "sqlite:"), true
	case strings.HasPrefix(dsn, "file:"):
		return dsn, true
	}
	return "", false
}
