package database

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/coordinator/internal/agents"
	"github.com/MarcoPoloResearchLab/coordinator/internal/intents"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// requiredPragmas maps each connection pragma to the value applied when the
// path does not set it already.
var requiredPragmas = []struct {
	name  string
	value string
}{
	{name: "foreign_keys", value: "foreign_keys(1)"},
	{name: "busy_timeout", value: "busy_timeout(5000)"},
}

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(withPragmas(path)), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(Models()...); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

// Models lists every relation the coordinator stores, in migration order.
func Models() []any {
	models := append([]any{}, intents.Models()...)
	return append(models, &agents.Agent{}, &migrationRecord{})
}

func withPragmas(path string) string {
	lowered := strings.ToLower(path)
	for _, pragma := range requiredPragmas {
		if strings.Contains(lowered, "_pragma="+pragma.name) {
			continue
		}
		separator := "?"
		if strings.Contains(path, "?") {
			separator = "&"
		}
		path += separator + "_pragma=" + pragma.value
	}
	return path
}
