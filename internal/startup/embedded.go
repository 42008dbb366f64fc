package startup

import (
	"fmt"
	"os"
	"path/filepath"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"

	"github.com/msgcore/internal/logger"
)

// EmbeddedPostgresConfig — параметры локального Postgres для -dev и интеграционных тестов.
type EmbeddedPostgresConfig struct {
	Port     uint32
	DataDir  string
	User     string
	Password string
	Database string
}

// StartEmbeddedPostgres запускает встроенный PostgreSQL и возвращает его вместе со строкой подключения.
func StartEmbeddedPostgres(c EmbeddedPostgresConfig) (*embeddedpostgres.EmbeddedPostgres, string, error) {
	if c.Port == 0 {
		c.Port = 5432
	}
	if c.User == "" {
		c.User = "msgcore"
	}
	if c.Password == "" {
		c.Password = "msgcore_secret"
	}
	if c.Database == "" {
		c.Database = "msgcore"
	}
	if c.DataDir == "" {
		c.DataDir = filepath.Join(".", ".pgdata")
	}
	if err := os.MkdirAll(c.DataDir, 0o755); err != nil {
		return nil, "", fmt.Errorf("create pgdata dir: %w", err)
	}

	db := embeddedpostgres.NewDatabase(
		embeddedpostgres.DefaultConfig().
			Port(c.Port).
			Username(c.User).
			Password(c.Password).
			Database(c.Database).
			DataPath(c.DataDir).
			RuntimePath(filepath.Join(os.TempDir(), fmt.Sprintf("embedded-pg-runtime-%d", c.Port))),
	)

	logger.Info("starting embedded PostgreSQL...")
	if err := db.Start(); err != nil {
		return nil, "", fmt.Errorf("start embedded postgres: %w", err)
	}
	logger.Infof("embedded PostgreSQL running on port %d", c.Port)
	url := fmt.Sprintf("postgres://%s:%s@localhost:%d/%s?sslmode=disable", c.User, c.Password, c.Port, c.Database)
	return db, url, nil
}
