package db

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	log "github.com/sirupsen/logrus"
	"github.com/usdb-labs/vaultd/internal/core/domain"
	"github.com/usdb-labs/vaultd/internal/core/ports"
	badgerdb "github.com/usdb-labs/vaultd/internal/infrastructure/db/badger"
	pgdb "github.com/usdb-labs/vaultd/internal/infrastructure/db/postgres"
	sqlitedb "github.com/usdb-labs/vaultd/internal/infrastructure/db/sqlite"
)

//go:embed sqlite/migration/*
var migrations embed.FS

//go:embed postgres/migration/*
var pgMigration embed.FS

var (
	vaultStoreTypes = map[string]func(...interface{}) (domain.VaultRepository, error){
		"badger":   badgerdb.NewVaultRepository,
		"sqlite":   sqlitedb.NewVaultRepository,
		"postgres": pgdb.NewVaultRepository,
	}
	pendingMintStoreTypes = map[string]func(...interface{}) (domain.PendingMintRepository, error){
		"badger":   badgerdb.NewPendingMintRepository,
		"sqlite":   sqlitedb.NewPendingMintRepository,
		"postgres": pgdb.NewPendingMintRepository,
	}
)

const (
	sqliteDbFile = "sqlite.db"
)

// ServiceConfig selects the store backend. DataStoreConfig is:
//   - badger: [baseDir string, logger badger.Logger], an empty baseDir keeps
//     the data in memory
//   - sqlite: [baseDir string]
//   - postgres: [dsn string, autoCreate bool]
type ServiceConfig struct {
	DataStoreType   string
	DataStoreConfig []interface{}
}

type service struct {
	vaultStore       domain.VaultRepository
	pendingMintStore domain.PendingMintRepository
	db               *sql.DB
}

func NewService(config ServiceConfig) (ports.RepoManager, error) {
	newVaultStore, ok := vaultStoreTypes[config.DataStoreType]
	if !ok {
		return nil, fmt.Errorf("invalid data store type: %s", config.DataStoreType)
	}
	newPendingMintStore := pendingMintStoreTypes[config.DataStoreType]

	// badger stores take the raw config, sql stores share one *sql.DB.
	args := config.DataStoreConfig
	var db *sql.DB
	if config.DataStoreType != "badger" {
		var err error
		if db, err = openSqlDb(config); err != nil {
			return nil, err
		}
		args = []interface{}{db}
	}

	svc := &service{db: db}
	var err error
	if svc.vaultStore, err = newVaultStore(args...); err != nil {
		svc.Close()
		return nil, fmt.Errorf("failed to open vault store: %s", err)
	}
	if svc.pendingMintStore, err = newPendingMintStore(args...); err != nil {
		svc.Close()
		return nil, fmt.Errorf("failed to open pending mint store: %s", err)
	}

	log.WithField("store", config.DataStoreType).Debug("vault ledger ready")
	return svc, nil
}

// openSqlDb opens the sqlite or postgres db and brings its schema up to date.
func openSqlDb(config ServiceConfig) (*sql.DB, error) {
	var (
		db     *sql.DB
		driver database.Driver
		src    source.Driver
		name   string
		err    error
	)

	switch config.DataStoreType {
	case "postgres":
		if len(config.DataStoreConfig) != 2 {
			return nil, fmt.Errorf("invalid data store config for postgres")
		}
		dsn, ok := config.DataStoreConfig[0].(string)
		if !ok {
			return nil, fmt.Errorf("invalid DSN for postgres")
		}
		autoCreate, ok := config.DataStoreConfig[1].(bool)
		if !ok {
			return nil, fmt.Errorf("invalid autocreate flag for postgres")
		}

		if db, err = pgdb.OpenDb(dsn, autoCreate); err != nil {
			return nil, fmt.Errorf("failed to open postgres db: %s", err)
		}
		name = "postgres"
		driver, err = migratepg.WithInstance(db, &migratepg.Config{})
		if err == nil {
			src, err = iofs.New(pgMigration, "postgres/migration")
		}

	case "sqlite":
		if len(config.DataStoreConfig) != 1 {
			return nil, fmt.Errorf("invalid data store config")
		}
		baseDir, ok := config.DataStoreConfig[0].(string)
		if !ok {
			return nil, fmt.Errorf("invalid base directory")
		}

		if db, err = sqlitedb.OpenDb(filepath.Join(baseDir, sqliteDbFile)); err != nil {
			return nil, fmt.Errorf("failed to open db: %s", err)
		}
		name = "vaultdb"
		driver, err = sqlitemigrate.WithInstance(db, &sqlitemigrate.Config{})
		if err == nil {
			src, err = iofs.New(migrations, "sqlite/migration")
		}
	}
	if err != nil {
		// nolint:all
		db.Close()
		return nil, fmt.Errorf("failed to prepare %s migrations: %s", config.DataStoreType, err)
	}

	m, err := migrate.NewWithInstance("iofs", src, name, driver)
	if err == nil {
		if err = m.Up(); errors.Is(err, migrate.ErrNoChange) {
			err = nil
		}
	}
	if err != nil {
		// nolint:all
		db.Close()
		return nil, fmt.Errorf("failed to run %s migrations: %s", config.DataStoreType, err)
	}
	return db, nil
}

func (s *service) Vaults() domain.VaultRepository {
	return s.vaultStore
}

func (s *service) PendingMints() domain.PendingMintRepository {
	return s.pendingMintStore
}

func (s *service) Close() {
	if s.vaultStore != nil {
		s.vaultStore.Close()
	}
	if s.pendingMintStore != nil {
		s.pendingMintStore.Close()
	}
	if s.db != nil {
		// nolint:all
		s.db.Close()
	}
}
