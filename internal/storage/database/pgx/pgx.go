package pgx

import (
	"context"
	"database/sql"
	"embed"

	"github.com/avandras/cellar/internal/storage/database"
	"github.com/golang-migrate/migrate/v4"
	pgxMigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationsFilesystem embed.FS

func createMigrateInstance(db *sql.DB) (*migrate.Migrate, error) {
	sourceDriver, err := iofs.New(migrationsFilesystem, "migrations")
	if err != nil {
		return nil, err
	}

	databaseDriver, err := pgxMigrate.WithInstance(db, &pgxMigrate.Config{})
	if err != nil {
		return nil, err
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "pgx", databaseDriver)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func applyDatabaseMigrations(db *sql.DB) error {
	m, err := createMigrateInstance(db)
	if err != nil {
		return err
	}
	err = m.Up()
	if err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

type postgresDatabase struct {
	db *sql.DB
}

func (pdb *postgresDatabase) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	return pdb.db.BeginTx(ctx, opts)
}

func (pdb *postgresDatabase) PingContext(ctx context.Context) error {
	return pdb.db.PingContext(ctx)
}

func (pdb *postgresDatabase) GetDatabaseType() database.DatabaseType {
	return database.DB_TYPE_POSTGRES
}

func (pdb *postgresDatabase) Close() error {
	return pdb.db.Close()
}

func OpenDatabase(dbUrl string) (database.Database, error) {
	db, err := sql.Open("pgx", dbUrl)
	if err != nil {
		return nil, err
	}
	err = setupDatabase(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &postgresDatabase{db}, nil
}

func setupDatabase(db *sql.DB) error {
	err := applyDatabaseMigrations(db)
	if err != nil {
		return err
	}
	return nil
}
