package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/hbomb79/Harmony/pkg/logger"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	sqldblogger "github.com/simukti/sqldb-logger"
)

const (
	PostgresDialect = "postgres"
	SqliteDialect   = "sqlite3"

	PostgresConnectionString = "host=%s user=%s password=%s dbname=%s port=%s sslmode=disable"
	SqliteConnectionString   = "file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
)

var (
	//go:embed migrations/*/*.sql
	migrations embed.FS

	dbLogger = logger.Get("DB")

	ErrNotConnected = errors.New("database manager has not yet connected")
)

type (
	// DatabaseConfig is a subset of the configuration focusing solely
	// on database connection items. The sqlite3 dialect only requires
	// the Path; the postgres dialect uses the remaining fields.
	DatabaseConfig struct {
		Dialect  string `yaml:"dialect" env:"DB_DIALECT" env-default:"sqlite3" validate:"oneof=postgres sqlite3"`
		Path     string `yaml:"path" env:"DB_PATH" env-default:"harmony.db"`
		User     string `yaml:"username" env:"DB_USERNAME"`
		Password string `yaml:"password" env:"DB_PASSWORD"`
		Name     string `yaml:"name" env:"DB_NAME" env-default:"HARMONY_DB"`
		Host     string `yaml:"host" env:"DB_HOST" env-default:"0.0.0.0"`
		Port     string `yaml:"port" env:"DB_PORT" env-default:"5432"`
	}

	// Queryable is the subset of sqlx functionality shared by *sqlx.DB and *sqlx.Tx,
	// allowing stores to operate both inside and outside of a transaction.
	Queryable interface {
		sqlx.Ext
		sqlx.ExtContext
		Get(dest interface{}, query string, args ...interface{}) error
		Select(dest interface{}, query string, args ...interface{}) error
		GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
		SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	}

	SqlLogger struct {
		logger logger.Logger
	}

	Manager interface {
		Connect(DatabaseConfig) error
		GetSqlxDb() *sqlx.DB
		WrapTx(context.Context, func(*sqlx.Tx) error) error
		Close() error
	}

	manager struct {
		rawDb   *sql.DB
		db      *sqlx.DB
		dialect string
	}
)

func New() *manager {
	return &manager{}
}

// DSN builds the driver connection string for the configured dialect
func (config DatabaseConfig) DSN() (string, error) {
	switch config.Dialect {
	case PostgresDialect:
		return fmt.Sprintf(PostgresConnectionString, config.Host, config.User, config.Password, config.Name, config.Port), nil
	case SqliteDialect:
		return fmt.Sprintf(SqliteConnectionString, config.Path), nil
	}

	return "", fmt.Errorf("unsupported database dialect '%s'", config.Dialect)
}

func (db *manager) Connect(config DatabaseConfig) error {
	dsn, err := config.DSN()
	if err != nil {
		return err
	}

	sql, err := sql.Open(config.Dialect, dsn)
	if err != nil {
		return fmt.Errorf("failed to open %s connection: %w", config.Dialect, err)
	}

	sql = sqldblogger.OpenDriver(dsn, sql.Driver(), &SqlLogger{dbLogger})
	if config.Dialect == SqliteDialect {
		// sqlite allows a single writer; serialising access through one
		// connection avoids SQLITE_BUSY under concurrent appends.
		sql.SetMaxOpenConns(1)
	}

	attempt := 1
	for {
		err := sql.Ping()
		if err != nil {
			if attempt >= 5 {
				dbLogger.Emit(logger.ERROR, "All attempts FAILED!\n")
				return err
			} else {
				dbLogger.Emit(logger.WARNING, "Attempt (%v/5) failed... Retrying in 3s\n", attempt)
				attempt++
				time.Sleep(time.Second * 3)
				continue
			}
		}

		db.rawDb = sql
		db.db = sqlx.NewDb(sql, config.Dialect)
		db.dialect = config.Dialect

		break
	}

	if err := db.ExecuteMigrations(); err != nil {
		return err
	}

	dbLogger.Emit(logger.SUCCESS, "Database connection complete!\n")
	return nil
}

// ExecuteMigrations uses the comp-time embedded SQL migrations (found in the 'migrations'
// dir in this package, one sub-directory per dialect) and runs them against the current DB instance.
//
// Note that this method must only be called following a successful DB connection.
func (db *manager) ExecuteMigrations() error {
	rawDb := db.rawDb
	if rawDb == nil {
		return fmt.Errorf("cannot execute migrations: %w", ErrNotConnected)
	}

	goose.SetBaseFS(migrations)
	goose.SetLogger(dbLogger)
	if err := goose.SetDialect(db.dialect); err != nil {
		return fmt.Errorf("failed to set dialect for DB migration: %w", err)
	}

	dir := "migrations/" + db.dialect
	dbLogger.Emit(logger.INFO, "Checking for pending DB migrations...\n")
	if err := goose.Up(rawDb, dir); err != nil {
		return fmt.Errorf("failed to migrate DB: %w", err)
	}

	dbLogger.Emit(logger.SUCCESS, "DB Goose migration complete!\n")
	return nil
}

// GetSqlxDb returns the sqlx database connection if
// one has been opened using 'Connect'. Otherwise, nil is returned
func (db *manager) GetSqlxDb() *sqlx.DB {
	return db.db
}

// WrapTx is a convinience method around the top-level WrapTx, which simply
// uses the managers DB instance as the first argument.
func (db *manager) WrapTx(ctx context.Context, f func(tx *sqlx.Tx) error) error {
	if db.db == nil {
		return ErrNotConnected
	}

	return WrapTx(ctx, db.db, f)
}

func (db *manager) Close() error {
	if db.db == nil {
		return nil
	}

	return db.db.Close()
}

func (l *SqlLogger) Log(_ context.Context, level sqldblogger.Level, msg string, data map[string]any) {
	template := "%s - %v\n"
	switch level {
	case sqldblogger.LevelTrace:
		l.logger.Verbosef(template, msg, data)
	case sqldblogger.LevelDebug, sqldblogger.LevelInfo:
		duration := data["duration"]
		query, ok := data["query"]
		if ok {
			l.logger.Verbosef("%s [%.2fms] -- %s\n", msg, duration, query)
		} else {
			l.logger.Verbosef("%s [%.2fms]\n", msg, duration)
		}
	case sqldblogger.LevelError:
		l.logger.Errorf(template, msg, data)
	}
}

// WrapTx starts a transaction against the provided DB, and then calls the user
// provided function. If this function errors, the transaction is rolled back - otherwise
// the transaction is committed.
func WrapTx(ctx context.Context, db *sqlx.DB, f func(tx *sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := f(tx); err != nil {
		dbLogger.Errorf("Transaction failed... rolling back. Error: %s\n", err.Error())
		return err
	}

	return tx.Commit()
}
