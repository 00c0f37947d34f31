package core

import (
	"database/sql"
	"fmt"
	"io/fs"
	"net/url"
	"strconv"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

type SQLiteDBOption struct {
	// mode can be ro | rw | rwc | memory
	Mode string
	// cache can be shared | private
	Cache string
	// JournalMode be DELETE | TRUNCATE | PERSIST | MEMORY | WAL | OFF
	JournalMode string
	// BusyTimeout is the number of milliseconds a writer waits for a lock.
	BusyTimeout int
}

func (config *SQLiteDBOption) DSN(file string) string {
	dsn := "file:" + file
	if config == nil {
		return dsn
	}
	q := url.Values{}
	if config.Mode != "" {
		q.Set("mode", config.Mode)
	}
	if config.Cache != "" {
		q.Set("cache", config.Cache)
	}
	if config.JournalMode != "" {
		q.Set("_journal_mode", config.JournalMode)
	}
	if config.BusyTimeout > 0 {
		q.Set("_busy_timeout", strconv.Itoa(config.BusyTimeout))
	}
	if len(q) == 0 {
		return dsn
	}
	return dsn + "?" + q.Encode()
}

type SQLiteDB struct {
	*sql.DB
	config     *SQLiteDBOption
	file       string
	migrations fs.FS
}

func NewSQLiteDB(file string, migrations fs.FS, config *SQLiteDBOption) (*SQLiteDB, error) {
	db := &SQLiteDB{config: config, migrations: migrations, file: file}

	d, err := sql.Open("sqlite3", config.DSN(file))
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}
	// sqlite allows a single writer; serializing connections avoids SQLITE_BUSY
	d.SetMaxOpenConns(1)

	db.DB = d
	return db, nil
}

func (db *SQLiteDB) Migrate() error {
	goose.SetBaseFS(db.migrations)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}

	if err := goose.Up(db.DB, "."); err != nil {
		return fmt.Errorf("goose.Up: %w", err)
	}
	return nil
}
