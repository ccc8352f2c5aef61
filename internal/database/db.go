package database

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	// DriverPostgres はPostgreSQLドライバ名。
	DriverPostgres = "postgres"
	// DriverSQLite はSQLiteドライバ名（modernc.org/sqlite）。
	DriverSQLite = "sqlite"
)

// Open はデータベース接続を開く。
// driverには DriverPostgres か DriverSQLite を指定する。
// PostgreSQLの場合、sql.Openは接続を試行しないため、実際の接続確認にはdb.Ping()を使用すること。
// SQLiteの場合は書き込みを直列化するため接続を1本に制限し、外部キー制約を有効にする。
func Open(driver, databaseURL string) (*sql.DB, error) {
	switch driver {
	case DriverPostgres:
		db, err := sql.Open(DriverPostgres, databaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		return db, nil
	case DriverSQLite:
		return openSQLite(databaseURL)
	default:
		return nil, fmt.Errorf("unsupported database driver: %q", driver)
	}
}

func openSQLite(dsn string) (*sql.DB, error) {
	db, err := sql.Open(DriverSQLite, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// インメモリDBは接続ごとに別のDBになるため、接続を1本に固定する
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to configure sqlite (%s): %w", pragma, err)
		}
	}
	return db, nil
}
