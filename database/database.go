/*
 * This file is part of PrivateIndexer.
 *
 * PrivateIndexer is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * PrivateIndexer is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with PrivateIndexer.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package database is the durable store for users and torrents backed by MySQL/MariaDB.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"privateindexer/collector"
	"privateindexer/config"

	"github.com/go-sql-driver/mysql"
)

var (
	ErrNotFound    = errors.New("record not found")
	ErrDuplicate   = errors.New("duplicate record")
	ErrUnavailable = errors.New("database unavailable")
)

const (
	errNumDuplicate       = 1062
	errNumDeadlock        = 1213
	errNumLockWaitTimeout = 1205
)

type Database struct {
	conn *sql.DB

	userByAPIKeyStmt    *sql.Stmt
	userByIDStmt        *sql.Stmt
	usersStmt           *sql.Stmt
	insertUserStmt      *sql.Stmt
	rotateKeyStmt       *sql.Stmt
	deleteUserStmt      *sql.Stmt
	addTransferStmt     *sql.Stmt
	touchUserStmt       *sql.Stmt
	checkInStmt         *sql.Stmt
	incrementUploadStmt *sql.Stmt
	incrementGrabsStmt  *sql.Stmt
	resetActivityStmt   *sql.Stmt
	setActivityStmt     *sql.Stmt

	insertTorrentStmt       *sql.Stmt
	torrentByHashStmt       *sql.Stmt
	torrentRangeStmt        *sql.Stmt
	maxTorrentIDStmt        *sql.Stmt
	deleteTorrentStmt       *sql.Stmt
	updatePathStmt          *sql.Stmt
	incrementTorrentGrabsSt *sql.Stmt
	renameTorrentStmt       *sql.Stmt
	countsStmt              *sql.Stmt

	deadlockRetries int
	deadlockPause   time.Duration
}

// Open connects, creates missing tables and prepares statements
func Open(ctx context.Context, cfg *config.Config) (*Database, error) {
	slog.Info("opening database connection")

	conn, err := sql.Open("mysql", cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("couldn't open database: %w", err)
	}

	conn.SetConnMaxLifetime(5 * time.Minute)
	conn.SetMaxIdleConns(10)

	if err = conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: couldn't ping database: %w", ErrUnavailable, err)
	}

	db := &Database{
		conn:            conn,
		deadlockRetries: cfg.DeadlockRetries,
		deadlockPause:   cfg.DeadlockPause,
	}

	if err = db.ensureSchema(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}

	if err = db.prepareStatements(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return db, nil
}

func (db *Database) prepareStatements(ctx context.Context) error {
	statements := []struct {
		stmt  **sql.Stmt
		query string
	}{
		{&db.userByAPIKeyStmt, "SELECT " + userColumns + " FROM users WHERE api_key = ?"},
		{&db.userByIDStmt, "SELECT " + userColumns + " FROM users WHERE id = ?"},
		{&db.usersStmt, "SELECT " + userColumns + " FROM users ORDER BY id"},
		{&db.insertUserStmt, "INSERT INTO users (label, api_key, role, created_at) VALUES (?, ?, ?, ?)"},
		{&db.rotateKeyStmt, "UPDATE users SET api_key = ? WHERE id = ?"},
		{&db.deleteUserStmt, "DELETE FROM users WHERE id = ?"},
		{&db.addTransferStmt, "UPDATE users SET uploaded = uploaded + ?, downloaded = downloaded + ? WHERE id = ?"},
		{&db.touchUserStmt, "UPDATE users SET last_seen = ? WHERE id = ?"},
		{&db.checkInStmt, "UPDATE users SET client_version = ?, last_address = ?, reachable = ?, last_seen = ? " +
			"WHERE id = ?"},
		{&db.incrementUploadStmt, "UPDATE users SET torrents_uploaded = torrents_uploaded + 1 WHERE id = ?"},
		{&db.incrementGrabsStmt, "UPDATE users SET grabs = grabs + 1 WHERE id = ?"},
		{&db.resetActivityStmt, "UPDATE users SET seeding = 0, leeching = 0 WHERE seeding <> 0 OR leeching <> 0"},
		{&db.setActivityStmt, "UPDATE users SET seeding = ?, leeching = ? WHERE id = ?"},

		{&db.insertTorrentStmt, "INSERT INTO torrents " +
			"(info_hash, name, normalized_name, category, size, files, path, added_on, added_by, last_active) " +
			"VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0)"},
		{&db.torrentByHashStmt, "SELECT " + torrentColumns + " FROM torrents WHERE info_hash = ?"},
		{&db.torrentRangeStmt, "SELECT " + torrentColumns + " FROM torrents WHERE id > ? AND id <= ? ORDER BY id LIMIT ?"},
		{&db.maxTorrentIDStmt, "SELECT COALESCE(MAX(id), 0) FROM torrents"},
		{&db.deleteTorrentStmt, "DELETE FROM torrents WHERE id = ?"},
		{&db.updatePathStmt, "UPDATE torrents SET path = ? WHERE id = ?"},
		{&db.incrementTorrentGrabsSt, "UPDATE torrents SET grabs = grabs + 1 WHERE id = ?"},
		{&db.renameTorrentStmt, "UPDATE torrents SET name = ?, normalized_name = ? " +
			"WHERE info_hash = ? AND added_by = ? AND name <> ?"},
		{&db.countsStmt, "SELECT (SELECT COUNT(*) FROM users), (SELECT COUNT(*) FROM torrents)"},
	}

	for _, s := range statements {
		stmt, err := db.conn.PrepareContext(ctx, s.query)
		if err != nil {
			return fmt.Errorf("couldn't prepare statement %q: %w", s.query, err)
		}

		*s.stmt = stmt
	}

	return nil
}

func (db *Database) Close() error {
	slog.Info("closing database connection")
	return db.conn.Close()
}

func (db *Database) Ping(ctx context.Context) error {
	if err := db.conn.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	return nil
}

// perform runs exec, retrying on deadlocks and lock wait timeouts with linearly growing pause
func (db *Database) perform(ctx context.Context, exec func(ctx context.Context) error) error {
	var (
		err   error
		tries int
		wait  time.Duration
	)

	for tries = 1; tries <= db.deadlockRetries; tries++ {
		err = exec(ctx)
		if err == nil {
			return nil
		}

		var merr *mysql.MySQLError
		if !errors.As(err, &merr) || (merr.Number != errNumDeadlock && merr.Number != errNumLockWaitTimeout) {
			return classify(err)
		}

		wait = db.deadlockPause * time.Duration(tries)
		slog.Warn("deadlock found", "wait", wait, "try", tries, "max", db.deadlockRetries)

		if tries == 1 {
			collector.IncrementDeadlockCount()
		}

		collector.IncrementDeadlockTime(wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}

	slog.Error("deadlocked too many times, giving up", "tries", db.deadlockRetries)
	collector.IncrementDeadlockAborted()

	return err
}

// classify maps driver errors onto package sentinels
func classify(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}

	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrDuplicate) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var merr *mysql.MySQLError
	if errors.As(err, &merr) {
		if merr.Number == errNumDuplicate {
			return fmt.Errorf("%w: %s", ErrDuplicate, merr.Message)
		}

		slog.Error("sql error", "number", merr.Number, "message", merr.Message)
		collector.IncrementSQLErrorCount()

		return err
	}

	// Anything not reported by the server itself is a connectivity problem
	collector.IncrementSQLErrorCount()

	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

func (db *Database) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return db.perform(ctx, func(ctx context.Context) error {
		tx, err := db.conn.BeginTx(ctx, nil)
		if err != nil {
			return err
		}

		if err = fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}

		return tx.Commit()
	})
}

func (db *Database) Counts(ctx context.Context) (users, torrents int, err error) {
	err = db.perform(ctx, func(ctx context.Context) error {
		return db.countsStmt.QueryRowContext(ctx).Scan(&users, &torrents)
	})

	return users, torrents, err
}
