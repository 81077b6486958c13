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

package database

import (
	"context"
	"database/sql"
	"time"

	cdb "privateindexer/database/types"
	"privateindexer/util"
)

const (
	userColumns = "id, label, api_key, role, uploaded, downloaded, grabs, torrents_uploaded, seeding, leeching, " +
		"created_at, last_seen, client_version, last_address, reachable"

	apiKeyLength = 64
)

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (*cdb.User, error) {
	u := &cdb.User{}

	err := row.Scan(&u.ID, &u.Label, &u.APIKey, &u.Role, &u.Uploaded, &u.Downloaded, &u.Grabs,
		&u.TorrentsUploaded, &u.Seeding, &u.Leeching, &u.CreatedAt, &u.LastSeen,
		&u.ClientVersion, &u.LastAddress, &u.Reachable)
	if err != nil {
		return nil, err
	}

	return u, nil
}

func (db *Database) queryUser(ctx context.Context, stmt *sql.Stmt, arg any) (u *cdb.User, err error) {
	err = db.perform(ctx, func(ctx context.Context) error {
		u, err = scanUser(stmt.QueryRowContext(ctx, arg))
		return err
	})

	return u, err
}

func (db *Database) UserByAPIKey(ctx context.Context, apiKey string) (*cdb.User, error) {
	return db.queryUser(ctx, db.userByAPIKeyStmt, apiKey)
}

func (db *Database) UserByID(ctx context.Context, id uint32) (*cdb.User, error) {
	return db.queryUser(ctx, db.userByIDStmt, id)
}

func (db *Database) Users(ctx context.Context) (users []*cdb.User, err error) {
	err = db.perform(ctx, func(ctx context.Context) error {
		rows, err := db.usersStmt.QueryContext(ctx)
		if err != nil {
			return err
		}

		defer rows.Close()

		users = users[:0]

		for rows.Next() {
			u, err := scanUser(rows)
			if err != nil {
				return err
			}

			users = append(users, u)
		}

		return rows.Err()
	})

	return users, err
}

// CreateUser registers user with freshly generated API key
func (db *Database) CreateUser(ctx context.Context, label string, role cdb.Role) (*cdb.User, error) {
	u := &cdb.User{
		Label:     label,
		APIKey:    util.RandStringBytes(apiKeyLength),
		Role:      role,
		CreatedAt: time.Now().Unix(),
	}

	err := db.perform(ctx, func(ctx context.Context) error {
		result, err := db.insertUserStmt.ExecContext(ctx, u.Label, u.APIKey, u.Role, u.CreatedAt)
		if err != nil {
			return err
		}

		id, err := result.LastInsertId()
		u.ID = uint32(id)

		return err
	})
	if err != nil {
		return nil, err
	}

	return u, nil
}

// RotateUserKey replaces API key of user; access tokens already issued are unaffected
func (db *Database) RotateUserKey(ctx context.Context, id uint32) (string, error) {
	apiKey := util.RandStringBytes(apiKeyLength)

	err := db.perform(ctx, func(ctx context.Context) error {
		return expectAffected(db.rotateKeyStmt.ExecContext(ctx, apiKey, id))
	})
	if err != nil {
		return "", err
	}

	return apiKey, nil
}

// DeleteUser removes user; uploaded torrents stay with uploader reference cleared
func (db *Database) DeleteUser(ctx context.Context, id uint32) error {
	return db.perform(ctx, func(ctx context.Context) error {
		return expectAffected(db.deleteUserStmt.ExecContext(ctx, id))
	})
}

func (db *Database) AddUserTransfer(ctx context.Context, id uint32, uploaded, downloaded uint64) error {
	return db.perform(ctx, func(ctx context.Context) error {
		_, err := db.addTransferStmt.ExecContext(ctx, uploaded, downloaded, id)
		return err
	})
}

func (db *Database) TouchUser(ctx context.Context, id uint32, at int64) error {
	return db.perform(ctx, func(ctx context.Context) error {
		_, err := db.touchUserStmt.ExecContext(ctx, at, id)
		return err
	})
}

// CheckInUser stores what the client reported at startup along with the outcome of the reachability check
func (db *Database) CheckInUser(ctx context.Context, id uint32, c cdb.CheckIn) error {
	return db.perform(ctx, func(ctx context.Context) error {
		_, err := db.checkInStmt.ExecContext(ctx, c.Version, c.Address, c.Reachable, c.At, id)
		return err
	})
}

// SetUserActivity replaces live seeding/leeching counts for all users at once
func (db *Database) SetUserActivity(ctx context.Context, activity map[uint32]cdb.Activity) error {
	return db.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.StmtContext(ctx, db.resetActivityStmt).ExecContext(ctx); err != nil {
			return err
		}

		stmt := tx.StmtContext(ctx, db.setActivityStmt)

		for id, a := range activity {
			if _, err := stmt.ExecContext(ctx, a.Seeding, a.Leeching, id); err != nil {
				return err
			}
		}

		return nil
	})
}

func expectAffected(result sql.Result, err error) error {
	if err != nil {
		return err
	}

	n, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if n == 0 {
		return ErrNotFound
	}

	return nil
}
