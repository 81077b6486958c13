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
	"bytes"
	"context"
	"database/sql"
	"strconv"

	cdb "privateindexer/database/types"
)

const torrentColumns = "id, info_hash, name, normalized_name, category, size, files, grabs, path, added_on, " +
	"COALESCE(added_by, 0), last_active"

func scanTorrent(row scanner) (*cdb.Torrent, error) {
	t := &cdb.Torrent{}

	err := row.Scan(&t.ID, &t.InfoHash, &t.Name, &t.NormalizedName, &t.Category, &t.Size, &t.Files, &t.Grabs,
		&t.Path, &t.AddedOn, &t.UploaderID, &t.LastActive)
	if err != nil {
		return nil, err
	}

	return t, nil
}

func scanTorrents(rows *sql.Rows, into []*cdb.Torrent) ([]*cdb.Torrent, error) {
	defer rows.Close()

	for rows.Next() {
		t, err := scanTorrent(rows)
		if err != nil {
			return nil, err
		}

		into = append(into, t)
	}

	return into, rows.Err()
}

// InsertTorrent stores t and assigns its ID. Uploader counter is bumped in the same transaction.
func (db *Database) InsertTorrent(ctx context.Context, t *cdb.Torrent) error {
	uploader := sql.NullInt64{Int64: int64(t.UploaderID), Valid: t.UploaderID != 0}

	return db.inTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.StmtContext(ctx, db.insertTorrentStmt).ExecContext(ctx,
			t.InfoHash, t.Name, t.NormalizedName, t.Category, t.Size, t.Files, t.Path, t.AddedOn, uploader)
		if err != nil {
			return err
		}

		id, err := result.LastInsertId()
		if err != nil {
			return err
		}

		t.ID = uint32(id)

		if uploader.Valid {
			_, err = tx.StmtContext(ctx, db.incrementUploadStmt).ExecContext(ctx, t.UploaderID)
		}

		return err
	})
}

func (db *Database) TorrentByInfoHash(ctx context.Context, h cdb.InfoHash) (t *cdb.Torrent, err error) {
	err = db.perform(ctx, func(ctx context.Context) error {
		t, err = scanTorrent(db.torrentByHashStmt.QueryRowContext(ctx, h))
		return err
	})

	return t, err
}

// RecordGrab increments grab counters of torrent and grabbing user atomically
func (db *Database) RecordGrab(ctx context.Context, torrentID, userID uint32) error {
	return db.inTx(ctx, func(tx *sql.Tx) error {
		if err := expectAffected(tx.StmtContext(ctx, db.incrementTorrentGrabsSt).ExecContext(ctx, torrentID)); err != nil {
			return err
		}

		_, err := tx.StmtContext(ctx, db.incrementGrabsStmt).ExecContext(ctx, userID)

		return err
	})
}

// TorrentRange returns up to limit torrents with after < id <= until in ID order
func (db *Database) TorrentRange(ctx context.Context, after, until uint32, limit int) (torrents []*cdb.Torrent,
	err error) {
	err = db.perform(ctx, func(ctx context.Context) error {
		rows, err := db.torrentRangeStmt.QueryContext(ctx, after, until, limit)
		if err != nil {
			return err
		}

		torrents, err = scanTorrents(rows, make([]*cdb.Torrent, 0, limit))

		return err
	})

	return torrents, err
}

func (db *Database) MaxTorrentID(ctx context.Context) (id uint32, err error) {
	err = db.perform(ctx, func(ctx context.Context) error {
		return db.maxTorrentIDStmt.QueryRowContext(ctx).Scan(&id)
	})

	return id, err
}

func (db *Database) DeleteTorrent(ctx context.Context, id uint32) error {
	return db.perform(ctx, func(ctx context.Context) error {
		return expectAffected(db.deleteTorrentStmt.ExecContext(ctx, id))
	})
}

func (db *Database) UpdateTorrentPath(ctx context.Context, id uint32, path string) error {
	return db.perform(ctx, func(ctx context.Context) error {
		_, err := db.updatePathStmt.ExecContext(ctx, path, id)
		return err
	})
}

// RenameTorrent updates name of torrent only when userID is its original uploader
func (db *Database) RenameTorrent(ctx context.Context, h cdb.InfoHash, userID uint32, name, normalized string) (
	renamed bool, err error) {
	err = db.perform(ctx, func(ctx context.Context) error {
		result, err := db.renameTorrentStmt.ExecContext(ctx, name, normalized, h, userID, name)
		if err != nil {
			return err
		}

		n, err := result.RowsAffected()
		renamed = n > 0

		return err
	})

	return renamed, err
}

// TouchTorrents sets last_active of all listed torrents
func (db *Database) TouchTorrents(ctx context.Context, ids []uint32, at int64) error {
	if len(ids) == 0 {
		return nil
	}

	var query bytes.Buffer

	query.Grow(64 + len(ids)*8)
	query.WriteString("UPDATE torrents SET last_active = ")
	query.WriteString(strconv.FormatInt(at, 10))
	query.WriteString(" WHERE id IN (")

	for i, id := range ids {
		if i > 0 {
			query.WriteString(",")
		}

		query.WriteString(strconv.FormatUint(uint64(id), 10))
	}

	query.WriteString(")")

	return db.perform(ctx, func(ctx context.Context) error {
		_, err := db.conn.ExecContext(ctx, query.String())
		return err
	})
}

// KnownInfoHashes returns subset of hashes present in database
func (db *Database) KnownInfoHashes(ctx context.Context, hashes []cdb.InfoHash) (map[cdb.InfoHash]struct{},
	error) {
	known := make(map[cdb.InfoHash]struct{}, len(hashes))
	if len(hashes) == 0 {
		return known, nil
	}

	var query bytes.Buffer

	args := make([]any, len(hashes))

	query.WriteString("SELECT info_hash FROM torrents WHERE info_hash IN (")

	for i, h := range hashes {
		if i > 0 {
			query.WriteString(",")
		}

		query.WriteString("?")

		args[i] = h
	}

	query.WriteString(")")

	err := db.perform(ctx, func(ctx context.Context) error {
		rows, err := db.conn.QueryContext(ctx, query.String(), args...)
		if err != nil {
			return err
		}

		defer rows.Close()

		for rows.Next() {
			var h cdb.InfoHash
			if err = rows.Scan(&h); err != nil {
				return err
			}

			known[h] = struct{}{}
		}

		return rows.Err()
	})

	return known, err
}

// SearchTorrents matches normalized term as substring, newest first
func (db *Database) SearchTorrents(ctx context.Context, q cdb.SearchQuery) (torrents []*cdb.Torrent, err error) {
	var (
		query bytes.Buffer
		args  []any
	)

	query.WriteString("SELECT " + torrentColumns + " FROM torrents WHERE 1 = 1")

	if q.Term != "" {
		query.WriteString(" AND normalized_name LIKE ?")

		args = append(args, "%"+q.Term+"%")
	}

	if len(q.Categories) > 0 {
		query.WriteString(" AND category IN (")

		for i, c := range q.Categories {
			if i > 0 {
				query.WriteString(",")
			}

			query.WriteString("?")

			args = append(args, c)
		}

		query.WriteString(")")
	}

	query.WriteString(" ORDER BY id DESC LIMIT ? OFFSET ?")

	args = append(args, q.Limit, q.Offset)

	err = db.perform(ctx, func(ctx context.Context) error {
		rows, err := db.conn.QueryContext(ctx, query.String(), args...)
		if err != nil {
			return err
		}

		torrents, err = scanTorrents(rows, make([]*cdb.Torrent, 0, q.Limit))

		return err
	})

	return torrents, err
}
