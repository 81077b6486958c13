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

// Package torrentsync pages clients through the torrent catalogue and reconciles their local lists with it.
package torrentsync

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"strconv"
	"strings"

	cdb "privateindexer/database/types"
	"privateindexer/util"
)

var ErrInvalidCursor = errors.New("invalid sync cursor")

type Store interface {
	MaxTorrentID(ctx context.Context) (uint32, error)
	TorrentRange(ctx context.Context, after, until uint32, limit int) ([]*cdb.Torrent, error)
	KnownInfoHashes(ctx context.Context, hashes []cdb.InfoHash) (map[cdb.InfoHash]struct{}, error)
	RenameTorrent(ctx context.Context, h cdb.InfoHash, userID uint32, name, normalized string) (bool, error)
}

type Page struct {
	Torrents []*cdb.Torrent `json:"torrents"`
	// Next is empty on the last page
	Next string `json:"next_cursor"`
}

// Entry is one torrent of a client's local list
type Entry struct {
	ID       int64  `json:"id"`
	InfoHash string `json:"infohash"`
	Name     string `json:"name"`
}

type MissingResult struct {
	Missing []int64 `json:"missing_ids"`
	Renamed int     `json:"renamed"`
}

type Processor struct {
	store     Store
	batchSize int
}

func NewProcessor(store Store, batchSize int) *Processor {
	return &Processor{store: store, batchSize: batchSize}
}

// cursor is (last returned ID, high-water ID). The high-water mark is fixed when traversal starts,
// so torrents inserted meanwhile never show up in it.
type cursor struct {
	after uint32
	until uint32
}

func (c cursor) encode() string {
	return base64.RawURLEncoding.EncodeToString(
		[]byte(strconv.FormatUint(uint64(c.after), 10) + ":" + strconv.FormatUint(uint64(c.until), 10)))
}

func decodeCursor(s string) (c cursor, err error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return c, ErrInvalidCursor
	}

	after, until, found := strings.Cut(string(raw), ":")
	if !found {
		return c, ErrInvalidCursor
	}

	a, err := strconv.ParseUint(after, 10, 32)
	if err != nil {
		return c, ErrInvalidCursor
	}

	u, err := strconv.ParseUint(until, 10, 32)
	if err != nil || a > u {
		return c, ErrInvalidCursor
	}

	return cursor{after: uint32(a), until: uint32(u)}, nil
}

// Sync returns the page following rawCursor; an empty rawCursor starts a new traversal
func (p *Processor) Sync(ctx context.Context, userID uint32, rawCursor string) (Page, error) {
	var (
		c   cursor
		err error
	)

	if rawCursor == "" {
		if c.until, err = p.store.MaxTorrentID(ctx); err != nil {
			return Page{}, err
		}
	} else if c, err = decodeCursor(rawCursor); err != nil {
		return Page{}, err
	}

	page := Page{Torrents: []*cdb.Torrent{}}

	if c.after >= c.until {
		return page, nil
	}

	// One extra row tells whether another page follows
	torrents, err := p.store.TorrentRange(ctx, c.after, c.until, p.batchSize+1)
	if err != nil {
		return Page{}, err
	}

	if len(torrents) > p.batchSize {
		torrents = torrents[:p.batchSize]
		page.Next = cursor{after: torrents[len(torrents)-1].ID, until: c.until}.encode()
	}

	page.Torrents = torrents

	slog.Debug("served sync page", "user", userID, "count", len(torrents), "last", page.Next == "")

	return page, nil
}

// Missing returns local IDs of entries the server does not know. Known entries uploaded by userID
// take over the client's name.
func (p *Processor) Missing(ctx context.Context, userID uint32, entries []Entry) (MissingResult, error) {
	result := MissingResult{Missing: []int64{}}

	for start := 0; start < len(entries); start += p.batchSize {
		batch := entries[start:min(start+p.batchSize, len(entries))]

		hashes := make([]cdb.InfoHash, 0, len(batch))
		parsed := make([]*cdb.InfoHash, len(batch))

		for i, e := range batch {
			h, err := cdb.InfoHashFromHex(e.InfoHash)
			if err != nil {
				continue
			}

			parsed[i] = &h
			hashes = append(hashes, h)
		}

		known, err := p.store.KnownInfoHashes(ctx, hashes)
		if err != nil {
			return result, err
		}

		for i, e := range batch {
			if parsed[i] == nil {
				result.Missing = append(result.Missing, e.ID)
				continue
			}

			if _, exists := known[*parsed[i]]; !exists {
				result.Missing = append(result.Missing, e.ID)
				continue
			}

			if e.Name == "" {
				continue
			}

			renamed, err := p.store.RenameTorrent(ctx, *parsed[i], userID, e.Name, util.NormalizeName(e.Name))
			if err != nil {
				return result, err
			}

			if renamed {
				result.Renamed++
			}
		}
	}

	slog.Debug("reconciled client torrent list", "user", userID, "sent", len(entries),
		"missing", len(result.Missing), "renamed", result.Renamed)

	return result, nil
}
