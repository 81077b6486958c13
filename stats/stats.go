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

// Package stats folds live swarm counters into durable per-user totals.
package stats

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"privateindexer/collector"
	cdb "privateindexer/database/types"
	"privateindexer/peerstore"
)

// Store is the durable side written by the aggregator
type Store interface {
	AddUserTransfer(ctx context.Context, id uint32, uploaded, downloaded uint64) error
	SetUserActivity(ctx context.Context, activity map[uint32]cdb.Activity) error
	TouchTorrents(ctx context.Context, ids []uint32, at int64) error
}

type cursor struct {
	uploaded   uint64
	downloaded uint64
}

type Report struct {
	Peers      int
	Users      int
	Written    int
	Torrents   int
	Uploaded   uint64
	Downloaded uint64
	Failed     map[uint32]error
}

type pending struct {
	uploaded   uint64
	downloaded uint64
	keys       []peerstore.Key
	next       []cursor
}

// Aggregator remembers, per peer, how much of its reported transfer was already accounted for.
// Cursors live in process memory only.
type Aggregator struct {
	peers       peerstore.Store
	store       Store
	peerTimeout time.Duration
	now         func() time.Time

	mu      sync.Mutex
	cursors map[peerstore.Key]cursor
}

// NewAggregator creates aggregator treating peers not seen within peerTimeout as gone from the swarm
func NewAggregator(peers peerstore.Store, store Store, peerTimeout time.Duration) *Aggregator {
	return &Aggregator{
		peers:       peers,
		store:       store,
		peerTimeout: peerTimeout,
		now:         time.Now,
		cursors:     make(map[peerstore.Key]cursor),
	}
}

// delta returns transfer not yet accounted for. A counter below its cursor means the client
// restarted its session, so the whole current value is new.
func delta(current, accounted uint64) uint64 {
	if current < accounted {
		return current
	}

	return current - accounted
}

func (a *Aggregator) RunOnce(ctx context.Context) (Report, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	snapshot, err := a.peers.Snapshot(ctx)
	if err != nil {
		return Report{}, err
	}

	report := Report{Failed: make(map[uint32]error)}
	now := a.now()

	var (
		byUser   = make(map[uint32]*pending)
		activity = make(map[uint32]cdb.Activity)
		seen     = make(map[peerstore.Key]struct{}, len(snapshot))
		torrents = make(map[uint32]struct{})
		// user -> torrent -> seeding, so several clients of one user on one torrent count once
		participation = make(map[uint32]map[uint32]bool)
	)

	for _, p := range snapshot {
		// Scans may return the same peer twice
		if _, duplicate := seen[p.Key]; duplicate {
			continue
		}

		seen[p.Key] = struct{}{}
		report.Peers++

		// Transfer of a dead peer not yet purged is still accounted, but it is no longer activity
		alive := !peerstore.Expired(p.LastSeen, now, a.peerTimeout)
		if alive {
			torrents[p.TorrentID] = struct{}{}
		}

		if p.UserID == 0 {
			continue
		}

		prev := a.cursors[p.Key]

		u, exists := byUser[p.UserID]
		if !exists {
			u = &pending{}
			byUser[p.UserID] = u
		}

		u.uploaded += delta(p.Uploaded, prev.uploaded)
		u.downloaded += delta(p.Downloaded, prev.downloaded)
		u.keys = append(u.keys, p.Key)
		u.next = append(u.next, cursor{uploaded: p.Uploaded, downloaded: p.Downloaded})

		if !alive {
			continue
		}

		if participation[p.UserID] == nil {
			participation[p.UserID] = make(map[uint32]bool)
		}

		participation[p.UserID][p.TorrentID] = participation[p.UserID][p.TorrentID] || p.Seeding()
	}

	for userID, swarms := range participation {
		var act cdb.Activity

		for _, seeding := range swarms {
			if seeding {
				act.Seeding++
			} else {
				act.Leeching++
			}
		}

		activity[userID] = act
	}

	report.Users = len(byUser)
	collector.UpdatePeers(report.Peers)

	userIDs := make([]uint32, 0, len(byUser))
	for userID := range byUser {
		userIDs = append(userIDs, userID)
	}

	sort.Slice(userIDs, func(i, j int) bool { return userIDs[i] < userIDs[j] })

	for _, userID := range userIDs {
		u := byUser[userID]

		if u.uploaded > 0 || u.downloaded > 0 {
			if err := a.store.AddUserTransfer(ctx, userID, u.uploaded, u.downloaded); err != nil {
				slog.Error("failed to write user transfer", "user", userID, "err", err)
				report.Failed[userID] = err

				continue
			}

			report.Written++
			report.Uploaded += u.uploaded
			report.Downloaded += u.downloaded
		}

		for i, key := range u.keys {
			a.cursors[key] = u.next[i]
		}
	}

	collector.AddTransferBytes(report.Uploaded, report.Downloaded)

	// Peers gone from the swarm will never report again
	for key := range a.cursors {
		if _, exists := seen[key]; !exists {
			delete(a.cursors, key)
		}
	}

	var errs []error

	if len(torrents) > 0 {
		ids := make([]uint32, 0, len(torrents))
		for id := range torrents {
			ids = append(ids, id)
		}

		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

		if err := a.store.TouchTorrents(ctx, ids, now.Unix()); err != nil {
			errs = append(errs, err)
		} else {
			report.Torrents = len(ids)
		}
	}

	if err := a.store.SetUserActivity(ctx, activity); err != nil {
		errs = append(errs, err)
	}

	return report, errors.Join(errs...)
}
