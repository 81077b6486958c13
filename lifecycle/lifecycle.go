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

// Package lifecycle removes torrent records whose artifact is gone or whose swarm has been dead for too long.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"runtime"
	"time"

	"privateindexer/collector"
	"privateindexer/database"
	cdb "privateindexer/database/types"
	"privateindexer/metainfo"
	"privateindexer/peerstore"

	"golang.org/x/sync/errgroup"
)

const (
	ReasonIntegrity = "integrity"
	ReasonStale     = "stale"
)

type Store interface {
	MaxTorrentID(ctx context.Context) (uint32, error)
	TorrentRange(ctx context.Context, after, until uint32, limit int) ([]*cdb.Torrent, error)
	DeleteTorrent(ctx context.Context, id uint32) error
	UpdateTorrentPath(ctx context.Context, id uint32, path string) error
	TouchTorrents(ctx context.Context, ids []uint32, at int64) error
}

type IntegrityReport struct {
	Checked  int
	Repaired int
	Removed  int
	Failed   int
}

type action uint8

const (
	keep action = iota
	repair
	remove
)

type verdict struct {
	action action
	path   string // repaired path
	purge  bool   // canonical artifact exists but is not metainfo at all
}

type artifact uint8

const (
	missing artifact = iota
	corrupt          // regular file that does not parse as metainfo
	unknown          // unreadable, not a regular file, or metainfo of another torrent
	intact
)

type Manager struct {
	store       Store
	peers       peerstore.Store
	dir         string
	batchSize   int
	peerTimeout time.Duration
	workers     int
	now         func() time.Time
}

// NewManager creates manager for artifacts in dir. Peers not seen within peerTimeout do not keep a torrent alive.
func NewManager(store Store, peers peerstore.Store, dir string, batchSize int, peerTimeout time.Duration) *Manager {
	return &Manager{
		store:       store,
		peers:       peers,
		dir:         dir,
		batchSize:   batchSize,
		peerTimeout: peerTimeout,
		workers:     runtime.NumCPU(),
		now:         time.Now,
	}
}

func inspectArtifact(path string, h cdb.InfoHash) artifact {
	if path == "" {
		return missing
	}

	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return missing
	} else if err != nil || !info.Mode().IsRegular() {
		return unknown
	}

	m, err := metainfo.ParseFile(path)
	switch {
	case errors.Is(err, metainfo.ErrInvalid):
		return corrupt
	case err != nil, m.InfoHash != h:
		return unknown
	}

	return intact
}

func (m *Manager) inspect(t *cdb.Torrent) verdict {
	state := inspectArtifact(t.Path, t.InfoHash)
	if state == intact {
		return verdict{action: keep}
	}

	canonical := metainfo.Path(m.dir, t.InfoHash)
	if canonical != t.Path && inspectArtifact(canonical, t.InfoHash) == intact {
		return verdict{action: repair, path: canonical}
	}

	// Anything but garbage under our own canonical name may belong to another record
	return verdict{action: remove, purge: state == corrupt && t.Path == canonical}
}

// owns reports whether artifact at t.Path is t's own and may be deleted together with it
func (m *Manager) owns(t *cdb.Torrent) bool {
	return t.Path == metainfo.Path(m.dir, t.InfoHash) || inspectArtifact(t.Path, t.InfoHash) == intact
}

// walk visits every torrent existing at call time in ID order, batch by batch.
// It stops between batches once ctx is done.
func (m *Manager) walk(ctx context.Context, visit func(batch []*cdb.Torrent) error) error {
	until, err := m.store.MaxTorrentID(ctx)
	if err != nil {
		return err
	}

	var after uint32

	for after < until {
		if err = ctx.Err(); err != nil {
			return err
		}

		batch, err := m.store.TorrentRange(ctx, after, until, m.batchSize)
		if err != nil {
			return err
		}

		if len(batch) == 0 {
			return nil
		}

		if err = visit(batch); err != nil {
			return err
		}

		after = batch[len(batch)-1].ID
	}

	return nil
}

// drop removes torrent record, then its artifact and swarm. Artifact is left alone when the record could not be removed.
func (m *Manager) drop(ctx context.Context, t *cdb.Torrent, reason string, artifact bool) error {
	if err := m.store.DeleteTorrent(ctx, t.ID); err != nil && !errors.Is(err, database.ErrNotFound) {
		return err
	}

	if artifact && t.Path != "" {
		if err := os.Remove(t.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("failed to remove torrent artifact", "path", t.Path, "err", err)
		}
	}

	if err := m.peers.DropTorrent(ctx, t.ID); err != nil {
		slog.Warn("failed to drop swarm of removed torrent", "torrent", t.ID, "err", err)
	}

	collector.AddRemovedTorrents(reason, 1)

	return nil
}

// CheckIntegrity removes every torrent whose artifact is missing or unreadable, repairing the recorded path
// when the canonical artifact is present instead
func (m *Manager) CheckIntegrity(ctx context.Context) (IntegrityReport, error) {
	var report IntegrityReport

	// Started writes finish even if shutdown cancels ctx mid batch
	writeCtx := context.WithoutCancel(ctx)

	err := m.walk(ctx, func(batch []*cdb.Torrent) error {
		verdicts := make([]verdict, len(batch))

		g := errgroup.Group{}
		g.SetLimit(m.workers)

		for i, t := range batch {
			g.Go(func() error {
				verdicts[i] = m.inspect(t)
				return nil
			})
		}

		_ = g.Wait()

		for i, t := range batch {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			report.Checked++

			switch v := verdicts[i]; v.action {
			case repair:
				if err := m.store.UpdateTorrentPath(writeCtx, t.ID, v.path); err != nil {
					slog.Error("failed to repair torrent path", "torrent", t.ID, "err", err)
					report.Failed++

					continue
				}

				slog.Info("repaired torrent path", "torrent", t.ID, "path", v.path)
				report.Repaired++
			case remove:
				if err := m.drop(writeCtx, t, ReasonIntegrity, v.purge); err != nil {
					slog.Error("failed to remove invalid torrent", "torrent", t.ID, "err", err)
					report.Failed++

					continue
				}

				slog.Info("removed torrent without valid artifact", "torrent", t.ID, "infohash", t.InfoHash,
					"name", t.Name)
				report.Removed++
			}
		}

		return nil
	})

	return report, err
}

// PurgeStale removes torrents without live peers whose last sign of life is older than threshold.
// Torrents with live peers get their last activity refreshed instead.
func (m *Manager) PurgeStale(ctx context.Context, threshold time.Duration) (int, error) {
	// Without knowing who is alive nothing can be judged stale
	snapshot, err := m.peers.Snapshot(ctx)
	if err != nil {
		return 0, err
	}

	var (
		removed  int
		now      = m.now()
		writeCtx = context.WithoutCancel(ctx)
		active   = make(map[uint32]struct{})
	)

	for _, p := range snapshot {
		if !peerstore.Expired(p.LastSeen, now, m.peerTimeout) {
			active[p.TorrentID] = struct{}{}
		}
	}

	err = m.walk(ctx, func(batch []*cdb.Torrent) error {
		var alive []uint32

		for _, t := range batch {
			if _, exists := active[t.ID]; exists {
				alive = append(alive, t.ID)
				continue
			}

			if now.Sub(time.Unix(t.StaleEpoch(), 0)) <= threshold {
				continue
			}

			if ctx.Err() != nil {
				return ctx.Err()
			}

			if err := m.drop(writeCtx, t, ReasonStale, m.owns(t)); err != nil {
				slog.Error("failed to remove stale torrent", "torrent", t.ID, "err", err)
				continue
			}

			slog.Info("removed stale torrent", "torrent", t.ID, "infohash", t.InfoHash, "name", t.Name)

			removed++
		}

		if err := m.store.TouchTorrents(writeCtx, alive, now.Unix()); err != nil {
			slog.Error("failed to mark torrents active", "count", len(alive), "err", err)
		}

		return nil
	})

	return removed, err
}
