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

package peerstore

import (
	"context"
	"sync"
	"time"
)

type swarm struct {
	mu    sync.Mutex
	peers map[PeerID]Meta
}

// MemoryStore keeps swarms in process memory. Top-level lock guards the torrent map only;
// each swarm carries its own lock so announces on different torrents do not contend.
type MemoryStore struct {
	mu       sync.RWMutex
	torrents map[uint32]*swarm
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{torrents: make(map[uint32]*swarm)}
}

func (s *MemoryStore) Upsert(_ context.Context, key Key, meta Meta) error {
	s.mu.RLock()
	sw, exists := s.torrents[key.TorrentID]

	if !exists {
		s.mu.RUnlock()
		s.mu.Lock()

		if sw, exists = s.torrents[key.TorrentID]; !exists {
			sw = &swarm{peers: make(map[PeerID]Meta)}
			s.torrents[key.TorrentID] = sw
		}

		// Hold write lock while inserting so purge can not drop the swarm in between
		sw.mu.Lock()
		sw.peers[key.PeerID] = meta
		sw.mu.Unlock()
		s.mu.Unlock()

		return nil
	}

	sw.mu.Lock()
	sw.peers[key.PeerID] = meta
	sw.mu.Unlock()
	s.mu.RUnlock()

	return nil
}

func (s *MemoryStore) Remove(_ context.Context, key Key) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if sw, exists := s.torrents[key.TorrentID]; exists {
		sw.mu.Lock()
		delete(sw.peers, key.PeerID)
		sw.mu.Unlock()
	}

	return nil
}

func (s *MemoryStore) ListPeers(_ context.Context, torrentID uint32) ([]Peer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sw, exists := s.torrents[torrentID]
	if !exists {
		return nil, nil
	}

	sw.mu.Lock()
	defer sw.mu.Unlock()

	peers := make([]Peer, 0, len(sw.peers))
	for id, meta := range sw.peers {
		peers = append(peers, Peer{Key: Key{TorrentID: torrentID, PeerID: id}, Meta: meta})
	}

	return peers, nil
}

func (s *MemoryStore) Snapshot(_ context.Context) ([]Peer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var peers []Peer

	for torrentID, sw := range s.torrents {
		sw.mu.Lock()
		for id, meta := range sw.peers {
			peers = append(peers, Peer{Key: Key{TorrentID: torrentID, PeerID: id}, Meta: meta})
		}
		sw.mu.Unlock()
	}

	return peers, nil
}

func (s *MemoryStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0

	for _, sw := range s.torrents {
		sw.mu.Lock()
		count += len(sw.peers)
		sw.mu.Unlock()
	}

	return count, nil
}

func (s *MemoryStore) PurgeExpired(_ context.Context, now time.Time, timeout time.Duration) (int, error) {
	var (
		count int
		empty []uint32
	)

	s.mu.RLock()

	for torrentID, sw := range s.torrents {
		sw.mu.Lock()

		for id, meta := range sw.peers {
			if Expired(meta.LastSeen, now, timeout) {
				delete(sw.peers, id)

				count++
			}
		}

		if len(sw.peers) == 0 {
			empty = append(empty, torrentID)
		}

		sw.mu.Unlock()
	}

	s.mu.RUnlock()

	if len(empty) > 0 {
		s.mu.Lock()

		// Go does not shrink maps on delete, so drop empty swarms entirely
		for _, torrentID := range empty {
			if sw, exists := s.torrents[torrentID]; exists && len(sw.peers) == 0 {
				delete(s.torrents, torrentID)
			}
		}

		s.mu.Unlock()
	}

	return count, nil
}

func (s *MemoryStore) DropTorrent(_ context.Context, torrentID uint32) error {
	s.mu.Lock()
	delete(s.torrents, torrentID)
	s.mu.Unlock()

	return nil
}

func (s *MemoryStore) Ping(_ context.Context) error {
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
