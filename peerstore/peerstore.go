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

// Package peerstore keeps ephemeral swarm membership: which peers currently participate in which torrent.
// Entries are refreshed by tracker announces and removed once they age past the peer timeout.
package peerstore

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"privateindexer/config"

	"github.com/redis/go-redis/v9"
)

var (
	ErrUnavailable     = errors.New("peer store unavailable")
	errWrongPeerIDSize = errors.New("wrong peer id size")
)

// PeerID Sent in tracker requests with client information
// https://www.bittorrent.org/beps/bep_0020.html
type PeerID [20]byte

func PeerIDFromHex(s string) (id PeerID, err error) {
	if len(s) != 40 {
		return id, errWrongPeerIDSize
	}

	_, err = hex.Decode(id[:], []byte(s))

	return id, err
}

func PeerIDFromRawString(buf string) (id PeerID, err error) {
	if len(buf) != 20 {
		return id, errWrongPeerIDSize
	}

	copy(id[:], buf)

	return id, nil
}

//goland:noinspection GoMixedReceiverTypes
func (id PeerID) String() string {
	return hex.EncodeToString(id[:])
}

//goland:noinspection GoMixedReceiverTypes
func (id PeerID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

//goland:noinspection GoMixedReceiverTypes
func (id *PeerID) UnmarshalText(b []byte) error {
	parsed, err := PeerIDFromHex(string(b))
	if err != nil {
		return err
	}

	*id = parsed

	return nil
}

// Key identifies single peer within single torrent swarm
type Key struct {
	TorrentID uint32 `json:"torrent_id"`
	PeerID    PeerID `json:"peer_id"`
}

type Meta struct {
	UserID     uint32 `json:"user_id"`
	IP         string `json:"ip"`
	Port       uint16 `json:"port"`
	Uploaded   uint64 `json:"uploaded"`
	Downloaded uint64 `json:"downloaded"`
	Left       uint64 `json:"left"`
	LastSeen   int64  `json:"last_seen"` // unix time
}

type Peer struct {
	Key
	Meta
}

func (p *Peer) Seeding() bool {
	return p.Left == 0
}

// Expired reports whether peer last seen at lastSeen is dead at now
func Expired(lastSeen int64, now time.Time, timeout time.Duration) bool {
	return now.Sub(time.Unix(lastSeen, 0)) >= timeout
}

type Store interface {
	// Upsert creates or replaces entry; last writer wins
	Upsert(ctx context.Context, key Key, meta Meta) error
	Remove(ctx context.Context, key Key) error
	ListPeers(ctx context.Context, torrentID uint32) ([]Peer, error)
	Snapshot(ctx context.Context) ([]Peer, error)
	Count(ctx context.Context) (int, error)
	// PurgeExpired removes every entry with now - lastSeen >= timeout and returns how many were removed
	PurgeExpired(ctx context.Context, now time.Time, timeout time.Duration) (int, error)
	DropTorrent(ctx context.Context, torrentID uint32) error
	Ping(ctx context.Context) error
	Close() error
}

// Open returns backend selected by configuration. Redis backend must answer a ping.
func Open(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.PeerStore {
	case config.PeerStoreMemory:
		slog.Warn("using in-memory peer store, swarm state will not survive restarts")
		return NewMemoryStore(), nil
	case config.PeerStoreRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})

		store := NewRedisStore(client, cfg.PeerTimeout)
		if err := store.Ping(ctx); err != nil {
			_ = client.Close()
			return nil, err
		}

		slog.Info("connected to redis peer store", "addr", cfg.RedisAddr)

		return store, nil
	}

	return nil, fmt.Errorf("unknown peer store %q", cfg.PeerStore)
}
