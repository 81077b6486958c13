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
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/jinzhu/copier"
	"github.com/redis/go-redis/v9"
)

const testTimeout = 30 * time.Minute

func peerID(n int) (id PeerID) {
	copy(id[:], fmt.Sprintf("-PI0001-%012d", n))
	return id
}

func sortPeers(peers []Peer) {
	sort.Slice(peers, func(i, j int) bool {
		if peers[i].TorrentID != peers[j].TorrentID {
			return peers[i].TorrentID < peers[j].TorrentID
		}

		return peers[i].PeerID.String() < peers[j].PeerID.String()
	})
}

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	t.Cleanup(func() { _ = client.Close() })

	return NewRedisStore(client, testTimeout), mr
}

var backends = map[string]func(t *testing.T) Store{
	"memory": func(*testing.T) Store { return NewMemoryStore() },
	"redis": func(t *testing.T) Store {
		s, _ := newRedisStore(t)
		return s
	},
}

func forEachBackend(t *testing.T, test func(t *testing.T, s Store)) {
	for name, newStore := range backends {
		t.Run(name, func(t *testing.T) {
			test(t, newStore(t))
		})
	}
}

func TestUpsertIdempotent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		key := Key{TorrentID: 1, PeerID: peerID(1)}
		meta := Meta{UserID: 7, IP: "10.0.0.1", Port: 51413, Uploaded: 100, Left: 50, LastSeen: 1700000000}

		for i := 0; i < 2; i++ {
			if err := s.Upsert(ctx, key, meta); err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
		}

		count, _ := s.Count(ctx)
		if count != 1 {
			t.Fatalf("Expected 1 peer after double upsert, got %d", count)
		}

		meta.Uploaded = 200
		meta.Left = 0
		_ = s.Upsert(ctx, key, meta)

		peers, err := s.ListPeers(ctx, 1)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}

		expected := []Peer{{Key: key, Meta: meta}}
		if !cmp.Equal(expected, peers) {
			t.Fatalf("Last write did not win: %s", cmp.Diff(expected, peers))
		}

		if !peers[0].Seeding() {
			t.Fatal("Peer with nothing left is not seeding")
		}
	})
}

func TestPurgeExpired(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Unix(1700010000, 0)
		timeout := 30 * time.Minute
		cutoff := now.Add(-timeout).Unix()

		ages := map[int]int64{
			1: cutoff - 60, // long dead
			2: cutoff,      // exactly at timeout
			3: cutoff + 1,  // one second short of timeout
			4: now.Unix(),  // fresh
		}

		for n, lastSeen := range ages {
			_ = s.Upsert(ctx, Key{TorrentID: uint32(n%2 + 1), PeerID: peerID(n)}, Meta{UserID: 1, LastSeen: lastSeen})
		}

		removed, err := s.PurgeExpired(ctx, now, timeout)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}

		if removed != 2 {
			t.Fatalf("Expected 2 purged peers, got %d", removed)
		}

		snapshot, _ := s.Snapshot(ctx)
		for _, p := range snapshot {
			if Expired(p.LastSeen, now, timeout) {
				t.Fatalf("Peer %s survived purge with last seen %d", p.PeerID, p.LastSeen)
			}
		}

		if len(snapshot) != 2 {
			t.Fatalf("Expected 2 surviving peers, got %d", len(snapshot))
		}

		if removed, _ = s.PurgeExpired(ctx, now, timeout); removed != 0 {
			t.Fatalf("Second purge removed %d peers", removed)
		}
	})
}

func TestRemoveAndDropTorrent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		for n := 1; n <= 3; n++ {
			_ = s.Upsert(ctx, Key{TorrentID: 5, PeerID: peerID(n)}, Meta{LastSeen: 1})
		}

		_ = s.Upsert(ctx, Key{TorrentID: 6, PeerID: peerID(9)}, Meta{LastSeen: 1})

		if err := s.Remove(ctx, Key{TorrentID: 5, PeerID: peerID(2)}); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}

		peers, _ := s.ListPeers(ctx, 5)
		if len(peers) != 2 {
			t.Fatalf("Expected 2 peers after remove, got %d", len(peers))
		}

		if err := s.DropTorrent(ctx, 5); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}

		if peers, _ = s.ListPeers(ctx, 5); len(peers) != 0 {
			t.Fatalf("Expected no peers after drop, got %d", len(peers))
		}

		if count, _ := s.Count(ctx); count != 1 {
			t.Fatalf("Drop affected other torrents, %d peers left", count)
		}
	})
}

func TestSnapshot(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		var expected []Peer

		for n := 1; n <= 25; n++ {
			p := Peer{
				Key:  Key{TorrentID: uint32(n % 4), PeerID: peerID(n)},
				Meta: Meta{UserID: uint32(n % 3), IP: "192.0.2.1", Port: uint16(6881 + n), Uploaded: uint64(n) << 20, LastSeen: int64(n)},
			}

			_ = s.Upsert(ctx, p.Key, p.Meta)
			expected = append(expected, p)
		}

		snapshot, err := s.Snapshot(ctx)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}

		// Keep a detached copy, later writes must not leak into an earlier snapshot
		var frozen []Peer
		if err = copier.CopyWithOption(&frozen, &snapshot, copier.Option{DeepCopy: true}); err != nil {
			t.Fatalf("Unexpected copy error: %v", err)
		}

		_ = s.Upsert(ctx, expected[0].Key, Meta{LastSeen: 999})

		sortPeers(frozen)
		sortPeers(expected)

		if !cmp.Equal(expected, frozen) {
			t.Fatalf("Snapshot mismatch: %s", cmp.Diff(expected, frozen))
		}
	})
}

func TestConcurrentUpsertAndPurge(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Unix(1700010000, 0)

		var wg sync.WaitGroup

		for w := 0; w < 4; w++ {
			wg.Add(1)

			go func(w int) {
				defer wg.Done()

				for n := 0; n < 50; n++ {
					_ = s.Upsert(ctx, Key{TorrentID: uint32(n % 5), PeerID: peerID(w*1000 + n)},
						Meta{LastSeen: now.Unix()})
				}
			}(w)
		}

		wg.Add(1)

		go func() {
			defer wg.Done()

			for i := 0; i < 10; i++ {
				_, _ = s.PurgeExpired(ctx, now, testTimeout)
			}
		}()

		wg.Wait()

		if count, _ := s.Count(ctx); count != 200 {
			t.Fatalf("Expected 200 fresh peers to survive concurrent purges, got %d", count)
		}
	})
}

func TestRedisReconcilesExpiredMembers(t *testing.T) {
	s, mr := newRedisStore(t)
	ctx := context.Background()

	_ = s.Upsert(ctx, Key{TorrentID: 3, PeerID: peerID(1)}, Meta{LastSeen: time.Now().Unix()})

	mr.FastForward(testTimeout / 2)

	_ = s.Upsert(ctx, Key{TorrentID: 3, PeerID: peerID(2)}, Meta{LastSeen: time.Now().Unix()})

	// First peer hash expires natively, swarm set still lists it
	mr.FastForward(testTimeout/2 + time.Second)

	if members, _ := mr.Members(swarmKey(3)); len(members) != 2 {
		t.Fatalf("Expected stale member to linger in swarm set, got %v", members)
	}

	removed, err := s.PurgeExpired(ctx, time.Now(), testTimeout)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	// Natively expired hashes were not purged by this pass
	if removed != 0 {
		t.Fatalf("Expected 0 purged peers, got %d", removed)
	}

	members, _ := mr.Members(swarmKey(3))
	if !cmp.Equal([]string{peerID(2).String()}, members) {
		t.Fatalf("Unexpected swarm members after reconcile: %v", members)
	}
}

// refreshHook upserts a peer right after the purge pass has read last_seen
type refreshHook struct {
	fired   bool
	refresh func(ctx context.Context)
}

func (h *refreshHook) DialHook(next redis.DialHook) redis.DialHook {
	return next
}

func (h *refreshHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return next
}

func (h *refreshHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		err := next(ctx, cmds)

		if !h.fired && len(cmds) > 0 && cmds[0].Name() == "hget" {
			h.fired = true
			h.refresh(ctx)
		}

		return err
	}
}

func TestRedisPurgeKeepsRefreshedPeer(t *testing.T) {
	s, mr := newRedisStore(t)
	ctx := context.Background()
	now := time.Now()

	refreshed := Key{TorrentID: 5, PeerID: peerID(1)}
	stale := Key{TorrentID: 5, PeerID: peerID(2)}
	old := now.Add(-2 * testTimeout).Unix()

	_ = s.Upsert(ctx, refreshed, Meta{UserID: 1, LastSeen: old})
	_ = s.Upsert(ctx, stale, Meta{UserID: 2, LastSeen: old})

	s.client.AddHook(&refreshHook{refresh: func(ctx context.Context) {
		if err := s.Upsert(ctx, refreshed, Meta{UserID: 1, LastSeen: now.Unix()}); err != nil {
			t.Errorf("Unexpected error on refresh: %v", err)
		}
	}})

	removed, err := s.PurgeExpired(ctx, now, testTimeout)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if removed != 1 {
		t.Fatalf("Expected only the stale peer purged, got %d", removed)
	}

	peers, err := s.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	expected := []Peer{{Key: refreshed, Meta: Meta{UserID: 1, LastSeen: now.Unix()}}}
	if !cmp.Equal(expected, peers) {
		t.Fatalf("Unexpected peers after purge: %s", cmp.Diff(expected, peers))
	}

	members, _ := mr.Members(swarmKey(5))
	if !cmp.Equal([]string{refreshed.PeerID.String()}, members) {
		t.Fatalf("Unexpected swarm members: %v", members)
	}
}

func TestRedisUnavailable(t *testing.T) {
	s, mr := newRedisStore(t)
	mr.Close()

	err := s.Upsert(context.Background(), Key{TorrentID: 1, PeerID: peerID(1)}, Meta{})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Expected ErrUnavailable, got %v", err)
	}

	if err = s.Ping(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Expected ErrUnavailable from ping, got %v", err)
	}
}

func TestPeerID(t *testing.T) {
	id := peerID(42)

	parsed, err := PeerIDFromHex(id.String())
	if err != nil || parsed != id {
		t.Fatalf("Hex round trip failed: %v (%v)", parsed, err)
	}

	raw, err := PeerIDFromRawString(string(id[:]))
	if err != nil || raw != id {
		t.Fatalf("Raw parse failed: %v (%v)", raw, err)
	}

	if _, err = PeerIDFromRawString("short"); err == nil {
		t.Fatal("Expected error for short raw peer id")
	}

	key, err := parsePeerKey(peerKey(Key{TorrentID: 77, PeerID: id}))
	if err != nil || key.TorrentID != 77 || key.PeerID != id {
		t.Fatalf("Peer key round trip failed: %+v (%v)", key, err)
	}
}
