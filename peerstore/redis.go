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
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	peerKeyPrefix  = "peer:"
	swarmKeyFormat = "torrent:%d:peers"
	scanCount      = 1000
)

// RedisStore keeps one hash per peer (peer:<torrent>:<peer id>) plus a membership set per torrent.
// Hashes expire natively after the peer timeout; PurgeExpired removes entries whose last_seen is
// past the timeout and reconciles membership sets left with expired members.
type RedisStore struct {
	client  *redis.Client
	timeout time.Duration
}

// purgeScript removes peer only while its last_seen is still at or before the cutoff, so an announce
// landing between scan and delete survives.
// KEYS: peer hash, swarm set. ARGV: cutoff unix time, set member.
var purgeScript = redis.NewScript(`
local seen = redis.call('HGET', KEYS[1], 'last_seen')
if not seen or tonumber(seen) > tonumber(ARGV[1]) then
	return 0
end
redis.call('DEL', KEYS[1])
redis.call('SREM', KEYS[2], ARGV[2])
return 1
`)

func NewRedisStore(client *redis.Client, timeout time.Duration) *RedisStore {
	return &RedisStore{client: client, timeout: timeout}
}

func peerKey(key Key) string {
	return peerKeyPrefix + strconv.FormatUint(uint64(key.TorrentID), 10) + ":" + key.PeerID.String()
}

func swarmKey(torrentID uint32) string {
	return fmt.Sprintf(swarmKeyFormat, torrentID)
}

func parsePeerKey(s string) (key Key, err error) {
	parts := strings.Split(strings.TrimPrefix(s, peerKeyPrefix), ":")
	if len(parts) != 2 {
		return key, fmt.Errorf("malformed peer key %q", s)
	}

	torrentID, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return key, err
	}

	key.TorrentID = uint32(torrentID)
	key.PeerID, err = PeerIDFromHex(parts[1])

	return key, err
}

func parseMeta(fields map[string]string) (meta Meta, ok bool) {
	if len(fields) == 0 {
		return meta, false
	}

	userID, _ := strconv.ParseUint(fields["user_id"], 10, 32)
	port, _ := strconv.ParseUint(fields["port"], 10, 16)

	meta.UserID = uint32(userID)
	meta.IP = fields["ip"]
	meta.Port = uint16(port)
	meta.Uploaded, _ = strconv.ParseUint(fields["uploaded"], 10, 64)
	meta.Downloaded, _ = strconv.ParseUint(fields["downloaded"], 10, 64)
	meta.Left, _ = strconv.ParseUint(fields["left"], 10, 64)
	meta.LastSeen, _ = strconv.ParseInt(fields["last_seen"], 10, 64)

	return meta, true
}

func unavailable(err error) error {
	if err == nil || errors.Is(err, redis.Nil) {
		return nil
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

func (s *RedisStore) Upsert(ctx context.Context, key Key, meta Meta) error {
	pk, sk := peerKey(key), swarmKey(key.TorrentID)

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, pk, map[string]interface{}{
			"user_id":    meta.UserID,
			"ip":         meta.IP,
			"port":       meta.Port,
			"uploaded":   meta.Uploaded,
			"downloaded": meta.Downloaded,
			"left":       meta.Left,
			"last_seen":  meta.LastSeen,
		})
		pipe.Expire(ctx, pk, s.timeout)
		pipe.SAdd(ctx, sk, key.PeerID.String())
		pipe.Expire(ctx, sk, s.timeout)

		return nil
	})

	return unavailable(err)
}

func (s *RedisStore) Remove(ctx context.Context, key Key) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, peerKey(key))
		pipe.SRem(ctx, swarmKey(key.TorrentID), key.PeerID.String())

		return nil
	})

	return unavailable(err)
}

// fetch loads hashes of keys in a single round trip; expired keys are skipped
func (s *RedisStore) fetch(ctx context.Context, keys []Key) ([]Peer, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(keys))

	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, key := range keys {
			cmds[i] = pipe.HGetAll(ctx, peerKey(key))
		}

		return nil
	})
	if err != nil {
		return nil, unavailable(err)
	}

	peers := make([]Peer, 0, len(keys))

	for i, cmd := range cmds {
		if meta, ok := parseMeta(cmd.Val()); ok {
			peers = append(peers, Peer{Key: keys[i], Meta: meta})
		}
	}

	return peers, nil
}

func (s *RedisStore) ListPeers(ctx context.Context, torrentID uint32) ([]Peer, error) {
	members, err := s.client.SMembers(ctx, swarmKey(torrentID)).Result()
	if err != nil {
		return nil, unavailable(err)
	}

	keys := make([]Key, 0, len(members))

	for _, member := range members {
		if id, err := PeerIDFromHex(member); err == nil {
			keys = append(keys, Key{TorrentID: torrentID, PeerID: id})
		}
	}

	return s.fetch(ctx, keys)
}

// scanPeerKeys walks peer hashes matching pattern without blocking the server like KEYS would
func (s *RedisStore) scanPeerKeys(ctx context.Context, pattern string, onBatch func([]Key) error) error {
	var cursor uint64

	for {
		names, next, err := s.client.Scan(ctx, cursor, pattern, scanCount).Result()
		if err != nil {
			return unavailable(err)
		}

		keys := make([]Key, 0, len(names))

		for _, name := range names {
			if key, err := parsePeerKey(name); err == nil {
				keys = append(keys, key)
			}
		}

		if len(keys) > 0 {
			if err = onBatch(keys); err != nil {
				return err
			}
		}

		if cursor = next; cursor == 0 {
			return nil
		}
	}
}

// Snapshot returns each live peer once even when SCAN yields its key repeatedly
func (s *RedisStore) Snapshot(ctx context.Context) ([]Peer, error) {
	var (
		peers []Peer
		seen  = make(map[Key]struct{})
	)

	err := s.scanPeerKeys(ctx, peerKeyPrefix+"*", func(keys []Key) error {
		keys = unseen(seen, keys)

		batch, err := s.fetch(ctx, keys)
		peers = append(peers, batch...)

		return err
	})

	return peers, err
}

func (s *RedisStore) Count(ctx context.Context) (int, error) {
	seen := make(map[Key]struct{})

	err := s.scanPeerKeys(ctx, peerKeyPrefix+"*", func(keys []Key) error {
		unseen(seen, keys)
		return nil
	})

	return len(seen), err
}

func unseen(seen map[Key]struct{}, keys []Key) []Key {
	fresh := keys[:0]

	for _, key := range keys {
		if _, exists := seen[key]; !exists {
			seen[key] = struct{}{}
			fresh = append(fresh, key)
		}
	}

	return fresh
}

func (s *RedisStore) PurgeExpired(ctx context.Context, now time.Time, timeout time.Duration) (int, error) {
	count := 0

	// First, remove entries whose own last_seen is past the timeout
	err := s.scanPeerKeys(ctx, peerKeyPrefix+"*", func(keys []Key) error {
		cmds := make([]*redis.StringCmd, len(keys))

		_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, key := range keys {
				cmds[i] = pipe.HGet(ctx, peerKey(key), "last_seen")
			}

			return nil
		})
		if err = unavailable(err); err != nil {
			return err
		}

		var expired []Key

		for i, cmd := range cmds {
			lastSeen, err := cmd.Int64()
			if err != nil {
				// Hash vanished since scan; membership is reconciled below
				continue
			}

			if Expired(lastSeen, now, timeout) {
				expired = append(expired, keys[i])
			}
		}

		if len(expired) == 0 {
			return nil
		}

		cutoff := now.Add(-timeout).Unix()
		results := make([]*redis.Cmd, len(expired))

		_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, key := range expired {
				results[i] = purgeScript.Eval(ctx, pipe, []string{peerKey(key), swarmKey(key.TorrentID)},
					cutoff, key.PeerID.String())
			}

			return nil
		})
		if err = unavailable(err); err != nil {
			return err
		}

		for _, result := range results {
			if removed, _ := result.Int(); removed == 1 {
				count++
			}
		}

		return nil
	})
	if err != nil {
		return count, err
	}

	// Members whose hash expired natively were already gone, they do not count as purged
	if dangling, err := s.reconcileSwarms(ctx); err != nil {
		return count, err
	} else if dangling > 0 {
		slog.Debug("reconciled swarm sets", "dangling", dangling)
	}

	return count, nil
}

// reconcileSwarms drops set members whose hash already expired natively
func (s *RedisStore) reconcileSwarms(ctx context.Context) (int, error) {
	var (
		cursor uint64
		count  int
	)

	for {
		names, next, err := s.client.Scan(ctx, cursor, "torrent:*:peers", scanCount).Result()
		if err != nil {
			return count, unavailable(err)
		}

		for _, name := range names {
			removed, err := s.reconcileSwarm(ctx, name)
			if err != nil {
				return count, err
			}

			count += removed
		}

		if cursor = next; cursor == 0 {
			return count, nil
		}
	}
}

func (s *RedisStore) reconcileSwarm(ctx context.Context, name string) (int, error) {
	torrentID, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, "torrent:"), ":peers"), 10, 32)
	if err != nil {
		return 0, nil
	}

	members, err := s.client.SMembers(ctx, name).Result()
	if err != nil {
		return 0, unavailable(err)
	}

	cmds := make([]*redis.IntCmd, len(members))

	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, member := range members {
			cmds[i] = pipe.Exists(ctx, peerKeyPrefix+strconv.FormatUint(torrentID, 10)+":"+member)
		}

		return nil
	})
	if err = unavailable(err); err != nil {
		return 0, err
	}

	var dangling []interface{}

	for i, cmd := range cmds {
		if cmd.Val() == 0 {
			dangling = append(dangling, members[i])
		}
	}

	if len(dangling) == 0 {
		return 0, nil
	}

	if err = s.client.SRem(ctx, name, dangling...).Err(); err != nil {
		return 0, unavailable(err)
	}

	return len(dangling), nil
}

func (s *RedisStore) DropTorrent(ctx context.Context, torrentID uint32) error {
	pattern := peerKeyPrefix + strconv.FormatUint(uint64(torrentID), 10) + ":*"

	err := s.scanPeerKeys(ctx, pattern, func(keys []Key) error {
		names := make([]string, len(keys))
		for i, key := range keys {
			names[i] = peerKey(key)
		}

		return unavailable(s.client.Del(ctx, names...).Err())
	})
	if err != nil {
		return err
	}

	return unavailable(s.client.Del(ctx, swarmKey(torrentID)).Err())
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return unavailable(s.client.Ping(ctx).Err())
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
