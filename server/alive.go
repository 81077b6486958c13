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
package server

import (
	"context"
	"time"

	"privateindexer/collector"
	"privateindexer/peerstore"
	"privateindexer/token"

	"github.com/valyala/bytebufferpool"
	"github.com/valyala/fasthttp"
)

func (h *httpHandler) alive(_ context.Context, _ *fasthttp.RequestCtx, buf *bytebufferpool.ByteBuffer) int {
	type response struct {
		Now    int64 `json:"now"`
		Uptime int64 `json:"uptime"`
	}

	writeJSON(buf, response{time.Now().UnixMilli(), time.Since(h.startTime).Milliseconds()})

	return fasthttp.StatusOK
}

// health answers 200 only while both the database and the peer store respond
func (h *httpHandler) health(ctx context.Context, rctx *fasthttp.RequestCtx, buf *bytebufferpool.ByteBuffer) int {
	rctx.SetContentType("text/plain")

	if err := h.db.Ping(ctx); err != nil {
		buf.SetString("database unavailable")
		return fasthttp.StatusServiceUnavailable
	}

	if err := h.peers.Ping(ctx); err != nil {
		buf.SetString("peer store unavailable")
		return fasthttp.StatusServiceUnavailable
	}

	buf.SetString("OK")

	return fasthttp.StatusOK
}

// analytics summarizes indexer state for monitoring systems that can not scrape Prometheus
func (h *httpHandler) analytics(ctx context.Context, _ *fasthttp.RequestCtx, _ token.Identity,
	buf *bytebufferpool.ByteBuffer) int {
	users, torrents, err := h.db.Counts(ctx)
	if err != nil {
		return storeFailure(buf, err)
	}

	peers, err := h.peers.Snapshot(ctx)
	if err != nil {
		return storeFailure(buf, err)
	}

	type response struct {
		Users            int    `json:"total_users"`
		Torrents         int    `json:"total_torrents"`
		Peers            int    `json:"total_peers"`
		SeedingTorrents  int    `json:"seeding_torrents"`
		LeechingTorrents int    `json:"leeching_torrents"`
		Requests         uint64 `json:"requests"`
		BytesReceived    uint64 `json:"bytes_received"`
		BytesSent        uint64 `json:"bytes_sent"`
		Uptime           int64  `json:"uptime"`
	}

	resp := response{Users: users, Torrents: torrents, Requests: collector.Requests(),
		Uptime: time.Since(h.startTime).Milliseconds()}
	resp.BytesReceived, resp.BytesSent = collector.Traffic()

	seeding := make(map[uint32]struct{})
	leeching := make(map[uint32]struct{})
	now := time.Now()

	for _, p := range peers {
		if peerstore.Expired(p.LastSeen, now, h.cfg.PeerTimeout) {
			continue
		}

		resp.Peers++

		if p.Left == 0 {
			seeding[p.TorrentID] = struct{}{}
		} else {
			leeching[p.TorrentID] = struct{}{}
		}
	}

	resp.SeedingTorrents, resp.LeechingTorrents = len(seeding), len(leeching)

	writeJSON(buf, resp)

	return fasthttp.StatusOK
}
