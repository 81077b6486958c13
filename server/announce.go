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
	"encoding/json"
	"errors"
	"net/netip"
	"time"

	"privateindexer/database"
	cdb "privateindexer/database/types"
	"privateindexer/peerstore"
	"privateindexer/token"

	"github.com/valyala/bytebufferpool"
	"github.com/valyala/fasthttp"
)

const eventStopped = "stopped"

type announceRequest struct {
	InfoHash   string `json:"infohash"`
	PeerID     string `json:"peer_id"`
	IP         string `json:"ip"`
	Port       int    `json:"port"`
	Uploaded   uint64 `json:"uploaded"`
	Downloaded uint64 `json:"downloaded"`
	Left       uint64 `json:"left"`
	Event      string `json:"event"`
}

type swarmResponse struct {
	Seeders  int              `json:"seeders"`
	Leechers int              `json:"leechers"`
	Peers    []peerstore.Peer `json:"peers,omitempty"`
}

func parsePeerID(s string) (peerstore.PeerID, error) {
	if id, err := peerstore.PeerIDFromHex(s); err == nil {
		return id, nil
	}

	return peerstore.PeerIDFromRawString(s)
}

// torrentID resolves info hash argument to torrent, writing failure response when it can not
func (h *httpHandler) torrentID(ctx context.Context, raw string, buf *bytebufferpool.ByteBuffer) (uint32, int) {
	ih, err := cdb.InfoHashFromHex(raw)
	if err != nil {
		return 0, failure(buf, fasthttp.StatusBadRequest, "invalid infohash")
	}

	t, err := h.db.TorrentByInfoHash(ctx, ih)
	if errors.Is(err, database.ErrNotFound) {
		return 0, failure(buf, fasthttp.StatusNotFound, "unregistered torrent")
	} else if err != nil {
		return 0, storeFailure(buf, err)
	}

	return t.ID, fasthttp.StatusOK
}

func countSwarm(peers []peerstore.Peer) (resp swarmResponse) {
	for i := range peers {
		if peers[i].Seeding() {
			resp.Seeders++
		} else {
			resp.Leechers++
		}
	}

	return resp
}

// announce refreshes or removes the calling peer on behalf of a tracker
func (h *httpHandler) announce(ctx context.Context, rctx *fasthttp.RequestCtx, identity token.Identity,
	buf *bytebufferpool.ByteBuffer) int {
	var req announceRequest

	if err := json.Unmarshal(rctx.PostBody(), &req); err != nil {
		return failure(buf, fasthttp.StatusBadRequest, "malformed request body")
	}

	peerID, err := parsePeerID(req.PeerID)
	if err != nil {
		return failure(buf, fasthttp.StatusBadRequest, "invalid peer_id")
	}

	if req.Port < 1 || req.Port > 65535 {
		return failure(buf, fasthttp.StatusBadRequest, "port outside of acceptable range")
	}

	ip := getIPAddressFromRequest(rctx)

	if req.IP != "" {
		addr, err := netip.ParseAddr(req.IP)
		if err != nil {
			return failure(buf, fasthttp.StatusBadRequest, "invalid ip")
		}

		ip = addr.Unmap()
	}

	torrentID, status := h.torrentID(ctx, req.InfoHash, buf)
	if status != fasthttp.StatusOK {
		return status
	}

	key := peerstore.Key{TorrentID: torrentID, PeerID: peerID}

	if req.Event == eventStopped {
		err = h.peers.Remove(ctx, key)
	} else {
		err = h.peers.Upsert(ctx, key, peerstore.Meta{
			UserID:     identity.UserID,
			IP:         ip.String(),
			Port:       uint16(req.Port),
			Uploaded:   req.Uploaded,
			Downloaded: req.Downloaded,
			Left:       req.Left,
			LastSeen:   time.Now().Unix(),
		})
	}

	if err != nil {
		return storeFailure(buf, err)
	}

	peers, err := h.peers.ListPeers(ctx, torrentID)
	if err != nil {
		return storeFailure(buf, err)
	}

	writeJSON(buf, countSwarm(peers))

	return fasthttp.StatusOK
}

func (h *httpHandler) listPeers(ctx context.Context, rctx *fasthttp.RequestCtx, _ token.Identity,
	buf *bytebufferpool.ByteBuffer) int {
	torrentID, status := h.torrentID(ctx, string(rctx.QueryArgs().Peek("infohash")), buf)
	if status != fasthttp.StatusOK {
		return status
	}

	peers, err := h.peers.ListPeers(ctx, torrentID)
	if err != nil {
		return storeFailure(buf, err)
	}

	resp := countSwarm(peers)
	resp.Peers = peers

	writeJSON(buf, resp)

	return fasthttp.StatusOK
}
