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
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"

	cdb "privateindexer/database/types"
	"privateindexer/record"
	"privateindexer/token"

	"github.com/valyala/bytebufferpool"
	"github.com/valyala/fasthttp"
)

const (
	adminUsersPrefix = apiPrefix + "admin/users/"

	defaultClientPort  = 6881
	checkInDialTimeout = 5 * time.Second
)

// issueToken exchanges API key, sent as X-API-Key header or apikey argument, for access token
func (h *httpHandler) issueToken(ctx context.Context, rctx *fasthttp.RequestCtx, buf *bytebufferpool.ByteBuffer) int {
	apiKey := string(rctx.Request.Header.Peek("X-API-Key"))
	if apiKey == "" {
		apiKey = string(rctx.FormValue("apikey"))
	}

	tok, err := h.tokens.Issue(ctx, apiKey)
	if err != nil {
		if token.IsKind(err, token.InvalidKey) {
			return failure(buf, fasthttp.StatusUnauthorized, "invalid api key")
		}

		return storeFailure(buf, err)
	}

	if err = h.db.TouchUser(ctx, tok.UserID, time.Now().Unix()); err != nil {
		slog.Warn("failed to update user last seen", "user", tok.UserID, "err", err)
	}

	writeJSON(buf, tok)

	return fasthttp.StatusOK
}

func (h *httpHandler) userStats(ctx context.Context, _ *fasthttp.RequestCtx, identity token.Identity,
	buf *bytebufferpool.ByteBuffer) int {
	user, err := h.db.UserByID(ctx, identity.UserID)
	if err != nil {
		return storeFailure(buf, err)
	}

	type response struct {
		User              string  `json:"user"`
		TorrentsUploaded  uint32  `json:"torrents_added_total"`
		CurrentlySeeding  uint32  `json:"currently_seeding"`
		CurrentlyLeeching uint32  `json:"currently_leeching"`
		Grabs             uint32  `json:"grabs_total"`
		Downloaded        uint64  `json:"total_download"`
		Uploaded          uint64  `json:"total_upload"`
		Ratio             float64 `json:"server_ratio"`
	}

	writeJSON(buf, response{
		User:              user.Label,
		TorrentsUploaded:  user.TorrentsUploaded,
		CurrentlySeeding:  user.Seeding,
		CurrentlyLeeching: user.Leeching,
		Grabs:             user.Grabs,
		Downloaded:        user.Downloaded,
		Uploaded:          user.Uploaded,
		Ratio:             ratio(user.Uploaded, user.Downloaded),
	})

	return fasthttp.StatusOK
}

// checkIn is called by clients on startup. It verifies the announced address accepts connections
// and stores it along with client version.
func (h *httpHandler) checkIn(ctx context.Context, rctx *fasthttp.RequestCtx, identity token.Identity,
	buf *bytebufferpool.ByteBuffer) int {
	args := rctx.QueryArgs()

	version := strings.TrimSpace(string(args.Peek("v")))
	if version == "" || len(version) > 64 {
		return failure(buf, fasthttp.StatusBadRequest, "client version is required")
	}

	ip := getIPAddressFromRequest(rctx)

	if raw := args.Peek("announce_ip"); len(raw) > 0 {
		parsed, err := netip.ParseAddr(string(raw))
		if err != nil {
			return failure(buf, fasthttp.StatusBadRequest, "invalid announce_ip")
		}

		ip = parsed.Unmap()
	}

	port := uint64(defaultClientPort)

	if args.Has("port") {
		parsed, err := strconv.ParseUint(string(args.Peek("port")), 10, 16)
		if err != nil || parsed == 0 {
			return failure(buf, fasthttp.StatusBadRequest, "invalid port")
		}

		port = parsed
	}

	address := netip.AddrPortFrom(ip, uint16(port)).String()

	dialer := net.Dialer{Timeout: checkInDialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)

	reachable := err == nil
	if reachable {
		_ = conn.Close()
		slog.Info("client checked in", "user", identity.UserID, "address", address, "version", version)
	} else {
		slog.Warn("client checked in unreachable", "user", identity.UserID, "address", address,
			"version", version, "err", err)
	}

	err = h.db.CheckInUser(ctx, identity.UserID, cdb.CheckIn{
		Version:   version,
		Address:   address,
		Reachable: reachable,
		At:        time.Now().Unix(),
	})
	if err != nil {
		return storeFailure(buf, err)
	}

	type response struct {
		AnnounceIP string `json:"announce_ip"`
		Port       uint64 `json:"port"`
		Reachable  bool   `json:"is_reachable"`
	}

	writeJSON(buf, response{ip.String(), port, reachable})

	return fasthttp.StatusOK
}

// ratio of uploaded to downloaded; users who only uploaded get a sentinel 100 days worth of seconds
func ratio(uploaded, downloaded uint64) float64 {
	switch {
	case downloaded > 0:
		return float64(uploaded) / float64(downloaded)
	case uploaded > 0:
		return 8640000
	}

	return 0
}

type userWithKey struct {
	*cdb.User
	APIKey string `json:"api_key"`
}

func (h *httpHandler) listUsers(ctx context.Context, _ *fasthttp.RequestCtx, _ token.Identity,
	buf *bytebufferpool.ByteBuffer) int {
	users, err := h.db.Users(ctx)
	if err != nil {
		return storeFailure(buf, err)
	}

	writeJSON(buf, map[string]interface{}{"users": users})

	return fasthttp.StatusOK
}

func (h *httpHandler) createUser(ctx context.Context, rctx *fasthttp.RequestCtx, identity token.Identity,
	buf *bytebufferpool.ByteBuffer) int {
	var req struct {
		Label string `json:"label"`
		Role  string `json:"role"`
	}

	if err := json.Unmarshal(rctx.PostBody(), &req); err != nil {
		return failure(buf, fasthttp.StatusBadRequest, "malformed request body")
	}

	req.Label = strings.TrimSpace(req.Label)
	if req.Label == "" {
		return failure(buf, fasthttp.StatusBadRequest, "label is required")
	}

	role, err := cdb.ParseRole(req.Role)
	if err != nil {
		return failure(buf, fasthttp.StatusBadRequest, "unknown role")
	}

	user, err := h.db.CreateUser(ctx, req.Label, role)
	if err != nil {
		return storeFailure(buf, err)
	}

	slog.Info("created user", "user", user.ID, "label", user.Label, "role", user.Role, "by", identity.UserID)
	record.Record(record.EventUserCreated, identity.UserID, user.Label)

	writeJSON(buf, userWithKey{User: user, APIKey: user.APIKey})

	return fasthttp.StatusCreated
}

func (h *httpHandler) rotateUser(ctx context.Context, rctx *fasthttp.RequestCtx, identity token.Identity,
	buf *bytebufferpool.ByteBuffer) int {
	id, ok := pathID(rctx, adminUsersPrefix)
	if !ok {
		return failure(buf, fasthttp.StatusBadRequest, "invalid user id")
	}

	apiKey, err := h.db.RotateUserKey(ctx, id)
	if err != nil {
		return storeFailure(buf, err)
	}

	slog.Info("rotated user api key", "user", id, "by", identity.UserID)
	record.Record(record.EventUserRotated, identity.UserID, strconv.FormatUint(uint64(id), 10))

	writeJSON(buf, map[string]interface{}{"id": id, "api_key": apiKey})

	return fasthttp.StatusOK
}

// deleteUser removes user; their torrents stay and their issued tokens expire naturally
func (h *httpHandler) deleteUser(ctx context.Context, rctx *fasthttp.RequestCtx, identity token.Identity,
	buf *bytebufferpool.ByteBuffer) int {
	id, ok := pathID(rctx, adminUsersPrefix)
	if !ok {
		return failure(buf, fasthttp.StatusBadRequest, "invalid user id")
	}

	if id == identity.UserID {
		return failure(buf, fasthttp.StatusConflict, "refusing to delete own account")
	}

	if err := h.db.DeleteUser(ctx, id); err != nil {
		return storeFailure(buf, err)
	}

	slog.Info("deleted user", "user", id, "by", identity.UserID)
	record.Record(record.EventUserDeleted, identity.UserID, strconv.FormatUint(uint64(id), 10))

	return fasthttp.StatusNoContent
}
