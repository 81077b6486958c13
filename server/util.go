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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"strings"

	"privateindexer/collector"
	"privateindexer/database"
	cdb "privateindexer/database/types"
	"privateindexer/peerstore"
	"privateindexer/token"

	"github.com/valyala/bytebufferpool"
	"github.com/valyala/fasthttp"
)

var bearerPrefix = []byte("Bearer ")

func writeJSON(buf *bytebufferpool.ByteBuffer, v interface{}) {
	if err := json.NewEncoder(buf).Encode(v); err != nil {
		panic(err)
	}
}

// failure replaces anything written so far with an error document and returns status
func failure(buf *bytebufferpool.ByteBuffer, status int, message string) int {
	// Reset buffer to prevent reuse of any written bytes
	buf.Reset()
	writeJSON(buf, map[string]string{"error": message})

	return status
}

// storeFailure maps store errors to response status
func storeFailure(buf *bytebufferpool.ByteBuffer, err error) int {
	switch {
	case errors.Is(err, database.ErrNotFound):
		return failure(buf, fasthttp.StatusNotFound, "not found")
	case errors.Is(err, database.ErrDuplicate):
		return failure(buf, fasthttp.StatusConflict, "already exists")
	case errors.Is(err, database.ErrUnavailable), errors.Is(err, peerstore.ErrUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		slog.Warn("store unavailable", "err", err)
		return failure(buf, fasthttp.StatusServiceUnavailable, "service temporarily unavailable")
	}

	slog.Error("request failed", "err", err)

	return failure(buf, fasthttp.StatusInternalServerError, "internal server error")
}

// bearerToken reads Authorization header, falling back to at argument used by links handed out to
// clients that can not set headers
func bearerToken(rctx *fasthttp.RequestCtx) string {
	auth := rctx.Request.Header.Peek(fasthttp.HeaderAuthorization)
	if !bytes.HasPrefix(auth, bearerPrefix) {
		return string(rctx.QueryArgs().Peek("at"))
	}

	return string(bytes.TrimSpace(auth[len(bearerPrefix):]))
}

func (h *httpHandler) authenticate(rctx *fasthttp.RequestCtx, buf *bytebufferpool.ByteBuffer) (token.Identity,
	int) {
	raw := bearerToken(rctx)
	if raw == "" {
		collector.IncrementAuthFailures("missing")
		return token.Identity{}, failure(buf, fasthttp.StatusUnauthorized, "missing access token")
	}

	identity, err := h.tokens.Validate(raw)
	if err != nil {
		var authErr *token.AuthError
		if errors.As(err, &authErr) {
			return token.Identity{}, failure(buf, fasthttp.StatusUnauthorized, "access token "+string(authErr.Kind))
		}

		return token.Identity{}, failure(buf, fasthttp.StatusUnauthorized, "invalid access token")
	}

	return identity, fasthttp.StatusOK
}

func admin(next route) route {
	return func(ctx context.Context, rctx *fasthttp.RequestCtx, identity token.Identity,
		buf *bytebufferpool.ByteBuffer) int {
		if !identity.IsAdmin() {
			return failure(buf, fasthttp.StatusForbidden, "admin role required")
		}

		return next(ctx, rctx, identity, buf)
	}
}

func infoHashArg(rctx *fasthttp.RequestCtx) (cdb.InfoHash, bool) {
	h, err := cdb.InfoHashFromHex(string(rctx.QueryArgs().Peek("infohash")))
	return h, err == nil
}

// pathID extracts numeric ID following prefix, as in admin/users/{id}/rotate
func pathID(rctx *fasthttp.RequestCtx, prefix string) (uint32, bool) {
	rest := strings.TrimPrefix(string(rctx.Path()), prefix)
	rest, _, _ = strings.Cut(rest, "/")

	id, err := strconv.ParseUint(rest, 10, 32)

	return uint32(id), err == nil && id > 0
}

func isPrivateIPAddress(address netip.Addr) bool {
	return !address.IsGlobalUnicast() || address.IsPrivate()
}

func getIPAddressFromRequest(rctx *fasthttp.RequestCtx) netip.Addr {
	xRealIP := rctx.Request.Header.Peek("X-Real-Ip")
	xForwardedFor := rctx.Request.Header.Peek("X-Forwarded-For")

	// Try to use value from X-Real-Ip header if exists
	if len(xRealIP) > 0 {
		if addr, err := netip.ParseAddr(string(bytes.TrimSpace(xRealIP))); err == nil {
			return addr
		}
	}

	// Check list of IPs in X-Forwarded-For and try to return the first public address
	for _, remoteBytes := range bytes.Split(xForwardedFor, []byte(",")) {
		if remoteIP, err := netip.ParseAddr(string(bytes.TrimSpace(remoteBytes))); err == nil {
			if !isPrivateIPAddress(remoteIP) {
				return remoteIP
			}
		}
	}

	// Try to use socket address directly
	if addr, ok := rctx.RemoteAddr().(*net.TCPAddr); ok {
		return addr.AddrPort().Addr().Unmap()
	}

	// Parse address from context (fallback)
	if addrPort, err := netip.ParseAddrPort(rctx.RemoteAddr().String()); err == nil {
		return addrPort.Addr()
	}

	return netip.Addr{}
}
