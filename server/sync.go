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

	"privateindexer/token"
	"privateindexer/torrentsync"

	"github.com/valyala/bytebufferpool"
	"github.com/valyala/fasthttp"
)

func (h *httpHandler) syncPage(ctx context.Context, rctx *fasthttp.RequestCtx, identity token.Identity,
	buf *bytebufferpool.ByteBuffer) int {
	page, err := h.sync.Sync(ctx, identity.UserID, string(rctx.QueryArgs().Peek("cursor")))
	if errors.Is(err, torrentsync.ErrInvalidCursor) {
		return failure(buf, fasthttp.StatusBadRequest, "invalid cursor")
	} else if err != nil {
		return storeFailure(buf, err)
	}

	writeJSON(buf, page)

	return fasthttp.StatusOK
}

func (h *httpHandler) syncMissing(ctx context.Context, rctx *fasthttp.RequestCtx, identity token.Identity,
	buf *bytebufferpool.ByteBuffer) int {
	var req struct {
		Torrents []torrentsync.Entry `json:"torrents"`
	}

	if err := json.Unmarshal(rctx.PostBody(), &req); err != nil {
		return failure(buf, fasthttp.StatusBadRequest, "malformed request body")
	}

	result, err := h.sync.Missing(ctx, identity.UserID, req.Torrents)
	if err != nil {
		return storeFailure(buf, err)
	}

	writeJSON(buf, result)

	return fasthttp.StatusOK
}
