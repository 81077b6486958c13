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
	"errors"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"privateindexer/database"
	cdb "privateindexer/database/types"
	"privateindexer/metainfo"
	"privateindexer/record"
	"privateindexer/token"
	"privateindexer/util"

	"github.com/valyala/bytebufferpool"
	"github.com/valyala/fasthttp"
)

const (
	defaultSearchLimit = 50
	maxSearchLimit     = 100
)

type searchResult struct {
	*cdb.Torrent
	Seeders  int    `json:"seeders"`
	Leechers int    `json:"leechers"`
	Link     string `json:"link"`
}

func (h *httpHandler) grabLink(ih cdb.InfoHash) string {
	return strings.TrimSuffix(h.cfg.ExternalServerURL, "/") + apiPrefix + "grab?infohash=" + ih.String()
}

// swarmCounts returns seeders and leechers of torrent. Peer store failures degrade to zero counts.
func (h *httpHandler) swarmCounts(ctx context.Context, torrentID uint32) (seeders, leechers int) {
	peers, err := h.peers.ListPeers(ctx, torrentID)
	if err != nil {
		slog.Warn("failed to list peers", "torrent", torrentID, "err", err)
		return 0, 0
	}

	counts := countSwarm(peers)

	return counts.Seeders, counts.Leechers
}

func (h *httpHandler) search(ctx context.Context, rctx *fasthttp.RequestCtx, _ token.Identity,
	buf *bytebufferpool.ByteBuffer) int {
	args := rctx.QueryArgs()

	q := cdb.SearchQuery{
		Term:  util.NormalizeName(string(args.Peek("q"))),
		Limit: defaultSearchLimit,
	}

	for _, raw := range args.PeekMulti("cat") {
		n, err := strconv.ParseUint(string(raw), 10, 16)
		if err != nil || !cdb.Category(n).Valid() {
			return failure(buf, fasthttp.StatusBadRequest, "unknown category")
		}

		q.Categories = append(q.Categories, cdb.Category(n))
	}

	if args.Has("limit") {
		limit, err := args.GetUint("limit")
		if err != nil || limit < 1 {
			return failure(buf, fasthttp.StatusBadRequest, "invalid limit")
		}

		q.Limit = min(limit, maxSearchLimit)
	}

	if args.Has("offset") {
		offset, err := args.GetUint("offset")
		if err != nil {
			return failure(buf, fasthttp.StatusBadRequest, "invalid offset")
		}

		q.Offset = offset
	}

	torrents, err := h.db.SearchTorrents(ctx, q)
	if err != nil {
		return storeFailure(buf, err)
	}

	results := make([]searchResult, 0, len(torrents))

	for _, t := range torrents {
		seeders, leechers := h.swarmCounts(ctx, t.ID)
		results = append(results, searchResult{Torrent: t, Seeders: seeders, Leechers: leechers, Link: h.grabLink(t.InfoHash)})
	}

	writeJSON(buf, map[string]interface{}{"results": results})

	return fasthttp.StatusOK
}

func (h *httpHandler) grab(ctx context.Context, rctx *fasthttp.RequestCtx, identity token.Identity,
	buf *bytebufferpool.ByteBuffer) int {
	ih, ok := infoHashArg(rctx)
	if !ok {
		return failure(buf, fasthttp.StatusBadRequest, "invalid infohash")
	}

	t, err := h.db.TorrentByInfoHash(ctx, ih)
	if err != nil {
		return storeFailure(buf, err)
	}

	data, err := os.ReadFile(t.Path)
	if errors.Is(err, os.ErrNotExist) {
		// Integrity check will drop the record
		slog.Warn("torrent artifact missing", "torrent", t.ID, "path", t.Path)
		return failure(buf, fasthttp.StatusNotFound, "torrent file not found")
	} else if err != nil {
		return storeFailure(buf, err)
	}

	if err = h.db.RecordGrab(ctx, t.ID, identity.UserID); err != nil {
		return storeFailure(buf, err)
	}

	record.Record(record.EventGrab, identity.UserID, ih.String())

	rctx.SetContentType("application/x-bittorrent")
	rctx.Response.Header.Set(fasthttp.HeaderContentDisposition, "attachment; filename=\""+ih.String()+".torrent\"")

	_, _ = buf.Write(data)

	return fasthttp.StatusOK
}

// validate tells whether torrent with given infohash is indexed
func (h *httpHandler) validate(ctx context.Context, rctx *fasthttp.RequestCtx, identity token.Identity,
	buf *bytebufferpool.ByteBuffer) int {
	ih, ok := infoHashArg(rctx)
	if !ok {
		return failure(buf, fasthttp.StatusBadRequest, "invalid infohash")
	}

	if _, err := h.db.TorrentByInfoHash(ctx, ih); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			slog.Debug("validated unknown torrent", "user", identity.UserID, "infohash", ih)
			return failure(buf, fasthttp.StatusNotFound, "torrent not found")
		}

		return storeFailure(buf, err)
	}

	writeJSON(buf, map[string]interface{}{"infohash": ih, "valid": true})

	return fasthttp.StatusOK
}

func readUpload(rctx *fasthttp.RequestCtx) ([]byte, string) {
	fh, err := rctx.FormFile("torrent_file")
	if err != nil {
		return nil, "torrent_file is required"
	}

	if !strings.HasSuffix(strings.ToLower(fh.Filename), ".torrent") {
		return nil, "torrent_file must be a .torrent file"
	}

	if fh.Size > metainfo.MaxSize {
		return nil, "torrent_file is too large"
	}

	f, err := fh.Open()
	if err != nil {
		return nil, "torrent_file is unreadable"
	}

	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, metainfo.MaxSize+1))
	if err != nil || len(data) > metainfo.MaxSize {
		return nil, "torrent_file is unreadable"
	}

	return data, ""
}

// storeArtifact writes data to its canonical location atomically
func (h *httpHandler) storeArtifact(ih cdb.InfoHash, data []byte) (string, error) {
	f, err := os.CreateTemp(h.cfg.TorrentsDir, ".upload-*")
	if err != nil {
		return "", err
	}

	if _, err = f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())

		return "", err
	}

	if err = f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", err
	}

	path := metainfo.Path(h.cfg.TorrentsDir, ih)
	if err = os.Rename(f.Name(), path); err != nil {
		_ = os.Remove(f.Name())
		return "", err
	}

	return path, nil
}

func (h *httpHandler) upload(ctx context.Context, rctx *fasthttp.RequestCtx, identity token.Identity,
	buf *bytebufferpool.ByteBuffer) int {
	data, problem := readUpload(rctx)
	if problem != "" {
		return failure(buf, fasthttp.StatusBadRequest, problem)
	}

	meta, err := metainfo.Parse(data)
	if err != nil {
		return failure(buf, fasthttp.StatusBadRequest, err.Error())
	}

	category, err := strconv.ParseUint(string(rctx.FormValue("category")), 10, 16)
	if err != nil || !cdb.Category(category).Valid() {
		return failure(buf, fasthttp.StatusBadRequest, "unknown category")
	}

	name := strings.TrimSpace(string(rctx.FormValue("name")))
	if name == "" {
		name = meta.Name
	}

	existing, err := h.db.TorrentByInfoHash(ctx, meta.InfoHash)
	switch {
	case err == nil:
		// Original uploader may still correct the name
		if existing.Name != name {
			if _, err = h.db.RenameTorrent(ctx, meta.InfoHash, identity.UserID, name, util.NormalizeName(name)); err != nil {
				return storeFailure(buf, err)
			}
		}

		return failure(buf, fasthttp.StatusConflict, "torrent already exists")
	case !errors.Is(err, database.ErrNotFound):
		return storeFailure(buf, err)
	}

	path, err := h.storeArtifact(meta.InfoHash, data)
	if err != nil {
		slog.Error("failed to store torrent artifact", "infohash", meta.InfoHash, "err", err)
		return failure(buf, fasthttp.StatusInternalServerError, "failed to store torrent file")
	}

	t := &cdb.Torrent{
		InfoHash:       meta.InfoHash,
		Name:           name,
		NormalizedName: util.NormalizeName(name),
		Category:       cdb.Category(category),
		Size:           meta.Size,
		Files:          meta.Files,
		Path:           path,
		AddedOn:        time.Now().Unix(),
		UploaderID:     identity.UserID,
	}

	if err = h.db.InsertTorrent(ctx, t); err != nil {
		// Concurrent upload of the same torrent owns the artifact now
		if !errors.Is(err, database.ErrDuplicate) {
			_ = os.Remove(path)
		}

		return storeFailure(buf, err)
	}

	slog.Info("torrent uploaded", "torrent", t.ID, "infohash", t.InfoHash, "name", t.Name, "user", identity.UserID)
	record.Record(record.EventUpload, identity.UserID, t.InfoHash.String())

	writeJSON(buf, searchResult{Torrent: t, Link: h.grabLink(t.InfoHash)})

	return fasthttp.StatusCreated
}
