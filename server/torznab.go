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
	"encoding/xml"
	"log/slog"
	"strconv"
	"strings"
	"time"

	cdb "privateindexer/database/types"
	"privateindexer/token"
	"privateindexer/util"

	"github.com/valyala/bytebufferpool"
	"github.com/valyala/fasthttp"
)

const (
	torznabNamespace    = "http://torznab.com/schemas/2015/feed"
	torznabDefaultLimit = 100
	torznabMaxLimit     = 1000
)

// Torznab error codes
const (
	torznabBadCredentials = 100
	torznabBadParameter   = 201
	torznabNoFunction     = 202
	torznabUnknown        = 900
)

type torznabCaps struct {
	XMLName xml.Name `xml:"caps"`
	Server  struct {
		Version string `xml:"version,attr"`
		Title   string `xml:"title,attr"`
	} `xml:"server"`
	Limits struct {
		Default int `xml:"default,attr"`
		Max     int `xml:"max,attr"`
	} `xml:"limits"`
	Searching  torznabSearching  `xml:"searching"`
	Categories []torznabCategory `xml:"categories>category"`
}

type torznabSearch struct {
	Available       string `xml:"available,attr"`
	SupportedParams string `xml:"supportedParams,attr"`
}

type torznabSearching struct {
	Search      torznabSearch `xml:"search"`
	TVSearch    torznabSearch `xml:"tv-search"`
	MovieSearch torznabSearch `xml:"movie-search"`
	MusicSearch torznabSearch `xml:"music-search"`
}

type torznabCategory struct {
	ID   cdb.Category `xml:"id,attr"`
	Name string       `xml:"name,attr"`
}

type torznabFeed struct {
	XMLName   xml.Name       `xml:"rss"`
	Version   string         `xml:"version,attr"`
	Namespace string         `xml:"xmlns:torznab,attr"`
	Channel   torznabChannel `xml:"channel"`
}

type torznabChannel struct {
	Title    string `xml:"title"`
	Link     string `xml:"link"`
	Response struct {
		Offset int `xml:"offset,attr"`
	} `xml:"torznab:response"`
	Items []torznabItem `xml:"item"`
}

type torznabItem struct {
	Title string `xml:"title"`
	GUID  struct {
		IsPermaLink bool   `xml:"isPermaLink,attr"`
		Value       string `xml:",chardata"`
	} `xml:"guid"`
	Link      string       `xml:"link"`
	Size      uint64       `xml:"size"`
	PubDate   string       `xml:"pubDate"`
	Category  cdb.Category `xml:"category"`
	Enclosure struct {
		URL    string `xml:"url,attr"`
		Length uint64 `xml:"length,attr"`
		Type   string `xml:"type,attr"`
	} `xml:"enclosure"`
	Attrs []torznabAttr `xml:"torznab:attr"`
}

type torznabAttr struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

func writeXML(buf *bytebufferpool.ByteBuffer, v interface{}) {
	_, _ = buf.WriteString(xml.Header)

	if err := xml.NewEncoder(buf).Encode(v); err != nil {
		panic(err)
	}
}

func torznabFailure(buf *bytebufferpool.ByteBuffer, status, code int, description string) int {
	buf.Reset()

	writeXML(buf, struct {
		XMLName     xml.Name `xml:"error"`
		Code        int      `xml:"code,attr"`
		Description string   `xml:"description,attr"`
	}{Code: code, Description: description})

	return status
}

// torznab answers indexer managers. They can only pass API key as argument, so every call exchanges it
// for access token which is then embedded in grab links.
func (h *httpHandler) torznab(ctx context.Context, rctx *fasthttp.RequestCtx, buf *bytebufferpool.ByteBuffer) int {
	rctx.SetContentType("application/xml")

	args := rctx.QueryArgs()

	tok, err := h.tokens.Issue(ctx, string(args.Peek("apikey")))
	if err != nil {
		if token.IsKind(err, token.InvalidKey) {
			return torznabFailure(buf, fasthttp.StatusUnauthorized, torznabBadCredentials, "incorrect user credentials")
		}

		status := storeFailure(buf, err)

		return torznabFailure(buf, status, torznabUnknown, fasthttp.StatusMessage(status))
	}

	switch function := string(args.Peek("t")); function {
	case "caps":
		writeXML(buf, h.torznabCaps())
		return fasthttp.StatusOK
	case "search", "tvsearch", "movie", "music":
		return h.torznabSearch(ctx, rctx, tok, buf)
	default:
		slog.Debug("unsupported torznab function", "user", tok.UserID, "t", function)
		return torznabFailure(buf, fasthttp.StatusBadRequest, torznabNoFunction, "no such function")
	}
}

func (h *httpHandler) torznabCaps() *torznabCaps {
	caps := &torznabCaps{}

	caps.Server.Version = "1.0"
	caps.Server.Title = h.cfg.SiteName
	caps.Limits.Default = torznabDefaultLimit
	caps.Limits.Max = torznabMaxLimit

	// Only the name is indexed, identifier parameters are accepted and ignored
	caps.Searching = torznabSearching{
		Search:      torznabSearch{"yes", "q"},
		TVSearch:    torznabSearch{"yes", "q,season,ep"},
		MovieSearch: torznabSearch{"yes", "q"},
		MusicSearch: torznabSearch{"yes", "q"},
	}

	for _, c := range cdb.Categories() {
		caps.Categories = append(caps.Categories, torznabCategory{ID: c, Name: c.String()})
	}

	return caps
}

func (h *httpHandler) torznabSearch(ctx context.Context, rctx *fasthttp.RequestCtx, tok token.Token,
	buf *bytebufferpool.ByteBuffer) int {
	args := rctx.QueryArgs()

	q := cdb.SearchQuery{
		Term:  util.NormalizeName(string(args.Peek("q"))),
		Limit: torznabDefaultLimit,
	}

	if cats := string(args.Peek("cat")); cats != "" {
		for _, raw := range strings.Split(cats, ",") {
			n, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 16)
			if err != nil || !cdb.Category(n).Valid() {
				return torznabFailure(buf, fasthttp.StatusBadRequest, torznabBadParameter, "unknown category")
			}

			q.Categories = append(q.Categories, cdb.Category(n))
		}
	}

	if args.Has("limit") {
		limit, err := args.GetUint("limit")
		if err != nil || limit < 1 {
			return torznabFailure(buf, fasthttp.StatusBadRequest, torznabBadParameter, "invalid limit")
		}

		q.Limit = min(limit, torznabMaxLimit)
	}

	if args.Has("offset") {
		offset, err := args.GetUint("offset")
		if err != nil {
			return torznabFailure(buf, fasthttp.StatusBadRequest, torznabBadParameter, "invalid offset")
		}

		q.Offset = offset
	}

	torrents, err := h.db.SearchTorrents(ctx, q)
	if err != nil {
		status := storeFailure(buf, err)
		return torznabFailure(buf, status, torznabUnknown, fasthttp.StatusMessage(status))
	}

	feed := &torznabFeed{Version: "2.0", Namespace: torznabNamespace}
	feed.Channel.Title = h.cfg.SiteName
	feed.Channel.Link = strings.TrimSuffix(h.cfg.ExternalServerURL, "/") + "/api"
	feed.Channel.Response.Offset = q.Offset
	feed.Channel.Items = make([]torznabItem, 0, len(torrents))

	for _, t := range torrents {
		feed.Channel.Items = append(feed.Channel.Items, h.torznabItem(ctx, t, tok.Value))
	}

	slog.Debug("torznab search", "user", tok.UserID, "t", string(args.Peek("t")), "q", q.Term,
		"results", len(torrents))

	writeXML(buf, feed)

	return fasthttp.StatusOK
}

func (h *httpHandler) torznabItem(ctx context.Context, t *cdb.Torrent, accessToken string) torznabItem {
	seeders, leechers := h.swarmCounts(ctx, t.ID)
	link := h.grabLink(t.InfoHash) + "&at=" + accessToken

	item := torznabItem{
		Title:    t.Name,
		Link:     link,
		Size:     t.Size,
		PubDate:  string(fasthttp.AppendHTTPDate(nil, time.Unix(t.AddedOn, 0))),
		Category: t.Category,
		Attrs: []torznabAttr{
			{"category", strconv.FormatUint(uint64(t.Category), 10)},
			{"files", strconv.Itoa(len(t.Files))},
			{"seeders", strconv.Itoa(seeders)},
			{"leechers", strconv.Itoa(leechers)},
			{"peers", strconv.Itoa(seeders + leechers)},
			{"grabs", strconv.FormatUint(uint64(t.Grabs), 10)},
			{"infohash", t.InfoHash.String()},
		},
	}

	item.GUID.Value = t.InfoHash.String()
	item.Enclosure.URL = link
	item.Enclosure.Length = t.Size
	item.Enclosure.Type = "application/x-bittorrent"

	return item
}
