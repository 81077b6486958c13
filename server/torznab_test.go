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
	"net"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	cdb "privateindexer/database/types"
	"privateindexer/metainfo"
	"privateindexer/peerstore"
	"privateindexer/util"

	"github.com/google/go-cmp/cmp"
	"github.com/valyala/fasthttp"
)

type feedAttr struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

type feed struct {
	Channel struct {
		Title string `xml:"title"`
		Items []struct {
			Title     string `xml:"title"`
			Link      string `xml:"link"`
			Category  uint16 `xml:"category"`
			Enclosure struct {
				URL    string `xml:"url,attr"`
				Length uint64 `xml:"length,attr"`
			} `xml:"enclosure"`
			Attrs []feedAttr `xml:"attr"`
		} `xml:"item"`
	} `xml:"channel"`
}

type feedError struct {
	Code int `xml:"code,attr"`
}

func decodeXML(t *testing.T, resp *fasthttp.Response, v interface{}) {
	t.Helper()

	if err := xml.Unmarshal(resp.Body(), v); err != nil {
		t.Fatalf("Failed to decode %q: %v", resp.Body(), err)
	}
}

// indexTorrent stores torrent record along with its artifact
func (e *testEnv) indexTorrent(t *testing.T, name string, category cdb.Category) (*cdb.Torrent, []byte) {
	t.Helper()

	data, ih := torrentData(t, name)

	tor := &cdb.Torrent{
		InfoHash:       ih,
		Name:           name,
		NormalizedName: util.NormalizeName(name),
		Category:       category,
		Size:           4096,
		Files:          cdb.Files{{Path: name, Length: 4096}},
		Path:           metainfo.Path(e.dir, ih),
		AddedOn:        1700000000,
	}

	if err := os.WriteFile(tor.Path, data, 0644); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if err := e.store.InsertTorrent(context.Background(), tor); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	return tor, data
}

func TestTorznabCaps(t *testing.T) {
	e := newTestEnv(t)

	resp := e.do(request{method: fasthttp.MethodGet, uri: "/api?t=caps&apikey=alice-key"})
	expectStatus(t, resp, fasthttp.StatusOK)

	if !strings.HasPrefix(string(resp.Header.ContentType()), "application/xml") {
		t.Fatalf("Unexpected content type %s", resp.Header.ContentType())
	}

	var caps struct {
		Server struct {
			Title string `xml:"title,attr"`
		} `xml:"server"`
		Limits struct {
			Max int `xml:"max,attr"`
		} `xml:"limits"`
		Categories []struct {
			ID   int    `xml:"id,attr"`
			Name string `xml:"name,attr"`
		} `xml:"categories>category"`
	}

	decodeXML(t, resp, &caps)

	if caps.Server.Title != "Test Indexer" || caps.Limits.Max != torznabMaxLimit || len(caps.Categories) != 3 {
		t.Fatalf("Unexpected caps %+v", caps)
	}

	if caps.Categories[0].ID != 2000 || caps.Categories[0].Name != "Movies" {
		t.Fatalf("Unexpected first category %+v", caps.Categories[0])
	}
}

func TestTorznabSearch(t *testing.T) {
	e := newTestEnv(t)

	tor, data := e.indexTorrent(t, "Some.Movie.2024", cdb.CategoryMovies)
	_, _ = e.indexTorrent(t, "Unrelated.Show.S01", cdb.CategoryTV)

	_ = e.peers.Upsert(context.Background(), peerstore.Key{TorrentID: tor.ID, PeerID: peerstore.PeerID{1}},
		peerstore.Meta{UserID: 1, LastSeen: time.Now().Unix()})

	resp := e.do(request{method: fasthttp.MethodGet, uri: "/api?t=movie&q=some+movie&cat=2000,5000&apikey=alice-key"})
	expectStatus(t, resp, fasthttp.StatusOK)

	var found feed

	decodeXML(t, resp, &found)

	if found.Channel.Title != "Test Indexer" || len(found.Channel.Items) != 1 {
		t.Fatalf("Unexpected feed %+v", found.Channel)
	}

	item := found.Channel.Items[0]
	if item.Title != "Some.Movie.2024" || item.Category != 2000 || item.Enclosure.Length != 4096 ||
		item.Enclosure.URL != item.Link {
		t.Fatalf("Unexpected item %+v", item)
	}

	attrs := make(map[string]string)
	for _, a := range item.Attrs {
		attrs[a.Name] = a.Value
	}

	expected := map[string]string{
		"category": "2000",
		"files":    "1",
		"seeders":  "1",
		"leechers": "0",
		"peers":    "1",
		"grabs":    "0",
		"infohash": tor.InfoHash.String(),
	}

	if !cmp.Equal(expected, attrs) {
		t.Fatalf("Unexpected attributes: %s", cmp.Diff(expected, attrs))
	}

	prefix := "https://indexer.example/api/v2/grab?infohash=" + tor.InfoHash.String() + "&at="
	if !strings.HasPrefix(item.Link, prefix) {
		t.Fatalf("Unexpected grab link %s", item.Link)
	}

	// Link carries its own access token
	resp = e.do(request{method: fasthttp.MethodGet, uri: item.Link})
	expectStatus(t, resp, fasthttp.StatusOK)

	if string(resp.Body()) != string(data) {
		t.Fatal("Grab through torznab link returned unexpected data")
	}

	if e.store.grabs[standardUser.ID] != 1 {
		t.Fatal("Grab through torznab link was not attributed to searching user")
	}
}

func TestTorznabFailures(t *testing.T) {
	e := newTestEnv(t)

	for name, tc := range map[string]struct {
		uri    string
		status int
		code   int
	}{
		"missing key":  {"/api?t=caps", fasthttp.StatusUnauthorized, torznabBadCredentials},
		"unknown key":  {"/api?t=search&apikey=nope", fasthttp.StatusUnauthorized, torznabBadCredentials},
		"unknown func": {"/api?t=book&apikey=alice-key", fasthttp.StatusBadRequest, torznabNoFunction},
		"unknown cat":  {"/api?t=search&cat=1234&apikey=alice-key", fasthttp.StatusBadRequest, torznabBadParameter},
		"bad limit":    {"/api?t=search&limit=0&apikey=alice-key", fasthttp.StatusBadRequest, torznabBadParameter},
		"bad offset":   {"/api?t=search&offset=x&apikey=alice-key", fasthttp.StatusBadRequest, torznabBadParameter},
	} {
		resp := e.do(request{method: fasthttp.MethodGet, uri: tc.uri})
		if resp.StatusCode() != tc.status {
			t.Fatalf("%s: expected status %d, got %d", name, tc.status, resp.StatusCode())
		}

		var failed feedError

		decodeXML(t, resp, &failed)

		if failed.Code != tc.code {
			t.Fatalf("%s: expected code %d, got %d", name, tc.code, failed.Code)
		}
	}

	expectStatus(t, e.do(request{method: fasthttp.MethodPost, uri: "/api?t=caps&apikey=alice-key"}),
		fasthttp.StatusMethodNotAllowed)
}

func TestValidate(t *testing.T) {
	e := newTestEnv(t)
	alice := e.bearer(t, "alice-key")

	tor, _ := e.indexTorrent(t, "Known", cdb.CategoryAudio)

	resp := e.do(request{method: fasthttp.MethodGet, uri: "/api/v2/validate?infohash=" + tor.InfoHash.String(),
		bearer: alice})
	expectStatus(t, resp, fasthttp.StatusOK)

	var validated struct {
		InfoHash cdb.InfoHash `json:"infohash"`
		Valid    bool         `json:"valid"`
	}

	decode(t, resp, &validated)

	if validated.InfoHash != tor.InfoHash || !validated.Valid {
		t.Fatalf("Unexpected response %+v", validated)
	}

	expectStatus(t, e.do(request{method: fasthttp.MethodGet, uri: "/api/v2/validate?infohash=" + strings.Repeat("cd", 20),
		bearer: alice}), fasthttp.StatusNotFound)
	expectStatus(t, e.do(request{method: fasthttp.MethodGet, uri: "/api/v2/validate?infohash=xyz", bearer: alice}),
		fasthttp.StatusBadRequest)
	expectStatus(t, e.do(request{method: fasthttp.MethodGet, uri: "/api/v2/validate?infohash=" + tor.InfoHash.String()}),
		fasthttp.StatusUnauthorized)
}

func TestAnalytics(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	now := time.Now()

	tor, _ := e.indexTorrent(t, "Tracked", cdb.CategoryTV)

	_ = e.peers.Upsert(ctx, peerstore.Key{TorrentID: tor.ID, PeerID: peerstore.PeerID{1}},
		peerstore.Meta{UserID: 1, LastSeen: now.Unix()})
	_ = e.peers.Upsert(ctx, peerstore.Key{TorrentID: 7, PeerID: peerstore.PeerID{2}},
		peerstore.Meta{UserID: 2, Left: 100, LastSeen: now.Unix()})
	// Past timeout but not purged yet
	_ = e.peers.Upsert(ctx, peerstore.Key{TorrentID: 8, PeerID: peerstore.PeerID{3}},
		peerstore.Meta{UserID: 2, LastSeen: now.Add(-2 * time.Hour).Unix()})

	resp := e.do(request{method: fasthttp.MethodGet, uri: "/api/v2/analytics", bearer: e.bearer(t, "alice-key")})
	expectStatus(t, resp, fasthttp.StatusOK)

	var got struct {
		Users            int    `json:"total_users"`
		Torrents         int    `json:"total_torrents"`
		Peers            int    `json:"total_peers"`
		SeedingTorrents  int    `json:"seeding_torrents"`
		LeechingTorrents int    `json:"leeching_torrents"`
		Requests         uint64 `json:"requests"`
	}

	decode(t, resp, &got)

	if got.Users != 2 || got.Torrents != 1 || got.Peers != 2 || got.SeedingTorrents != 1 ||
		got.LeechingTorrents != 1 || got.Requests == 0 {
		t.Fatalf("Unexpected analytics %+v", got)
	}
}

func TestCheckIn(t *testing.T) {
	e := newTestEnv(t)
	alice := e.bearer(t, "alice-key")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	defer ln.Close()

	port := strconv.Itoa(ln.Addr().(*net.TCPAddr).Port)

	resp := e.do(request{method: fasthttp.MethodGet, uri: "/api/v2/user?v=2.1.0&announce_ip=127.0.0.1&port=" + port,
		bearer: alice})
	expectStatus(t, resp, fasthttp.StatusOK)

	var checked struct {
		AnnounceIP string `json:"announce_ip"`
		Port       uint64 `json:"port"`
		Reachable  bool   `json:"is_reachable"`
	}

	decode(t, resp, &checked)

	if checked.AnnounceIP != "127.0.0.1" || strconv.FormatUint(checked.Port, 10) != port || !checked.Reachable {
		t.Fatalf("Unexpected check-in response %+v", checked)
	}

	u := e.store.users[standardUser.ID]
	if u.ClientVersion != "2.1.0" || u.LastAddress != "127.0.0.1:"+port || !u.Reachable || u.LastSeen == 0 {
		t.Fatalf("Check-in was not stored: %+v", u)
	}

	// Nothing listens there anymore
	_ = ln.Close()

	resp = e.do(request{method: fasthttp.MethodGet, uri: "/api/v2/user?v=2.1.1&announce_ip=127.0.0.1&port=" + port,
		bearer: alice})
	expectStatus(t, resp, fasthttp.StatusOK)

	decode(t, resp, &checked)

	if checked.Reachable || e.store.users[standardUser.ID].Reachable {
		t.Fatal("Closed port reported reachable")
	}

	for _, uri := range []string{
		"/api/v2/user?announce_ip=127.0.0.1",
		"/api/v2/user?v=1&announce_ip=nope",
		"/api/v2/user?v=1&announce_ip=127.0.0.1&port=0",
		"/api/v2/user?v=1&announce_ip=127.0.0.1&port=70000",
	} {
		expectStatus(t, e.do(request{method: fasthttp.MethodGet, uri: uri, bearer: alice}), fasthttp.StatusBadRequest)
	}
}
