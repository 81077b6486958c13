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

package database

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"privateindexer/config"
	cdb "privateindexer/database/types"

	"github.com/go-sql-driver/mysql"
	"github.com/go-testfixtures/testfixtures/v3"
	"github.com/google/go-cmp/cmp"
)

var (
	db       *Database
	fixtures *testfixtures.Loader
)

func TestMain(m *testing.M) {
	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		// Tests touching MySQL skip themselves via requireDatabase
		os.Exit(m.Run())
	}

	cfg, err := config.Load(config.Env{"DB_DSN": dsn, "DEADLOCK_PAUSE": "1"})
	if err != nil {
		panic(err)
	}

	db, err = Open(context.Background(), cfg)
	if err != nil {
		panic(err)
	}

	fixtures, err = testfixtures.New(
		testfixtures.Database(db.conn),
		testfixtures.Dialect("mariadb"),
		testfixtures.Directory("fixtures"),
		testfixtures.DangerousSkipTestDatabaseCheck(),
	)
	if err != nil {
		panic(err)
	}

	code := m.Run()

	_ = db.Close()

	os.Exit(code)
}

func requireDatabase(t *testing.T) {
	t.Helper()

	if db == nil {
		t.Skip("DB_DSN is not set")
	}

	prepareTestDatabase()
}

func TestUserByAPIKey(t *testing.T) {
	requireDatabase(t)

	expected := &cdb.User{
		ID:               2,
		Label:            "seedbox",
		APIKey:           "tbHfQDQ9xDaQdsNv5CZBtHPfk7KGzaCwtbHfQDQ9xDaQdsNv5CZBtHPfk7KGzaCw",
		Role:             cdb.RoleStandard,
		TorrentsUploaded: 1,
		Seeding:          3,
		Leeching:         1,
		CreatedAt:        1700000050,
	}

	got, err := db.UserByAPIKey(context.Background(), expected.APIKey)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if !cmp.Equal(expected, got) {
		t.Fatal(fixtureFailure("Did not load user as expected from fixture file", expected, got))
	}

	if _, err = db.UserByAPIKey(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound for unknown key, got %v", err)
	}
}

func TestUserLifecycle(t *testing.T) {
	requireDatabase(t)

	ctx := context.Background()

	u, err := db.CreateUser(ctx, "newcomer", cdb.RoleStandard)
	if err != nil {
		t.Fatalf("Unexpected error creating user: %v", err)
	}

	if len(u.APIKey) != apiKeyLength || u.ID == 0 {
		t.Fatalf("Created user has unexpected key or id: %+v", u)
	}

	rotated, err := db.RotateUserKey(ctx, u.ID)
	if err != nil {
		t.Fatalf("Unexpected error rotating key: %v", err)
	}

	if _, err = db.UserByAPIKey(ctx, u.APIKey); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Old API key still resolves after rotation: %v", err)
	}

	if got, err := db.UserByAPIKey(ctx, rotated); err != nil || got.ID != u.ID {
		t.Fatalf("Rotated API key does not resolve to user %d: %v", u.ID, err)
	}

	users, err := db.Users(ctx)
	if err != nil || len(users) != 3 {
		t.Fatalf("Expected 3 users, got %d (%v)", len(users), err)
	}

	if err = db.DeleteUser(ctx, u.ID); err != nil {
		t.Fatalf("Unexpected error deleting user: %v", err)
	}

	if err = db.DeleteUser(ctx, u.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound deleting twice, got %v", err)
	}

	if _, err = db.RotateUserKey(ctx, u.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound rotating deleted user, got %v", err)
	}
}

func TestDeleteUserKeepsTorrents(t *testing.T) {
	requireDatabase(t)

	ctx := context.Background()

	if err := db.DeleteUser(ctx, 2); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	h, _ := cdb.InfoHashFromHex("59fc5431b11c761c94cd3eb90825ea6e6dc8a5f1")

	tor, err := db.TorrentByInfoHash(ctx, h)
	if err != nil {
		t.Fatalf("Torrent of deleted user is gone: %v", err)
	}

	if tor.UploaderID != 0 {
		t.Fatalf("Expected uploader to be cleared, got %d", tor.UploaderID)
	}
}

func TestInsertTorrent(t *testing.T) {
	requireDatabase(t)

	ctx := context.Background()
	h, _ := cdb.InfoHashFromHex("0123456789abcdef0123456789abcdef01234567")

	tor := &cdb.Torrent{
		InfoHash:       h,
		Name:           "New Upload",
		NormalizedName: "newupload",
		Category:       cdb.CategoryTV,
		Size:           12345,
		Files:          cdb.Files{{Path: "a.mkv", Length: 12345}},
		Path:           "/tmp/new.torrent",
		AddedOn:        1700002000,
		UploaderID:     2,
	}

	if err := db.InsertTorrent(ctx, tor); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if tor.ID <= 3 {
		t.Fatalf("Expected assigned id above fixtures, got %d", tor.ID)
	}

	got, err := db.TorrentByInfoHash(ctx, h)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if !cmp.Equal(tor, got) {
		t.Fatal(fixtureFailure("Inserted torrent does not round trip", tor, got))
	}

	uploader, _ := db.UserByID(ctx, 2)
	if uploader.TorrentsUploaded != 2 {
		t.Fatalf("Expected uploader counter 2, got %d", uploader.TorrentsUploaded)
	}

	dup := *tor
	if err = db.InsertTorrent(ctx, &dup); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("Expected ErrDuplicate, got %v", err)
	}
}

func TestRecordGrab(t *testing.T) {
	requireDatabase(t)

	ctx := context.Background()

	if err := db.RecordGrab(ctx, 1, 2); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	h, _ := cdb.InfoHashFromHex("72ef20eddcb5438f73b6d88d78c4dfc1667b8938")
	tor, _ := db.TorrentByInfoHash(ctx, h)
	user, _ := db.UserByID(ctx, 2)

	if tor.Grabs != 3 || user.Grabs != 1 {
		t.Fatalf("Expected grabs torrent=3 user=1, got torrent=%d user=%d", tor.Grabs, user.Grabs)
	}

	if err := db.RecordGrab(ctx, 99, 2); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound for unknown torrent, got %v", err)
	}

	user, _ = db.UserByID(ctx, 2)
	if user.Grabs != 1 {
		t.Fatalf("User grabs changed on failed grab: %d", user.Grabs)
	}
}

func TestTorrentRange(t *testing.T) {
	requireDatabase(t)

	ctx := context.Background()

	maxID, err := db.MaxTorrentID(ctx)
	if err != nil || maxID != 3 {
		t.Fatalf("Expected max id 3, got %d (%v)", maxID, err)
	}

	page, err := db.TorrentRange(ctx, 0, maxID, 2)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if len(page) != 2 || page[0].ID != 1 || page[1].ID != 2 {
		t.Fatalf("Unexpected first page: %v", page)
	}

	page, _ = db.TorrentRange(ctx, 2, maxID, 2)
	if len(page) != 1 || page[0].ID != 3 {
		t.Fatalf("Unexpected second page: %v", page)
	}

	page, _ = db.TorrentRange(ctx, 0, 1, 10)
	if len(page) != 1 {
		t.Fatalf("Range exceeded upper bound: %v", page)
	}
}

func TestAddUserTransfer(t *testing.T) {
	requireDatabase(t)

	ctx := context.Background()

	if err := db.AddUserTransfer(ctx, 1, 24, 6); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	u, _ := db.UserByID(ctx, 1)
	if u.Uploaded != 1024 || u.Downloaded != 506 {
		t.Fatalf("Expected 1024/506, got %d/%d", u.Uploaded, u.Downloaded)
	}
}

func TestCheckInUser(t *testing.T) {
	requireDatabase(t)

	ctx := context.Background()
	c := cdb.CheckIn{Version: "2.1.0", Address: "198.51.100.4:6881", Reachable: true, At: 1700000500}

	if err := db.CheckInUser(ctx, 2, c); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	u, err := db.UserByID(ctx, 2)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	got := cdb.CheckIn{Version: u.ClientVersion, Address: u.LastAddress, Reachable: u.Reachable, At: u.LastSeen}
	if !cmp.Equal(c, got) {
		t.Fatalf("Unexpected check-in state: %s", cmp.Diff(c, got))
	}
}

func TestSetUserActivity(t *testing.T) {
	requireDatabase(t)

	ctx := context.Background()

	if err := db.SetUserActivity(ctx, map[uint32]cdb.Activity{1: {Seeding: 2, Leeching: 5}}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	u1, _ := db.UserByID(ctx, 1)
	u2, _ := db.UserByID(ctx, 2)

	if u1.Seeding != 2 || u1.Leeching != 5 {
		t.Fatalf("Expected 2/5 for user 1, got %d/%d", u1.Seeding, u1.Leeching)
	}

	if u2.Seeding != 0 || u2.Leeching != 0 {
		t.Fatalf("Expected absent user to be reset, got %d/%d", u2.Seeding, u2.Leeching)
	}
}

func TestTouchAndDeleteTorrents(t *testing.T) {
	requireDatabase(t)

	ctx := context.Background()

	if err := db.TouchTorrents(ctx, []uint32{2, 3}, 1700009999); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	page, _ := db.TorrentRange(ctx, 0, 3, 10)
	for _, tor := range page {
		if tor.ID != 1 && tor.LastActive != 1700009999 {
			t.Fatalf("Torrent %d was not touched", tor.ID)
		}
	}

	if err := db.UpdateTorrentPath(ctx, 1, "/elsewhere/x.torrent"); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if err := db.DeleteTorrent(ctx, 2); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if err := db.DeleteTorrent(ctx, 2); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound deleting twice, got %v", err)
	}

	page, _ = db.TorrentRange(ctx, 0, 3, 10)
	if len(page) != 2 || page[0].Path != "/elsewhere/x.torrent" {
		t.Fatalf("Unexpected torrents after update and delete: %v", page)
	}
}

func TestKnownInfoHashes(t *testing.T) {
	requireDatabase(t)

	known, _ := cdb.InfoHashFromHex("16a82ddd57e18cb15e22f2e1c4eade2ebb83b19b")
	unknown, _ := cdb.InfoHashFromHex("ffffffffffffffffffffffffffffffffffffffff")

	got, err := db.KnownInfoHashes(context.Background(), []cdb.InfoHash{known, unknown})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	expected := map[cdb.InfoHash]struct{}{known: {}}
	if !cmp.Equal(expected, got) {
		t.Fatal(fixtureFailure("Unexpected known hashes", expected, got))
	}
}

func TestSearchTorrents(t *testing.T) {
	requireDatabase(t)

	ctx := context.Background()

	got, err := db.SearchTorrents(ctx, cdb.SearchQuery{Term: "some", Limit: 10})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if len(got) != 2 || got[0].ID != 2 || got[1].ID != 1 {
		t.Fatalf("Unexpected search result order or size: %v", got)
	}

	got, _ = db.SearchTorrents(ctx, cdb.SearchQuery{
		Term:       "some",
		Categories: []cdb.Category{cdb.CategoryMovies},
		Limit:      10,
	})
	if len(got) != 1 || got[0].ID != 1 {
		t.Fatalf("Category filter not applied: %v", got)
	}

	got, _ = db.SearchTorrents(ctx, cdb.SearchQuery{Limit: 1, Offset: 1})
	if len(got) != 1 || got[0].ID != 2 {
		t.Fatalf("Pagination not applied: %v", got)
	}
}

func TestRenameTorrent(t *testing.T) {
	requireDatabase(t)

	ctx := context.Background()
	h, _ := cdb.InfoHashFromHex("59fc5431b11c761c94cd3eb90825ea6e6dc8a5f1")

	if renamed, err := db.RenameTorrent(ctx, h, 1, "Stolen Name", "stolenname"); err != nil || renamed {
		t.Fatalf("Non uploader was able to rename torrent (%v)", err)
	}

	if renamed, err := db.RenameTorrent(ctx, h, 2, "Artist - Album", "artistalbum"); err != nil || !renamed {
		t.Fatalf("Uploader was not able to rename torrent (%v)", err)
	}

	tor, _ := db.TorrentByInfoHash(ctx, h)
	if tor.Name != "Artist - Album" || tor.NormalizedName != "artistalbum" {
		t.Fatalf("Unexpected name after rename: %s / %s", tor.Name, tor.NormalizedName)
	}
}

func TestCounts(t *testing.T) {
	requireDatabase(t)

	users, torrents, err := db.Counts(context.Background())
	if err != nil || users != 2 || torrents != 3 {
		t.Fatalf("Expected 2 users and 3 torrents, got %d and %d (%v)", users, torrents, err)
	}
}

func TestPerformRetriesDeadlocks(t *testing.T) {
	d := &Database{deadlockRetries: 3, deadlockPause: time.Millisecond}

	calls := 0
	err := d.perform(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return &mysql.MySQLError{Number: errNumDeadlock, Message: "Deadlock found"}
		}

		return nil
	})

	if err != nil || calls != 3 {
		t.Fatalf("Expected success after 3 calls, got %d calls (%v)", calls, err)
	}

	calls = 0
	err = d.perform(context.Background(), func(context.Context) error {
		calls++
		return &mysql.MySQLError{Number: errNumLockWaitTimeout, Message: "Lock wait timeout"}
	})

	var merr *mysql.MySQLError
	if !errors.As(err, &merr) || calls != 3 {
		t.Fatalf("Expected deadlock error after 3 calls, got %d calls (%v)", calls, err)
	}
}

func TestClassify(t *testing.T) {
	d := &Database{deadlockRetries: 1, deadlockPause: time.Millisecond}

	cases := []struct {
		in       error
		expected error
	}{
		{&mysql.MySQLError{Number: errNumDuplicate, Message: "Duplicate entry"}, ErrDuplicate},
		{driver.ErrBadConn, ErrUnavailable},
		{mysql.ErrInvalidConn, ErrUnavailable},
		{ErrNotFound, ErrNotFound},
		{context.Canceled, context.Canceled},
	}

	for _, c := range cases {
		err := d.perform(context.Background(), func(context.Context) error { return c.in })
		if !errors.Is(err, c.expected) {
			t.Fatalf("Expected %v to be classified as %v, got %v", c.in, c.expected, err)
		}
	}
}

func prepareTestDatabase() {
	if err := fixtures.Load(); err != nil {
		panic(err)
	}
}

func fixtureFailure(msg string, expected interface{}, got interface{}) string {
	return fmt.Sprintf("%s\nExpected: %+v\nGot: %+v", msg, expected, got)
}
