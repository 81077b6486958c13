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

// Package server exposes the indexer REST API and owns process lifecycle: stores, background tasks
// and the HTTP listener.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"privateindexer/collector"
	"privateindexer/config"
	"privateindexer/database"
	cdb "privateindexer/database/types"
	"privateindexer/lifecycle"
	"privateindexer/log"
	"privateindexer/peerstore"
	"privateindexer/record"
	"privateindexer/scheduler"
	"privateindexer/stats"
	"privateindexer/token"
	"privateindexer/torrentsync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/valyala/bytebufferpool"
	"github.com/valyala/fasthttp"
)

const apiPrefix = "/api/v2/"

// Store is the durable state used by request handlers
type Store interface {
	torrentsync.Store

	Ping(ctx context.Context) error
	Counts(ctx context.Context) (users, torrents int, err error)

	UserByAPIKey(ctx context.Context, apiKey string) (*cdb.User, error)
	UserByID(ctx context.Context, id uint32) (*cdb.User, error)
	Users(ctx context.Context) ([]*cdb.User, error)
	CreateUser(ctx context.Context, label string, role cdb.Role) (*cdb.User, error)
	RotateUserKey(ctx context.Context, id uint32) (string, error)
	DeleteUser(ctx context.Context, id uint32) error
	TouchUser(ctx context.Context, id uint32, at int64) error
	CheckInUser(ctx context.Context, id uint32, c cdb.CheckIn) error

	InsertTorrent(ctx context.Context, t *cdb.Torrent) error
	TorrentByInfoHash(ctx context.Context, h cdb.InfoHash) (*cdb.Torrent, error)
	RecordGrab(ctx context.Context, torrentID, userID uint32) error
	SearchTorrents(ctx context.Context, q cdb.SearchQuery) ([]*cdb.Torrent, error)
}

type Tokens interface {
	Issue(ctx context.Context, apiKey string) (token.Token, error)
	Validate(raw string) (token.Identity, error)
}

type httpHandler struct {
	terminate atomic.Bool
	waitGroup sync.WaitGroup

	cfg    *config.Config
	db     Store
	peers  peerstore.Store
	tokens Tokens
	sync   *torrentsync.Processor

	bufferPool       bytebufferpool.Pool
	normalRegisterer prometheus.Registerer

	startTime time.Time
}

// authenticated route, identity is already validated
type route func(ctx context.Context, rctx *fasthttp.RequestCtx, identity token.Identity,
	buf *bytebufferpool.ByteBuffer) int

var (
	handler   *httpHandler
	srv       *fasthttp.Server
	listener  net.Listener
	scheduled *scheduler.Scheduler
)

func newHandler(cfg *config.Config, db Store, peers peerstore.Store, tokens Tokens) *httpHandler {
	h := &httpHandler{
		cfg:       cfg,
		db:        db,
		peers:     peers,
		tokens:    tokens,
		sync:      torrentsync.NewProcessor(db, cfg.SyncBatchSize),
		startTime: time.Now(),
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collector.NewCollector())
	h.normalRegisterer = registry

	return h
}

func (h *httpHandler) routeFor(rctx *fasthttp.RequestCtx, path string) (route, bool) {
	method := string(rctx.Method())

	switch {
	case path == "search" && method == fasthttp.MethodGet:
		return h.search, true
	case path == "grab" && method == fasthttp.MethodGet:
		return h.grab, true
	case path == "upload" && method == fasthttp.MethodPost:
		return h.upload, true
	case path == "sync" && method == fasthttp.MethodGet:
		return h.syncPage, true
	case path == "sync/missing" && method == fasthttp.MethodPost:
		return h.syncMissing, true
	case path == "validate" && method == fasthttp.MethodGet:
		return h.validate, true
	case path == "user" && method == fasthttp.MethodGet:
		return h.checkIn, true
	case path == "user/stats" && method == fasthttp.MethodGet:
		return h.userStats, true
	case path == "analytics" && method == fasthttp.MethodGet:
		return h.analytics, true
	case path == "announce" && method == fasthttp.MethodPost:
		return h.announce, true
	case path == "peers" && method == fasthttp.MethodGet:
		return h.listPeers, true
	case path == "admin/users" && method == fasthttp.MethodGet:
		return admin(h.listUsers), true
	case path == "admin/users" && method == fasthttp.MethodPost:
		return admin(h.createUser), true
	case strings.HasPrefix(path, "admin/users/") && strings.HasSuffix(path, "/rotate") &&
		method == fasthttp.MethodPost:
		return admin(h.rotateUser), true
	case strings.HasPrefix(path, "admin/users/") && method == fasthttp.MethodDelete:
		return admin(h.deleteUser), true
	}

	return nil, false
}

func (h *httpHandler) respond(ctx context.Context, rctx *fasthttp.RequestCtx, buf *bytebufferpool.ByteBuffer) int {
	path := string(rctx.Path())

	// Public endpoints
	switch path {
	case "/health":
		return h.health(ctx, rctx, buf)
	case "/alive":
		return h.alive(ctx, rctx, buf)
	case "/metrics":
		return h.metrics(ctx, rctx, buf)
	case "/api":
		if !rctx.IsGet() {
			return fasthttp.StatusMethodNotAllowed
		}

		return h.torznab(ctx, rctx, buf)
	case apiPrefix + "health":
		return h.health(ctx, rctx, buf)
	case apiPrefix + "token":
		if !rctx.IsPost() {
			return fasthttp.StatusMethodNotAllowed
		}

		return h.issueToken(ctx, rctx, buf)
	}

	if !strings.HasPrefix(path, apiPrefix) {
		return fasthttp.StatusNotFound
	}

	fn, exists := h.routeFor(rctx, strings.TrimPrefix(path, apiPrefix))
	if !exists {
		return fasthttp.StatusNotFound
	}

	identity, status := h.authenticate(rctx, buf)
	if status != fasthttp.StatusOK {
		return status
	}

	return fn(ctx, rctx, identity, buf)
}

func (h *httpHandler) serve(rctx *fasthttp.RequestCtx) {
	if h.terminate.Load() {
		rctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
		rctx.SetConnectionClose()

		return
	}

	h.waitGroup.Add(1)
	defer h.waitGroup.Done()

	buf := h.bufferPool.Get()
	defer h.bufferPool.Put(buf)

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.HTTPWriteTimeout)
	defer cancel()

	start := time.Now()

	defer func() {
		if err := recover(); err != nil {
			slog.Error("request panicked", "path", string(rctx.Path()), "err", fmt.Sprint(err), "stack", log.Stack())

			rctx.Response.Reset()
			rctx.SetStatusCode(fasthttp.StatusInternalServerError)
			collector.IncrementErroredRequests()
		}
	}()

	collector.IncrementRequests()

	// Handlers serving anything but JSON override this
	rctx.SetContentType("application/json")

	status := h.respond(ctx, rctx, buf)

	rctx.SetStatusCode(status)
	rctx.SetBody(buf.B)

	took := time.Since(start)
	collector.ObserveRequest(len(rctx.Request.Body()), len(buf.B), took)

	if took > h.cfg.HighLatencyThreshold {
		collector.IncrementSlowRequests()
		slog.Warn("slow request", "method", string(rctx.Method()), "path", string(rctx.Path()),
			"status", status, "took", took)
	}

	if status >= fasthttp.StatusInternalServerError {
		collector.IncrementErroredRequests()
	}
}

// Start opens every store, launches background tasks and serves until Stop is called
func Start(cfg *config.Config) error {
	ctx := context.Background()

	key, err := token.LoadKey(cfg.KeyFile)
	if err != nil {
		return fmt.Errorf("couldn't load token signing key: %w", err)
	}

	if err = record.Init(cfg.EventsDir, cfg.RecordEvents); err != nil {
		return fmt.Errorf("couldn't initialize event recording: %w", err)
	}

	db, err := database.Open(ctx, cfg)
	if err != nil {
		return err
	}

	defer db.Close()

	peers, err := peerstore.Open(ctx, cfg)
	if err != nil {
		return err
	}

	defer peers.Close()

	tokens := token.NewService(key, db, cfg.AccessTokenExpiration)
	handler = newHandler(cfg, db, peers, tokens)

	// Register additional metrics for DefaultGatherer
	prometheus.MustRegister(collectors.NewBuildInfoCollector())

	scheduled = scheduler.New(maintenanceTasks(cfg, db, peers)...)
	scheduled.Start(ctx)

	srv = &fasthttp.Server{
		Handler:            handler.serve,
		Name:               "privateindexer",
		ReadTimeout:        cfg.HTTPReadTimeout,
		WriteTimeout:       cfg.HTTPWriteTimeout,
		MaxRequestBodySize: 16 << 20,
		CloseOnShutdown:    true,
	}

	listener, err = net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		scheduled.Stop()
		return err
	}

	slog.Info("ready and accepting new connections", "addr", cfg.HTTPAddr)

	if err = srv.Serve(listener); err != nil {
		slog.Error("server stopped serving", "err", err)
	}

	// Wait for active requests to finish processing
	handler.waitGroup.Wait()

	slog.Info("now closed and not accepting any new connections")

	scheduled.Stop()

	slog.Info("shutdown complete")

	return nil
}

func Stop() {
	if handler == nil || srv == nil {
		return
	}

	handler.terminate.Store(true)

	// Shutdown closes the listener, which makes Serve return
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.ShutdownWithContext(ctx); err != nil {
		slog.Error("failed to shut down server cleanly", "err", err)
	}
}

func maintenanceTasks(cfg *config.Config, db *database.Database, peers peerstore.Store) []scheduler.Task {
	aggregator := stats.NewAggregator(peers, db, cfg.PeerTimeout)
	manager := lifecycle.NewManager(db, peers, cfg.TorrentsDir, cfg.LifecycleBatchSize, cfg.PeerTimeout)

	return []scheduler.Task{
		{Name: "peer-purge", Interval: cfg.PeerPurgeInterval, Run: func(ctx context.Context) error {
			removed, err := peers.PurgeExpired(ctx, time.Now(), cfg.PeerTimeout)
			collector.AddPurgedPeers(removed)

			if removed > 0 {
				slog.Info("purged expired peers", "count", removed)
			}

			return err
		}},
		{Name: "stats-update", Interval: cfg.StatsUpdateInterval, Run: func(ctx context.Context) error {
			report, err := aggregator.RunOnce(ctx)
			if len(report.Failed) > 0 {
				slog.Warn("some user statistics were not written", "failed", len(report.Failed))
			}

			if users, torrents, err := db.Counts(ctx); err == nil {
				collector.UpdateUsers(users)
				collector.UpdateTorrents(torrents)
			}

			slog.Debug("updated statistics", "peers", report.Peers, "users", report.Users,
				"written", report.Written, "torrents", report.Torrents)

			return err
		}},
		{Name: "integrity-check", Interval: cfg.IntegrityInterval, Run: func(ctx context.Context) error {
			report, err := manager.CheckIntegrity(ctx)
			slog.Info("finished integrity check", "checked", report.Checked, "repaired", report.Repaired,
				"removed", report.Removed, "failed", report.Failed)

			return err
		}},
		{Name: "stale-check", Interval: cfg.StaleCheckInterval, Run: func(ctx context.Context) error {
			removed, err := manager.PurgeStale(ctx, cfg.StaleThreshold)
			slog.Info("finished stale check", "removed", removed)

			return err
		}},
	}
}
