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
	"crypto/subtle"
	"log/slog"
	"time"

	"privateindexer/collector"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/valyala/bytebufferpool"
	"github.com/valyala/fasthttp"
)

func writeMetricFamilies(g prometheus.Gatherer, buf *bytebufferpool.ByteBuffer) {
	mfs, err := g.Gather()
	if err != nil {
		slog.Warn("failed to gather some metrics", "err", err)
	}

	for _, mf := range mfs {
		if _, err = expfmt.MetricFamilyToText(buf, mf); err != nil {
			slog.Error("error in converting metrics to text", "err", err)
			panic(err)
		}
	}
}

func (h *httpHandler) metrics(ctx context.Context, rctx *fasthttp.RequestCtx, buf *bytebufferpool.ByteBuffer) int {
	collector.UpdateUptime(time.Since(h.startTime).Seconds())

	if count, err := h.peers.Count(ctx); err == nil {
		collector.UpdatePeers(count)
	}

	rctx.SetContentType("text/plain; version=0.0.4; charset=utf-8")

	writeMetricFamilies(h.normalRegisterer.(prometheus.Gatherer), buf)

	if raw := bearerToken(rctx); raw != "" && h.cfg.AdminToken != "" &&
		subtle.ConstantTimeCompare([]byte(raw), []byte(h.cfg.AdminToken)) == 1 {
		writeMetricFamilies(prometheus.DefaultGatherer, buf)
	}

	return fasthttp.StatusOK
}
