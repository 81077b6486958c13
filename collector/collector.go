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

package collector

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Collector struct {
	uptimeMetric   *prometheus.Desc
	usersMetric    *prometheus.Desc
	torrentsMetric *prometheus.Desc
	peersMetric    *prometheus.Desc
	requestsMetric *prometheus.Desc

	deadlockTimeMetric    *prometheus.Desc
	deadlockCountMetric   *prometheus.Desc
	deadlockAbortedMetric *prometheus.Desc
	erroredRequestsMetric *prometheus.Desc
	sqlErrorCountMetric   *prometheus.Desc
	slowRequestsMetric    *prometheus.Desc
	bytesSentMetric       *prometheus.Desc
	bytesReceivedMetric   *prometheus.Desc
}

var (
	users    atomic.Int64
	torrents atomic.Int64
	peers    atomic.Int64
	uptime   atomic.Uint64 // float64 bits
	requests atomic.Uint64

	deadlockTime    atomic.Int64 // nanoseconds
	deadlockCount   atomic.Uint64
	deadlockAborted atomic.Uint64
	erroredRequests atomic.Uint64
	sqlErrorCount   atomic.Uint64
	slowRequests    atomic.Uint64
	bytesSent       atomic.Uint64
	bytesReceived   atomic.Uint64
)

var (
	requestTime = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "privateindexer_request_seconds",
		Help:    "Histogram of the time taken to answer requests",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	})
	taskTime = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "privateindexer_task_seconds",
		Help:    "Histogram of the time taken by individual background task runs",
		Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300},
	}, []string{"task"})
	taskFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "privateindexer_task_failures_total",
		Help: "Number of background task runs that returned an error or panicked",
	}, []string{"task"})
	purgedPeers = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "privateindexer_purged_peers_total",
		Help: "Number of expired peers removed from the peer store",
	})
	removedTorrents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "privateindexer_removed_torrents_total",
		Help: "Number of torrents removed by lifecycle checks",
	}, []string{"reason"})
	transferBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "privateindexer_accounted_bytes_total",
		Help: "Bytes folded into durable user statistics",
	}, []string{"direction"})
	issuedTokens = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "privateindexer_tokens_issued_total",
		Help: "Number of access tokens issued",
	})
	authFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "privateindexer_auth_failures_total",
		Help: "Number of rejected credentials by kind",
	}, []string{"kind"})
)

func NewCollector() *Collector {
	return &Collector{
		uptimeMetric: prometheus.NewDesc("privateindexer_uptime",
			"System uptime in seconds", nil, nil),
		usersMetric: prometheus.NewDesc("privateindexer_users",
			"Number of registered users", nil, nil),
		torrentsMetric: prometheus.NewDesc("privateindexer_torrents",
			"Number of torrents currently indexed", nil, nil),
		peersMetric: prometheus.NewDesc("privateindexer_peers",
			"Number of peers currently being tracked", nil, nil),
		requestsMetric: prometheus.NewDesc("privateindexer_requests",
			"Number of requests received", nil, nil),

		deadlockCountMetric: prometheus.NewDesc("privateindexer_deadlock_count",
			"Number of unique database deadlocks encountered", nil, nil),
		deadlockAbortedMetric: prometheus.NewDesc("privateindexer_deadlock_aborted_count",
			"Number of times deadlock retries were exceeded", nil, nil),
		deadlockTimeMetric: prometheus.NewDesc("privateindexer_deadlock_seconds_total",
			"Total time wasted awaiting to free deadlock", nil, nil),
		erroredRequestsMetric: prometheus.NewDesc("privateindexer_requests_fail",
			"Number of failed requests", nil, nil),
		sqlErrorCountMetric: prometheus.NewDesc("privateindexer_sql_errors_count",
			"Number of SQL errors", nil, nil),
		slowRequestsMetric: prometheus.NewDesc("privateindexer_requests_slow",
			"Number of requests slower than configured latency threshold", nil, nil),
		bytesSentMetric: prometheus.NewDesc("privateindexer_response_bytes_total",
			"Bytes of response bodies sent", nil, nil),
		bytesReceivedMetric: prometheus.NewDesc("privateindexer_request_bytes_total",
			"Bytes of request bodies received", nil, nil),
	}
}

func (collector *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- collector.uptimeMetric
	ch <- collector.usersMetric
	ch <- collector.torrentsMetric
	ch <- collector.peersMetric
	ch <- collector.requestsMetric
	ch <- collector.deadlockCountMetric
	ch <- collector.deadlockAbortedMetric
	ch <- collector.deadlockTimeMetric
	ch <- collector.erroredRequestsMetric
	ch <- collector.sqlErrorCountMetric
	ch <- collector.slowRequestsMetric
	ch <- collector.bytesSentMetric
	ch <- collector.bytesReceivedMetric

	requestTime.Describe(ch)
	taskTime.Describe(ch)
	taskFailures.Describe(ch)
	purgedPeers.Describe(ch)
	removedTorrents.Describe(ch)
	transferBytes.Describe(ch)
	issuedTokens.Describe(ch)
	authFailures.Describe(ch)
}

func (collector *Collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(collector.uptimeMetric, prometheus.CounterValue,
		math.Float64frombits(uptime.Load()))
	ch <- prometheus.MustNewConstMetric(collector.usersMetric, prometheus.GaugeValue, float64(users.Load()))
	ch <- prometheus.MustNewConstMetric(collector.torrentsMetric, prometheus.GaugeValue, float64(torrents.Load()))
	ch <- prometheus.MustNewConstMetric(collector.peersMetric, prometheus.GaugeValue, float64(peers.Load()))
	ch <- prometheus.MustNewConstMetric(collector.requestsMetric, prometheus.CounterValue, float64(requests.Load()))
	ch <- prometheus.MustNewConstMetric(collector.deadlockCountMetric, prometheus.CounterValue,
		float64(deadlockCount.Load()))
	ch <- prometheus.MustNewConstMetric(collector.deadlockAbortedMetric, prometheus.CounterValue,
		float64(deadlockAborted.Load()))
	ch <- prometheus.MustNewConstMetric(collector.deadlockTimeMetric, prometheus.CounterValue,
		time.Duration(deadlockTime.Load()).Seconds())
	ch <- prometheus.MustNewConstMetric(collector.erroredRequestsMetric, prometheus.CounterValue,
		float64(erroredRequests.Load()))
	ch <- prometheus.MustNewConstMetric(collector.sqlErrorCountMetric, prometheus.CounterValue,
		float64(sqlErrorCount.Load()))
	ch <- prometheus.MustNewConstMetric(collector.slowRequestsMetric, prometheus.CounterValue,
		float64(slowRequests.Load()))
	ch <- prometheus.MustNewConstMetric(collector.bytesSentMetric, prometheus.CounterValue, float64(bytesSent.Load()))
	ch <- prometheus.MustNewConstMetric(collector.bytesReceivedMetric, prometheus.CounterValue,
		float64(bytesReceived.Load()))

	requestTime.Collect(ch)
	taskTime.Collect(ch)
	taskFailures.Collect(ch)
	purgedPeers.Collect(ch)
	removedTorrents.Collect(ch)
	transferBytes.Collect(ch)
	issuedTokens.Collect(ch)
	authFailures.Collect(ch)
}

func UpdateUptime(seconds float64) {
	uptime.Store(math.Float64bits(seconds))
}

func UpdateUsers(count int) {
	users.Store(int64(count))
}

func UpdatePeers(count int) {
	peers.Store(int64(count))
}

func UpdateTorrents(count int) {
	torrents.Store(int64(count))
}

func IncrementRequests() {
	requests.Add(1)
}

func Requests() uint64 {
	return requests.Load()
}

// ObserveRequest accounts body sizes and duration of single answered request
func ObserveRequest(received, sent int, took time.Duration) {
	bytesReceived.Add(uint64(received))
	bytesSent.Add(uint64(sent))
	requestTime.Observe(took.Seconds())
}

func Traffic() (received, sent uint64) {
	return bytesReceived.Load(), bytesSent.Load()
}

func IncrementDeadlockCount() {
	deadlockCount.Add(1)
}

func IncrementDeadlockTime(time time.Duration) {
	deadlockTime.Add(int64(time))
}

func IncrementDeadlockAborted() {
	deadlockAborted.Add(1)
}

func IncrementErroredRequests() {
	erroredRequests.Add(1)
}

func IncrementSQLErrorCount() {
	sqlErrorCount.Add(1)
}

func IncrementSlowRequests() {
	slowRequests.Add(1)
}

func UpdateTaskTime(task string, time time.Duration) {
	taskTime.WithLabelValues(task).Observe(time.Seconds())
}

func IncrementTaskFailures(task string) {
	taskFailures.WithLabelValues(task).Inc()
}

func AddPurgedPeers(count int) {
	purgedPeers.Add(float64(count))
}

func AddRemovedTorrents(reason string, count int) {
	removedTorrents.WithLabelValues(reason).Add(float64(count))
}

func AddTransferBytes(uploaded, downloaded uint64) {
	transferBytes.WithLabelValues("up").Add(float64(uploaded))
	transferBytes.WithLabelValues("down").Add(float64(downloaded))
}

func IncrementIssuedTokens() {
	issuedTokens.Inc()
}

func IncrementAuthFailures(kind string) {
	authFailures.WithLabelValues(kind).Inc()
}
