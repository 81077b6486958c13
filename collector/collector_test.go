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
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

func TestCollectorExposition(t *testing.T) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(NewCollector())

	UpdateUsers(3)
	UpdateTorrents(42)
	UpdatePeers(7)
	IncrementDeadlockCount()
	IncrementDeadlockTime(2 * time.Second)
	UpdateTaskTime("peer-purge", 15*time.Millisecond)
	IncrementTaskFailures("stats-update")
	AddRemovedTorrents("stale", 2)
	IncrementAuthFailures("expired")
	ObserveRequest(100, 250, 20*time.Millisecond)

	mfs, err := registry.Gather()
	if err != nil {
		t.Fatalf("Failed to gather metrics: %v", err)
	}

	var buf bytes.Buffer

	for _, mf := range mfs {
		if _, err = expfmt.MetricFamilyToText(&buf, mf); err != nil {
			t.Fatalf("Failed to convert metrics to text: %v", err)
		}
	}

	out := buf.String()

	for _, expected := range []string{
		"privateindexer_users 3",
		"privateindexer_torrents 42",
		"privateindexer_peers 7",
		"privateindexer_deadlock_count 1",
		"privateindexer_deadlock_seconds_total 2",
		`privateindexer_task_seconds_count{task="peer-purge"} 1`,
		`privateindexer_task_failures_total{task="stats-update"} 1`,
		`privateindexer_removed_torrents_total{reason="stale"} 2`,
		`privateindexer_auth_failures_total{kind="expired"} 1`,
		"privateindexer_request_bytes_total 100",
		"privateindexer_response_bytes_total 250",
		"privateindexer_request_seconds_count 1",
	} {
		if !strings.Contains(out, expected) {
			t.Fatalf("Expected metrics output to contain %q, got:\n%s", expected, out)
		}
	}
}
