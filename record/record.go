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

// Package record appends audit events (token issuance, uploads, grabs, admin actions)
// to hourly rotated files, one JSON array per line.
package record

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const (
	EventTokenIssued = "token_issued"
	EventAuthFailure = "auth_failure"
	EventUpload      = "upload"
	EventGrab        = "grab"
	EventUserCreated = "user_created"
	EventUserRotated = "user_rotated"
	EventUserDeleted = "user_deleted"
)

var (
	enabled     = false // global for testing purposes
	initialized = false
	directory   string
	channel     chan []byte

	now = time.Now
)

func openEventFile(dir string, t time.Time) (*os.File, error) {
	name := filepath.Join(dir, "events_"+t.Format("2006-01-02T15")+".json")
	return os.OpenFile(name, os.O_RDWR|os.O_APPEND|os.O_CREATE, 0644)
}

// writer owns the current hourly file. While the file can not be opened events are dropped
// and opening is retried on every following event.
type writer struct {
	dir   string
	clock func() time.Time

	file    *os.File
	start   time.Time
	failing bool
}

func (w *writer) write(buf []byte) {
	t := w.clock()

	if w.file != nil && (t.Hour() != w.start.Hour() || t.YearDay() != w.start.YearDay()) {
		_ = w.file.Close()
		w.file = nil
	}

	if w.file == nil {
		file, err := openEventFile(w.dir, t)
		if err != nil {
			if !w.failing {
				slog.Error("unable to open event file, dropping events", "err", err)
				w.failing = true
			}

			return
		}

		if w.failing {
			slog.Info("event file writable again, recording resumed")
			w.failing = false
		}

		w.file, w.start = file, t
	}

	if _, err := w.file.Write(buf); err != nil {
		slog.Error("unable to write event", "err", err)
	}
}

func (w *writer) run(events <-chan []byte) {
	for buf := range events {
		w.write(buf)
	}
}

func Init(dir string, enable bool) error {
	enabled = enable
	if !enabled {
		return nil
	}

	directory = dir

	if err := os.MkdirAll(directory, 0755); err != nil {
		return err
	}

	w := &writer{dir: directory, clock: now, start: now()}

	file, err := openEventFile(directory, w.start)
	if err != nil {
		return err
	}

	w.file = file
	channel = make(chan []byte, 64)

	go w.run(channel)

	initialized = true

	return nil
}

// Record queues single event for writing; userID is 0 when no user is known
func Record(event string, userID uint32, subject string) {
	if !enabled {
		return
	}

	if !initialized {
		panic("can not Record without prior initialization")
	}

	quoted, _ := json.Marshal(subject)

	b := make([]byte, 0, 64+len(quoted))
	buf := bytes.NewBuffer(b)

	buf.WriteString("[")
	buf.WriteString(strconv.FormatInt(now().Unix(), 10))
	buf.WriteString(",\"")
	buf.WriteString(event)
	buf.WriteString("\",")
	buf.WriteString(strconv.FormatUint(uint64(userID), 10))
	buf.WriteString(",")
	buf.Write(quoted)
	buf.WriteString("]\n")

	channel <- buf.Bytes()
}
