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

package types

import (
	"database/sql/driver"
	"encoding/json"
)

type File struct {
	Path   string `json:"path"`
	Length int64  `json:"length"`
}

// Files is stored as JSON document in a single column
type Files []File

//goland:noinspection GoMixedReceiverTypes
func (f *Files) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*f = nil
		return nil
	case []byte:
		return json.Unmarshal(v, f)
	case string:
		return json.Unmarshal([]byte(v), f)
	}

	return errInvalidType
}

//goland:noinspection GoMixedReceiverTypes
func (f Files) Value() (driver.Value, error) {
	if f == nil {
		return "[]", nil
	}

	b, err := json.Marshal(f)

	return string(b), err
}

type Torrent struct {
	ID             uint32   `json:"id"`
	InfoHash       InfoHash `json:"infohash"`
	Name           string   `json:"name"`
	NormalizedName string   `json:"-"`
	Category       Category `json:"category"`
	Size           uint64   `json:"size"`
	Files          Files    `json:"files"`
	Grabs          uint32   `json:"grabs"`

	// Path is location of .torrent artifact on disk
	Path string `json:"-"`

	AddedOn    int64  `json:"added_on"` // unix time
	UploaderID uint32 `json:"-"`        // 0 once uploader was deleted
	LastActive int64  `json:"last_active"`
}

// StaleEpoch is the last moment the torrent was known to be alive
func (t *Torrent) StaleEpoch() int64 {
	return max(t.AddedOn, t.LastActive)
}

type SearchQuery struct {
	Term       string // already normalized
	Categories []Category
	Limit      int
	Offset     int
}
