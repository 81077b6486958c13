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

// Package metainfo parses .torrent files far enough to index them.
// https://www.bittorrent.org/beps/bep_0003.html
package metainfo

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"

	cdb "privateindexer/database/types"

	"github.com/zeebo/bencode"
)

// MaxSize bounds accepted .torrent files
const MaxSize = 10 << 20

var ErrInvalid = errors.New("invalid torrent metainfo")

type fileEntry struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

type infoDict struct {
	Name        string      `bencode:"name"`
	PieceLength int64       `bencode:"piece length"`
	Pieces      string      `bencode:"pieces"`
	Length      int64       `bencode:"length"`
	Files       []fileEntry `bencode:"files"`
}

type torrentFile struct {
	Info bencode.RawMessage `bencode:"info"`
}

type Metainfo struct {
	InfoHash cdb.InfoHash `json:"info_hash"`
	Name     string       `json:"name"`
	Size     uint64       `json:"size"`
	Files    cdb.Files    `json:"files"`
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

func Parse(data []byte) (*Metainfo, error) {
	if len(data) > MaxSize {
		return nil, invalid("file exceeds %d bytes", MaxSize)
	}

	var tf torrentFile
	if err := bencode.DecodeBytes(data, &tf); err != nil {
		return nil, invalid("%v", err)
	}

	if len(tf.Info) == 0 {
		return nil, invalid("missing info dictionary")
	}

	var info infoDict
	if err := bencode.DecodeBytes(tf.Info, &info); err != nil {
		return nil, invalid("info dictionary: %v", err)
	}

	if info.Name == "" {
		return nil, invalid("missing name")
	}

	if info.PieceLength <= 0 || len(info.Pieces) == 0 || len(info.Pieces)%sha1.Size != 0 {
		return nil, invalid("bad piece layout")
	}

	m := &Metainfo{
		InfoHash: sha1.Sum(tf.Info),
		Name:     info.Name,
	}

	if len(info.Files) == 0 {
		if info.Length < 0 {
			return nil, invalid("negative length")
		}

		m.Size = uint64(info.Length)
		m.Files = cdb.Files{{Path: info.Name, Length: info.Length}}

		return m, nil
	}

	m.Files = make(cdb.Files, 0, len(info.Files))

	for _, f := range info.Files {
		if f.Length < 0 || len(f.Path) == 0 {
			return nil, invalid("bad file entry")
		}

		m.Size += uint64(f.Length)
		m.Files = append(m.Files, cdb.File{Path: path.Join(f.Path...), Length: f.Length})
	}

	return m, nil
}

// Path is the canonical location of artifact for h within dir
func Path(dir string, h cdb.InfoHash) string {
	return filepath.Join(dir, h.String()+".torrent")
}

func ParseFile(name string) (*Metainfo, error) {
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, err
	}

	return Parse(data)
}
