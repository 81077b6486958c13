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
	"encoding/hex"
	"errors"
	"strings"
)

var (
	errInvalidType         = errors.New("invalid type")
	errWrongInfoHashLength = errors.New("wrong info hash length")
)

// InfoHash is SHA-1 digest of bencoded info dictionary, stored as 40 lowercase hex characters
type InfoHash [20]byte

func InfoHashFromHex(s string) (h InfoHash, err error) {
	if len(s) != 40 {
		return h, errWrongInfoHashLength
	}

	_, err = hex.Decode(h[:], []byte(strings.ToLower(s)))

	return h, err
}

//goland:noinspection GoMixedReceiverTypes
func (h InfoHash) String() string {
	return hex.EncodeToString(h[:])
}

//goland:noinspection GoMixedReceiverTypes
func (h *InfoHash) Scan(src any) error {
	var s string

	switch v := src.(type) {
	case []byte:
		s = string(v)
	case string:
		s = v
	default:
		return errInvalidType
	}

	parsed, err := InfoHashFromHex(s)
	if err != nil {
		return err
	}

	*h = parsed

	return nil
}

//goland:noinspection GoMixedReceiverTypes
func (h InfoHash) Value() (driver.Value, error) {
	return h.String(), nil
}

//goland:noinspection GoMixedReceiverTypes
func (h InfoHash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

//goland:noinspection GoMixedReceiverTypes
func (h *InfoHash) UnmarshalText(b []byte) error {
	parsed, err := InfoHashFromHex(string(b))
	if err != nil {
		return err
	}

	*h = parsed

	return nil
}

// Category follows Newznab numbering
type Category uint16

const (
	CategoryMovies Category = 2000
	CategoryAudio  Category = 3000
	CategoryTV     Category = 5000
)

var categoryNames = map[Category]string{
	CategoryMovies: "Movies",
	CategoryAudio:  "Audio",
	CategoryTV:     "TV",
}

// Categories lists known categories in ascending order
func Categories() []Category {
	return []Category{CategoryMovies, CategoryAudio, CategoryTV}
}

func (c Category) Valid() bool {
	_, ok := categoryNames[c]
	return ok
}

func (c Category) String() string {
	if name, ok := categoryNames[c]; ok {
		return name
	}

	return "Unknown"
}
