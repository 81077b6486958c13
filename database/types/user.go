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
	"errors"
)

type Role string

const (
	RoleAdmin    Role = "admin"
	RoleStandard Role = "standard"
)

var errUnknownRole = errors.New("unknown role")

func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleAdmin, RoleStandard:
		return Role(s), nil
	case "":
		return RoleStandard, nil
	}

	return "", errUnknownRole
}

//goland:noinspection GoMixedReceiverTypes
func (r *Role) Scan(src any) error {
	var s string

	switch v := src.(type) {
	case []byte:
		s = string(v)
	case string:
		s = v
	default:
		return errInvalidType
	}

	parsed, err := ParseRole(s)
	if err != nil {
		return err
	}

	*r = parsed

	return nil
}

//goland:noinspection GoMixedReceiverTypes
func (r Role) Value() (driver.Value, error) {
	return string(r), nil
}

type User struct {
	ID    uint32 `json:"id"`
	Label string `json:"label"`
	// APIKey is only serialized on creation and rotation responses
	APIKey string `json:"-"`
	Role   Role   `json:"role"`

	Uploaded         uint64 `json:"uploaded"`
	Downloaded       uint64 `json:"downloaded"`
	Grabs            uint32 `json:"grabs"`
	TorrentsUploaded uint32 `json:"torrents_uploaded"`
	Seeding          uint32 `json:"seeding"`
	Leeching         uint32 `json:"leeching"`

	CreatedAt int64 `json:"created_at"` // unix time
	LastSeen  int64 `json:"last_seen"`

	ClientVersion string `json:"client_version"`
	LastAddress   string `json:"last_address"`
	Reachable     bool   `json:"reachable"`
}

// CheckIn is reported by client on startup
type CheckIn struct {
	Version   string
	Address   string // announce ip:port
	Reachable bool
	At        int64
}

func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// Activity is live swarm participation of a single user
type Activity struct {
	Seeding  uint32
	Leeching uint32
}
