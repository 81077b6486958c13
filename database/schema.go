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
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id                INT UNSIGNED NOT NULL AUTO_INCREMENT,
		label             VARCHAR(255) NOT NULL,
		api_key           CHAR(64) NOT NULL,
		role              ENUM('admin', 'standard') NOT NULL DEFAULT 'standard',
		uploaded          BIGINT UNSIGNED NOT NULL DEFAULT 0,
		downloaded        BIGINT UNSIGNED NOT NULL DEFAULT 0,
		grabs             INT UNSIGNED NOT NULL DEFAULT 0,
		torrents_uploaded INT UNSIGNED NOT NULL DEFAULT 0,
		seeding           INT UNSIGNED NOT NULL DEFAULT 0,
		leeching          INT UNSIGNED NOT NULL DEFAULT 0,
		created_at        BIGINT NOT NULL DEFAULT 0,
		last_seen         BIGINT NOT NULL DEFAULT 0,
		client_version    VARCHAR(64) NOT NULL DEFAULT '',
		last_address      VARCHAR(64) NOT NULL DEFAULT '',
		reachable         TINYINT(1) NOT NULL DEFAULT 0,
		PRIMARY KEY (id),
		UNIQUE KEY api_key (api_key)
	) ENGINE = InnoDB DEFAULT CHARSET = utf8mb4`,
	`CREATE TABLE IF NOT EXISTS torrents (
		id              INT UNSIGNED NOT NULL AUTO_INCREMENT,
		info_hash       CHAR(40) NOT NULL,
		name            VARCHAR(1024) NOT NULL,
		normalized_name VARCHAR(1024) NOT NULL,
		category        SMALLINT UNSIGNED NOT NULL,
		size            BIGINT UNSIGNED NOT NULL,
		files           MEDIUMTEXT NOT NULL,
		grabs           INT UNSIGNED NOT NULL DEFAULT 0,
		path            VARCHAR(4096) NOT NULL,
		added_on        BIGINT NOT NULL,
		added_by        INT UNSIGNED NULL,
		last_active     BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (id),
		UNIQUE KEY info_hash (info_hash),
		KEY normalized_name (normalized_name(255)),
		CONSTRAINT torrents_added_by FOREIGN KEY (added_by) REFERENCES users (id) ON DELETE SET NULL
	) ENGINE = InnoDB DEFAULT CHARSET = utf8mb4`,
}

// ensureSchema creates tables on fresh databases; migrations of existing ones are handled externally
func (db *Database) ensureSchema(ctx context.Context) error {
	for _, query := range schema {
		if _, err := db.conn.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("couldn't create schema: %w", err)
		}
	}

	return nil
}
