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
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"sort"

	"privateindexer/config"
	"privateindexer/peerstore"
)

// provided at compile-time
var (
	BuildDate    = "0000-00-00T00:00:00+0000"
	BuildVersion = "development"
)

func help() {
	fmt.Printf("Usage of %s:\n", os.Args[0])
	fmt.Println("  dump       writes every live peer of configured peer store as JSON to stdout")
	fmt.Println("  count      prints number of tracked peers")
}

func main() {
	fmt.Fprintf(os.Stderr, "peer store utility for privateindexer, ver=%s date=%s runtime=%s\n\n",
		BuildVersion, BuildDate, runtime.Version())

	if len(os.Args) < 2 {
		help()
		return
	}

	cfg, err := config.Load(config.Environ())
	if err != nil {
		panic(err)
	}

	if cfg.PeerStore != config.PeerStoreRedis {
		fmt.Fprintln(os.Stderr, "in-memory peer store lives inside the server process, nothing to inspect")
		os.Exit(1)
	}

	ctx := context.Background()

	store, err := peerstore.Open(ctx, cfg)
	if err != nil {
		panic(err)
	}

	defer store.Close()

	switch os.Args[1] {
	case "dump":
		dump(ctx, store)
	case "count":
		count, err := store.Count(ctx)
		if err != nil {
			panic(err)
		}

		fmt.Println(count)
	default:
		help()
	}
}

func dump(ctx context.Context, store peerstore.Store) {
	peers, err := store.Snapshot(ctx)
	if err != nil {
		panic(err)
	}

	sort.Slice(peers, func(i, j int) bool {
		if peers[i].TorrentID != peers[j].TorrentID {
			return peers[i].TorrentID < peers[j].TorrentID
		}

		return peers[i].PeerID.String() < peers[j].PeerID.String()
	})

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "\t")

	if err = encoder.Encode(peers); err != nil {
		panic(err)
	}

	fmt.Fprintf(os.Stderr, "Done! Exported %d peers\n", len(peers))
}
