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
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"

	"privateindexer/metainfo"

	"github.com/zeebo/bencode"
)

var (
	raw, help bool
)

// provided at compile-time
var (
	BuildDate    = "0000-00-00T00:00:00+0000"
	BuildVersion = "development"
)

func init() {
	flag.BoolVar(&raw, "raw", false, "Dumps whole bencoded document instead of indexed metadata")
	flag.BoolVar(&help, "h", false, "Prints this help message")
}

func main() {
	fmt.Printf("torrentinfo for privateindexer, ver=%s date=%s runtime=%s\n\n",
		BuildVersion, BuildDate, runtime.Version())

	flag.Parse()

	if help {
		fmt.Printf("Usage of %s: [flags] [file.torrent]\n", os.Args[0])
		fmt.Println("Reads standard input when no file is given")
		flag.PrintDefaults()

		return
	}

	in := io.Reader(os.Stdin)

	if flag.NArg() > 0 {
		f, err := os.Open(flag.Arg(0))
		if err != nil {
			panic(err)
		}

		defer f.Close()

		in = f
	}

	data, err := io.ReadAll(io.LimitReader(in, metainfo.MaxSize+1))
	if err != nil {
		panic(err)
	}

	var val interface{}

	if raw {
		if err = bencode.DecodeBytes(data, &val); err != nil {
			panic(err)
		}
	} else {
		m, err := metainfo.Parse(data)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}

		val = m
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "\t")

	if err = encoder.Encode(val); err != nil {
		panic(err)
	}
}
