// Command netchand is the reliable-with-fragmentation channel daemon: it
// binds a UDP socket, demultiplexes datagrams into per-peer channels, and
// serves Prometheus metrics -- the cobra-based replacement for the
// teacher's flat func main() in core/main.go.
package main

import (
	"os"

	"github.com/fenrir-net/netchan/cmd/netchand/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
