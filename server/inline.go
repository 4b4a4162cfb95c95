package server

import (
	"net"

	"github.com/mpimg/srmilter"
)

// serveInline runs one connection to completion on the calling goroutine:
// the single-threaded, strictly sequential execution mode.
func serveInline(conn net.Conn, cfg *srmilter.Config) {
	sess := srmilter.NewSession(conn, cfg)
	if err := sess.Serve(); err != nil {
		LogWarning("connection: %v", err)
	}
}
