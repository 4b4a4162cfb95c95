// Package server implements the connection supervisor: socket
// acquisition (bind or inherit), the accept loop, and the three
// interchangeable execution modes a milter daemon can run under.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync/atomic"
	"syscall"

	"github.com/mpimg/srmilter"
)

// DefaultAddress is the address the daemon binds when none is given on
// the command line.
const DefaultAddress = "0.0.0.0:7044"

const listenBacklog = 1

// Mode selects how accepted connections are served.
type Mode int

const (
	// ModeInline serves one connection at a time on the accept goroutine.
	ModeInline Mode = iota
	// ModeForked serves each connection in a re-executed child process.
	ModeForked
	// ModeThreaded serves each connection on its own goroutine, capped by
	// a semaphore.
	ModeThreaded
)

// Config is the supervisor's startup configuration. Exactly one of
// ForkLimit or ThreadLimit may be positive; both positive is a startup
// error, matching the CLI's mutual-exclusion rule.
type Config struct {
	Milter *srmilter.Config

	ForkLimit   int // > 0 selects ModeForked; requires ForkModeEnabled
	ThreadLimit int // > 0 selects ModeThreaded

	// ReexecArgs are the CLI arguments a fork-mode child should be
	// restarted with (following WorkerFlag) so it rebuilds the same
	// configuration the parent was given. Required when ForkLimit > 0.
	ReexecArgs []string
}

// Supervisor owns the listening socket and drives the accept loop under
// one execution mode.
type Supervisor struct {
	cfg      Config
	mode     Mode
	milter   *srmilter.Config
	listener net.Listener

	shutdown atomic.Bool

	forked   *forkPool
	threaded *threadPool
}

// New validates cfg and builds a Supervisor around ln. Call ListenOrInherit
// first to obtain ln.
func New(ln net.Listener, cfg Config) (*Supervisor, error) {
	if cfg.ForkLimit > 0 && cfg.ThreadLimit > 0 {
		return nil, errors.New("server: --fork and --threads are mutually exclusive")
	}
	if cfg.ForkLimit > 0 && !cfg.Milter.ForkModeEnabled {
		return nil, errors.New("server: fork mode requires Config.ForkModeEnabled")
	}
	s := &Supervisor{cfg: cfg, milter: cfg.Milter, listener: ln}
	switch {
	case cfg.ForkLimit > 0:
		s.mode = ModeForked
		s.forked = newForkPool(cfg.ForkLimit)
		s.forked.SetReexecArgs(cfg.ReexecArgs)
	case cfg.ThreadLimit > 0:
		s.mode = ModeThreaded
		s.threaded = newThreadPool(cfg.ThreadLimit)
	default:
		s.mode = ModeInline
	}
	return s, nil
}

// ListenOrInherit returns a pre-bound listener handed down by a service
// activator (systemd-style LISTEN_FDS convention, fd 3) if one is
// present for this process, otherwise binds addr itself with address
// reuse enabled. The listen backlog is the platform default; it is not
// set to 1.
func ListenOrInherit(addr string) (net.Listener, error) {
	if ln, ok := inheritedListener(); ok {
		return ln, nil
	}
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
	ln, err := lc.Listen(context.Background(), "tcp4", addr)
	if err != nil {
		return nil, fmt.Errorf("server: listen %s: %w", addr, err)
	}
	// listenBacklog documents intent only: net.ListenConfig does not expose
	// a backlog knob, so the platform's SOMAXCONN-bounded default applies.
	return ln, nil
}

// inheritedListener adopts fd 3 when a service manager set LISTEN_PID to
// our own pid and LISTEN_FDS to at least 1 (the systemd socket
// activation convention).
func inheritedListener() (net.Listener, bool) {
	pidStr := os.Getenv("LISTEN_PID")
	fdsStr := os.Getenv("LISTEN_FDS")
	if pidStr == "" || fdsStr == "" {
		return nil, false
	}
	pid, err := strconv.Atoi(pidStr)
	if err != nil || pid != os.Getpid() {
		return nil, false
	}
	fds, err := strconv.Atoi(fdsStr)
	if err != nil || fds < 1 {
		return nil, false
	}
	const firstInheritedFD = 3
	f := os.NewFile(uintptr(firstInheritedFD), "srmilter-activation-socket")
	ln, err := net.FileListener(f)
	_ = f.Close()
	if err != nil {
		return nil, false
	}
	return ln, true
}

// Shutdown requests that the accept loop stop taking new work. Serve
// returns once in-flight connections (or, in threaded mode, in-flight
// workers) have drained.
func (s *Supervisor) Shutdown() {
	s.shutdown.Store(true)
	_ = s.listener.Close()
}

func (s *Supervisor) shuttingDown() bool {
	return s.shutdown.Load()
}

// Serve runs the accept loop until Shutdown is called. It never returns
// a non-nil error for a clean shutdown.
func (s *Supervisor) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.shuttingDown() {
				return s.drain()
			}
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			LogWarning("accept: %v", err)
			continue
		}
		switch s.mode {
		case ModeForked:
			s.forked.dispatch(conn, s.milter)
		case ModeThreaded:
			s.threaded.dispatch(conn, s.milter)
		default:
			serveInline(conn, s.milter)
		}
	}
}

// drain waits for outstanding work to finish after the accept loop has
// stopped, logging the remaining count once a second
// in forked and threaded mode.
func (s *Supervisor) drain() error {
	switch s.mode {
	case ModeForked:
		s.forked.wait()
	case ModeThreaded:
		s.threaded.wait()
	}
	return nil
}
