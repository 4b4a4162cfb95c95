package server

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mpimg/srmilter"
)

// WorkerFlag is the internal CLI flag a re-exec'd fork-mode child is
// started with. A cmd/srmilterd-style entry point must check for this
// flag before its normal flag parsing and, if present, call RunWorker
// instead of starting a supervisor.
const WorkerFlag = "--srmilter-fork-worker"

// inheritedConnFD is the file descriptor a forked worker's connection
// arrives on: ExtraFiles[0] in the child always lands at fd 3 (after
// stdin/stdout/stderr).
const inheritedConnFD = 3

// forkPool bounds live children the way a "block in a
// pause-style wait until SIGCHLD reaps one" describes, implemented with
// the idiomatic Go equivalent: raw POSIX fork() is unsafe in a Go
// process except immediately before exec, so each accepted connection is
// instead handed to a re-exec'd copy of this binary via ExtraFiles, and
// a buffered channel of tokens stands in for the live-child counter.
type forkPool struct {
	tokens     chan struct{}
	reexecArgs []string
	wg         sync.WaitGroup
	active     atomic.Int64
}

func newForkPool(limit int) *forkPool {
	return &forkPool{tokens: make(chan struct{}, limit)}
}

// SetReexecArgs supplies the CLI arguments the child re-exec should be
// started with (following WorkerFlag), so it reconstructs the same
// configuration the parent was given. Must be called before the first
// dispatch.
func (p *forkPool) SetReexecArgs(args []string) {
	p.reexecArgs = args
}

// dispatch blocks until a child slot is free, then re-execs this binary
// with the accepted connection's fd passed down via ExtraFiles.
func (p *forkPool) dispatch(conn net.Conn, _ *srmilter.Config) {
	p.tokens <- struct{}{}

	tc, ok := conn.(*net.TCPConn)
	if !ok {
		LogWarning("fork mode: connection is not a *net.TCPConn")
		conn.Close()
		<-p.tokens
		return
	}
	f, err := tc.File()
	conn.Close() // the dup in f keeps the socket alive for the child
	if err != nil {
		LogWarning("fork: duplicate connection fd: %v", err)
		<-p.tokens
		return
	}

	exe, err := os.Executable()
	if err != nil {
		LogWarning("fork: resolve executable: %v", err)
		f.Close()
		<-p.tokens
		return
	}

	args := append([]string{WorkerFlag}, p.reexecArgs...)
	cmd := exec.Command(exe, args...)
	cmd.ExtraFiles = []*os.File{f}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	p.wg.Add(1)
	p.active.Add(1)
	if err := cmd.Start(); err != nil {
		LogWarning("fork: start worker: %v", err)
		f.Close()
		p.wg.Done()
		p.active.Add(-1)
		<-p.tokens
		return
	}
	f.Close()

	go func() {
		defer p.wg.Done()
		defer func() {
			if n := p.active.Add(-1); n < 0 {
				panic("srmilter: fork pool child counter underflow")
			}
		}()
		defer func() { <-p.tokens }()
		if err := cmd.Wait(); err != nil {
			LogWarning("fork: worker exited: %v", err)
		}
	}()
}

func (p *forkPool) wait() {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if n := p.active.Load(); n > 0 {
				LogWarning("waiting for %d child(ren) to finish", n)
			}
		}
	}
}

// RunWorker is the fork-mode child's entry point: it adopts the
// connection passed down on fd 3, serves exactly one milter connection
// to completion, and returns an exit code (0 success, 1 error) for the
// caller to pass to os.Exit.
func RunWorker(cfg *srmilter.Config) int {
	f := os.NewFile(inheritedConnFD, "srmilter-fork-conn")
	conn, err := net.FileConn(f)
	_ = f.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "srmilter: fork worker: adopt fd %d: %v\n", inheritedConnFD, err)
		return 1
	}
	sess := srmilter.NewSession(conn, cfg)
	if err := sess.Serve(); err != nil {
		fmt.Fprintf(os.Stderr, "srmilter: fork worker: %v\n", err)
		return 1
	}
	return 0
}
