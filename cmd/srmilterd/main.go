// Command srmilterd is the milter daemon: it binds (or inherits) a TCP
// socket, speaks the milter wire protocol to an MTA, and asks a
// classifier for a verdict on every message.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/mpimg/srmilter"
	"github.com/mpimg/srmilter/server"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == server.WorkerFlag {
		os.Exit(runWorker(os.Args[2:]))
	}
	if err := runDaemon(os.Args[1:]); err != nil {
		log.Print(err)
		os.Exit(1)
	}
}

// buildClassifier is the one place a real deployment would wire in its
// own rules (list-file lookups, trusted-relay checks, a spam score
// threshold); a daemon with no classifier falls back to classify.None,
// which accepts everything and logs that fact.
func buildClassifier(_ *flag.FlagSet) srmilter.Config {
	return srmilter.Config{}
}

func daemonFlags(fs *flag.FlagSet) (fork, threads *int, truncate *int, goodDomain *string, quarantineReason *string) {
	fork = fs.Int("fork", 0, "maximum number of forked worker children (mutually exclusive with -threads)")
	threads = fs.Int("threads", 0, "maximum number of worker goroutines (mutually exclusive with -fork)")
	truncate = fs.Int("truncate", srmilter.TruncateUnlimited, "maximum reconstructed message bytes kept per message (0 = no body, negative = unlimited)")
	goodDomain = fs.String("good-domain", "", "this MTA's own 'by' domain suffix, for the trusted-Received scan")
	quarantineReason = fs.String("quarantine-reason", srmilter.DefaultQuarantineReason, "reason string attached to quarantine verdicts")
	return
}

func runDaemon(args []string) error {
	fs := flag.NewFlagSet("daemon", flag.ExitOnError)
	fork, threads, truncate, goodDomain, quarantineReason := daemonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	addr := server.DefaultAddress
	if fs.NArg() > 0 {
		addr = fs.Arg(0)
	}

	milterCfg := buildClassifier(fs)
	milterCfg.Truncate = *truncate
	milterCfg.GoodDomain = *goodDomain
	milterCfg.QuarantineReason = *quarantineReason
	milterCfg.ForkModeEnabled = *fork > 0

	cfg := server.Config{
		Milter:      &milterCfg,
		ForkLimit:   *fork,
		ThreadLimit: *threads,
		ReexecArgs:  args,
	}

	ln, err := server.ListenOrInherit(addr)
	if err != nil {
		return err
	}
	sup, err := server.New(ln, cfg)
	if err != nil {
		_ = ln.Close()
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sig
		log.Printf("received signal %v, shutting down", s)
		sup.Shutdown()
	}()

	log.Printf("srmilterd listening on %s", ln.Addr())
	return sup.Serve()
}

// runWorker handles the fork-mode re-exec: args is the same flag set the
// parent daemon was started with (following server.WorkerFlag), so the
// worker rebuilds an equivalent configuration before serving exactly one
// connection from the inherited fd.
func runWorker(args []string) int {
	fs := flag.NewFlagSet("srmilter-fork-worker", flag.ContinueOnError)
	_, _, truncate, goodDomain, quarantineReason := daemonFlags(fs)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	milterCfg := buildClassifier(fs)
	milterCfg.Truncate = *truncate
	milterCfg.GoodDomain = *goodDomain
	milterCfg.QuarantineReason = *quarantineReason

	return server.RunWorker(&milterCfg)
}
