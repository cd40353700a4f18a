package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prxssh/sruth/internal/archive"
	"github.com/prxssh/sruth/internal/attribute"
	"github.com/prxssh/sruth/internal/node"
	"github.com/prxssh/sruth/pkg/config"
	"github.com/prxssh/sruth/pkg/logging"
)

// Exit codes, per spec.md §6's "failure" disposition for each phase a
// launch can fail in.
const (
	exitOK           = 0
	exitConfigError  = 1
	exitNetworkError = 2
	exitIOError      = 3
)

// wantFlags collects repeated -want name=value flags into Predicate
// filters; each flag adds one filter requiring an exact match on the
// file's Name attribute.
type wantFlags []string

func (w *wantFlags) String() string { return strings.Join(*w, ",") }

func (w *wantFlags) Set(v string) error {
	*w = append(*w, v)
	return nil
}

func main() {
	setupLogger()

	cfg, predicate, err := parseFlags(os.Args[1:])
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(exitConfigError)
	}

	a, err := archive.Open(cfg.ArchiveRoot, slog.Default())
	if err != nil {
		slog.Error("failed to open archive", "root", cfg.ArchiveRoot, "error", err)
		os.Exit(exitIOError)
	}

	n := node.New(cfg, a, predicate, slog.Default())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := n.Run(ctx); err != nil {
		slog.Error("node exited with error", "error", err)
		os.Exit(exitNetworkError)
	}
	os.Exit(exitOK)
}

func parseFlags(args []string) (*config.Config, *attribute.Predicate, error) {
	fs := flag.NewFlagSet("sruth", flag.ContinueOnError)

	cfg := config.DefaultConfig()
	var wants wantFlags

	fs.StringVar(&cfg.ArchiveRoot, "archive", cfg.ArchiveRoot, "root directory backing this node's archive")
	fs.Func("notice-port", "local notice-socket listen port (0 = ephemeral)", portVar(&cfg.NoticePort))
	fs.Func("request-port", "local request-socket listen port (0 = ephemeral)", portVar(&cfg.RequestPort))
	fs.Func("data-port", "local data-socket listen port (0 = ephemeral)", portVar(&cfg.DataPort))
	fs.StringVar(&cfg.TrackerAddr, "tracker", cfg.TrackerAddr, "tracker TCP address (empty: serve only, never dial out)")
	fs.DurationVar(&cfg.TrackerTimeout, "tracker-timeout", cfg.TrackerTimeout, "bound on one tracker round trip")
	fs.DurationVar(&cfg.TrackerPollInterval, "tracker-poll-interval", cfg.TrackerPollInterval, "how often to re-inquire the tracker")
	fs.DurationVar(&cfg.DialTimeout, "dial-timeout", cfg.DialTimeout, "bound on each peer socket connect")
	fs.IntVar(&cfg.QueueCapacity, "queue-capacity", cfg.QueueCapacity, "per-peer outbound queue capacity")
	fs.IntVar(&cfg.ReconnectMaxAttempts, "reconnect-max-attempts", cfg.ReconnectMaxAttempts, "max dial attempts per peer, first included (0 or 1 disables retrying)")
	fs.DurationVar(&cfg.ReconnectInitialDelay, "reconnect-initial-delay", cfg.ReconnectInitialDelay, "initial reconnect backoff")
	fs.DurationVar(&cfg.ReconnectMaxDelay, "reconnect-max-delay", cfg.ReconnectMaxDelay, "max reconnect backoff")
	fs.BoolVar(&cfg.EnableIPv6, "ipv6", cfg.EnableIPv6, "dial and listen on IPv6 addresses")
	fs.Var(&wants, "want", "file name this node wants to replicate (repeatable; a source node takes none)")

	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}

	filters := make([]attribute.Filter, 0, len(wants))
	for _, raw := range wants {
		entry, err := attribute.Name.Entry(raw)
		if err != nil {
			return nil, nil, fmt.Errorf("-want %q: %w", raw, err)
		}
		filters = append(filters, attribute.NewFilter(entry.EqualConstraint()))
	}

	return cfg, attribute.NewPredicate(filters...), nil
}

// portVar adapts a *uint16 config field to flag.Func's string-setter
// signature, rejecting anything outside a valid TCP port.
func portVar(dst *uint16) func(string) error {
	return func(raw string) error {
		var v uint64
		if _, err := fmt.Sscanf(raw, "%d", &v); err != nil {
			return fmt.Errorf("not a number: %q", raw)
		}
		if v > 65535 {
			return fmt.Errorf("port %d out of range", v)
		}
		*dst = uint16(v)
		return nil
	}
}

func setupLogger() {
	opts := logging.DefaultOptions()
	opts.SlogOpts.Level = slog.LevelInfo
	opts.SlogOpts.AddSource = false

	h := logging.NewPrettyHandler(os.Stdout, &opts)
	slog.SetDefault(slog.New(h))
}
