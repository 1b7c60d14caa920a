// Package main implements relay-watch, a command-line viewer for a hookrelay
// server's live dispatch feed.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/codeGROOVE-dev/hookrelay/pkg/client"
)

type options struct {
	server     string
	token      string
	repository string
	kinds      []string
	maxRetries int
	reconnect  bool
	verbose    bool
	quiet      bool
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var o options
	flagSet := pflag.NewFlagSet("relay-watch", pflag.ContinueOnError)
	flagSet.StringVar(&o.server, "server", "ws://localhost:5000/ws", "relay feed URL")
	flagSet.StringVar(&o.token, "token", "", "watch token (default $WATCH_TOKEN)")
	flagSet.StringVarP(&o.repository, "repository", "r", "*", "repository to watch, or * for all")
	flagSet.StringSliceVar(&o.kinds, "kinds", nil, "event kinds to watch: push, pull_request")
	flagSet.IntVar(&o.maxRetries, "max-retries", 0, "give up after this many connection attempts (0 = never)")
	flagSet.BoolVar(&o.reconnect, "reconnect", true, "reconnect when the connection drops")
	flagSet.BoolVarP(&o.verbose, "verbose", "v", false, "print the full event JSON")
	flagSet.BoolVarP(&o.quiet, "quiet", "q", false, "suppress connection logs")
	if err := flagSet.Parse(args); err != nil {
		return o, err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return o, fmt.Errorf("unexpected argument: %s", rest[0])
	}
	if o.token == "" {
		o.token = os.Getenv("WATCH_TOKEN")
	}
	if o.token == "" {
		return o, errors.New("a watch token is required: --token or WATCH_TOKEN")
	}
	return o, nil
}

func run(args []string, out io.Writer) error {
	o, err := parseFlags(args)
	if err != nil {
		return err
	}

	var logOut io.Writer = os.Stderr
	if o.quiet {
		logOut = io.Discard
	}

	c, err := client.New(client.Config{
		ServerURL:   o.server,
		Token:       o.token,
		Repository:  o.repository,
		Kinds:       o.kinds,
		MaxRetries:  o.maxRetries,
		NoReconnect: !o.reconnect,
		Logger:      slog.New(slog.NewTextHandler(logOut, nil)),
		OnEvent: func(e client.Event) {
			printEvent(out, e, o.verbose)
		},
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = c.Start(ctx)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func printEvent(out io.Writer, e client.Event, verbose bool) {
	ts := e.Timestamp.Local().Format("15:04:05")
	if verbose {
		data, err := json.MarshalIndent(e.Raw, "  ", "  ")
		if err != nil {
			fmt.Fprintf(out, "[%s] %v\n", ts, e.Raw)
			return
		}
		fmt.Fprintf(out, "\n=== %s %s at %s ===\n  %s\n", e.Repository, e.Kind, ts, data)
		return
	}

	firstLine, _, _ := strings.Cut(e.Text, "\n")
	status := fmt.Sprintf("%d/%d delivered", e.Destinations-e.Failed, e.Destinations)
	fmt.Fprintf(out, "[%s] %s %s: %s (%s)\n", ts, e.Repository, e.Kind, firstLine, status)
}
