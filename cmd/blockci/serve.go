package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"blockci/internal/core"
	"blockci/internal/server"

	"github.com/spf13/cobra"
)

var (
	serveAddr  string
	serverURL  string
	trigKind   string
	trigBranch string
)

var serveCmd = &cobra.Command{
	Use:   "serve [pipeline.yaml]",
	Short: "Accept trigger events over HTTP",
	Long: `Serve the HTTP trigger API. The pipeline file is re-read for every event.

  POST /events          {"kind":"push","branch":"master"}
  GET  /runs            list runs
  GET  /runs/{id}       run report
  GET  /ledger/verify   verify the run ledger
  GET  /healthz`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		path := pipelinePath(args)
		if _, err := core.LoadPipeline(path); err != nil {
			return err
		}
		e, err := newEngine(ctx, cfg)
		if err != nil {
			return err
		}
		addr := cfg.Server.Addr
		if serveAddr != "" {
			addr = serveAddr
		}

		srv := server.New(e.runner, func() (*core.Pipeline, error) { return core.LoadPipeline(path) }, e.ledger, logger)
		return srv.ListenAndServe(ctx, addr)
	},
}

var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Send an event to a running blockci server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ev := core.Event{Kind: core.EventKind(trigKind), Branch: trigBranch}
		if !ev.Kind.Valid() {
			return fmt.Errorf("unsupported event kind %q", trigKind)
		}
		if ev.Branch == "" {
			return fmt.Errorf("--branch is required")
		}
		body, err := json.Marshal(ev)
		if err != nil {
			return err
		}

		client := &http.Client{Timeout: 30 * time.Second}
		resp, err := client.Post(strings.TrimSuffix(serverURL, "/")+"/events", "application/json", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to send event: %w", err)
		}
		defer resp.Body.Close()

		out, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode >= 300 {
			return fmt.Errorf("server returned %s: %s", resp.Status, bytes.TrimSpace(out))
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s", okStyle.Render(resp.Status), out)
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides config)")

	triggerCmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "Server base URL")
	triggerCmd.Flags().StringVar(&trigKind, "event", string(core.EventPush), "Event kind (push, pull_request)")
	triggerCmd.Flags().StringVar(&trigBranch, "branch", "", "Branch of the event")
}
