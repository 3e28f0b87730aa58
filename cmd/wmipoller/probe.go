package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/nmslite/wmipoller/internal/config"
	"github.com/nmslite/wmipoller/internal/connection"
	"github.com/nmslite/wmipoller/internal/probe"
	"github.com/spf13/cobra"
)

func newProbeCmd() *cobra.Command {
	return newProbeCmdWith(runDeps{
		resolver: connection.NewNetResolver(),
		opener:   connection.WMIOpener{},
	})
}

func newProbeCmdWith(rt runDeps) *cobra.Command {
	var (
		configPath  string
		inputID     string
		asJSON      bool
		timeout     time.Duration
		concurrency int
	)

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Connect to every input once and run its query",
		Long: "Probe checks that each configured input can be reached and queried. " +
			"Remote hosts are dialed on their WinRM port before a session is opened. " +
			"No events are emitted.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			inputs := cfg.Inputs
			if inputID != "" {
				inputs = nil
				for _, in := range cfg.Inputs {
					if in.ID == inputID {
						inputs = append(inputs, in)
					}
				}
				if len(inputs) == 0 {
					return fmt.Errorf("input %q is not configured", inputID)
				}
			}

			logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelWarn}))
			prober := probe.NewProber(rt.resolver, rt.opener, logger,
				probe.WithDialTimeout(timeout),
				probe.WithConcurrency(concurrency),
			)

			results := prober.ProbeAll(cmd.Context(), inputs)

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(results); err != nil {
					return err
				}
			} else if err := printProbeTable(cmd.OutOrStdout(), results); err != nil {
				return err
			}

			failed := 0
			for _, res := range results {
				if !res.Success {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d input(s) failed", failed, len(results))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "wmipoller.yaml", "path to the configuration file")
	cmd.Flags().StringVar(&inputID, "input", "", "probe only this input")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print results as JSON")
	cmd.Flags().DurationVar(&timeout, "dial-timeout", 2*time.Second, "TCP reachability timeout")
	cmd.Flags().IntVar(&concurrency, "concurrency", 4, "inputs probed in parallel")
	return cmd
}

func printProbeTable(out io.Writer, results []probe.Result) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "INPUT\tHOST\tSTATUS\tRECORDS\tLATENCY\tERROR")
	for _, res := range results {
		status := "ok"
		switch {
		case !res.Reachable:
			status = "unreachable"
		case !res.Success:
			status = "failed"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%dms\t%s\n",
			res.Input, res.Host, status, res.Records, res.LatencyMs, res.Error)
	}
	return w.Flush()
}
