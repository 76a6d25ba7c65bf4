package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/candyconnect/candyconnect-core/internal/manager"
	"github.com/candyconnect/candyconnect-core/internal/protocol"
	"github.com/candyconnect/candyconnect-core/internal/status"
)

func newCoresCmd(opts *globalOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "cores",
		Short: "Reconcile and print the status of every protocol core",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := openCore(cmd.Context(), opts, true)
			if err != nil {
				return err
			}
			defer c.Close()

			mgr, err := c.newManager()
			if err != nil {
				return err
			}
			if err := mgr.WarmTraffic(cmd.Context()); err != nil {
				c.log.Warn("reading stored traffic failed", "error", err)
			}
			infos, err := mgr.CoresInfo(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), infos)
			}
			return printCores(cmd.OutOrStdout(), infos)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func newCoreCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:       "core <install|start|stop|restart> <protocol>",
		Short:     "Run one lifecycle operation on a protocol core",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{string(manager.OpInstall), string(manager.OpStart), string(manager.OpStop), string(manager.OpRestart)},
		RunE: func(cmd *cobra.Command, args []string) error {
			action, rawID := args[0], args[1]
			// Validate before touching the store or the host.
			if _, err := manager.ParseOp(action); err != nil {
				return err
			}
			id, err := protocol.Parse(rawID)
			if err != nil {
				return err
			}

			c, err := openCore(cmd.Context(), opts, true)
			if err != nil {
				return err
			}
			defer c.Close()

			mgr, err := c.newManager()
			if err != nil {
				return err
			}
			if err := mgr.Do(cmd.Context(), string(id), action); err != nil {
				return err
			}
			info, err := mgr.Core(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printCores(cmd.OutOrStdout(), []manager.CoreInfo{info})
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printCores writes an aligned table followed by the totals.
func printCores(w io.Writer, infos []manager.CoreInfo) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PROTOCOL\tSTATUS\tVERSION\tPORT\tUPTIME\tCONNS\tIN\tOUT\tERROR")
	running, conns := 0, 0
	for _, info := range infos {
		if info.Status == status.StateRunning {
			running++
		}
		conns += info.ActiveConnections
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%d\t%d\t%d\t%s\n",
			info.Name,
			info.Status,
			orDash(info.Version),
			info.Port,
			(time.Duration(info.Uptime) * time.Second).String(),
			info.ActiveConnections,
			info.Traffic.BytesIn,
			info.Traffic.BytesOut,
			orDash(info.Error),
		)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if len(infos) > 1 {
		_, err := fmt.Fprintf(w, "\n%d of %d running, %d active connections\n", running, len(infos), conns)
		return err
	}
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
