package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jmcleod/rollcall/attendance"
)

var (
	exportSessionID string
	exportClassID   string
	exportClear     bool
	exportFormat    string
	exportOutput    string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export attendance records from the ledger",
	Long: `Export writes every record in the selected scope as CSV or JSON.
With --clear the records are deleted in the same step. The server must not
hold the bolt ledger open while this runs.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if exportFormat != "csv" && exportFormat != "json" {
			return fmt.Errorf("unknown format %q (want csv or json)", exportFormat)
		}
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger := cfg.NewLogger(cmd.ErrOrStderr())
		ctx := cmd.Context()

		be, err := openBackend(ctx, cfg)
		if err != nil {
			return err
		}
		defer be.Close()

		keys, err := openKeyring(cfg)
		if err != nil {
			return err
		}
		svc, err := attendance.NewService(be.repo, keys, serviceOptions(cfg, be, logger)...)
		if err != nil {
			return err
		}
		defer svc.Close()

		scope := attendance.Scope{SessionID: exportSessionID, ClassID: exportClassID}
		var (
			export  attendance.Export
			cleared = -1
		)
		if exportClear {
			res, err := svc.Moderation.ExportAndClear(ctx, scope)
			if err != nil {
				return err
			}
			if res.ClearFailed {
				logger.Warn("records exported but not cleared", "warning", res.Warning)
			} else {
				cleared = res.Cleared
			}
			export = res.Export
		} else {
			export, err = svc.Moderation.Export(ctx, scope)
			if err != nil {
				return err
			}
		}

		out := cmd.OutOrStdout()
		if exportOutput != "" {
			path := exportOutput
			if info, err := os.Stat(path); err == nil && info.IsDir() {
				path = filepath.Join(path, export.Filename)
			}
			f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
			if err != nil {
				return fmt.Errorf("failed to create export file: %w", err)
			}
			defer f.Close()
			out = f
			defer fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d rows to %s\n", len(export.Rows), path)
		}
		if err := writeExport(out, export); err != nil {
			return err
		}
		if cleared >= 0 {
			fmt.Fprintf(cmd.ErrOrStderr(), "cleared %d records\n", cleared)
		}
		return nil
	},
}

func writeExport(w io.Writer, export attendance.Export) error {
	if exportFormat == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(export)
	}
	return export.WriteCSV(w)
}

func init() {
	rootCmd.AddCommand(exportCmd)
	f := exportCmd.Flags()
	f.StringVar(&exportSessionID, "session-id", "", "Export one session")
	f.StringVar(&exportClassID, "class-id", "", "Export every session of a class")
	f.BoolVar(&exportClear, "clear", false, "Delete the exported records")
	f.StringVarP(&exportFormat, "format", "f", "csv", "Output format: csv or json")
	f.StringVarP(&exportOutput, "output", "o", "", "Output file or directory (default stdout)")
}
