package main

import (
	"context"
	"os"
	"strings"

	"github.com/apex/log"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/maxgio92/callsig"
	"github.com/maxgio92/callsig/gen"
	"github.com/maxgio92/callsig/store"
)

var extractCmd = &cobra.Command{
	Use:   "extract <binary|http-url>",
	Short: "Extract the signatures of every packet and type serializer",
	Example: `
# Extract with radare2 and print the report
callsig extract libminecraftpe.so

# Use a running radare2 HTTP server (r2 -c=H libminecraftpe.so)
callsig extract http://localhost:9090

# Decode natively, store the signatures and emit a Go table
callsig extract --native --db signatures.db --emit-go signatures.go ./server
`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("workers") {
			cfg.Workers, _ = cmd.Flags().GetInt("workers")
		}
		e, err := callsig.NewExtractor(cfg)
		if err != nil {
			return err
		}

		target := args[0]
		if st, err := os.Stat(target); err == nil {
			log.WithField("size", humanize.Bytes(uint64(st.Size()))).Infof("analyzing %s", target)
		}
		report, err := e.Extract(cmd.Context(), opener(cmd, target))
		if err != nil {
			return err
		}
		logFailures(report)

		if db, _ := cmd.Flags().GetString("db"); db != "" {
			if err := saveReport(cmd.Context(), db, report); err != nil {
				return err
			}
		}
		if path, _ := cmd.Flags().GetString("emit-go"); path != "" {
			pkg, _ := cmd.Flags().GetString("go-package")
			if err := gen.Save(path, pkg, report); err != nil {
				return err
			}
			log.Infof("wrote Go table to %s", path)
		}
		return writeReport(cmd, report)
	},
}

func init() {
	extractCmd.Flags().IntP("workers", "w", callsig.DefaultConfig().Workers, "Functions analyzed in parallel, one disassembler session each")
	extractCmd.Flags().String("db", "", "SQLite database to store the signatures in")
	extractCmd.Flags().String("emit-go", "", "Write the signatures as a Go source file")
	extractCmd.Flags().String("go-package", "signatures", "Package name of the Go source file")
	extractCmd.Flags().StringP("out", "o", "", "Write the JSON report to a file instead of standard output")
}

func saveReport(ctx context.Context, path string, report *callsig.Report) error {
	s, err := store.Open(ctx, path)
	if err != nil {
		return err
	}
	defer s.Close()

	run := store.NewRun()
	records := make([]store.Record, 0, len(report.Results))
	for _, r := range report.Results {
		rec := store.Record{
			Kind:      string(r.Kind),
			Name:      r.Name,
			Address:   r.Address,
			Signature: r.Signature,
			Run:       run,
		}
		if r.Err != nil {
			rec.Error = r.Err.Error()
		}
		records = append(records, rec)
	}
	if err := s.Save(ctx, records...); err != nil {
		return err
	}
	log.WithFields(log.Fields{"run": run, "records": humanize.Comma(int64(len(records)))}).Infof("stored signatures in %s", path)
	return nil
}

func writeReport(cmd *cobra.Command, report *callsig.Report) error {
	path, _ := cmd.Flags().GetString("out")
	if path == "" || path == "-" {
		return report.WriteJSON(cmd.OutOrStdout())
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create report")
	}
	if err := report.WriteJSON(f); err != nil {
		f.Close()
		return err
	}
	return errors.Wrap(f.Close(), "close report")
}

func logFailures(report *callsig.Report) {
	failures := report.Failures()
	if len(failures) == 0 {
		return
	}
	names := make([]string, len(failures))
	for i, r := range failures {
		names[i] = string(r.Kind) + " " + r.Name
	}
	log.Warnf("%d functions failed: %s", len(failures), strings.Join(names, ", "))
}
