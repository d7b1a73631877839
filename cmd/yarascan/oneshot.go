package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/keithlinneman/yarascan/internal/acquire"
	"github.com/keithlinneman/yarascan/internal/cfg"
	"github.com/keithlinneman/yarascan/internal/log"
	"github.com/keithlinneman/yarascan/internal/rules"
	"github.com/keithlinneman/yarascan/internal/scan"
	"github.com/keithlinneman/yarascan/internal/version"
)

// cliLogger writes warnings and errors as text to stderr; stdout is
// reserved for command output.
func cliLogger(w io.Writer) log.Logger {
	lg, err := log.New(log.Options{
		App:             version.AppName,
		Version:         version.Version,
		Commit:          version.Commit,
		Level:           slog.LevelWarn,
		StacktraceLevel: slog.LevelError + 4,
		Writer:          w,
	})
	if err != nil {
		return log.Nop()
	}
	return lg
}

func newCheckCmd() *cobra.Command {
	var rulesDir string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Compile the rules directory and print its summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := log.WithContext(cmd.Context(), cliLogger(cmd.ErrOrStderr()))
			rs, err := rules.Compile(ctx, rulesDir)
			if err != nil {
				return err
			}
			info := rs.Info()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "dir:         %s\n", info.Dir)
			fmt.Fprintf(out, "files:       %d\n", len(info.Files))
			for _, f := range info.Files {
				fmt.Fprintf(out, "  %s\n", f)
			}
			fmt.Fprintf(out, "rules:       %d\n", info.RuleCount)
			fmt.Fprintf(out, "fingerprint: %s\n", info.Fingerprint)
			return nil
		},
	}
	cmd.Flags().StringVar(&rulesDir, "rules-dir", "./rules", "directory of .yar rule files")
	return cmd
}

type scanFlags struct {
	rulesDir string
	unzip    bool
	url      string
	s3       bool
	maxBytes int64
}

func newScanCmd() *cobra.Command {
	var sf scanFlags
	cmd := &cobra.Command{
		Use:   "scan [--url URL | FILE]",
		Short: "Scan one file or URL and print the result as JSON",
		Long: "Scan one file or URL and print the result as JSON. FILE may be - for stdin.\n" +
			"Exits non-zero when the scan could not complete.",
		Args: func(cmd *cobra.Command, args []string) error {
			if sf.url != "" && len(args) > 0 {
				return fmt.Errorf("give either --url or FILE, not both")
			}
			if sf.url == "" && len(args) != 1 {
				return fmt.Errorf("need --url or exactly one FILE")
			}
			if sf.maxBytes <= 0 {
				return fmt.Errorf("--max-scan-bytes must be positive (got %d)", sf.maxBytes)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(cmd, sf, args)
		},
	}
	f := cmd.Flags()
	f.StringVar(&sf.rulesDir, "rules-dir", "./rules", "directory of .yar rule files")
	f.BoolVar(&sf.unzip, "unzip", false, "scan the first entry of a zip archive")
	f.StringVar(&sf.url, "url", "", "fetch and scan this http(s) or s3 URL")
	f.BoolVar(&sf.s3, "enable-s3-fetch", false, "allow s3://bucket/key urls using the default AWS credential chain")
	f.Int64Var(&sf.maxBytes, "max-scan-bytes", cfg.DefaultMaxScanBytes, "max input, fetched and unzipped entry size in bytes")
	return cmd
}

func runScan(cmd *cobra.Command, sf scanFlags, args []string) error {
	L := cliLogger(cmd.ErrOrStderr())
	ctx := log.WithContext(cmd.Context(), L)

	store := rules.NewStore(rules.StoreOptions{Logger: L})
	if err := store.Initialize(ctx, sf.rulesDir); err != nil {
		return err
	}

	var s3api acquire.S3API
	if sf.s3 {
		c, err := acquire.NewS3Client(ctx)
		if err != nil {
			return err
		}
		s3api = c
	}
	pipeline := acquire.NewPipeline(acquire.Options{
		Fetcher: acquire.NewFetcher(acquire.FetcherOptions{
			Logger:    L,
			S3:        s3api,
			UserAgent: version.UserAgent(),
			MaxBytes:  sf.maxBytes,
		}),
		MaxUnwrappedBytes: sf.maxBytes,
	})
	sc, err := scan.New(store, scan.Options{Pipeline: pipeline, MaxConcurrent: 1})
	if err != nil {
		return err
	}

	res, outcome, err := scanInput(ctx, cmd, sc, sf, args)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}
	if outcome != scan.OutcomeOK {
		return fmt.Errorf("scan did not complete: %s", outcome)
	}
	return nil
}

func scanInput(ctx context.Context, cmd *cobra.Command, sc *scan.Scanner, sf scanFlags, args []string) (scan.Result, scan.Outcome, error) {
	if sf.url != "" {
		res, outcome := sc.ScanURL(ctx, sf.url, sf.unzip)
		return res, outcome, nil
	}

	var r io.Reader = cmd.InOrStdin()
	if args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return scan.Result{}, 0, fmt.Errorf("read input: %w", err)
		}
		defer f.Close()
		r = f
	}
	data, err := io.ReadAll(io.LimitReader(r, sf.maxBytes+1))
	if err != nil {
		return scan.Result{}, 0, fmt.Errorf("read input: %w", err)
	}
	if int64(len(data)) > sf.maxBytes {
		return scan.Result{}, 0, fmt.Errorf("input exceeds %d bytes", sf.maxBytes)
	}
	res, outcome := sc.ScanBytes(ctx, data, sf.unzip)
	return res, outcome, nil
}
