package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/privyscan/privyscan/internal/aggregator"
	"github.com/privyscan/privyscan/internal/collab"
	"github.com/privyscan/privyscan/internal/config"
	"github.com/privyscan/privyscan/internal/detect"
	"github.com/privyscan/privyscan/internal/logger"
	"github.com/privyscan/privyscan/internal/models"
	"github.com/privyscan/privyscan/internal/registry"
	"github.com/privyscan/privyscan/internal/scanner"
	"github.com/privyscan/privyscan/internal/scheduler"
	"github.com/privyscan/privyscan/internal/scoring"
)

// stderrLogger keeps diagnostics off stdout so the result JSON stays pipeable.
func stderrLogger(prefix string) *logger.Logger {
	return &logger.Logger{Logger: stdlog.New(os.Stderr, "["+prefix+"] ", stdlog.LstdFlags)}
}

func scanCmd() *cobra.Command {
	var (
		scanType string
		regions  []string
		maxPages int
	)
	cmd := &cobra.Command{
		Use:   "scan <target>",
		Short: "Run a one-shot local scan and print the canonical result JSON",
		Long: `Runs a single scan without the server, queue or database. The target is
a directory (code), a file under the blob root (document) or a URL (website).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOneShot(cmd, scanType, args[0], regions, maxPages)
		},
	}
	cmd.Flags().StringVarP(&scanType, "type", "t", "code", "scan type: code, document or website")
	cmd.Flags().StringSliceVar(&regions, "region", []string{"NL", "EU"}, "rule regions to evaluate")
	cmd.Flags().IntVar(&maxPages, "max-pages", 5, "website link budget")
	return cmd
}

func runOneShot(cmd *cobra.Command, scanType, target string, regions []string, maxPages int) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := stderrLogger("SCAN")

	t, ok := models.ParseScanType(scanType)
	if !ok {
		return fmt.Errorf("unknown scan type %q", scanType)
	}

	req := &models.ScanRequest{
		RequestID:   uuid.New(),
		TenantID:    uuid.New(),
		ScanType:    t,
		Options:     models.ScanOptions{MaxPages: maxPages, Regions: regions},
		SubmittedAt: time.Now(),
	}
	switch t {
	case models.ScanTypeCode:
		req.Target.Path = target
	case models.ScanTypeDocument:
		req.Target.BlobHandle = target
	case models.ScanTypeWebsite:
		req.Target.URL = target
	default:
		return fmt.Errorf("scan type %q needs the server; use privyscan serve", scanType)
	}

	rules := registry.New(log)
	watcher := scheduler.NewPackWatcher(rules, cfg.RulePackPath, cfg.ReloadPollInterval, log)
	if err := watcher.Start(); err != nil {
		return err
	}
	defer watcher.Stop()
	snap := rules.Snapshot()

	deps := scanner.Deps{
		Blobs:      collab.NewBlobRouter(&collab.FileFetcher{Root: cfg.BlobLocalRoot}),
		Secrets:    collab.NewSecretRouter(nil),
		OCR:        detect.UnavailableOCR{},
		HTTPClient: &http.Client{Timeout: cfg.HTTPFetchTimeout},
		Logger:     log,
	}
	impl, ok := scanner.NewRegistry(deps).Get(t)
	if !ok {
		return fmt.Errorf("no scanner registered for %q", scanType)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		findings    []models.Finding
		diagnostics []models.Diagnostic
	)
	emit := func(ev scanner.Event) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch ev.Kind {
		case scanner.EventFinding:
			findings = append(findings, *ev.Finding)
		case scanner.EventDiagnostic:
			diagnostics = append(diagnostics, *ev.Diagnostic)
		}
		return nil
	}

	startedAt := time.Now()
	hints, runErr := impl.Run(ctx, req, snap, emit)
	state := models.JobStateSucceeded
	if ctx.Err() != nil {
		state = models.JobStateCancelled
	} else if runErr != nil {
		state = models.JobStateFailed
		log.Error("scan failed", runErr)
	}

	result := aggregator.Build(aggregator.Input{
		Job:         &models.ScanJob{ID: req.RequestID, TenantID: req.TenantID, ScanType: t},
		State:       state,
		StartedAt:   startedAt,
		CompletedAt: time.Now(),
		Findings:    findings,
		Diagnostics: diagnostics,
		Hints:       hints,
		Snapshot:    snap,
	})
	scoring.New().Score(result, snap)

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	if state == models.JobStateFailed {
		return fmt.Errorf("scan finished in state %s", state)
	}
	return nil
}

func reloadRulesCmd() *cobra.Command {
	var (
		server string
		pack   string
		tenant string
		user   string
		token  string
	)
	cmd := &cobra.Command{
		Use:   "reload-rules",
		Short: "Push a rule pack to a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := os.ReadFile(pack)
			if err != nil {
				return err
			}

			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost,
				server+"/api/v1/rules/reload", bytes.NewReader(body))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")
			if token != "" {
				req.Header.Set("Authorization", "Bearer "+token)
			} else {
				if tenant == "" {
					return fmt.Errorf("either --token or --tenant is required")
				}
				req.Header.Set("X-Tenant-ID", tenant)
				req.Header.Set("X-User-ID", user)
				req.Header.Set("X-Roles", "admin")
			}

			client := &http.Client{Timeout: 30 * time.Second}
			resp, err := client.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			out, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			fmt.Fprintln(cmd.OutOrStdout(), string(bytes.TrimSpace(out)))
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("reload failed with status %d", resp.StatusCode)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "http://localhost:8080", "base URL of the running server")
	cmd.Flags().StringVar(&pack, "pack", "", "path to the rule pack JSON file")
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant id for header auth")
	cmd.Flags().StringVar(&user, "user", "cli", "user id for header auth")
	cmd.Flags().StringVar(&token, "token", "", "bearer token for OIDC deployments")
	cobra.CheckErr(cmd.MarkFlagRequired("pack"))
	return cmd
}
