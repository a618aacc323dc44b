package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/privyscan/privyscan/internal/api"
	"github.com/privyscan/privyscan/internal/cache"
	"github.com/privyscan/privyscan/internal/collab"
	"github.com/privyscan/privyscan/internal/config"
	"github.com/privyscan/privyscan/internal/database"
	"github.com/privyscan/privyscan/internal/detect"
	"github.com/privyscan/privyscan/internal/health"
	"github.com/privyscan/privyscan/internal/initialization"
	"github.com/privyscan/privyscan/internal/license"
	"github.com/privyscan/privyscan/internal/logger"
	"github.com/privyscan/privyscan/internal/models"
	"github.com/privyscan/privyscan/internal/orchestrator"
	"github.com/privyscan/privyscan/internal/registry"
	"github.com/privyscan/privyscan/internal/repository"
	"github.com/privyscan/privyscan/internal/scanner"
	"github.com/privyscan/privyscan/internal/scheduler"
)

func main() {
	root := &cobra.Command{
		Use:          "privyscan",
		Short:        "Multi-tenant privacy scan engine",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd(), scanCmd(), reloadRulesCmd(), migrateCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scan API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			log := logger.NewLogger("MIGRATE")
			db, err := database.Connect(database.Config{
				URL:          cfg.DatabaseURL,
				MaxOpenConns: cfg.PersistencePoolSize,
				QueryTimeout: cfg.QueryTimeout,
			}, log)
			if err != nil {
				return err
			}
			defer db.Close()
			return database.RunMigrations(db, log)
		},
	}
}

func serve() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logger.NewLogger("PRIVYSCAN")

	db, err := database.Connect(database.Config{
		URL:          cfg.DatabaseURL,
		MaxOpenConns: cfg.PersistencePoolSize,
		QueryTimeout: cfg.QueryTimeout,
	}, log)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := database.RunMigrations(db, log); err != nil {
		return err
	}
	repo := repository.NewScanRepository(db)

	rdb, err := cache.Connect(cache.Config{URL: cfg.RedisURL}, log)
	if err != nil {
		return err
	}
	defer rdb.Close()

	licStore := license.NewStaticStore()
	if err := initialization.Seed(cfg, licStore, log); err != nil {
		return err
	}
	enforcer := license.NewEnforcer(rdb, licStore, cfg.SessionTTL, log)

	rules := registry.New(log)
	watcher := scheduler.NewPackWatcher(rules, cfg.RulePackPath, cfg.ReloadPollInterval, log)
	if err := watcher.Start(); err != nil {
		return err
	}
	defer watcher.Stop()

	ctx := context.Background()
	blobs, secrets := buildCollaborators(ctx, cfg, log)

	deps := scanner.Deps{
		Blobs:          blobs,
		Secrets:        secrets,
		OCR:            detect.UnavailableOCR{},
		HTTPClient:     &http.Client{Timeout: cfg.HTTPFetchTimeout},
		FetchLimiter:   rate.NewLimiter(rate.Limit(4), 8),
		Logger:         log,
		DBQueryTimeout: cfg.DBQueryTimeout,
	}

	orch := orchestrator.New(cfg, scanner.NewRegistry(deps), enforcer, repo, rules, log)
	orch.SetNotifier(notifierChain{
		collab.NewEmailNotifier(collab.MailConfig{
			Host: cfg.SMTPHost, Port: cfg.SMTPPort,
			User: cfg.SMTPUser, Password: cfg.SMTPPassword,
			From: cfg.MailFrom, Recipients: cfg.MailRecipients,
		}, log),
		api.NewWebhookNotifier(cfg.WebhookURL, cfg.WebhookAttempts, log),
	})
	if err := orch.Start(ctx); err != nil {
		return err
	}

	resolver, err := buildResolver(ctx, cfg)
	if err != nil {
		return err
	}
	handler := api.NewScanHandler(orch, repo, enforcer, rules, cfg.HistoryDownsampleBucket, log)
	server := api.NewServer(cfg, resolver, handler, health.NewChecker(db, rdb, log), log)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	select {
	case err := <-errCh:
		orch.Stop()
		return err
	case <-sigCtx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		log.Error("stopping HTTP server", err)
	}
	orch.Stop()
	return nil
}

// buildCollaborators wires blob backends and the secret resolver from the
// configured cloud credentials. Backends that cannot be constructed are
// logged and left unregistered; their handles are refused at scan time.
func buildCollaborators(ctx context.Context, cfg *config.Config, log *logger.Logger) (*collab.BlobRouter, *collab.SecretRouter) {
	blobs := collab.NewBlobRouter(&collab.FileFetcher{Root: cfg.BlobLocalRoot})
	var kmsClient *kms.Client

	awsOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.AWSRegion)}
	if cfg.AWSAccessKeyID != "" && cfg.AWSSecretAccessKey != "" {
		awsOpts = append(awsOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AWSAccessKeyID, cfg.AWSSecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsOpts...)
	if err != nil {
		log.Warn("AWS configuration unavailable", "error", err.Error())
	} else {
		blobs.Register("s3", &collab.S3Fetcher{Client: s3.NewFromConfig(awsCfg)})
		if cfg.SecretMode == "aws-kms" {
			kmsClient = kms.NewFromConfig(awsCfg)
		}
	}

	if cfg.AzureBlobURL != "" {
		cred, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			log.Warn("Azure credential unavailable", "error", err.Error())
		} else if client, err := azblob.NewClient(cfg.AzureBlobURL, cred, nil); err != nil {
			log.Warn("Azure blob client unavailable", "error", err.Error())
		} else {
			blobs.Register("az", &collab.AzureFetcher{Client: client})
		}
	}

	if gcsClient, err := gcs.NewClient(ctx); err != nil {
		log.Warn("GCS client unavailable", "error", err.Error())
	} else {
		blobs.Register("gs", &collab.GCSFetcher{Client: gcsClient})
	}

	return blobs, collab.NewSecretRouter(kmsClient)
}

func buildResolver(ctx context.Context, cfg *config.Config) (collab.PrincipalResolver, error) {
	if cfg.AuthMode == "oidc" {
		return collab.NewOIDCResolver(ctx, cfg.OIDCIssuerURL, cfg.OIDCClientID)
	}
	return collab.StaticResolver{}, nil
}

// notifierChain fans one terminal notification out to every sink.
type notifierChain []orchestrator.Notifier

func (c notifierChain) JobFinished(job *models.ScanJob, result *models.ScanResult) {
	for _, n := range c {
		n.JobFinished(job, result)
	}
}
