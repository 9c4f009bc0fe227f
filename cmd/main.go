package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"bqdrain/internal/app"
	"bqdrain/internal/checkpoint"
	"bqdrain/internal/config"
	"bqdrain/internal/logger"

	"cloud.google.com/go/bigquery"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/oauth2/google"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "bqdrain",
	Short: "Move Datastore backups through BigQuery onto local disk",
	Long: `Loads Datastore backup snapshots from a storage bucket into BigQuery, exports every
table as gzipped newline-delimited JSON to a second bucket, then downloads the exports
and removes the remote copies. Tables and the dataset are only deleted after a
successful export.`,
	SilenceUsage: true,
	RunE:         runPipeline,
}

var failuresCmd = &cobra.Command{
	Use:   "failures",
	Short: "List failed and timed out items recorded in the checkpoint database",
	Long: `Lists failed and timed out items recorded in the checkpoint database. With --id,
shows that single record whatever its status. Only pipeline.checkpoint is read from
--config.`,
	Args: cobra.NoArgs,
	RunE: runFailures,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (YAML)")
	rootCmd.PersistentFlags().String("checkpoint", "./bqdrain.db", "Checkpoint database file (empty disables it)")

	// Cloud flags
	rootCmd.Flags().String("project", "", "GCP project (detected from credentials when empty)")
	rootCmd.Flags().String("location", "", "BigQuery location")
	rootCmd.Flags().String("credentials-file", "", "Service account JSON file")

	// Storage flags
	rootCmd.Flags().String("storage-driver", "gcs", "Storage driver (gcs/s3)")
	rootCmd.Flags().String("storage-endpoint", "", "S3 interoperability endpoint for the s3 driver")

	// Pipeline flags
	rootCmd.Flags().String("source-bucket", "", "Bucket holding the backups (required)")
	rootCmd.Flags().String("export-bucket", "", "Bucket receiving table exports (required)")
	rootCmd.Flags().String("dataset", "", "BigQuery dataset (required)")
	rootCmd.Flags().String("download-dir", ".", "Local directory for downloaded exports")
	rootCmd.Flags().Int("concurrency", 1, "Number of items processed in parallel per stage")
	rootCmd.Flags().Int("poll-attempts", 100, "Maximum job status refreshes")
	rootCmd.Flags().Duration("poll-interval", 10*time.Second, "Delay between job status refreshes")
	rootCmd.Flags().String("on-download-error", config.OnDownloadErrorAbort, "Download failure policy (abort/skip)")
	rootCmd.Flags().Bool("dry-run", false, "Log what would happen without submitting jobs or deleting anything")
	rootCmd.Flags().Bool("show-progress", true, "Show download progress (auto-disabled for dry-run)")

	// Observability flags
	rootCmd.Flags().String("log-level", "info", "Log level (debug/info/warn/error)")
	rootCmd.Flags().String("log-file", "log/import.log", "Rotating log file (empty disables it)")
	rootCmd.Flags().String("metrics-addr", "", "Address of the status server, e.g. :8080")

	failuresCmd.Flags().String("id", "", "Show the record with this job or download id, whatever its status")
	rootCmd.AddCommand(failuresCmd)
}

func runPipeline(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	// Setup graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.Project == "" {
		cfg.Project, err = detectProject(ctx, cfg.CredentialsFile)
		if err != nil {
			return err
		}
		log.Info("Detected project from credentials", zap.String("project", cfg.Project))
	}

	pipeline, err := app.New(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}

	err = pipeline.Run(ctx)
	if errors.Is(err, context.Canceled) {
		log.Warn("Pipeline interrupted; unfinished items were left in place")
	}

	if closeErr := pipeline.Close(); closeErr != nil {
		log.Error("Error closing pipeline", zap.Error(closeErr))
	}

	return err
}

// detectProject reads the project id from the service account file or the
// application default credentials
func detectProject(ctx context.Context, credentialsFile string) (string, error) {
	var creds *google.Credentials
	if credentialsFile != "" {
		data, err := os.ReadFile(credentialsFile)
		if err != nil {
			return "", fmt.Errorf("failed to read credentials file: %w", err)
		}
		creds, err = google.CredentialsFromJSON(ctx, data, bigquery.Scope)
		if err != nil {
			return "", fmt.Errorf("failed to parse credentials file: %w", err)
		}
	} else {
		var err error
		creds, err = google.FindDefaultCredentials(ctx, bigquery.Scope)
		if err != nil {
			return "", fmt.Errorf("failed to find default credentials: %w", err)
		}
	}

	if creds.ProjectID == "" {
		return "", errors.New("project is not set and could not be detected from credentials")
	}
	return creds.ProjectID, nil
}

func runFailures(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("checkpoint")
	if configFile != "" && !cmd.Flags().Changed("checkpoint") {
		var err error
		if path, err = config.CheckpointPath(configFile); err != nil {
			return err
		}
	}
	if path == "" {
		return errors.New("checkpoint database is disabled")
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("checkpoint database: %w", err)
	}

	store, err := checkpoint.NewSQLiteStore(path)
	if err != nil {
		return fmt.Errorf("failed to open checkpoint store: %w", err)
	}
	defer store.Close()

	if id, _ := cmd.Flags().GetString("id"); id != "" {
		return printRecord(cmd.OutOrStdout(), store, id)
	}
	return printFailures(cmd.OutOrStdout(), store)
}

func printFailures(w io.Writer, store checkpoint.Store) error {
	var records []*checkpoint.Record
	for _, status := range []checkpoint.Status{checkpoint.StatusFailed, checkpoint.StatusTimeout} {
		found, err := store.ListByStatus(status)
		if err != nil {
			return fmt.Errorf("failed to list %s records: %w", status, err)
		}
		records = append(records, found...)
	}

	if len(records) == 0 {
		fmt.Fprintln(w, "No failed items recorded.")
		return nil
	}

	return printRecords(w, records)
}

// printRecord shows one record by id, whatever its status
func printRecord(w io.Writer, store checkpoint.Store, id string) error {
	record, err := store.GetRecord(id)
	if err != nil {
		return fmt.Errorf("failed to read record %s: %w", id, err)
	}
	if record == nil {
		return fmt.Errorf("no record with id %q", id)
	}
	return printRecords(w, []*checkpoint.Record{record})
}

func printRecords(w io.Writer, records []*checkpoint.Record) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STAGE\tITEM\tSTATUS\tSTATE\tROWS\tUPDATED\tID\tERROR")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			r.Stage, r.Item, r.Status, r.State, r.Rows,
			r.UpdatedAt.Local().Format(time.DateTime), r.ID, r.LastError)
	}
	return tw.Flush()
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Warning: failed to load .env: %v\n", err)
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
