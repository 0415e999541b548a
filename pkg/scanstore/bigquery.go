package scanstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/bigquery"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

// BigQueryConfig names the destination table for archived scans.
type BigQueryConfig struct {
	ProjectID       string `yaml:"project_id"`
	DatasetID       string `yaml:"dataset_id"`
	TableID         string `yaml:"table_id"`
	CredentialsFile string `yaml:"credentials_file"`
}

// NewBigQueryClient creates a production BigQuery client. Application Default
// Credentials are used unless a credentials file is configured.
func NewBigQueryClient(ctx context.Context, cfg BigQueryConfig, logger zerolog.Logger) (*bigquery.Client, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
		logger.Info().Str("credentials_file", cfg.CredentialsFile).Msg("Using specified credentials file for BigQuery client.")
	}

	client, err := bigquery.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("bigquery.NewClient: %w", err)
	}
	return client, nil
}

// BigQueryInserter streams scan records into a BigQuery table.
type BigQueryInserter struct {
	inserter *bigquery.Inserter
	logger   zerolog.Logger
}

// NewBigQueryInserter connects to the configured table, creating it with a
// schema inferred from ScanRecord when it does not exist yet.
func NewBigQueryInserter(ctx context.Context, client *bigquery.Client, cfg BigQueryConfig, logger zerolog.Logger) (*BigQueryInserter, error) {
	if client == nil {
		return nil, errors.New("bigquery client cannot be nil")
	}
	logger = logger.With().
		Str("project_id", client.Project()).
		Str("dataset_id", cfg.DatasetID).
		Str("table_id", cfg.TableID).
		Logger()

	tableRef := client.Dataset(cfg.DatasetID).Table(cfg.TableID)
	_, err := tableRef.Metadata(ctx)
	if err != nil {
		if !strings.Contains(err.Error(), "notFound") {
			return nil, fmt.Errorf("failed to get BigQuery table metadata: %w", err)
		}
		logger.Warn().Msg("Scan archive table not found. Creating with inferred schema.")
		schema, inferErr := bigquery.InferSchema(ScanRecord{})
		if inferErr != nil {
			return nil, fmt.Errorf("failed to infer scan record schema: %w", inferErr)
		}
		if createErr := tableRef.Create(ctx, &bigquery.TableMetadata{Schema: schema}); createErr != nil {
			return nil, fmt.Errorf("failed to create BigQuery table %s.%s: %w", cfg.DatasetID, cfg.TableID, createErr)
		}
		logger.Info().Msg("Scan archive table created.")
	} else {
		logger.Info().Msg("Connected to existing scan archive table.")
	}

	return &BigQueryInserter{
		inserter: tableRef.Inserter(),
		logger:   logger,
	}, nil
}

// InsertBatch streams a batch of records to BigQuery. Row-level errors are
// logged individually since they usually point at a schema drift.
func (i *BigQueryInserter) InsertBatch(ctx context.Context, rows []*ScanRecord) error {
	if len(rows) == 0 {
		return nil
	}
	err := i.inserter.Put(ctx, rows)
	if err != nil {
		var multiErr bigquery.PutMultiError
		if errors.As(err, &multiErr) {
			for _, rowErr := range multiErr {
				i.logger.Error().
					Int("row_index", rowErr.RowIndex).
					Msgf("BigQuery insert error for row: %v", rowErr.Errors)
			}
		}
		return fmt.Errorf("bigquery Inserter.Put failed: %w", err)
	}
	return nil
}

// Close is a no-op; the BigQuery client lifecycle is managed by the caller so
// one client can back several inserters.
func (i *BigQueryInserter) Close() error {
	return nil
}
