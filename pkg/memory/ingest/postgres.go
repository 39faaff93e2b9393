package ingest

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/memquest/memquest/pkg/memory"
	"github.com/memquest/memquest/pkg/observability/logging"
	"github.com/memquest/memquest/pkg/observability/metrics"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresDeadLetter is the durable sink: failed documents land in a
// `memory_dead_letters` table for inspection and replay. Upserting on doc_id
// keeps redeliveries of the same event to one row.
type PostgresDeadLetter struct {
	db *sql.DB
}

// NewPostgresDeadLetter opens the database and runs the embedded migrations.
func NewPostgresDeadLetter(dsn string) (*PostgresDeadLetter, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open dead-letter database: %w", err)
	}

	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(gooseLogger{})
	if err := goose.SetDialect("postgres"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run dead-letter migrations: %w", err)
	}
	return &PostgresDeadLetter{db: db}, nil
}

// Record persists the document. A write failure here is logged and dropped;
// there is nowhere further down to send it.
func (p *PostgresDeadLetter) Record(ctx context.Context, doc memory.Document, reason string) {
	metrics.RecordDeadLetter("postgres")

	payload, err := json.Marshal(doc)
	if err != nil {
		payload = []byte("{}")
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO memory_dead_letters (doc_id, tenant_id, user_id, reason, document)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (doc_id) DO UPDATE
		 SET reason = EXCLUDED.reason, document = EXCLUDED.document, created_at = now()`,
		doc.ID, doc.TenantID, doc.UserID, reason, payload)
	if err != nil {
		logging.Errorf("DLQ: failed to record document %s in postgres: %v", doc.ID, err)
	}
}

// Close releases the database handle.
func (p *PostgresDeadLetter) Close() error {
	return p.db.Close()
}

// gooseLogger routes migration output through the package logger.
type gooseLogger struct{}

func (gooseLogger) Fatalf(format string, v ...interface{}) { logging.Fatalf(format, v...) }
func (gooseLogger) Printf(format string, v ...interface{}) { logging.Infof(format, v...) }
