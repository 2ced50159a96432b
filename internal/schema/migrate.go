// Package schema owns the database definitions and applies them forward.
package schema

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/gocql/gocql"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/acme/lead-call-orchestrator/pkg/logger"
)

//go:embed schema.sql
var postgresDDL string

//go:embed scylla.cql
var scyllaDDL string

// MigratePostgres applies the relational schema. Every statement is
// idempotent, so re-running against an up-to-date database is a no-op.
func MigratePostgres(ctx context.Context, db *sqlx.DB, log *logger.Logger) error {
	applied, err := tableExists(ctx, db, "leads")
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, postgresDDL); err != nil {
		return fmt.Errorf("schema: apply postgres ddl: %w", err)
	}
	if applied {
		log.Info("schema: postgres already provisioned, definitions reasserted")
	} else {
		log.Info("schema: postgres provisioned")
	}
	return nil
}

// MigrateScylla applies the call-history tables, one statement at a time
// since CQL sessions reject batched DDL.
func MigrateScylla(session *gocql.Session, log *logger.Logger) error {
	for _, stmt := range splitStatements(scyllaDDL) {
		if err := session.Query(stmt).Exec(); err != nil {
			return fmt.Errorf("schema: apply scylla ddl: %w", err)
		}
	}
	log.Info("schema: scylla provisioned")
	return nil
}

// Verify checks connectivity and that the core tables exist, without
// mutating anything.
func Verify(ctx context.Context, db *sqlx.DB, log *logger.Logger) error {
	for _, table := range []string{"leads", "call_schedule", "scheduler_config"} {
		ok, err := tableExists(ctx, db, table)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("schema: table %s missing", table)
		}
		log.Debug("schema: table present", zap.String("table", table))
	}
	return nil
}

func tableExists(ctx context.Context, db *sqlx.DB, name string) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM information_schema.tables
		  WHERE table_schema = current_schema() AND table_name = $1`, name).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("schema: check table %s: %w", name, err)
	}
	return n > 0, nil
}

func splitStatements(ddl string) []string {
	var out []string
	for _, stmt := range strings.Split(ddl, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}
