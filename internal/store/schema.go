package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
)

// schemaStatements returns the DDL for the route and queue tables. Only the
// auto-increment primary key differs between backends; everything else is
// plain enough to be shared.
func schemaStatements(d Dialect) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS email_routes (
			id %s,
			domain VARCHAR(255) NOT NULL,
			local_part VARCHAR(255) NULL,
			url VARCHAR(2048) NOT NULL,
			secret_token VARCHAR(255) NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT true
		)`, d.AutoIncrementPK()),

		`CREATE INDEX IF NOT EXISTS idx_route_lookup ON email_routes (domain, local_part, is_active)`,
		`CREATE INDEX IF NOT EXISTS idx_route_active ON email_routes (is_active)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS webhook_queue (
			id %s,
			email_route_id BIGINT NOT NULL,
			payload TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			next_attempt_at TIMESTAMP NOT NULL,
			last_error TEXT NULL,
			is_expired BOOLEAN NOT NULL DEFAULT false,
			created_at TIMESTAMP NOT NULL,
			CONSTRAINT fk_queue_to_route FOREIGN KEY (email_route_id) REFERENCES email_routes (id)
		)`, d.AutoIncrementPK()),

		`CREATE INDEX IF NOT EXISTS idx_queue_claim ON webhook_queue (next_attempt_at, is_expired)`,
	}
}

// InitSchema creates the tables and indexes if they do not exist yet. It is
// safe to run repeatedly.
//
// MySQL has no CREATE INDEX IF NOT EXISTS, so for that backend the clause is
// stripped and the duplicate-key-name error (1061) from a rerun is ignored.
func (s *SQLStore) InitSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements(s.dialect) {
		isIndex := strings.HasPrefix(stmt, "CREATE INDEX")
		if isIndex && s.dialect.Name() == "mysql" {
			stmt = strings.Replace(stmt, "IF NOT EXISTS ", "", 1)
		}

		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			var mysqlErr *mysql.MySQLError
			if isIndex && errors.As(err, &mysqlErr) && mysqlErr.Number == 1061 {
				continue
			}
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	s.logger.Info("schema initialized")
	return nil
}
