package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"rampart/internal/domain"
	"rampart/migrations"
)

// Postgres persists records as JSONB documents keyed the way the Store
// contract describes. Transient failures are retried once with backoff
// before surfacing.
type Postgres struct {
	conn *sql.DB
}

const retryBackoff = 100 * time.Millisecond

// OpenPostgres connects using the pgx stdlib driver and applies embedded
// migrations before returning.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	if err := runMigrations(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}
	return &Postgres{conn: conn}, nil
}

func runMigrations(ctx context.Context, conn *sql.DB) error {
	const createTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
                version TEXT PRIMARY KEY,
                applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        )`
	if _, err := conn.ExecContext(ctx, createTable); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	rows, err := conn.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("list applied migrations: %w", err)
	}
	defer rows.Close()
	applied := make(map[string]struct{})
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return fmt.Errorf("scan migration version: %w", err)
		}
		applied[version] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("read applied migrations: %w", err)
	}
	entries, err := migrations.Files.ReadDir(".")
	if err != nil {
		return fmt.Errorf("read embedded migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version := entry.Name()
		if _, ok := applied[version]; ok {
			continue
		}
		contents, err := migrations.Files.ReadFile(version)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", version, err)
		}
		if err := applyMigration(ctx, conn, version, string(contents)); err != nil {
			return err
		}
	}
	return nil
}

func applyMigration(ctx context.Context, conn *sql.DB, version, body string) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %s: %w", version, err)
	}
	if _, err := tx.ExecContext(ctx, body); err != nil {
		tx.Rollback()
		return fmt.Errorf("apply migration %s: %w", version, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, version); err != nil {
		tx.Rollback()
		return fmt.Errorf("record migration %s: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", version, err)
	}
	return nil
}

// withRetry runs fn, retrying once after a short backoff unless the context
// expired. Validation never reaches this layer, so any error here is a
// storage fault.
func withRetry(ctx context.Context, fn func() error) error {
	err := fn()
	if err == nil || ctx.Err() != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(retryBackoff):
	}
	return fn()
}

func (p *Postgres) SavePolicy(ctx context.Context, pol domain.Policy) error {
	doc, err := json.Marshal(pol)
	if err != nil {
		return err
	}
	return withRetry(ctx, func() error {
		_, err := p.conn.ExecContext(ctx,
			`INSERT INTO policies (domain, doc, updated_at) VALUES ($1, $2, NOW())
                         ON CONFLICT (domain) DO UPDATE SET doc = $2, updated_at = NOW()`,
			pol.Domain, doc)
		return err
	})
}

func (p *Postgres) DeletePolicy(ctx context.Context, name string) error {
	return withRetry(ctx, func() error {
		_, err := p.conn.ExecContext(ctx, `DELETE FROM policies WHERE domain = $1`, name)
		return err
	})
}

func (p *Postgres) ListPolicies(ctx context.Context) ([]domain.Policy, error) {
	rows, err := p.conn.QueryContext(ctx, `SELECT doc FROM policies`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Policy
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var pol domain.Policy
		if err := json.Unmarshal(doc, &pol); err != nil {
			return nil, fmt.Errorf("decode policy doc: %w", err)
		}
		out = append(out, pol)
	}
	return out, rows.Err()
}

func (p *Postgres) SaveBlock(ctx context.Context, e domain.BlocklistEntry) error {
	doc, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return withRetry(ctx, func() error {
		_, err := p.conn.ExecContext(ctx,
			`INSERT INTO blocklist (scope, ip, doc, updated_at) VALUES ($1, $2, $3, NOW())
                         ON CONFLICT (scope, ip) DO UPDATE SET doc = $3, updated_at = NOW()`,
			e.Domain, e.IP, doc)
		return err
	})
}

func (p *Postgres) DeleteBlock(ctx context.Context, scope, ip string) error {
	return withRetry(ctx, func() error {
		_, err := p.conn.ExecContext(ctx, `DELETE FROM blocklist WHERE scope = $1 AND ip = $2`, scope, ip)
		return err
	})
}

func (p *Postgres) ListBlocks(ctx context.Context) ([]domain.BlocklistEntry, error) {
	rows, err := p.conn.QueryContext(ctx, `SELECT doc FROM blocklist`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.BlocklistEntry
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var e domain.BlocklistEntry
		if err := json.Unmarshal(doc, &e); err != nil {
			return nil, fmt.Errorf("decode blocklist doc: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *Postgres) SaveAllow(ctx context.Context, e domain.AllowlistEntry) error {
	doc, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return withRetry(ctx, func() error {
		_, err := p.conn.ExecContext(ctx,
			`INSERT INTO allowlist (scope, ip, doc, updated_at) VALUES ($1, $2, $3, NOW())
                         ON CONFLICT (scope, ip) DO UPDATE SET doc = $3, updated_at = NOW()`,
			e.Domain, e.IP, doc)
		return err
	})
}

func (p *Postgres) DeleteAllow(ctx context.Context, scope, ip string) error {
	return withRetry(ctx, func() error {
		_, err := p.conn.ExecContext(ctx, `DELETE FROM allowlist WHERE scope = $1 AND ip = $2`, scope, ip)
		return err
	})
}

func (p *Postgres) ListAllows(ctx context.Context) ([]domain.AllowlistEntry, error) {
	rows, err := p.conn.QueryContext(ctx, `SELECT doc FROM allowlist`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.AllowlistEntry
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var e domain.AllowlistEntry
		if err := json.Unmarshal(doc, &e); err != nil {
			return nil, fmt.Errorf("decode allowlist doc: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *Postgres) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.conn.PingContext(pingCtx)
}

func (p *Postgres) Close() error { return p.conn.Close() }
