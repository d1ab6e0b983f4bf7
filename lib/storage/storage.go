/*
 * Telemeter
 * Copyright (C) 2024  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package storage implements the PostgreSQL/TimescaleDB persistence layer.
// All cross-process coordination (backfill claims, webhook delivery leases)
// goes through this package; no other shared state exists between telemeter
// processes.
package storage

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"time"

	"github.com/gravitational/trace"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/telemeter"
	"github.com/gravitational/telemeter/lib/defaults"
)

// Config describes how to connect to the database.
type Config struct {
	// ConnString is a libpq-compatible connection string or URL.
	ConnString string

	// PoolMaxConns caps the connection pool. Zero keeps the pgx default.
	PoolMaxConns int

	// ConnectTimeout bounds initial pool establishment.
	ConnectTimeout time.Duration

	// DisableTimescale skips hypertable and continuous aggregate setup and
	// installs a plain view for the 1m rollup instead. Intended for tests
	// against stock PostgreSQL.
	DisableTimescale bool

	// Log emits storage log entries.
	Log *slog.Logger

	// Clock is used for lease and timestamp decisions made client-side.
	Clock clockwork.Clock
}

// SetFromURL sets config fields from the URL, which must have a
// postgres-compatible scheme. The fragment is understood as flags:
// "#disable_timescale" opts out of TimescaleDB DDL.
func (c *Config) SetFromURL(u *url.URL) error {
	switch u.Scheme {
	case "postgres", "postgresql":
	default:
		return trace.BadParameter("unsupported database URL scheme %q", u.Scheme)
	}
	c2 := *u
	if c2.Fragment == "disable_timescale" {
		c.DisableTimescale = true
	}
	c2.Fragment = ""
	c.ConnString = c2.String()
	return nil
}

// CheckAndSetDefaults checks and sets defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.ConnString == "" {
		return trace.BadParameter("missing ConnString")
	}
	if c.PoolMaxConns < 0 {
		return trace.BadParameter("PoolMaxConns cannot be negative")
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = defaults.DatabaseConnectTimeout
	}
	if c.Log == nil {
		c.Log = slog.With(telemeter.ComponentKey, telemeter.ComponentStorage)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Store is the database handle shared by every telemeter subsystem.
type Store struct {
	pool  *pgxpool.Pool
	log   *slog.Logger
	clock clockwork.Clock
}

// New connects to the database, applies pending schema migrations and
// returns a ready Store.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.ConnString)
	if err != nil {
		return nil, trace.Wrap(err, "parsing database connection string")
	}
	if cfg.PoolMaxConns > 0 {
		poolConfig.MaxConns = int32(cfg.PoolMaxConns)
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, trace.Wrap(err, "creating connection pool")
	}

	s := &Store{
		pool:  pool,
		log:   cfg.Log,
		clock: cfg.Clock,
	}
	if err := s.setupAndMigrate(ctx, cfg.DisableTimescale); err != nil {
		pool.Close()
		return nil, trace.Wrap(err, "setting up database schema")
	}
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Now returns the store's clock reading. Lease comparisons done client-side
// must use this clock so tests can control it.
func (s *Store) Now() time.Time {
	return s.clock.Now().UTC()
}

// inTx runs fn in a transaction, committing when it returns nil.
func (s *Store) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return trace.Wrap(pgx.BeginFunc(ctx, s.pool, fn))
}

// isUniqueViolation reports whether err is a unique constraint violation,
// optionally of one specific constraint.
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgerrcode.UniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

// isForeignKeyViolation reports whether err is a foreign key violation,
// which repositories surface as the referenced entity not being found.
func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation
}

// truncateError shortens worker error messages before persisting them.
func truncateError(msg string, limit int) string {
	if len(msg) <= limit {
		return msg
	}
	return msg[:limit]
}
