// Package mapping persists and serves the resolution of human-readable
// channel names to backend identifiers, per tenant, with a staleness
// bound. Reads prefer the cache; misses and expired entries trigger a
// synchronous re-fetch from the bound driver before returning.
package mapping

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".
)

// ErrNoLister is returned when a tenant has no bound channel lister.
var ErrNoLister = errors.New("mapping: no channel lister bound for tenant")

// ChannelMapping resolves one display name to its backend identity.
type ChannelMapping struct {
	DisplayName   string
	BackendID     string
	SourceID      string
	Unit          string
	LastRefreshed time.Time
}

// ChannelLister provides the full channel listing for a tenant, normally
// backed by the active driver's source listing. Defined here so the cache
// does not depend on the driver package.
type ChannelLister interface {
	ListChannels(ctx context.Context) ([]ChannelMapping, error)
}

// walJournalSizeLimit caps the WAL journal at 64 MiB.
const walJournalSizeLimit = 67108864

// Cache is the sqlite-backed mapping store. Safe for concurrent use;
// the miss-fill path is single-flight per tenant.
type Cache struct {
	db     *sql.DB
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time

	group singleflight.Group

	mu      sync.Mutex
	listers map[string]ChannelLister

	getStmt    *sql.Stmt
	listStmt   *sql.Stmt
	upsertStmt *sql.Stmt
	purgeStmt  *sql.Stmt
}

// Open creates a Cache at dbPath, applying migrations and preparing the
// repeated statements. Use ":memory:" for tests.
func Open(dbPath string, ttl time.Duration, logger *slog.Logger) (*Cache, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("opening mapping cache", "path", dbPath, "ttl", ttl)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("mapping: open sqlite: %w", err)
	}

	ctx := context.Background()

	if err := setPragmas(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	c := &Cache{
		db:      db,
		ttl:     ttl,
		logger:  logger,
		now:     time.Now,
		listers: make(map[string]ChannelLister),
	}

	if err := c.prepareStatements(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("mapping: prepare statements: %w", err)
	}

	return c, nil
}

// setPragmas configures SQLite for WAL mode and safety.
func setPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		fmt.Sprintf("PRAGMA journal_size_limit = %d", walJournalSizeLimit),
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("mapping: set pragma %q: %w", p, err)
		}
	}

	return nil
}

func (c *Cache) prepareStatements(ctx context.Context) error {
	var err error

	c.getStmt, err = c.db.PrepareContext(ctx,
		`SELECT display_name, backend_id, source_id, unit, refreshed_at
		 FROM channel_mappings WHERE tenant_id = ? AND display_name = ?`)
	if err != nil {
		return err
	}

	c.listStmt, err = c.db.PrepareContext(ctx,
		`SELECT display_name, backend_id, source_id, unit, refreshed_at
		 FROM channel_mappings WHERE tenant_id = ? ORDER BY display_name`)
	if err != nil {
		return err
	}

	c.upsertStmt, err = c.db.PrepareContext(ctx,
		`INSERT INTO channel_mappings (tenant_id, display_name, backend_id, source_id, unit, refreshed_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (tenant_id, display_name) DO UPDATE SET
		   backend_id = excluded.backend_id,
		   source_id = excluded.source_id,
		   unit = excluded.unit,
		   refreshed_at = excluded.refreshed_at`)
	if err != nil {
		return err
	}

	c.purgeStmt, err = c.db.PrepareContext(ctx,
		`DELETE FROM channel_mappings WHERE tenant_id = ?`)

	return err
}

// Bind attaches the channel lister that serves cache fills for a tenant.
func (c *Cache) Bind(tenantID string, lister ChannelLister) {
	c.mu.Lock()
	c.listers[tenantID] = lister
	c.mu.Unlock()
}

// Resolve maps display names to channel mappings for one tenant. Names
// with no backend mapping are reported in the unresolved slice, not as an
// error. A miss or expired entry triggers one synchronous upstream fetch
// shared by all concurrent resolvers of the tenant.
func (c *Cache) Resolve(ctx context.Context, tenantID string, names []string) (map[string]ChannelMapping, []string, error) {
	resolved, missing, err := c.lookup(ctx, tenantID, names)
	if err != nil {
		return nil, nil, err
	}

	if len(missing) == 0 {
		return resolved, nil, nil
	}

	if err := c.fillShared(ctx, tenantID); err != nil {
		return nil, nil, err
	}

	resolved, missing, err = c.lookup(ctx, tenantID, names)
	if err != nil {
		return nil, nil, err
	}

	if len(missing) > 0 {
		c.logger.Debug("unresolved channel names",
			slog.String("tenant", tenantID),
			slog.Int("count", len(missing)),
		)
	}

	return resolved, missing, nil
}

// All returns every cached mapping of a tenant, ordered by display name.
// An empty or stale tenant triggers one synchronous fill first.
func (c *Cache) All(ctx context.Context, tenantID string) ([]ChannelMapping, error) {
	mappings, stale, err := c.listAll(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	if len(mappings) > 0 && !stale {
		return mappings, nil
	}

	if err := c.fillShared(ctx, tenantID); err != nil {
		return nil, err
	}

	mappings, _, err = c.listAll(ctx, tenantID)

	return mappings, err
}

// listAll reads a tenant's full mapping set, reporting whether any entry
// is older than the TTL. Tenants are always filled as a unit, so one
// stale entry means the whole set needs a refresh.
func (c *Cache) listAll(ctx context.Context, tenantID string) ([]ChannelMapping, bool, error) {
	rows, err := c.listStmt.QueryContext(ctx, tenantID)
	if err != nil {
		return nil, false, fmt.Errorf("mapping: listing tenant %s: %w", tenantID, err)
	}
	defer rows.Close()

	cutoff := c.now().Add(-c.ttl)
	stale := false

	var out []ChannelMapping

	for rows.Next() {
		var (
			m           ChannelMapping
			refreshedAt int64
		)

		if err := rows.Scan(&m.DisplayName, &m.BackendID, &m.SourceID, &m.Unit, &refreshedAt); err != nil {
			return nil, false, fmt.Errorf("mapping: scanning tenant %s: %w", tenantID, err)
		}

		m.LastRefreshed = time.Unix(refreshedAt, 0).UTC()
		if m.LastRefreshed.Before(cutoff) {
			stale = true
		}

		out = append(out, m)
	}

	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("mapping: listing tenant %s: %w", tenantID, err)
	}

	return out, stale, nil
}

// Invalidate drops all cached mappings for a tenant.
func (c *Cache) Invalidate(ctx context.Context, tenantID string) error {
	res, err := c.purgeStmt.ExecContext(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("mapping: invalidating tenant %s: %w", tenantID, err)
	}

	n, _ := res.RowsAffected()
	c.logger.Info("mapping cache invalidated",
		slog.String("tenant", tenantID),
		slog.Int64("entries", n),
	)

	return nil
}

// Refresh forces a full re-fetch from the tenant's bound lister,
// replacing the cached mappings regardless of TTL.
func (c *Cache) Refresh(ctx context.Context, tenantID string) error {
	return c.fillShared(ctx, tenantID)
}

// Close releases the prepared statements and the database handle.
func (c *Cache) Close() error {
	for _, stmt := range []*sql.Stmt{c.getStmt, c.listStmt, c.upsertStmt, c.purgeStmt} {
		if stmt != nil {
			stmt.Close()
		}
	}

	return c.db.Close()
}

// lookup reads the requested names from the cache, separating fresh hits
// from misses and TTL-expired entries.
func (c *Cache) lookup(ctx context.Context, tenantID string, names []string) (map[string]ChannelMapping, []string, error) {
	resolved := make(map[string]ChannelMapping, len(names))

	var missing []string

	cutoff := c.now().Add(-c.ttl)

	for _, name := range names {
		var (
			m           ChannelMapping
			refreshedAt int64
		)

		err := c.getStmt.QueryRowContext(ctx, tenantID, name).Scan(
			&m.DisplayName, &m.BackendID, &m.SourceID, &m.Unit, &refreshedAt)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			missing = append(missing, name)
			continue
		case err != nil:
			return nil, nil, fmt.Errorf("mapping: reading %s/%s: %w", tenantID, name, err)
		}

		m.LastRefreshed = time.Unix(refreshedAt, 0).UTC()

		if m.LastRefreshed.Before(cutoff) {
			missing = append(missing, name)
			continue
		}

		resolved[name] = m
	}

	return resolved, missing, nil
}

// fillShared coalesces concurrent fills for the same tenant into one
// upstream fetch.
func (c *Cache) fillShared(ctx context.Context, tenantID string) error {
	_, err, _ := c.group.Do(tenantID, func() (any, error) {
		return nil, c.fill(ctx, tenantID)
	})

	return err
}

// fill fetches the full channel listing from the tenant's lister and
// replaces the tenant's rows atomically. Replacement, not upsert only,
// so channels removed on the backend disappear from the cache instead
// of lingering as permanently stale entries.
func (c *Cache) fill(ctx context.Context, tenantID string) error {
	c.mu.Lock()
	lister, ok := c.listers[tenantID]
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNoLister, tenantID)
	}

	channels, err := lister.ListChannels(ctx)
	if err != nil {
		return fmt.Errorf("mapping: fetching channels for tenant %s: %w", tenantID, err)
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("mapping: begin fill transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.StmtContext(ctx, c.purgeStmt).ExecContext(ctx, tenantID); err != nil {
		return fmt.Errorf("mapping: clearing tenant %s before fill: %w", tenantID, err)
	}

	upsert := tx.StmtContext(ctx, c.upsertStmt)
	now := c.now().Unix()

	for _, ch := range channels {
		if _, err := upsert.ExecContext(ctx,
			tenantID, ch.DisplayName, ch.BackendID, ch.SourceID, ch.Unit, now); err != nil {
			return fmt.Errorf("mapping: upserting %s/%s: %w", tenantID, ch.DisplayName, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("mapping: committing fill: %w", err)
	}

	c.logger.Info("mapping cache filled",
		slog.String("tenant", tenantID),
		slog.Int("channels", len(channels)),
	)

	return nil
}
