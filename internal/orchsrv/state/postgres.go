package state

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/stackplane/stackplane-internal/internal/common/apperrors"
	"github.com/stackplane/stackplane-internal/internal/orchsrv/orcherrors"
)

// PostgresStore is the multi-replica state store. Tenant records are stored
// as one row per tenant with an explicit revision column for compare-and-set
// writes; backups carry a secondary index on (tenant_id, created_at desc)
// for the "most recent backup" lookup rollback depends on.
type PostgresStore struct {
	pool     *pgxpool.Pool
	leaseTTL time.Duration
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS tenant_stacks (
	tenant_id  TEXT PRIMARY KEY,
	state      TEXT NOT NULL,
	revision   BIGINT NOT NULL,
	doc        JSONB NOT NULL,
	health     JSONB,
	unhealthy_streak INT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS backup_records (
	backup_id       TEXT PRIMARY KEY,
	tenant_id       TEXT NOT NULL,
	status          TEXT NOT NULL,
	kind            TEXT NOT NULL,
	retention_until TIMESTAMPTZ NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	doc             JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_backup_tenant_created
	ON backup_records (tenant_id, created_at DESC);
CREATE TABLE IF NOT EXISTS operation_leases (
	tenant_id  TEXT PRIMARY KEY,
	owner      TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
`

// NewPostgresStore connects and bootstraps the schema.
func NewPostgresStore(ctx context.Context, dsn string, leaseTTL time.Duration) (*PostgresStore, apperrors.Error) {
	pool, err := pgxpool.Connect(ctx, dsn)
	if err != nil {
		return nil, ErrStore.MsgErr("unable to connect to state store", err)
	}
	if _, err := pool.Exec(ctx, schemaDDL); err != nil {
		pool.Close()
		return nil, ErrStore.MsgErr("unable to bootstrap state store schema", err)
	}
	if leaseTTL <= 0 {
		leaseTTL = 2 * time.Minute
	}
	return &PostgresStore{pool: pool, leaseTTL: leaseTTL}, nil
}

func (p *PostgresStore) Close() {
	p.pool.Close()
}

func (p *PostgresStore) CreateTenant(ctx context.Context, t *TenantStack) apperrors.Error {
	t.Revision = 1
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	doc, err := json.Marshal(t)
	if err != nil {
		return ErrStore.Err(err)
	}
	query := `
		INSERT INTO tenant_stacks (tenant_id, state, revision, doc, created_at, updated_at)
		VALUES ($1, $2, 1, $3, $4, $4)
		ON CONFLICT (tenant_id) DO UPDATE
			SET state = EXCLUDED.state, revision = 1, doc = EXCLUDED.doc,
			    health = NULL, unhealthy_streak = 0, updated_at = EXCLUDED.updated_at
			WHERE tenant_stacks.doc->>'state' = 'decommissioned';
	`
	tag, err := p.pool.Exec(ctx, query, t.TenantID, string(t.State), doc, now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrTenantExists.Msg("tenant " + t.TenantID + " already exists")
		}
		return ErrStore.Err(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTenantExists.Msg("tenant " + t.TenantID + " already exists")
	}
	return nil
}

func (p *PostgresStore) GetTenant(ctx context.Context, tenantID string) (*TenantStack, apperrors.Error) {
	var doc []byte
	var health []byte
	var revision int64
	var streak int
	query := `SELECT doc, health, revision, unhealthy_streak FROM tenant_stacks WHERE tenant_id = $1`
	err := p.pool.QueryRow(ctx, query, tenantID).Scan(&doc, &health, &revision, &streak)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, orcherrors.ErrTenantNotFound.Msg("tenant " + tenantID + " not found")
		}
		return nil, ErrStore.Err(err)
	}
	t := &TenantStack{}
	if err := json.Unmarshal(doc, t); err != nil {
		return nil, ErrStore.Err(err)
	}
	t.Revision = revision
	t.UnhealthyStreak = streak
	if len(health) > 0 {
		h := &HealthResult{}
		if err := json.Unmarshal(health, h); err == nil {
			t.LastHealth = h
		}
	}
	return t, nil
}

func (p *PostgresStore) SaveTenant(ctx context.Context, t *TenantStack, expectedRevision int64) apperrors.Error {
	t.Revision = expectedRevision + 1
	t.UpdatedAt = time.Now().UTC()
	doc, err := json.Marshal(t)
	if err != nil {
		return ErrStore.Err(err)
	}
	query := `
		UPDATE tenant_stacks
		SET state = $2, revision = revision + 1, doc = $3, updated_at = $4
		WHERE tenant_id = $1 AND revision = $5
	`
	tag, err := p.pool.Exec(ctx, query, t.TenantID, string(t.State), doc, t.UpdatedAt, expectedRevision)
	if err != nil {
		return ErrStore.Err(err)
	}
	if tag.RowsAffected() == 0 {
		// distinguish a missing tenant from a lost CAS race
		if _, gerr := p.GetTenant(ctx, t.TenantID); gerr != nil {
			return gerr
		}
		return orcherrors.ErrRevisionConflict
	}
	return nil
}

func (p *PostgresStore) UpdateHealth(ctx context.Context, tenantID string, h *HealthResult, unhealthyStreak int) apperrors.Error {
	doc, err := json.Marshal(h)
	if err != nil {
		return ErrStore.Err(err)
	}
	query := `UPDATE tenant_stacks SET health = $2, unhealthy_streak = $3 WHERE tenant_id = $1`
	tag, err := p.pool.Exec(ctx, query, tenantID, doc, unhealthyStreak)
	if err != nil {
		return ErrStore.Err(err)
	}
	if tag.RowsAffected() == 0 {
		return orcherrors.ErrTenantNotFound.Msg("tenant " + tenantID + " not found")
	}
	return nil
}

func (p *PostgresStore) ListTenants(ctx context.Context) ([]*TenantStack, apperrors.Error) {
	rows, err := p.pool.Query(ctx, `SELECT tenant_id FROM tenant_stacks ORDER BY tenant_id`)
	if err != nil {
		return nil, ErrStore.Err(err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, ErrStore.Err(err)
		}
		ids = append(ids, id)
	}
	out := make([]*TenantStack, 0, len(ids))
	for _, id := range ids {
		t, gerr := p.GetTenant(ctx, id)
		if gerr != nil {
			log.Ctx(ctx).Warn().Str("tenant_id", id).Msg("tenant disappeared during list")
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (p *PostgresStore) CreateBackup(ctx context.Context, b *BackupRecord) apperrors.Error {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	doc, err := json.Marshal(b)
	if err != nil {
		return ErrStore.Err(err)
	}
	query := `
		INSERT INTO backup_records (backup_id, tenant_id, status, kind, retention_until, created_at, doc)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	if _, err := p.pool.Exec(ctx, query, b.ID, b.TenantID, string(b.Status), string(b.Kind),
		b.RetentionUntil, b.CreatedAt, doc); err != nil {
		return ErrStore.Err(err)
	}
	return nil
}

func (p *PostgresStore) FinalizeBackup(ctx context.Context, backupID string, status BackupStatus, sizeBytes int64, errDetail string) apperrors.Error {
	b, gerr := p.GetBackup(ctx, backupID)
	if gerr != nil {
		return gerr
	}
	b.Status = status
	b.SizeBytes = sizeBytes
	b.ErrorDetail = errDetail
	now := time.Now().UTC()
	b.CompletedAt = &now
	doc, err := json.Marshal(b)
	if err != nil {
		return ErrStore.Err(err)
	}
	query := `UPDATE backup_records SET status = $2, doc = $3 WHERE backup_id = $1`
	if _, err := p.pool.Exec(ctx, query, backupID, string(status), doc); err != nil {
		return ErrStore.Err(err)
	}
	return nil
}

func (p *PostgresStore) GetBackup(ctx context.Context, backupID string) (*BackupRecord, apperrors.Error) {
	var doc []byte
	err := p.pool.QueryRow(ctx, `SELECT doc FROM backup_records WHERE backup_id = $1`, backupID).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, orcherrors.ErrBackupNotFound.Msg("backup " + backupID + " not found")
		}
		return nil, ErrStore.Err(err)
	}
	b := &BackupRecord{}
	if err := json.Unmarshal(doc, b); err != nil {
		return nil, ErrStore.Err(err)
	}
	return b, nil
}

func (p *PostgresStore) ListBackups(ctx context.Context, tenantID string) ([]*BackupRecord, apperrors.Error) {
	query := `SELECT doc FROM backup_records WHERE tenant_id = $1 ORDER BY created_at DESC`
	return p.scanBackups(ctx, query, tenantID)
}

func (p *PostgresStore) LatestCompleteBackup(ctx context.Context, tenantID string, kind BackupKind) (*BackupRecord, apperrors.Error) {
	var doc []byte
	query := `
		SELECT doc FROM backup_records
		WHERE tenant_id = $1 AND kind = $2 AND status = $3
		ORDER BY created_at DESC LIMIT 1
	`
	err := p.pool.QueryRow(ctx, query, tenantID, string(kind), string(BackupComplete)).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, orcherrors.ErrBackupNotFound.Msg("no complete " + string(kind) + " backup for tenant " + tenantID)
		}
		return nil, ErrStore.Err(err)
	}
	b := &BackupRecord{}
	if err := json.Unmarshal(doc, b); err != nil {
		return nil, ErrStore.Err(err)
	}
	return b, nil
}

func (p *PostgresStore) ListReapableBackups(ctx context.Context, now time.Time) ([]*BackupRecord, apperrors.Error) {
	query := `
		SELECT doc FROM backup_records
		WHERE status <> 'in-progress' AND retention_until < $1
		ORDER BY created_at
	`
	return p.scanBackups(ctx, query, now)
}

func (p *PostgresStore) scanBackups(ctx context.Context, query string, args ...any) ([]*BackupRecord, apperrors.Error) {
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, ErrStore.Err(err)
	}
	defer rows.Close()
	var out []*BackupRecord
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, ErrStore.Err(err)
		}
		b := &BackupRecord{}
		if err := json.Unmarshal(doc, b); err != nil {
			return nil, ErrStore.Err(err)
		}
		out = append(out, b)
	}
	return out, nil
}

func (p *PostgresStore) DeleteBackup(ctx context.Context, backupID string) apperrors.Error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM backup_records WHERE backup_id = $1`, backupID); err != nil {
		return ErrStore.Err(err)
	}
	return nil
}

func (p *PostgresStore) ExpireTenantBackups(ctx context.Context, tenantID string, now time.Time) apperrors.Error {
	query := `
		UPDATE backup_records
		SET status = 'expired',
		    retention_until = $2,
		    doc = jsonb_set(jsonb_set(doc, '{status}', '"expired"'), '{retention_until}', to_jsonb($2::timestamptz))
		WHERE tenant_id = $1 AND status <> 'in-progress'
	`
	if _, err := p.pool.Exec(ctx, query, tenantID, now); err != nil {
		return ErrStore.Err(err)
	}
	return nil
}

// TryAcquire implements OperationLocker with a leased lock row: an expired
// lease can be taken over, a live one fails fast.
func (p *PostgresStore) TryAcquire(ctx context.Context, tenantID, owner string) apperrors.Error {
	query := `
		INSERT INTO operation_leases (tenant_id, owner, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id) DO UPDATE
			SET owner = EXCLUDED.owner, expires_at = EXCLUDED.expires_at
			WHERE operation_leases.expires_at < now()
	`
	tag, err := p.pool.Exec(ctx, query, tenantID, owner, time.Now().UTC().Add(p.leaseTTL))
	if err != nil {
		return ErrStore.Err(err)
	}
	if tag.RowsAffected() == 0 {
		return orcherrors.ErrOperationInFlight.Msg("conflicting operation in progress for tenant " + tenantID)
	}
	return nil
}

func (p *PostgresStore) Release(ctx context.Context, tenantID, owner string) apperrors.Error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM operation_leases WHERE tenant_id = $1 AND owner = $2`, tenantID, owner); err != nil {
		return ErrStore.Err(err)
	}
	return nil
}
