package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/camber-io/camber/pkg/types"
)

// PostgresStore implements Store over Postgres via sqlx
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore opens a connection pool against databaseURL
func NewPostgresStore(databaseURL string) (*PostgresStore, error) {
	db, err := sqlx.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &PostgresStore{db: db}, nil
}

// DB exposes the underlying pool for migrations
func (s *PostgresStore) DB() *sqlx.DB { return s.db }

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// jsonCol marshals v for a jsonb column; nil maps become SQL NULL
func jsonCol(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal json column: %w", err)
	}
	return raw, nil
}

func jsonScan[T any](raw []byte) (T, error) {
	var out T
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("unmarshal json column: %w", err)
	}
	return out, nil
}

// ------------------------------------------------------------------
// Organizations

type orgRow struct {
	ID        string    `db:"id"`
	Name      string    `db:"name"`
	Status    string    `db:"status"`
	Plan      []byte    `db:"plan"`
	Security  []byte    `db:"security"`
	Usage     []byte    `db:"usage"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r *orgRow) toType() (*types.Organization, error) {
	plan, err := jsonScan[*types.PlanLimits](r.Plan)
	if err != nil {
		return nil, err
	}
	security, err := jsonScan[*types.SecuritySettings](r.Security)
	if err != nil {
		return nil, err
	}
	usage, err := jsonScan[*types.UsageCounters](r.Usage)
	if err != nil {
		return nil, err
	}
	return &types.Organization{
		ID: r.ID, Name: r.Name, Status: types.OrganizationStatus(r.Status),
		Plan: plan, Security: security, Usage: usage,
		CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}, nil
}

func (s *PostgresStore) CreateOrganization(ctx context.Context, org *types.Organization) error {
	plan, err := jsonCol(org.Plan)
	if err != nil {
		return err
	}
	security, err := jsonCol(org.Security)
	if err != nil {
		return err
	}
	usage, err := jsonCol(org.Usage)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO organizations (id, name, status, plan, security, usage, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		org.ID, org.Name, org.Status, plan, security, usage, org.CreatedAt, org.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (s *PostgresStore) GetOrganization(ctx context.Context, id string) (*types.Organization, error) {
	var row orgRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM organizations WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toType()
}

func (s *PostgresStore) UpdateOrganization(ctx context.Context, org *types.Organization) error {
	plan, err := jsonCol(org.Plan)
	if err != nil {
		return err
	}
	security, err := jsonCol(org.Security)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE organizations SET name = $2, status = $3, plan = $4, security = $5, updated_at = now()
		WHERE id = $1`,
		org.ID, org.Name, org.Status, plan, security)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PostgresStore) AddUsage(ctx context.Context, orgID string, delta types.UsageCounters) error {
	deltaJSON, err := jsonCol(delta)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE organizations SET usage = jsonb_build_object(
			'Workflows',    COALESCE((usage->>'Workflows')::bigint, 0)    + ($2::jsonb->>'Workflows')::bigint,
			'Executions',   COALESCE((usage->>'Executions')::bigint, 0)   + ($2::jsonb->>'Executions')::bigint,
			'APICallsMade', COALESCE((usage->>'APICallsMade')::bigint, 0) + ($2::jsonb->>'APICallsMade')::bigint,
			'TokensUsed',   COALESCE((usage->>'TokensUsed')::bigint, 0)   + ($2::jsonb->>'TokensUsed')::bigint,
			'StorageBytes', COALESCE((usage->>'StorageBytes')::bigint, 0) + ($2::jsonb->>'StorageBytes')::bigint,
			'CostCents',    COALESCE((usage->>'CostCents')::bigint, 0)    + ($2::jsonb->>'CostCents')::bigint
		), updated_at = now()
		WHERE id = $1`, orgID, deltaJSON)
	return err
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ------------------------------------------------------------------
// Users and memberships

func (s *PostgresStore) CreateUser(ctx context.Context, user *types.User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash, default_org_id, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		user.ID, user.Email, user.PasswordHash, user.DefaultOrgID, user.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*types.User, error) {
	var u types.User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, password_hash, default_org_id, created_at FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Email, &u.PasswordHash, &u.DefaultOrgID, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &u, err
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*types.User, error) {
	var u types.User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, password_hash, default_org_id, created_at FROM users WHERE email = $1`, email).
		Scan(&u.ID, &u.Email, &u.PasswordHash, &u.DefaultOrgID, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &u, err
}

func (s *PostgresStore) CreateMembership(ctx context.Context, m *types.Membership) error {
	perms, err := jsonCol(m.Permissions)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memberships (user_id, organization_id, role, permissions, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		m.UserID, m.OrganizationID, m.Role, perms, m.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (s *PostgresStore) ListMemberships(ctx context.Context, orgID string) ([]*types.Membership, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, organization_id, role, permissions, created_at
		FROM memberships WHERE organization_id = $1`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Membership
	for rows.Next() {
		var m types.Membership
		var perms []byte
		if err := rows.Scan(&m.UserID, &m.OrganizationID, &m.Role, &perms, &m.CreatedAt); err != nil {
			return nil, err
		}
		if m.Permissions, err = jsonScan[[]string](perms); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// DeleteMembership refuses to remove the last owner of an organization
func (s *PostgresStore) DeleteMembership(ctx context.Context, orgID, userID string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var role string
	err = tx.QueryRowContext(ctx, `
		SELECT role FROM memberships
		WHERE organization_id = $1 AND user_id = $2 FOR UPDATE`, orgID, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	if types.MemberRole(role) == types.RoleOwner {
		var owners int
		if err := tx.QueryRowContext(ctx, `
			SELECT count(*) FROM memberships
			WHERE organization_id = $1 AND role = $2`, orgID, types.RoleOwner).Scan(&owners); err != nil {
			return err
		}
		if owners <= 1 {
			return fmt.Errorf("organization must retain at least one owner")
		}
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM memberships WHERE organization_id = $1 AND user_id = $2`, orgID, userID); err != nil {
		return err
	}
	return tx.Commit()
}

// ------------------------------------------------------------------
// Workflows

func (s *PostgresStore) CreateWorkflow(ctx context.Context, wf *types.Workflow) error {
	graph, err := jsonCol(wf.Graph)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflows (id, organization_id, name, description, graph, is_active, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		wf.ID, wf.OrganizationID, wf.Name, wf.Description, graph, wf.IsActive, wf.CreatedBy, wf.CreatedAt, wf.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func scanWorkflow(scan func(dest ...any) error) (*types.Workflow, error) {
	var wf types.Workflow
	var graph []byte
	err := scan(&wf.ID, &wf.OrganizationID, &wf.Name, &wf.Description, &graph,
		&wf.IsActive, &wf.CreatedBy, &wf.CreatedAt, &wf.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if wf.Graph, err = jsonScan[*types.Graph](graph); err != nil {
		return nil, err
	}
	return &wf, nil
}

const workflowCols = `id, organization_id, name, description, graph, is_active, created_by, created_at, updated_at`

func (s *PostgresStore) GetWorkflow(ctx context.Context, orgID, id string) (*types.Workflow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+workflowCols+` FROM workflows WHERE organization_id = $1 AND id = $2`, orgID, id)
	wf, err := scanWorkflow(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return wf, err
}

func (s *PostgresStore) ListWorkflows(ctx context.Context, orgID string) ([]*types.Workflow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+workflowCols+` FROM workflows WHERE organization_id = $1 AND is_active ORDER BY created_at`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

// UpdateWorkflow never touches organization_id; it is immutable
func (s *PostgresStore) UpdateWorkflow(ctx context.Context, wf *types.Workflow) error {
	graph, err := jsonCol(wf.Graph)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflows SET name = $3, description = $4, graph = $5, is_active = $6, updated_at = now()
		WHERE organization_id = $1 AND id = $2`,
		wf.OrganizationID, wf.ID, wf.Name, wf.Description, graph, wf.IsActive)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// ------------------------------------------------------------------
// Workflow versions

func (s *PostgresStore) CreateVersion(ctx context.Context, v *types.WorkflowVersion) error {
	graph, err := jsonCol(v.Graph)
	if err != nil {
		return err
	}
	meta, err := jsonCol(v.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_versions (id, workflow_id, version_number, state, graph, metadata, created_at, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		v.ID, v.WorkflowID, v.VersionNumber, v.State, graph, meta, v.CreatedAt, v.CreatedBy)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

const versionCols = `id, workflow_id, version_number, state, graph, metadata, created_at, created_by, published_at, published_by`

func scanVersion(scan func(dest ...any) error) (*types.WorkflowVersion, error) {
	var v types.WorkflowVersion
	var graph, meta []byte
	var publishedBy sql.NullString
	err := scan(&v.ID, &v.WorkflowID, &v.VersionNumber, &v.State, &graph, &meta,
		&v.CreatedAt, &v.CreatedBy, &v.PublishedAt, &publishedBy)
	if err != nil {
		return nil, err
	}
	v.PublishedBy = publishedBy.String
	if v.Graph, err = jsonScan[*types.Graph](graph); err != nil {
		return nil, err
	}
	if v.Metadata, err = jsonScan[map[string]string](meta); err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *PostgresStore) GetVersion(ctx context.Context, id string) (*types.WorkflowVersion, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+versionCols+` FROM workflow_versions WHERE id = $1`, id)
	v, err := scanVersion(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return v, err
}

func (s *PostgresStore) ListVersions(ctx context.Context, workflowID string) ([]*types.WorkflowVersion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+versionCols+` FROM workflow_versions WHERE workflow_id = $1 ORDER BY version_number DESC`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.WorkflowVersion
	for rows.Next() {
		v, err := scanVersion(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *PostgresStore) NextVersionNumber(ctx context.Context, workflowID string) (int, error) {
	var next int
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(max(version_number), 0) + 1 FROM workflow_versions WHERE workflow_id = $1`,
		workflowID).Scan(&next)
	return next, err
}

// UpdateDraftGraph mutates only draft versions; published rows are frozen
func (s *PostgresStore) UpdateDraftGraph(ctx context.Context, versionID string, graph *types.Graph, metadata map[string]string) error {
	graphJSON, err := jsonCol(graph)
	if err != nil {
		return err
	}
	metaJSON, err := jsonCol(metadata)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_versions SET graph = $2, metadata = $3
		WHERE id = $1 AND state = $4`,
		versionID, graphJSON, metaJSON, types.VersionStateDraft)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish frozen from missing.
		if _, err := s.GetVersion(ctx, versionID); err != nil {
			return err
		}
		return ErrVersionFrozen
	}
	return nil
}

// PublishVersion transitions draft->published exactly once
func (s *PostgresStore) PublishVersion(ctx context.Context, versionID, publishedBy string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_versions SET state = $2, published_at = now(), published_by = $3
		WHERE id = $1 AND state = $4`,
		versionID, types.VersionStatePublished, publishedBy, types.VersionStateDraft)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetVersion(ctx, versionID); err != nil {
			return err
		}
		return ErrVersionFrozen
	}
	return nil
}

// ------------------------------------------------------------------
// Deployments

func (s *PostgresStore) CreateDeployment(ctx context.Context, d *types.WorkflowDeployment) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE workflow_deployments SET is_active = false
		WHERE workflow_id = $1 AND environment = $2 AND is_active`,
		d.WorkflowID, d.Environment); err != nil {
		return err
	}

	var rollbackOf any
	if d.RollbackOf != "" {
		rollbackOf = d.RollbackOf
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO workflow_deployments (id, workflow_id, environment, version_id, is_active, deployed_at, deployed_by, rollback_of)
		VALUES ($1, $2, $3, $4, true, $5, $6, $7)`,
		d.ID, d.WorkflowID, d.Environment, d.VersionID, d.DeployedAt, d.DeployedBy, rollbackOf); err != nil {
		return err
	}
	return tx.Commit()
}

const deploymentCols = `id, workflow_id, environment, version_id, is_active, deployed_at, deployed_by, COALESCE(rollback_of, '')`

func scanDeployment(scan func(dest ...any) error) (*types.WorkflowDeployment, error) {
	var d types.WorkflowDeployment
	err := scan(&d.ID, &d.WorkflowID, &d.Environment, &d.VersionID, &d.IsActive,
		&d.DeployedAt, &d.DeployedBy, &d.RollbackOf)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *PostgresStore) ActiveDeployment(ctx context.Context, workflowID string, env types.Environment) (*types.WorkflowDeployment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+deploymentCols+` FROM workflow_deployments
		WHERE workflow_id = $1 AND environment = $2 AND is_active`, workflowID, env)
	d, err := scanDeployment(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

func (s *PostgresStore) ListDeployments(ctx context.Context, workflowID string) ([]*types.WorkflowDeployment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+deploymentCols+` FROM workflow_deployments
		WHERE workflow_id = $1 ORDER BY deployed_at DESC`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.WorkflowDeployment
	for rows.Next() {
		d, err := scanDeployment(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ------------------------------------------------------------------
// Connections

func (s *PostgresStore) CreateConnection(ctx context.Context, c *types.Connection) error {
	meta, err := jsonCol(c.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO connections (id, organization_id, user_id, provider, type, name,
			encrypted_credentials, iv, encryption_key_id, data_key_ciphertext,
			metadata, test_status, test_error, last_tested, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		c.ID, c.OrganizationID, c.UserID, c.Provider, c.Type, c.Name,
		c.EncryptedCredentials, c.IV, c.EncryptionKeyID, c.DataKeyCiphertext,
		meta, c.TestStatus, c.TestError, c.LastTested, c.IsActive, c.CreatedAt, c.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

const connectionCols = `id, organization_id, user_id, provider, type, name,
	encrypted_credentials, iv, encryption_key_id, data_key_ciphertext,
	metadata, test_status, COALESCE(test_error, ''), last_tested, is_active, created_at, updated_at`

func scanConnection(scan func(dest ...any) error) (*types.Connection, error) {
	var c types.Connection
	var meta []byte
	err := scan(&c.ID, &c.OrganizationID, &c.UserID, &c.Provider, &c.Type, &c.Name,
		&c.EncryptedCredentials, &c.IV, &c.EncryptionKeyID, &c.DataKeyCiphertext,
		&meta, &c.TestStatus, &c.TestError, &c.LastTested, &c.IsActive, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if c.Metadata, err = jsonScan[map[string]string](meta); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) GetConnection(ctx context.Context, orgID, id string) (*types.Connection, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+connectionCols+` FROM connections WHERE organization_id = $1 AND id = $2`, orgID, id)
	c, err := scanConnection(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

func (s *PostgresStore) ListConnections(ctx context.Context, orgID, userID, provider string) ([]*types.Connection, error) {
	query := `SELECT ` + connectionCols + ` FROM connections
		WHERE organization_id = $1 AND user_id = $2 AND is_active`
	args := []any{orgID, userID}
	if provider != "" {
		query += ` AND provider = $3`
		args = append(args, provider)
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Connection
	for rows.Next() {
		c, err := scanConnection(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetConnectionByProvider(ctx context.Context, orgID, userID, provider string) (*types.Connection, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+connectionCols+` FROM connections
		WHERE organization_id = $1 AND user_id = $2 AND provider = $3 AND is_active
		ORDER BY created_at DESC LIMIT 1`, orgID, userID, provider)
	c, err := scanConnection(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

func (s *PostgresStore) UpdateConnection(ctx context.Context, c *types.Connection) error {
	meta, err := jsonCol(c.Metadata)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE connections SET name = $3, encrypted_credentials = $4, iv = $5,
			encryption_key_id = $6, data_key_ciphertext = $7, metadata = $8,
			test_status = $9, test_error = $10, last_tested = $11, is_active = $12, updated_at = now()
		WHERE organization_id = $1 AND id = $2`,
		c.OrganizationID, c.ID, c.Name, c.EncryptedCredentials, c.IV,
		c.EncryptionKeyID, c.DataKeyCiphertext, meta,
		c.TestStatus, c.TestError, c.LastTested, c.IsActive)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// ------------------------------------------------------------------
// Scoped tokens

func (s *PostgresStore) CreateScopedToken(ctx context.Context, t *types.ScopedToken) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scoped_tokens (id, token_hash, scope, step_id, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		t.ID, t.TokenHash, t.Scope, t.StepID, t.ExpiresAt, t.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

// ConsumeScopedToken sets used_at exactly once in a single atomic update
func (s *PostgresStore) ConsumeScopedToken(ctx context.Context, tokenHash string) (*types.ScopedToken, error) {
	var t types.ScopedToken
	err := s.db.QueryRowContext(ctx, `
		UPDATE scoped_tokens SET used_at = now()
		WHERE token_hash = $1 AND used_at IS NULL AND expires_at > now()
		RETURNING id, token_hash, scope, step_id, expires_at, used_at, created_at`, tokenHash).
		Scan(&t.ID, &t.TokenHash, &t.Scope, &t.StepID, &t.ExpiresAt, &t.UsedAt, &t.CreatedAt)
	if err == nil {
		return &t, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	// Classify the failure without leaking timing differences to callers.
	var usedAt sql.NullTime
	var expiresAt time.Time
	err = s.db.QueryRowContext(ctx,
		`SELECT used_at, expires_at FROM scoped_tokens WHERE token_hash = $1`, tokenHash).
		Scan(&usedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTokenUnknown
	}
	if err != nil {
		return nil, err
	}
	if usedAt.Valid {
		return nil, ErrTokenConsumed
	}
	return nil, ErrTokenExpired
}

// ------------------------------------------------------------------
// Encryption keys

func (s *PostgresStore) ActiveEncryptionKey(ctx context.Context) (*types.EncryptionKey, error) {
	var k types.EncryptionKey
	err := s.db.QueryRowContext(ctx, `
		SELECT id, key_id, COALESCE(kms_key_arn, ''), COALESCE(derived_key, ''), status, activated_at, rotated_at
		FROM encryption_keys WHERE status = $1 ORDER BY activated_at DESC LIMIT 1`,
		types.KeyStatusActive).
		Scan(&k.ID, &k.KeyID, &k.KMSKeyARN, &k.DerivedKey, &k.Status, &k.ActivatedAt, &k.RotatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &k, nil
}

func (s *PostgresStore) GetEncryptionKey(ctx context.Context, id string) (*types.EncryptionKey, error) {
	var k types.EncryptionKey
	err := s.db.QueryRowContext(ctx, `
		SELECT id, key_id, COALESCE(kms_key_arn, ''), COALESCE(derived_key, ''), status, activated_at, rotated_at
		FROM encryption_keys WHERE id = $1`, id).
		Scan(&k.ID, &k.KeyID, &k.KMSKeyARN, &k.DerivedKey, &k.Status, &k.ActivatedAt, &k.RotatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &k, nil
}

func (s *PostgresStore) CreateEncryptionKey(ctx context.Context, k *types.EncryptionKey) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// At most one active key at a time.
	if k.Status == types.KeyStatusActive {
		if _, err := tx.ExecContext(ctx, `
			UPDATE encryption_keys SET status = $1, rotated_at = now() WHERE status = $2`,
			types.KeyStatusRetired, types.KeyStatusActive); err != nil {
			return err
		}
	}

	var kmsARN, derived any
	if k.KMSKeyARN != "" {
		kmsARN = k.KMSKeyARN
	}
	if k.DerivedKey != "" {
		derived = k.DerivedKey
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO encryption_keys (id, key_id, kms_key_arn, derived_key, status, activated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		k.ID, k.KeyID, kmsARN, derived, k.Status, k.ActivatedAt); err != nil {
		return err
	}
	return tx.Commit()
}

// ------------------------------------------------------------------
// Executions

func (s *PostgresStore) CreateExecution(ctx context.Context, e *types.Execution) error {
	triggerData, err := jsonCol(e.TriggerData)
	if err != nil {
		return err
	}
	nodeResults, err := jsonCol(e.NodeResults)
	if err != nil {
		return err
	}
	replay, err := jsonCol(e.Replay)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO executions (id, workflow_id, organization_id, version_id, status, trigger_type,
			trigger_data, node_results, replay, started_at, cost_cents, api_calls_made, tokens_used, cancel_requested)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, false)`,
		e.ID, e.WorkflowID, e.OrganizationID, e.VersionID, e.Status, e.TriggerType,
		triggerData, nodeResults, replay, e.StartedAt, e.CostCents, e.APICallsMade, e.TokensUsed)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

const executionCols = `id, workflow_id, organization_id, COALESCE(version_id, ''), status, trigger_type,
	trigger_data, node_results, error_details, replay, started_at, completed_at,
	duration_ms, cost_cents, api_calls_made, tokens_used, cancel_requested`

func scanExecution(scan func(dest ...any) error) (*types.Execution, error) {
	var e types.Execution
	var triggerData, nodeResults, errorDetails, replay []byte
	var durationMS int64
	err := scan(&e.ID, &e.WorkflowID, &e.OrganizationID, &e.VersionID, &e.Status, &e.TriggerType,
		&triggerData, &nodeResults, &errorDetails, &replay, &e.StartedAt, &e.CompletedAt,
		&durationMS, &e.CostCents, &e.APICallsMade, &e.TokensUsed, &e.CancelRequested)
	if err != nil {
		return nil, err
	}
	e.Duration = time.Duration(durationMS) * time.Millisecond
	if e.TriggerData, err = jsonScan[map[string]any](triggerData); err != nil {
		return nil, err
	}
	if e.NodeResults, err = jsonScan[map[string]any](nodeResults); err != nil {
		return nil, err
	}
	if e.ErrorDetails, err = jsonScan[*types.ErrorDetails](errorDetails); err != nil {
		return nil, err
	}
	if e.Replay, err = jsonScan[*types.ReplayInfo](replay); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *PostgresStore) GetExecution(ctx context.Context, id string) (*types.Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionCols+` FROM executions WHERE id = $1`, id)
	e, err := scanExecution(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

func (s *PostgresStore) UpdateExecution(ctx context.Context, e *types.Execution) error {
	nodeResults, err := jsonCol(e.NodeResults)
	if err != nil {
		return err
	}
	errorDetails, err := jsonCol(e.ErrorDetails)
	if err != nil {
		return err
	}
	var versionID any
	if e.VersionID != "" {
		versionID = e.VersionID
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions SET status = $2, version_id = $3, node_results = $4, error_details = $5,
			completed_at = $6, duration_ms = $7, cost_cents = $8, api_calls_made = $9, tokens_used = $10
		WHERE id = $1`,
		e.ID, e.Status, versionID, nodeResults, errorDetails,
		e.CompletedAt, e.Duration.Milliseconds(), e.CostCents, e.APICallsMade, e.TokensUsed)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PostgresStore) ListExecutions(ctx context.Context, f ExecutionFilter) ([]*types.Execution, error) {
	var conds []string
	var args []any
	add := func(cond string, val any) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.OrganizationID != "" {
		add("organization_id = $%d", f.OrganizationID)
	}
	if f.WorkflowID != "" {
		add("workflow_id = $%d", f.WorkflowID)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	query := `SELECT ` + executionCols + ` FROM executions`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY started_at DESC`
	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query += fmt.Sprintf(` LIMIT %d`, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Execution
	for rows.Next() {
		e, err := scanExecution(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RequestCancel(ctx context.Context, executionID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions SET cancel_requested = true WHERE id = $1`, executionID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// ------------------------------------------------------------------
// Node executions and idempotency results

func (s *PostgresStore) CreateNodeExecution(ctx context.Context, n *types.NodeExecution) error {
	input, err := jsonCol(n.Input)
	if err != nil {
		return err
	}
	output, err := jsonCol(n.Output)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO node_executions (execution_id, node_id, attempt, status, started_at, ended_at,
			input, output, error, idempotency_key, request_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		n.ExecutionID, n.NodeID, n.Attempt, n.Status, n.StartedAt, n.EndedAt,
		input, output, n.Error, n.IdempotencyKey, n.RequestHash)
	return err
}

func (s *PostgresStore) UpdateNodeExecution(ctx context.Context, n *types.NodeExecution) error {
	output, err := jsonCol(n.Output)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE node_executions SET status = $4, ended_at = $5, output = $6, error = $7
		WHERE execution_id = $1 AND node_id = $2 AND attempt = $3`,
		n.ExecutionID, n.NodeID, n.Attempt, n.Status, n.EndedAt, output, n.Error)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PostgresStore) ListNodeExecutions(ctx context.Context, executionID string) ([]*types.NodeExecution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT execution_id, node_id, attempt, status, started_at, ended_at,
			input, output, COALESCE(error, ''), COALESCE(idempotency_key, ''), COALESCE(request_hash, '')
		FROM node_executions WHERE execution_id = $1 ORDER BY started_at, attempt`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.NodeExecution
	for rows.Next() {
		var n types.NodeExecution
		var input, output []byte
		if err := rows.Scan(&n.ExecutionID, &n.NodeID, &n.Attempt, &n.Status, &n.StartedAt, &n.EndedAt,
			&input, &output, &n.Error, &n.IdempotencyKey, &n.RequestHash); err != nil {
			return nil, err
		}
		if n.Input, err = jsonScan[map[string]any](input); err != nil {
			return nil, err
		}
		if n.Output, err = jsonScan[map[string]any](output); err != nil {
			return nil, err
		}
		out = append(out, &n)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetNodeResult(ctx context.Context, executionID, nodeID, idempotencyKey string) (*types.NodeExecutionResult, error) {
	var r types.NodeExecutionResult
	var data []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT execution_id, node_id, idempotency_key, result_hash, result_data, expires_at
		FROM node_execution_results
		WHERE execution_id = $1 AND node_id = $2 AND idempotency_key = $3`,
		executionID, nodeID, idempotencyKey).
		Scan(&r.ExecutionID, &r.NodeID, &r.IdempotencyKey, &r.ResultHash, &data, &r.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if r.ResultData, err = jsonScan[map[string]any](data); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PostgresStore) PutNodeResult(ctx context.Context, r *types.NodeExecutionResult) error {
	data, err := jsonCol(r.ResultData)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO node_execution_results (execution_id, node_id, idempotency_key, result_hash, result_data, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (execution_id, node_id, idempotency_key)
		DO UPDATE SET result_hash = EXCLUDED.result_hash, result_data = EXCLUDED.result_data, expires_at = EXCLUDED.expires_at`,
		r.ExecutionID, r.NodeID, r.IdempotencyKey, r.ResultHash, data, r.ExpiresAt)
	return err
}

func (s *PostgresStore) DeleteExpiredNodeResults(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM node_execution_results WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ------------------------------------------------------------------
// Resume tokens

func (s *PostgresStore) CreateResumeToken(ctx context.Context, t *types.ResumeToken) error {
	state, err := jsonCol(t.ResumeState)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO resume_tokens (id, token_hash, execution_id, workflow_id, organization_id, node_id,
			resume_state, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		t.ID, t.TokenHash, t.ExecutionID, t.WorkflowID, t.OrganizationID, t.NodeID,
		state, t.ExpiresAt, t.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

// ConsumeResumeToken performs the conditional single-use update
func (s *PostgresStore) ConsumeResumeToken(ctx context.Context, match ResumeConsume) (*types.ResumeToken, error) {
	query := `
		UPDATE resume_tokens SET consumed_at = now()
		WHERE token_hash = $1 AND consumed_at IS NULL AND expires_at > now()`
	args := []any{match.TokenHash}
	if match.ExecutionID != "" {
		args = append(args, match.ExecutionID)
		query += fmt.Sprintf(" AND execution_id = $%d", len(args))
	}
	if match.NodeID != "" {
		args = append(args, match.NodeID)
		query += fmt.Sprintf(" AND node_id = $%d", len(args))
	}
	if match.OrganizationID != "" {
		args = append(args, match.OrganizationID)
		query += fmt.Sprintf(" AND organization_id = $%d", len(args))
	}
	query += ` RETURNING id, token_hash, execution_id, workflow_id, organization_id, node_id,
		resume_state, expires_at, consumed_at, created_at`

	var t types.ResumeToken
	var state []byte
	err := s.db.QueryRowContext(ctx, query, args...).
		Scan(&t.ID, &t.TokenHash, &t.ExecutionID, &t.WorkflowID, &t.OrganizationID, &t.NodeID,
			&state, &t.ExpiresAt, &t.ConsumedAt, &t.CreatedAt)
	if err == nil {
		t.ResumeState, err = jsonScan[map[string]any](state)
		return &t, err
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	var consumedAt sql.NullTime
	var expiresAt time.Time
	err = s.db.QueryRowContext(ctx,
		`SELECT consumed_at, expires_at FROM resume_tokens WHERE token_hash = $1`, match.TokenHash).
		Scan(&consumedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTokenUnknown
	}
	if err != nil {
		return nil, err
	}
	if consumedAt.Valid {
		return nil, ErrTokenConsumed
	}
	if time.Now().After(expiresAt) {
		return nil, ErrTokenExpired
	}
	// Token exists, unconsumed and unexpired: scope constraints mismatched.
	return nil, ErrTokenUnknown
}

// ReopenResumeToken clears consumed_at so the token can be redeemed again
func (s *PostgresStore) ReopenResumeToken(ctx context.Context, tokenHash string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE resume_tokens SET consumed_at = NULL WHERE token_hash = $1`, tokenHash)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrTokenUnknown
	}
	return nil
}

// ------------------------------------------------------------------
// Timers

func (s *PostgresStore) CreateTimer(ctx context.Context, t *types.WorkflowTimer) error {
	payload, err := jsonCol(t.Payload)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_timers (id, execution_id, resume_at, payload, status, attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID, t.ExecutionID, t.ResumeAt, payload, t.Status, t.Attempts, t.CreatedAt)
	return err
}

func (s *PostgresStore) ClaimDueTimers(ctx context.Context, now time.Time, limit int) ([]*types.WorkflowTimer, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE workflow_timers SET status = $1, attempts = attempts + 1
		WHERE id IN (
			SELECT id FROM workflow_timers
			WHERE status = $2 AND resume_at <= $3
			ORDER BY resume_at
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, execution_id, resume_at, payload, status, attempts, created_at`,
		types.TimerDispatched, types.TimerPending, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.WorkflowTimer
	for rows.Next() {
		var t types.WorkflowTimer
		var payload []byte
		if err := rows.Scan(&t.ID, &t.ExecutionID, &t.ResumeAt, &payload, &t.Status, &t.Attempts, &t.CreatedAt); err != nil {
			return nil, err
		}
		if t.Payload, err = jsonScan[map[string]any](payload); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkTimerFailed(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_timers SET status = $2 WHERE id = $1`, id, types.TimerFailed)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// ------------------------------------------------------------------
// Webhooks

func (s *PostgresStore) CreateWebhookTrigger(ctx context.Context, w *types.WebhookTrigger) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_triggers (id, workflow_id, organization_id, app_id, trigger_id, secret, provider, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		w.ID, w.WorkflowID, w.OrganizationID, w.AppID, w.TriggerID, w.Secret, w.Provider, w.IsActive, w.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (s *PostgresStore) GetWebhookTrigger(ctx context.Context, id string) (*types.WebhookTrigger, error) {
	var w types.WebhookTrigger
	err := s.db.QueryRowContext(ctx, `
		SELECT id, workflow_id, organization_id, app_id, trigger_id, COALESCE(secret, ''), COALESCE(provider, ''), is_active, created_at
		FROM webhook_triggers WHERE id = $1`, id).
		Scan(&w.ID, &w.WorkflowID, &w.OrganizationID, &w.AppID, &w.TriggerID, &w.Secret, &w.Provider, &w.IsActive, &w.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &w, err
}

func (s *PostgresStore) ListWebhookTriggers(ctx context.Context) ([]*types.WebhookTrigger, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workflow_id, organization_id, app_id, trigger_id, COALESCE(secret, ''), COALESCE(provider, ''), is_active, created_at
		FROM webhook_triggers WHERE is_active`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.WebhookTrigger
	for rows.Next() {
		var w types.WebhookTrigger
		if err := rows.Scan(&w.ID, &w.WorkflowID, &w.OrganizationID, &w.AppID, &w.TriggerID, &w.Secret, &w.Provider, &w.IsActive, &w.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &w)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SaveWebhookEvent(ctx context.Context, e *types.WebhookEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_events (id, webhook_id, workflow_id, source, dedupe_token, duplicate, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.WebhookID, e.WorkflowID, e.Source, e.DedupeToken, e.Duplicate, e.ReceivedAt)
	return err
}

func (s *PostgresStore) MarkWebhookEventProcessed(ctx context.Context, id, executionID, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE webhook_events SET execution_id = NULLIF($2, ''), error = NULLIF($3, ''), processed_at = now()
		WHERE id = $1`, id, executionID, errMsg)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PostgresStore) InsertWebhookDedupe(ctx context.Context, d *types.WebhookDedupe) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_dedupe (trigger_id, token, created_at) VALUES ($1, $2, $3)`,
		d.TriggerID, d.Token, d.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDedupeConflict
	}
	return err
}

func (s *PostgresStore) DeleteExpiredWebhookDedupe(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM webhook_dedupe WHERE created_at < $1`, olderThan)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ------------------------------------------------------------------
// Polling triggers

func (s *PostgresStore) CreatePollingTrigger(ctx context.Context, p *types.PollingTrigger) error {
	params, err := jsonCol(p.Parameters)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO polling_triggers (id, workflow_id, organization_id, app_id, trigger_id, op, connection_id, parameters,
			interval_ms, last_poll, next_poll_at, is_active, cursor, backoff_count, last_status, dedupe_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		p.ID, p.WorkflowID, p.OrganizationID, p.AppID, p.TriggerID, p.Op, p.ConnectionID, params,
		p.Interval.Milliseconds(), p.LastPoll, p.NextPollAt, p.IsActive, p.Cursor, p.BackoffCount, p.LastStatus, p.DedupeKey)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (s *PostgresStore) ListActivePollingTriggers(ctx context.Context) ([]*types.PollingTrigger, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workflow_id, organization_id, app_id, trigger_id, op, COALESCE(connection_id, ''), parameters,
			interval_ms, last_poll, next_poll_at, is_active, COALESCE(cursor, ''), backoff_count,
			COALESCE(last_status, ''), COALESCE(dedupe_key, '')
		FROM polling_triggers WHERE is_active ORDER BY next_poll_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.PollingTrigger
	for rows.Next() {
		var p types.PollingTrigger
		var params []byte
		var intervalMS int64
		if err := rows.Scan(&p.ID, &p.WorkflowID, &p.OrganizationID, &p.AppID, &p.TriggerID, &p.Op, &p.ConnectionID, &params,
			&intervalMS, &p.LastPoll, &p.NextPollAt, &p.IsActive, &p.Cursor, &p.BackoffCount,
			&p.LastStatus, &p.DedupeKey); err != nil {
			return nil, err
		}
		p.Interval = time.Duration(intervalMS) * time.Millisecond
		if p.Parameters, err = jsonScan[map[string]any](params); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdatePollingTrigger(ctx context.Context, p *types.PollingTrigger) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE polling_triggers SET last_poll = $2, next_poll_at = $3, is_active = $4,
			cursor = $5, backoff_count = $6, last_status = $7
		WHERE id = $1`,
		p.ID, p.LastPoll, p.NextPollAt, p.IsActive, p.Cursor, p.BackoffCount, p.LastStatus)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// ------------------------------------------------------------------
// Admission

// Admit checks and increments the organization counters atomically under a
// row lock. The 60-second window is fixed with rollover.
func (s *PostgresStore) Admit(ctx context.Context, orgID string, limits *types.PlanLimits) (*AdmissionDecision, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// Ensure the counter row exists, then lock it.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO organization_execution_counters (organization_id, running_executions, executions_in_window, window_start)
		VALUES ($1, 0, 0, now())
		ON CONFLICT (organization_id) DO NOTHING`, orgID); err != nil {
		return nil, err
	}

	var running, inWindow int
	var windowStart time.Time
	if err := tx.QueryRowContext(ctx, `
		SELECT running_executions, executions_in_window, window_start
		FROM organization_execution_counters
		WHERE organization_id = $1 FOR UPDATE`, orgID).
		Scan(&running, &inWindow, &windowStart); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if now.Sub(windowStart) > time.Minute {
		inWindow = 0
		windowStart = now
	}

	if limits.MaxConcurrentExecutions > 0 && running >= limits.MaxConcurrentExecutions {
		return &AdmissionDecision{
			Admitted: false, Reason: "concurrency_exceeded",
			ObservedValue: running, LimitValue: limits.MaxConcurrentExecutions,
			WindowCount: inWindow, WindowStart: windowStart,
		}, tx.Commit()
	}
	if limits.MaxExecutionsPerMinute > 0 && inWindow >= limits.MaxExecutionsPerMinute {
		return &AdmissionDecision{
			Admitted: false, Reason: "rpm_exceeded",
			ObservedValue: inWindow, LimitValue: limits.MaxExecutionsPerMinute,
			WindowCount: inWindow, WindowStart: windowStart,
		}, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE organization_execution_counters
		SET running_executions = $2, executions_in_window = $3, window_start = $4
		WHERE organization_id = $1`,
		orgID, running+1, inWindow+1, windowStart); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &AdmissionDecision{
		Admitted:      true,
		ObservedValue: running + 1,
		WindowCount:   inWindow + 1,
		WindowStart:   windowStart,
	}, nil
}

func (s *PostgresStore) ReleaseExecution(ctx context.Context, orgID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE organization_execution_counters
		SET running_executions = GREATEST(running_executions - 1, 0)
		WHERE organization_id = $1`, orgID)
	return err
}

// ------------------------------------------------------------------
// Audit

func (s *PostgresStore) AppendQuotaAudit(ctx context.Context, e *types.QuotaAuditEvent) error {
	meta, err := jsonCol(e.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO organization_execution_quota_audit
			(id, organization_id, event_type, limit_value, observed_value, window_count, window_start, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.OrganizationID, e.EventType, e.LimitValue, e.ObservedValue, e.WindowCount, e.WindowStart, meta, e.CreatedAt)
	return err
}

func (s *PostgresStore) ListQuotaAudit(ctx context.Context, orgID string, limit int) ([]*types.QuotaAuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, organization_id, event_type, limit_value, observed_value, window_count, window_start, metadata, created_at
		FROM organization_execution_quota_audit
		WHERE organization_id = $1 ORDER BY created_at DESC LIMIT $2`, orgID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.QuotaAuditEvent
	for rows.Next() {
		var e types.QuotaAuditEvent
		var meta []byte
		if err := rows.Scan(&e.ID, &e.OrganizationID, &e.EventType, &e.LimitValue, &e.ObservedValue,
			&e.WindowCount, &e.WindowStart, &meta, &e.CreatedAt); err != nil {
			return nil, err
		}
		if e.Metadata, err = jsonScan[map[string]string](meta); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AppendSecretAccess(ctx context.Context, e *types.SecretAccessEvent) error {
	meta, err := jsonCol(e.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO secret_access_audit (id, type, provider, user_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.Type, e.Provider, e.UserID, meta, e.CreatedAt)
	return err
}
