package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/stackwatch/stackwatch/internal/errs"
	"github.com/stackwatch/stackwatch/internal/model"
)

// PostgresStore is the durable Store: one JSONB document table per entity
// kind. Natural-key upserts use ON CONFLICT DO UPDATE, the notification
// conditional insert uses ON CONFLICT DO NOTHING on the dedupe key, and the
// service compare-and-swap is a guarded UPDATE on a version column.
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresStore opens and pings a Postgres connection.
func NewPostgresStore(dsn string, logger *slog.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &PostgresStore{db: db, logger: logger}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS components (
	id      TEXT PRIMARY KEY,
	name    TEXT NOT NULL,
	version TEXT NOT NULL,
	doc     JSONB NOT NULL,
	UNIQUE (name, version)
);
CREATE TABLE IF NOT EXISTS services (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL UNIQUE,
	doc_version BIGINT NOT NULL DEFAULT 0,
	doc         JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS vulnerabilities (
	id     TEXT PRIMARY KEY,
	cve_id TEXT,
	doc    JSONB NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS vulnerabilities_cve_idx
	ON vulnerabilities (cve_id) WHERE cve_id <> '';
CREATE TABLE IF NOT EXISTS notifications (
	id         TEXT PRIMARY KEY,
	dedupe_key TEXT NOT NULL UNIQUE,
	service_id TEXT NOT NULL,
	read       BOOLEAN NOT NULL DEFAULT FALSE,
	expires_at TIMESTAMPTZ,
	doc        JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS reports (
	id  TEXT PRIMARY KEY,
	doc JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS users (
	id   TEXT PRIMARY KEY,
	role TEXT NOT NULL,
	doc  JSONB NOT NULL
);
`

// EnsureSchema creates the document tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return errs.Store("ensure schema", err)
	}
	return nil
}

func marshalDoc(v any) ([]byte, error) {
	doc, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal document: %w", err)
	}
	return doc, nil
}

func (s *PostgresStore) UpsertComponent(ctx context.Context, c *model.Component) (*model.Component, error) {
	doc, err := marshalDoc(c)
	if err != nil {
		return nil, err
	}
	// The no-op DO UPDATE makes RETURNING yield the surviving row on
	// conflict, so a repeated observation reads back the original document.
	query := `
		INSERT INTO components (id, name, version, doc)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name, version) DO UPDATE SET name = components.name
		RETURNING doc
	`
	var stored []byte
	if err := s.db.QueryRowContext(ctx, query, c.ID, c.Name, c.Version, doc).Scan(&stored); err != nil {
		return nil, errs.Store("upsert component", err)
	}
	var out model.Component
	if err := json.Unmarshal(stored, &out); err != nil {
		return nil, errs.Store("decode component", err)
	}
	return &out, nil
}

func (s *PostgresStore) GetComponent(ctx context.Context, id string) (*model.Component, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM components WHERE id = $1`, id).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, errs.NotFound("component", id)
	}
	if err != nil {
		return nil, errs.Store("get component", err)
	}
	var out model.Component
	if err := json.Unmarshal(doc, &out); err != nil {
		return nil, errs.Store("decode component", err)
	}
	return &out, nil
}

func (s *PostgresStore) FindComponent(ctx context.Context, name, version string) (*model.Component, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM components WHERE name = $1 AND version = $2`, name, version).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, errs.NotFound("component", name+"@"+version)
	}
	if err != nil {
		return nil, errs.Store("find component", err)
	}
	var out model.Component
	if err := json.Unmarshal(doc, &out); err != nil {
		return nil, errs.Store("decode component", err)
	}
	return &out, nil
}

func (s *PostgresStore) ListComponents(ctx context.Context) ([]*model.Component, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT doc FROM components ORDER BY name, version`)
	if err != nil {
		return nil, errs.Store("list components", err)
	}
	defer rows.Close()

	var out []*model.Component
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, errs.Store("scan component", err)
		}
		var c model.Component
		if err := json.Unmarshal(doc, &c); err != nil {
			return nil, errs.Store("decode component", err)
		}
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Store("list components", err)
	}
	return out, nil
}

func (s *PostgresStore) UpdateComponentCheck(ctx context.Context, id, latestVersion string, updateAvailable bool, checkedAt time.Time) error {
	patch, err := marshalDoc(map[string]any{
		"latest_version":   latestVersion,
		"update_available": updateAvailable,
		"last_checked":     checkedAt,
	})
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE components SET doc = doc || $2 WHERE id = $1`, id, patch)
	if err != nil {
		return errs.Store("update component check", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errs.Store("update component check", err)
	}
	if n == 0 {
		return errs.NotFound("component", id)
	}
	return nil
}

func (s *PostgresStore) CreateService(ctx context.Context, svc *model.Service) error {
	doc, err := marshalDoc(svc)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO services (id, name, doc_version, doc) VALUES ($1, $2, $3, $4)`,
		svc.ID, svc.Name, svc.DocVersion, doc)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code.Name() == "unique_violation" {
			return errs.Conflict("service", svc.Name)
		}
		return errs.Store("create service", err)
	}
	return nil
}

func (s *PostgresStore) scanService(row *sql.Row, id string) (*model.Service, error) {
	var doc []byte
	var docVersion int64
	err := row.Scan(&doc, &docVersion)
	if err == sql.ErrNoRows {
		return nil, errs.NotFound("service", id)
	}
	if err != nil {
		return nil, errs.Store("get service", err)
	}
	var out model.Service
	if err := json.Unmarshal(doc, &out); err != nil {
		return nil, errs.Store("decode service", err)
	}
	out.DocVersion = docVersion
	return &out, nil
}

func (s *PostgresStore) GetService(ctx context.Context, id string) (*model.Service, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT doc, doc_version FROM services WHERE id = $1`, id)
	return s.scanService(row, id)
}

func (s *PostgresStore) FindServiceByName(ctx context.Context, name string) (*model.Service, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT doc, doc_version FROM services WHERE name = $1`, name)
	return s.scanService(row, name)
}

func (s *PostgresStore) listServices(ctx context.Context, query string, args ...any) ([]*model.Service, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Store("list services", err)
	}
	defer rows.Close()

	var out []*model.Service
	for rows.Next() {
		var doc []byte
		var docVersion int64
		if err := rows.Scan(&doc, &docVersion); err != nil {
			return nil, errs.Store("scan service", err)
		}
		var svc model.Service
		if err := json.Unmarshal(doc, &svc); err != nil {
			return nil, errs.Store("decode service", err)
		}
		svc.DocVersion = docVersion
		out = append(out, &svc)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Store("list services", err)
	}
	return out, nil
}

func (s *PostgresStore) ListServices(ctx context.Context) ([]*model.Service, error) {
	return s.listServices(ctx, `SELECT doc, doc_version FROM services ORDER BY name`)
}

func (s *PostgresStore) ListServicesByComponent(ctx context.Context, componentID string) ([]*model.Service, error) {
	return s.listServices(ctx,
		`SELECT doc, doc_version FROM services WHERE doc->'component_ids' ? $1 ORDER BY name`,
		componentID)
}

func (s *PostgresStore) UpdateService(ctx context.Context, svc *model.Service) error {
	next := svc.Clone()
	next.DocVersion = svc.DocVersion + 1
	next.UpdatedAt = time.Now().UTC()
	doc, err := marshalDoc(next)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE services SET doc = $3, doc_version = doc_version + 1
		WHERE id = $1 AND doc_version = $2
	`, svc.ID, svc.DocVersion, doc)
	if err != nil {
		return errs.Store("update service", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errs.Store("update service", err)
	}
	if n == 0 {
		// Distinguish a lost race from a missing document.
		var exists bool
		if err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM services WHERE id = $1)`, svc.ID).Scan(&exists); err != nil {
			return errs.Store("update service", err)
		}
		if !exists {
			return errs.NotFound("service", svc.ID)
		}
		return errs.Conflict("service", svc.ID)
	}
	svc.DocVersion = next.DocVersion
	svc.UpdatedAt = next.UpdatedAt
	return nil
}

func (s *PostgresStore) CreateVulnerability(ctx context.Context, v *model.Vulnerability) error {
	doc, err := marshalDoc(v)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO vulnerabilities (id, cve_id, doc) VALUES ($1, $2, $3)`,
		v.ID, v.CVEID, doc)
	if err != nil {
		return errs.Store("create vulnerability", err)
	}
	return nil
}

func (s *PostgresStore) GetVulnerability(ctx context.Context, id string) (*model.Vulnerability, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM vulnerabilities WHERE id = $1`, id).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, errs.NotFound("vulnerability", id)
	}
	if err != nil {
		return nil, errs.Store("get vulnerability", err)
	}
	var out model.Vulnerability
	if err := json.Unmarshal(doc, &out); err != nil {
		return nil, errs.Store("decode vulnerability", err)
	}
	return &out, nil
}

func (s *PostgresStore) FindVulnerabilityByCVE(ctx context.Context, cveID string) (*model.Vulnerability, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM vulnerabilities WHERE cve_id = $1 AND cve_id <> ''`, cveID).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, errs.NotFound("vulnerability", cveID)
	}
	if err != nil {
		return nil, errs.Store("find vulnerability", err)
	}
	var out model.Vulnerability
	if err := json.Unmarshal(doc, &out); err != nil {
		return nil, errs.Store("decode vulnerability", err)
	}
	return &out, nil
}

func (s *PostgresStore) UpdateVulnerabilityStatus(ctx context.Context, id string, status model.VulnStatus) error {
	patch, err := marshalDoc(map[string]any{"status": status})
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE vulnerabilities SET doc = doc || $2 WHERE id = $1`, id, patch)
	if err != nil {
		return errs.Store("update vulnerability status", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errs.Store("update vulnerability status", err)
	}
	if n == 0 {
		return errs.NotFound("vulnerability", id)
	}
	return nil
}

func (s *PostgresStore) CreateNotificationIfAbsent(ctx context.Context, n *model.Notification) (bool, *model.Notification, error) {
	doc, err := marshalDoc(n)
	if err != nil {
		return false, nil, err
	}
	key := n.DedupeKey()
	var id string
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO notifications (id, dedupe_key, service_id, read, expires_at, doc)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (dedupe_key) DO NOTHING
		RETURNING id
	`, n.ID, key, n.ServiceID, n.Read, n.ExpiresAt, doc).Scan(&id)
	if err == nil {
		return true, n.Clone(), nil
	}
	if err != sql.ErrNoRows {
		return false, nil, errs.Store("create notification", err)
	}

	// Lost the insert to an earlier notification; return the survivor.
	var stored []byte
	if err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM notifications WHERE dedupe_key = $1`, key).Scan(&stored); err != nil {
		return false, nil, errs.Store("load existing notification", err)
	}
	var out model.Notification
	if err := json.Unmarshal(stored, &out); err != nil {
		return false, nil, errs.Store("decode notification", err)
	}
	return false, &out, nil
}

func (s *PostgresStore) ListNotifications(ctx context.Context, f NotificationFilter) ([]*model.Notification, error) {
	query := `SELECT doc FROM notifications WHERE ($1 = '' OR service_id = $1)
		AND ($2 = '' OR doc->>'type' = $2)
		AND (NOT $3 OR read = FALSE)
		ORDER BY doc->>'created_at'`
	rows, err := s.db.QueryContext(ctx, query, f.ServiceID, string(f.Type), f.UnreadOnly)
	if err != nil {
		return nil, errs.Store("list notifications", err)
	}
	defer rows.Close()

	var out []*model.Notification
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, errs.Store("scan notification", err)
		}
		var n model.Notification
		if err := json.Unmarshal(doc, &n); err != nil {
			return nil, errs.Store("decode notification", err)
		}
		out = append(out, &n)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Store("list notifications", err)
	}
	return out, nil
}

func (s *PostgresStore) MarkNotificationRead(ctx context.Context, id string) error {
	patch, _ := marshalDoc(map[string]any{"read": true})
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET read = TRUE, doc = doc || $2 WHERE id = $1`, id, patch)
	if err != nil {
		return errs.Store("mark notification read", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errs.Store("mark notification read", err)
	}
	if n == 0 {
		return errs.NotFound("notification", id)
	}
	return nil
}

func (s *PostgresStore) DeleteExpiredNotifications(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM notifications WHERE expires_at IS NOT NULL AND expires_at < $1`, now)
	if err != nil {
		return 0, errs.Store("delete expired notifications", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errs.Store("delete expired notifications", err)
	}
	return int(n), nil
}

func (s *PostgresStore) CreateReport(ctx context.Context, r *model.Report) error {
	doc, err := marshalDoc(r)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO reports (id, doc) VALUES ($1, $2)`, r.ID, doc); err != nil {
		return errs.Store("create report", err)
	}
	return nil
}

func (s *PostgresStore) GetReport(ctx context.Context, id string) (*model.Report, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM reports WHERE id = $1`, id).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, errs.NotFound("report", id)
	}
	if err != nil {
		return nil, errs.Store("get report", err)
	}
	var out model.Report
	if err := json.Unmarshal(doc, &out); err != nil {
		return nil, errs.Store("decode report", err)
	}
	return &out, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, u *model.User) error {
	doc, err := marshalDoc(u)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, role, doc) VALUES ($1, $2, $3)`, u.ID, string(u.Role), doc); err != nil {
		return errs.Store("create user", err)
	}
	return nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM users WHERE id = $1`, id).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, errs.NotFound("user", id)
	}
	if err != nil {
		return nil, errs.Store("get user", err)
	}
	var out model.User
	if err := json.Unmarshal(doc, &out); err != nil {
		return nil, errs.Store("decode user", err)
	}
	return &out, nil
}

func (s *PostgresStore) listUsers(ctx context.Context, query string, args ...any) ([]*model.User, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Store("list users", err)
	}
	defer rows.Close()

	var out []*model.User
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, errs.Store("scan user", err)
		}
		var u model.User
		if err := json.Unmarshal(doc, &u); err != nil {
			return nil, errs.Store("decode user", err)
		}
		out = append(out, &u)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Store("list users", err)
	}
	return out, nil
}

func (s *PostgresStore) ListUsersByRole(ctx context.Context, roles ...model.Role) ([]*model.User, error) {
	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = string(r)
	}
	return s.listUsers(ctx,
		`SELECT doc FROM users WHERE role = ANY($1) ORDER BY id`, pq.Array(names))
}

func (s *PostgresStore) ListUsersOptedIn(ctx context.Context, t model.NotificationType) ([]*model.User, error) {
	return s.listUsers(ctx, `
		SELECT doc FROM users
		WHERE COALESCE((doc->'preferences'->>$1)::boolean, FALSE)
		ORDER BY id
	`, string(t))
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return errs.Store("ping", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
