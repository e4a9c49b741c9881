package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrVersionConflict is returned when a version-gated document write loses to
// a concurrent writer. Callers surface it as a Conflict, never retry it here.
var ErrVersionConflict = errors.New("version conflict")

// ErrLinkUnavailable is returned when a share link's conditional uses
// increment affects no row: the link was revoked, expired, or exhausted
// between validation and the write.
var ErrLinkUnavailable = errors.New("share link unavailable")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping db: %w", err)
	}
	return nil
}

// ----- users -----

func (s *PostgresStore) GetUserBySub(ctx context.Context, sub string) (User, error) {
	var u User
	err := s.db.QueryRowContext(ctx, `
		SELECT sub, name, email, created_at FROM users WHERE sub=$1
	`, sub).Scan(&u.Sub, &u.Name, &u.Email, &u.CreatedAt)
	if err != nil {
		return User{}, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func (s *PostgresStore) GetUserByName(ctx context.Context, name string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx, `
		SELECT sub, name, email, created_at FROM users WHERE name=$1
	`, name).Scan(&u.Sub, &u.Name, &u.Email, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user by name: %w", err)
	}
	return &u, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx, `
		SELECT sub, name, email, created_at FROM users WHERE email=$1 AND email <> ''
	`, email).Scan(&u.Sub, &u.Name, &u.Email, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user by email: %w", err)
	}
	return &u, nil
}

func (s *PostgresStore) InsertUser(ctx context.Context, u User) (User, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (sub, name, email)
		VALUES ($1, $2, $3)
		ON CONFLICT (sub) DO UPDATE SET name=EXCLUDED.name
		RETURNING sub, name, email, created_at
	`, u.Sub, u.Name, u.Email).Scan(&u.Sub, &u.Name, &u.Email, &u.CreatedAt)
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}

func (s *PostgresStore) SearchUsers(ctx context.Context, q string, limit int) ([]User, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT sub, name, email, created_at FROM users
		WHERE name ILIKE '%' || $1 || '%' OR email ILIKE '%' || $1 || '%'
		ORDER BY name
		LIMIT $2
	`, q, limit)
	if err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.Sub, &u.Name, &u.Email, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return users, nil
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT sub, name, email, created_at FROM users ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.Sub, &u.Name, &u.Email, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return users, nil
}

// ----- projects -----

func (s *PostgresStore) GetProject(ctx context.Context, id string) (Project, error) {
	var p Project
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, owner_sub, created_at, updated_at FROM projects WHERE id=$1
	`, id).Scan(&p.ID, &p.Name, &p.OwnerSub, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return Project{}, fmt.Errorf("get project: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) InsertProject(ctx context.Context, p Project) (Project, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO projects (id, name, owner_sub)
		VALUES ($1, $2, $3)
		RETURNING id, name, owner_sub, created_at, updated_at
	`, p.ID, p.Name, p.OwnerSub).Scan(&p.ID, &p.Name, &p.OwnerSub, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return Project{}, fmt.Errorf("insert project: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) ListProjectDocumentIDs(ctx context.Context, projectID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM documents WHERE project_id=$1 ORDER BY created_at`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list project documents: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan document id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate document ids: %w", err)
	}
	return ids, nil
}

// ----- documents -----

func (s *PostgresStore) GetDocument(ctx context.Context, id string) (Document, error) {
	var d Document
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, data, version, created_by, created_at, updated_at
		FROM documents WHERE id=$1
	`, id).Scan(&d.ID, &d.ProjectID, &d.Data, &d.Version, &d.CreatedBy, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return Document{}, fmt.Errorf("get document: %w", err)
	}
	return d, nil
}

func (s *PostgresStore) InsertDocument(ctx context.Context, d Document) (Document, error) {
	if len(d.Data) == 0 {
		d.Data = json.RawMessage(`{}`)
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO documents (id, project_id, data, created_by)
		VALUES ($1, $2, $3, $4)
		RETURNING id, project_id, data, version, created_by, created_at, updated_at
	`, d.ID, d.ProjectID, []byte(d.Data), d.CreatedBy).
		Scan(&d.ID, &d.ProjectID, &d.Data, &d.Version, &d.CreatedBy, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return Document{}, fmt.Errorf("insert document: %w", err)
	}
	return d, nil
}

// MutateFunc computes the next document payload from the current one and
// returns it together with the raw ops recorded in the revision log.
type MutateFunc func(current json.RawMessage) (next json.RawMessage, ops json.RawMessage, err error)

// ApplyDocumentMutation performs the version-gated write: inside one
// transaction it reads the current version, rejects a stale baseVersion, then
// issues the conditional UPDATE and re-checks the affected row count. The
// pre-check plus the conditional write close the read-to-write race window.
func (s *PostgresStore) ApplyDocumentMutation(ctx context.Context, documentID string, baseVersion int64, mutate MutateFunc, actorID string) (Document, error) {
	var out Document
	err := inTx(ctx, s.db, func(tx *sql.Tx) error {
		var d Document
		err := tx.QueryRowContext(ctx, `
			SELECT id, project_id, data, version, created_by, created_at, updated_at
			FROM documents WHERE id=$1
		`, documentID).Scan(&d.ID, &d.ProjectID, &d.Data, &d.Version, &d.CreatedBy, &d.CreatedAt, &d.UpdatedAt)
		if err != nil {
			return fmt.Errorf("get document: %w", err)
		}
		if d.Version != baseVersion {
			return ErrVersionConflict
		}

		next, ops, err := mutate(d.Data)
		if err != nil {
			return err
		}

		result, err := tx.ExecContext(ctx, `
			UPDATE documents SET data=$3, version=$2+1, updated_at=NOW()
			WHERE id=$1 AND version=$2
		`, documentID, baseVersion, []byte(next))
		if err != nil {
			return fmt.Errorf("update document: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("update document rows: %w", err)
		}
		if affected != 1 {
			return ErrVersionConflict
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO document_revisions (document_id, version, ops, actor_id)
			VALUES ($1, $2, $3, $4)
		`, documentID, baseVersion+1, []byte(ops), actorID); err != nil {
			return fmt.Errorf("insert revision: %w", err)
		}

		d.Data = next
		d.Version = baseVersion + 1
		out = d
		return nil
	})
	if err != nil {
		return Document{}, err
	}
	return out, nil
}

func (s *PostgresStore) ListDocumentRevisions(ctx context.Context, documentID string, limit int) ([]DocumentRevision, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, version, ops, actor_id, created_at
		FROM document_revisions
		WHERE document_id=$1
		ORDER BY version DESC
		LIMIT $2
	`, documentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list revisions: %w", err)
	}
	defer rows.Close()

	var revisions []DocumentRevision
	for rows.Next() {
		var r DocumentRevision
		if err := rows.Scan(&r.ID, &r.DocumentID, &r.Version, &r.Ops, &r.ActorID, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan revision: %w", err)
		}
		revisions = append(revisions, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate revisions: %w", err)
	}
	return revisions, nil
}

// ----- sheets -----

func (s *PostgresStore) GetSheet(ctx context.Context, id string) (Sheet, error) {
	var sh Sheet
	err := s.db.QueryRowContext(ctx, `
		SELECT id, document_id, data, version, order_index, is_active, created_at, updated_at
		FROM sheets WHERE id=$1
	`, id).Scan(&sh.ID, &sh.DocumentID, &sh.Data, &sh.Version, &sh.OrderIndex, &sh.IsActive, &sh.CreatedAt, &sh.UpdatedAt)
	if err != nil {
		return Sheet{}, fmt.Errorf("get sheet: %w", err)
	}
	return sh, nil
}

func (s *PostgresStore) ListDocumentSheets(ctx context.Context, documentID string) ([]Sheet, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, data, version, order_index, is_active, created_at, updated_at
		FROM sheets
		WHERE document_id=$1 AND is_active
		ORDER BY order_index
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list sheets: %w", err)
	}
	defer rows.Close()

	var sheets []Sheet
	for rows.Next() {
		var sh Sheet
		if err := rows.Scan(&sh.ID, &sh.DocumentID, &sh.Data, &sh.Version, &sh.OrderIndex, &sh.IsActive, &sh.CreatedAt, &sh.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan sheet: %w", err)
		}
		sheets = append(sheets, sh)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sheets: %w", err)
	}
	return sheets, nil
}

func (s *PostgresStore) InsertSheet(ctx context.Context, sh Sheet) (Sheet, error) {
	if len(sh.Data) == 0 {
		sh.Data = json.RawMessage(`{"nodes":[],"edges":[]}`)
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO sheets (id, document_id, data, order_index)
		VALUES ($1, $2, $3, $4)
		RETURNING id, document_id, data, version, order_index, is_active, created_at, updated_at
	`, sh.ID, sh.DocumentID, []byte(sh.Data), sh.OrderIndex).
		Scan(&sh.ID, &sh.DocumentID, &sh.Data, &sh.Version, &sh.OrderIndex, &sh.IsActive, &sh.CreatedAt, &sh.UpdatedAt)
	if err != nil {
		return Sheet{}, fmt.Errorf("insert sheet: %w", err)
	}
	return sh, nil
}

// UpdateSheetData writes a sheet payload without a version gate. The sheet
// path deliberately runs read-then-write: a racing writer may overwrite, and
// the stored version still moves strictly forward.
func (s *PostgresStore) UpdateSheetData(ctx context.Context, id string, data json.RawMessage) (int64, error) {
	var version int64
	err := s.db.QueryRowContext(ctx, `
		UPDATE sheets SET data=$2, version=version+1, updated_at=NOW()
		WHERE id=$1
		RETURNING version
	`, id, []byte(data)).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("update sheet: %w", err)
	}
	return version, nil
}

// ----- collaborators -----

func (s *PostgresStore) GetCollaborator(ctx context.Context, documentID, userSub string) (*Collaborator, error) {
	var c Collaborator
	err := s.db.QueryRowContext(ctx, `
		SELECT id, document_id, user_sub, role, granted_by, created_at, updated_at
		FROM collaborators WHERE document_id=$1 AND user_sub=$2
	`, documentID, userSub).Scan(&c.ID, &c.DocumentID, &c.UserSub, &c.Role, &c.GrantedBy, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get collaborator: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) ListCollaborators(ctx context.Context, documentID string) ([]Collaborator, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, user_sub, role, granted_by, created_at, updated_at
		FROM collaborators WHERE document_id=$1
		ORDER BY created_at
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list collaborators: %w", err)
	}
	defer rows.Close()

	var collaborators []Collaborator
	for rows.Next() {
		var c Collaborator
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.UserSub, &c.Role, &c.GrantedBy, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan collaborator: %w", err)
		}
		collaborators = append(collaborators, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate collaborators: %w", err)
	}
	return collaborators, nil
}

func (s *PostgresStore) UpsertCollaborator(ctx context.Context, c Collaborator) (Collaborator, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO collaborators (document_id, user_sub, role, granted_by)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (document_id, user_sub) DO UPDATE SET role=EXCLUDED.role, updated_at=NOW()
		RETURNING id, document_id, user_sub, role, granted_by, created_at, updated_at
	`, c.DocumentID, c.UserSub, c.Role, c.GrantedBy).
		Scan(&c.ID, &c.DocumentID, &c.UserSub, &c.Role, &c.GrantedBy, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return Collaborator{}, fmt.Errorf("upsert collaborator: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) DeleteCollaborator(ctx context.Context, documentID, userSub string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM collaborators WHERE document_id=$1 AND user_sub=$2
	`, documentID, userSub)
	if err != nil {
		return false, fmt.Errorf("delete collaborator: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete collaborator rows: %w", err)
	}
	return affected > 0, nil
}

// ----- share links -----

func (s *PostgresStore) InsertShareLink(ctx context.Context, l ShareLink) (ShareLink, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO share_links (id, slug, scope, document_id, project_id, min_role, password_hash, expires_at, max_uses, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, slug, scope, document_id, project_id, min_role, password_hash, expires_at, max_uses, uses, is_active, created_by, created_at, revoked_at
	`, l.ID, l.Slug, l.Scope, l.DocumentID, l.ProjectID, l.MinRole, l.PasswordHash, l.ExpiresAt, l.MaxUses, l.CreatedBy).
		Scan(&l.ID, &l.Slug, &l.Scope, &l.DocumentID, &l.ProjectID, &l.MinRole, &l.PasswordHash, &l.ExpiresAt, &l.MaxUses, &l.Uses, &l.IsActive, &l.CreatedBy, &l.CreatedAt, &l.RevokedAt)
	if err != nil {
		return ShareLink{}, fmt.Errorf("insert share link: %w", err)
	}
	return l, nil
}

func (s *PostgresStore) GetShareLinkBySlug(ctx context.Context, slug string) (*ShareLink, error) {
	return s.getShareLink(ctx, `WHERE slug=$1`, slug)
}

func (s *PostgresStore) GetShareLinkByID(ctx context.Context, id string) (*ShareLink, error) {
	return s.getShareLink(ctx, `WHERE id=$1`, id)
}

func (s *PostgresStore) getShareLink(ctx context.Context, where string, arg any) (*ShareLink, error) {
	var l ShareLink
	err := s.db.QueryRowContext(ctx, `
		SELECT id, slug, scope, document_id, project_id, min_role, password_hash, expires_at, max_uses, uses, is_active, created_by, created_at, revoked_at
		FROM share_links `+where,
		arg).Scan(&l.ID, &l.Slug, &l.Scope, &l.DocumentID, &l.ProjectID, &l.MinRole, &l.PasswordHash, &l.ExpiresAt, &l.MaxUses, &l.Uses, &l.IsActive, &l.CreatedBy, &l.CreatedAt, &l.RevokedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get share link: %w", err)
	}
	return &l, nil
}

// RevokeShareLink deactivates a link. Idempotent; revocation is terminal.
func (s *PostgresStore) RevokeShareLink(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE share_links
		SET is_active=FALSE, revoked_at=COALESCE(revoked_at, NOW())
		WHERE id=$1
	`, id)
	if err != nil {
		return fmt.Errorf("revoke share link: %w", err)
	}
	return nil
}

// AcceptShareLink converts a guest grant into durable collaborator rows and
// spends one use, all in one transaction. The conditional increment re-checks
// active/expiry/max_uses so a racing revoke or final use cannot be overrun.
// Returns the granted document ids and the use count after the increment.
func (s *PostgresStore) AcceptShareLink(ctx context.Context, link ShareLink, actorSub string) ([]string, int, error) {
	var uses int
	var granted []string
	err := inTx(ctx, s.db, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			UPDATE share_links SET uses=uses+1
			WHERE id=$1
			  AND is_active
			  AND (expires_at IS NULL OR expires_at > NOW())
			  AND (max_uses IS NULL OR uses < max_uses)
			RETURNING uses
		`, link.ID).Scan(&uses)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrLinkUnavailable
		}
		if err != nil {
			return fmt.Errorf("spend share link use: %w", err)
		}

		var documentIDs []string
		switch link.Scope {
		case ScopeProject:
			rows, err := tx.QueryContext(ctx, `SELECT id FROM documents WHERE project_id=$1`, *link.ProjectID)
			if err != nil {
				return fmt.Errorf("list project documents: %w", err)
			}
			defer rows.Close()
			for rows.Next() {
				var id string
				if err := rows.Scan(&id); err != nil {
					return fmt.Errorf("scan document id: %w", err)
				}
				documentIDs = append(documentIDs, id)
			}
			if err := rows.Err(); err != nil {
				return fmt.Errorf("iterate document ids: %w", err)
			}
		default:
			documentIDs = []string{*link.DocumentID}
		}

		for _, documentID := range documentIDs {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO collaborators (document_id, user_sub, role, granted_by)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (document_id, user_sub) DO UPDATE SET role=EXCLUDED.role, updated_at=NOW()
			`, documentID, actorSub, link.MinRole, link.CreatedBy); err != nil {
				return fmt.Errorf("upsert collaborator: %w", err)
			}
		}
		granted = documentIDs
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return granted, uses, nil
}

// CountGuestUse spends one use for a live guest connection, at most once per
// (link, connection). Returns false without error when this connection was
// already counted.
func (s *PostgresStore) CountGuestUse(ctx context.Context, linkID, connectionID string) (bool, error) {
	var counted bool
	err := inTx(ctx, s.db, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			INSERT INTO share_link_uses (link_id, connection_id)
			VALUES ($1, $2)
			ON CONFLICT (link_id, connection_id) DO NOTHING
		`, linkID, connectionID)
		if err != nil {
			return fmt.Errorf("record guest use: %w", err)
		}
		inserted, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("record guest use rows: %w", err)
		}
		if inserted == 0 {
			return nil
		}

		spend, err := tx.ExecContext(ctx, `
			UPDATE share_links SET uses=uses+1
			WHERE id=$1
			  AND is_active
			  AND (expires_at IS NULL OR expires_at > NOW())
			  AND (max_uses IS NULL OR uses < max_uses)
		`, linkID)
		if err != nil {
			return fmt.Errorf("spend share link use: %w", err)
		}
		affected, err := spend.RowsAffected()
		if err != nil {
			return fmt.Errorf("spend share link use rows: %w", err)
		}
		if affected != 1 {
			return ErrLinkUnavailable
		}
		counted = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return counted, nil
}

// ----- bootstrap -----

func (s *PostgresStore) CountDocuments(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count documents: %w", err)
	}
	return count, nil
}
