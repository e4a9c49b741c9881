// Package app is the HTTP surface around the collaboration core: share-link
// management, collaborator invites, snapshot fetch, export download, the
// dev login, and health probes.
package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"drawbridge/api/internal/auth"
	"drawbridge/api/internal/config"
	"drawbridge/api/internal/email"
	"drawbridge/api/internal/export"
	"drawbridge/api/internal/permission"
	"drawbridge/api/internal/rbac"
	"drawbridge/api/internal/search"
	"drawbridge/api/internal/sharelink"
	"drawbridge/api/internal/store"
	"drawbridge/api/internal/util"
)

type Store interface {
	Ping(ctx context.Context) error
	GetUserBySub(ctx context.Context, sub string) (store.User, error)
	GetUserByName(ctx context.Context, name string) (*store.User, error)
	GetUserByEmail(ctx context.Context, email string) (*store.User, error)
	InsertUser(ctx context.Context, u store.User) (store.User, error)
	ListUsers(ctx context.Context) ([]store.User, error)
	GetProject(ctx context.Context, id string) (store.Project, error)
	InsertProject(ctx context.Context, p store.Project) (store.Project, error)
	GetDocument(ctx context.Context, id string) (store.Document, error)
	InsertDocument(ctx context.Context, d store.Document) (store.Document, error)
	GetSheet(ctx context.Context, id string) (store.Sheet, error)
	ListDocumentSheets(ctx context.Context, documentID string) ([]store.Sheet, error)
	InsertSheet(ctx context.Context, sh store.Sheet) (store.Sheet, error)
	ListCollaborators(ctx context.Context, documentID string) ([]store.Collaborator, error)
	UpsertCollaborator(ctx context.Context, c store.Collaborator) (store.Collaborator, error)
	DeleteCollaborator(ctx context.Context, documentID, userSub string) (bool, error)
	ListDocumentRevisions(ctx context.Context, documentID string, limit int) ([]store.DocumentRevision, error)
	CountDocuments(ctx context.Context) (int, error)
}

// Session is a verified actor on the HTTP side.
type Session struct {
	Sub  string
	Name string
}

type readyCheck struct {
	name string
	fn   func(ctx context.Context) error
}

type Service struct {
	cfg      config.Config
	store    Store
	resolver *permission.Resolver
	links    *sharelink.Service
	search   *search.Service
	email    *email.Service
	exporter *export.Service
	logger   zerolog.Logger

	readyChecks []readyCheck
}

func New(cfg config.Config, st Store, resolver *permission.Resolver, links *sharelink.Service, searchSvc *search.Service, emailSvc *email.Service, logger zerolog.Logger) *Service {
	return &Service{
		cfg:      cfg,
		store:    st,
		resolver: resolver,
		links:    links,
		search:   searchSvc,
		email:    emailSvc,
		exporter: export.NewService(),
		logger:   logger,
	}
}

// AddReadyCheck registers an extra readiness probe beside the database, e.g.
// Redis when the bridge is configured.
func (s *Service) AddReadyCheck(name string, fn func(ctx context.Context) error) {
	s.readyChecks = append(s.readyChecks, readyCheck{name: name, fn: fn})
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Readiness runs every probe and returns per-check results.
func (s *Service) Readiness(ctx context.Context) (map[string]any, bool) {
	checks := map[string]any{}
	ready := true

	if err := s.store.Ping(ctx); err != nil {
		checks["database"] = map[string]any{"status": "error", "error": err.Error()}
		ready = false
	} else {
		checks["database"] = map[string]any{"status": "ok"}
	}

	for _, check := range s.readyChecks {
		if err := check.fn(ctx); err != nil {
			checks[check.name] = map[string]any{"status": "error", "error": err.Error()}
			ready = false
		} else {
			checks[check.name] = map[string]any{"status": "ok"}
		}
	}
	return checks, ready
}

// SessionFromToken verifies a bearer token and returns the actor it names.
func (s *Service) SessionFromToken(token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.AuthSecret), token)
	if err != nil {
		return Session{}, err
	}
	return Session{Sub: claims.Sub, Name: claims.Name}, nil
}

// VerifyBearer implements the collab gateway's identity verifier.
func (s *Service) VerifyBearer(token string) (sub, name string, err error) {
	claims, err := auth.ParseToken([]byte(s.cfg.AuthSecret), token)
	if err != nil {
		return "", "", err
	}
	return claims.Sub, claims.Name, nil
}

type LoginResult struct {
	Token     string    `json:"token"`
	ActorID   string    `json:"actorId"`
	Name      string    `json:"name"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Login is the development identity provider: it ensures a directory row for
// the name and mints a bearer token. Production deployments disable it and
// front the gateway with a real IdP.
func (s *Service) Login(ctx context.Context, name, emailAddr string) (LoginResult, error) {
	if !s.cfg.DevLogin {
		return LoginResult{}, errForbidden("dev login disabled")
	}
	if name == "" {
		return LoginResult{}, errValidation("name is required", nil)
	}

	user, err := s.store.GetUserByName(ctx, name)
	if err != nil {
		return LoginResult{}, err
	}
	if user == nil {
		created, err := s.store.InsertUser(ctx, store.User{
			Sub:   util.NewID("usr"),
			Name:  name,
			Email: emailAddr,
		})
		if err != nil {
			return LoginResult{}, err
		}
		user = &created
		if s.search != nil {
			s.search.IndexUser(search.UserRecord{Sub: created.Sub, Name: created.Name, Email: created.Email})
		}
	}

	expiresAt := time.Now().Add(s.cfg.AccessTTL)
	token, err := auth.IssueToken([]byte(s.cfg.AuthSecret), auth.Claims{
		Sub:  user.Sub,
		Name: user.Name,
		JTI:  util.ShortID(),
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return LoginResult{}, fmt.Errorf("issue token: %w", err)
	}
	return LoginResult{Token: token, ActorID: user.Sub, Name: user.Name, ExpiresAt: expiresAt}, nil
}

// ----- share links -----

func (s *Service) CreateShareLink(ctx context.Context, in sharelink.CreateInput) (store.ShareLink, string, error) {
	return s.links.Create(ctx, in)
}

func (s *Service) RevokeShareLink(ctx context.Context, linkID, actorSub string) error {
	return s.links.Revoke(ctx, linkID, actorSub)
}

func (s *Service) PreviewShareLink(ctx context.Context, slug, password string) (sharelink.Preview, error) {
	return s.links.Preview(ctx, slug, password)
}

func (s *Service) AcceptShareLink(ctx context.Context, slug, actorSub, password string) (sharelink.AcceptResult, error) {
	return s.links.Accept(ctx, slug, actorSub, password)
}

// ----- documents -----

type SnapshotResult struct {
	Data    json.RawMessage `json:"data"`
	Version int64           `json:"version"`
}

// Snapshot serves the conflict-refetch loop over REST. The credential may be
// a bearer actor or a share-link slug.
func (s *Service) Snapshot(ctx context.Context, documentID string, cred permission.Credential) (SnapshotResult, error) {
	if err := s.requireLevel(ctx, documentID, cred, rbac.LevelRead); err != nil {
		return SnapshotResult{}, err
	}
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return SnapshotResult{}, err
	}
	return SnapshotResult{Data: doc.Data, Version: doc.Version}, nil
}

type RevisionView struct {
	Version   int64           `json:"version"`
	Ops       json.RawMessage `json:"ops"`
	ActorID   string          `json:"actorId"`
	CreatedAt time.Time       `json:"createdAt"`
}

func (s *Service) Revisions(ctx context.Context, documentID, actorSub string, limit int) ([]RevisionView, error) {
	if err := s.requireLevel(ctx, documentID, permission.Credential{ActorSub: actorSub}, rbac.LevelRead); err != nil {
		return nil, err
	}
	revisions, err := s.store.ListDocumentRevisions(ctx, documentID, limit)
	if err != nil {
		return nil, err
	}
	views := make([]RevisionView, 0, len(revisions))
	for _, r := range revisions {
		views = append(views, RevisionView{Version: r.Version, Ops: r.Ops, ActorID: r.ActorID, CreatedAt: r.CreatedAt})
	}
	return views, nil
}

// ----- collaborators -----

type CollaboratorView struct {
	UserSub   string    `json:"userSub"`
	Name      string    `json:"name,omitempty"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
}

func (s *Service) ListCollaborators(ctx context.Context, documentID, actorSub string) ([]CollaboratorView, error) {
	if err := s.requireLevel(ctx, documentID, permission.Credential{ActorSub: actorSub}, rbac.LevelRead); err != nil {
		return nil, err
	}
	collaborators, err := s.store.ListCollaborators(ctx, documentID)
	if err != nil {
		return nil, err
	}

	views := make([]CollaboratorView, 0, len(collaborators))
	for _, c := range collaborators {
		view := CollaboratorView{UserSub: c.UserSub, Role: c.Role, CreatedAt: c.CreatedAt}
		if user, err := s.store.GetUserBySub(ctx, c.UserSub); err == nil {
			view.Name = user.Name
		}
		views = append(views, view)
	}
	return views, nil
}

type InviteInput struct {
	UserSub string `json:"userSub"`
	Email   string `json:"email"`
	Role    string `json:"role"`
}

type InviteResult struct {
	Collaborator *CollaboratorView `json:"collaborator,omitempty"`
	ShareURL     string            `json:"shareUrl,omitempty"`
	Emailed      bool              `json:"emailed"`
}

// InviteCollaborator grants a role to a known user, or, for an email with no
// matching account, falls back to a 30-day reader share link that is mailed
// when SMTP is configured.
func (s *Service) InviteCollaborator(ctx context.Context, documentID, actorSub string, in InviteInput) (InviteResult, error) {
	if err := s.requireLevel(ctx, documentID, permission.Credential{ActorSub: actorSub}, rbac.LevelEdit); err != nil {
		return InviteResult{}, err
	}
	role := rbac.Normalize(in.Role)
	if in.Role != "" && string(role) != in.Role {
		return InviteResult{}, errValidation("role must be owner, editor, or reader", nil)
	}

	targetSub := in.UserSub
	if targetSub == "" && in.Email != "" {
		user, err := s.store.GetUserByEmail(ctx, in.Email)
		if err != nil {
			return InviteResult{}, err
		}
		if user == nil {
			return s.inviteByLink(ctx, documentID, actorSub, in.Email)
		}
		targetSub = user.Sub
	}
	if targetSub == "" {
		return InviteResult{}, errValidation("userSub or email is required", nil)
	}

	collaborator, err := s.store.UpsertCollaborator(ctx, store.Collaborator{
		DocumentID: documentID,
		UserSub:    targetSub,
		Role:       string(role),
		GrantedBy:  &actorSub,
	})
	if err != nil {
		return InviteResult{}, err
	}
	view := CollaboratorView{UserSub: collaborator.UserSub, Role: collaborator.Role, CreatedAt: collaborator.CreatedAt}
	return InviteResult{Collaborator: &view}, nil
}

func (s *Service) inviteByLink(ctx context.Context, documentID, actorSub, emailAddr string) (InviteResult, error) {
	expiresAt := time.Now().Add(30 * 24 * time.Hour)
	_, shareURL, err := s.links.Create(ctx, sharelink.CreateInput{
		Scope:      store.ScopeDocument,
		DocumentID: documentID,
		MinRole:    string(rbac.RoleReader),
		ExpiresAt:  &expiresAt,
		CreatedBy:  actorSub,
	})
	if err != nil {
		return InviteResult{}, err
	}

	emailed := false
	if s.email != nil && s.email.IsConfigured() {
		inviter := actorSub
		if user, err := s.store.GetUserBySub(ctx, actorSub); err == nil {
			inviter = user.Name
		}
		if err := s.email.SendShareInvite(emailAddr, email.ShareInviteData{
			InviterName: inviter,
			Role:        string(rbac.RoleReader),
			ShareURL:    shareURL,
			ExpiresNote: "This link expires in 30 days.",
		}); err != nil {
			s.logger.Warn().Err(err).Str("document_id", documentID).Msg("invite mail failed")
		} else {
			emailed = true
		}
	}
	return InviteResult{ShareURL: shareURL, Emailed: emailed}, nil
}

func (s *Service) RemoveCollaborator(ctx context.Context, documentID, actorSub, userSub string) error {
	if err := s.requireLevel(ctx, documentID, permission.Credential{ActorSub: actorSub}, rbac.LevelEdit); err != nil {
		return err
	}
	removed, err := s.store.DeleteCollaborator(ctx, documentID, userSub)
	if err != nil {
		return err
	}
	if !removed {
		return errNotFound("collaborator not found")
	}
	return nil
}

// ----- search -----

func (s *Service) SearchUsers(ctx context.Context, q string, limit int) ([]search.UserRecord, error) {
	if s.search == nil {
		return []search.UserRecord{}, nil
	}
	return s.search.Search(ctx, q, limit)
}

// ----- export -----

func (s *Service) Export(ctx context.Context, documentID, sheetID, format string, cred permission.Credential) (*export.Result, error) {
	parsed, err := export.ParseFormat(format)
	if err != nil {
		return nil, errValidation(err.Error(), nil)
	}
	if err := s.requireLevel(ctx, documentID, cred, rbac.LevelRead); err != nil {
		return nil, err
	}

	var sheet store.Sheet
	if sheetID != "" {
		sheet, err = s.store.GetSheet(ctx, sheetID)
		if err != nil {
			return nil, err
		}
		if sheet.DocumentID != documentID {
			return nil, errNotFound("sheet not found")
		}
	} else {
		sheets, err := s.store.ListDocumentSheets(ctx, documentID)
		if err != nil {
			return nil, err
		}
		if len(sheets) == 0 {
			return nil, errNotFound("document has no sheets")
		}
		sheet = sheets[0]
	}

	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}

	var state struct {
		Nodes json.RawMessage `json:"nodes"`
		Edges json.RawMessage `json:"edges"`
	}
	if err := json.Unmarshal(sheet.Data, &state); err != nil {
		return nil, fmt.Errorf("decode sheet data: %w", err)
	}

	return s.exporter.Render(ctx, export.Sheet{
		Title: documentTitle(doc),
		Nodes: state.Nodes,
		Edges: state.Edges,
	}, parsed)
}

func documentTitle(doc store.Document) string {
	var payload struct {
		Title string `json:"title"`
	}
	if err := json.Unmarshal(doc.Data, &payload); err == nil && payload.Title != "" {
		return payload.Title
	}
	return doc.ID
}

// ----- bootstrap -----

// Bootstrap seeds a demo project on an empty database and pushes the user
// directory into the search index.
func (s *Service) Bootstrap(ctx context.Context) error {
	count, err := s.store.CountDocuments(ctx)
	if err != nil {
		return err
	}
	if count == 0 {
		if err := s.seedDemo(ctx); err != nil {
			return err
		}
	}

	if s.search != nil {
		users, err := s.store.ListUsers(ctx)
		if err != nil {
			return err
		}
		records := make([]search.UserRecord, 0, len(users))
		for _, u := range users {
			records = append(records, search.UserRecord{Sub: u.Sub, Name: u.Name, Email: u.Email})
		}
		s.search.ReindexAll(records)
	}
	return nil
}

func (s *Service) seedDemo(ctx context.Context) error {
	owner, err := s.store.InsertUser(ctx, store.User{Sub: util.NewID("usr"), Name: "Demo Owner"})
	if err != nil {
		return err
	}
	project, err := s.store.InsertProject(ctx, store.Project{ID: util.NewID("prj"), Name: "Demo Project", OwnerSub: owner.Sub})
	if err != nil {
		return err
	}
	doc, err := s.store.InsertDocument(ctx, store.Document{
		ID:        util.NewID("doc"),
		ProjectID: project.ID,
		Data:      json.RawMessage(`{"title":"Demo Diagram","nodes":[],"edges":[]}`),
		CreatedBy: owner.Sub,
	})
	if err != nil {
		return err
	}
	for i := 0; i < 2; i++ {
		if _, err := s.store.InsertSheet(ctx, store.Sheet{
			ID:         util.NewID("sht"),
			DocumentID: doc.ID,
			OrderIndex: i,
		}); err != nil {
			return err
		}
	}

	s.logger.Warn().
		Str("owner_sub", owner.Sub).
		Str("project_id", project.ID).
		Str("document_id", doc.ID).
		Msg("seeded demo project on empty database")
	return nil
}

func (s *Service) requireLevel(ctx context.Context, documentID string, cred permission.Credential, min rbac.Level) error {
	level, err := s.resolver.Resolve(ctx, documentID, cred)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errNotFound("document not found")
		}
		return err
	}
	if !level.AtLeast(min) {
		return errForbidden("insufficient permission")
	}
	return nil
}
