// Package sharelink owns the lifecycle of capability links: slug issuance,
// validity evaluation, revocation, and conversion into durable collaborator
// membership. Usage accounting for live guest sessions lives with the session
// manager; this service only spends uses on accept.
package sharelink

import (
	"context"
	crand "crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"drawbridge/api/internal/permission"
	"drawbridge/api/internal/rbac"
	"drawbridge/api/internal/store"
	"drawbridge/api/internal/util"
)

var (
	ErrNotFound         = errors.New("share link not found")
	ErrRevoked          = errors.New("share link revoked")
	ErrExpired          = errors.New("share link expired")
	ErrExhausted        = errors.New("usage limit exceeded")
	ErrPasswordRequired = errors.New("share link password required")
	ErrWrongPassword    = errors.New("share link password mismatch")
	ErrForbidden        = errors.New("insufficient permission")
	// ErrInvalidInput marks create-time validation failures.
	ErrInvalidInput = errors.New("invalid share link input")
)

type Store interface {
	GetProject(ctx context.Context, id string) (store.Project, error)
	GetShareLinkBySlug(ctx context.Context, slug string) (*store.ShareLink, error)
	GetShareLinkByID(ctx context.Context, id string) (*store.ShareLink, error)
	InsertShareLink(ctx context.Context, l store.ShareLink) (store.ShareLink, error)
	RevokeShareLink(ctx context.Context, id string) error
	AcceptShareLink(ctx context.Context, link store.ShareLink, actorSub string) ([]string, int, error)
}

type Service struct {
	store    Store
	resolver *permission.Resolver
	baseURL  string
	now      func() time.Time
}

func NewService(st Store, resolver *permission.Resolver, baseURL string) *Service {
	return &Service{store: st, resolver: resolver, baseURL: baseURL, now: time.Now}
}

type CreateInput struct {
	Scope      string
	DocumentID string
	ProjectID  string
	MinRole    string
	ExpiresAt  *time.Time
	MaxUses    *int
	Password   string
	CreatedBy  string
}

// Create validates the scope/target pairing, authorizes the creator, and
// persists a fresh link. The slug carries 190 bits of entropy, well past the
// 128-bit floor for capability tokens.
func (s *Service) Create(ctx context.Context, in CreateInput) (store.ShareLink, string, error) {
	if !rbac.ValidShareRole(in.MinRole) {
		return store.ShareLink{}, "", fmt.Errorf("minRole must be editor or reader: %w", ErrInvalidInput)
	}
	if in.MaxUses != nil && *in.MaxUses <= 0 {
		return store.ShareLink{}, "", fmt.Errorf("maxUses must be positive: %w", ErrInvalidInput)
	}

	link := store.ShareLink{
		ID:        util.NewID("lnk"),
		Slug:      newSlug(32),
		MinRole:   in.MinRole,
		ExpiresAt: in.ExpiresAt,
		MaxUses:   in.MaxUses,
		CreatedBy: in.CreatedBy,
	}

	switch in.Scope {
	case store.ScopeDocument:
		if in.DocumentID == "" {
			return store.ShareLink{}, "", fmt.Errorf("document scope requires documentId: %w", ErrInvalidInput)
		}
		if err := s.requireDocumentEdit(ctx, in.DocumentID, in.CreatedBy); err != nil {
			return store.ShareLink{}, "", err
		}
		link.Scope = store.ScopeDocument
		link.DocumentID = &in.DocumentID
	case store.ScopeProject:
		if in.ProjectID == "" {
			return store.ShareLink{}, "", fmt.Errorf("project scope requires projectId: %w", ErrInvalidInput)
		}
		if err := s.requireProjectOwner(ctx, in.ProjectID, in.CreatedBy); err != nil {
			return store.ShareLink{}, "", err
		}
		link.Scope = store.ScopeProject
		link.ProjectID = &in.ProjectID
	default:
		return store.ShareLink{}, "", fmt.Errorf("unknown scope %q: %w", in.Scope, ErrInvalidInput)
	}

	if in.Password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
		if err != nil {
			return store.ShareLink{}, "", fmt.Errorf("hash link password: %w", err)
		}
		hashed := string(hash)
		link.PasswordHash = &hashed
	}

	created, err := s.store.InsertShareLink(ctx, link)
	if err != nil {
		return store.ShareLink{}, "", err
	}
	return created, s.ShareURL(created.Slug), nil
}

// Revoke deactivates a link. Idempotent: revoking a revoked link succeeds.
func (s *Service) Revoke(ctx context.Context, linkID, actorSub string) error {
	link, err := s.store.GetShareLinkByID(ctx, linkID)
	if err != nil {
		return err
	}
	if link == nil {
		return ErrNotFound
	}
	if err := s.requireTargetEdit(ctx, *link, actorSub); err != nil {
		return err
	}
	return s.store.RevokeShareLink(ctx, link.ID)
}

type Preview struct {
	Slug             string     `json:"slug"`
	Scope            string     `json:"scope"`
	DocumentID       *string    `json:"documentId,omitempty"`
	ProjectID        *string    `json:"projectId,omitempty"`
	MinRole          string     `json:"minRole"`
	ExpiresAt        *time.Time `json:"expiresAt,omitempty"`
	RemainingUses    *int       `json:"remainingUses,omitempty"`
	RequiresPassword bool       `json:"requiresPassword"`
}

// Preview checks validity without spending a use. A password is only checked
// when the caller supplies one; RequiresPassword tells the client to prompt.
func (s *Service) Preview(ctx context.Context, slug, password string) (Preview, error) {
	link, err := s.store.GetShareLinkBySlug(ctx, slug)
	if err != nil {
		return Preview{}, err
	}
	if err := s.validate(link, password, password != ""); err != nil {
		return Preview{}, err
	}

	p := Preview{
		Slug:             link.Slug,
		Scope:            link.Scope,
		DocumentID:       link.DocumentID,
		ProjectID:        link.ProjectID,
		MinRole:          link.MinRole,
		ExpiresAt:        link.ExpiresAt,
		RequiresPassword: link.PasswordHash != nil,
	}
	if link.MaxUses != nil {
		remaining := *link.MaxUses - link.Uses
		if remaining < 0 {
			remaining = 0
		}
		p.RemainingUses = &remaining
	}
	return p, nil
}

type AcceptResult struct {
	DocumentIDs []string
	Role        string
	Uses        int
}

// Accept converts the guest grant into durable collaborator rows, one per
// covered document, and spends a use. Safe to retry: membership is an upsert
// on (documentId, userSub).
func (s *Service) Accept(ctx context.Context, slug, actorSub, password string) (AcceptResult, error) {
	link, err := s.store.GetShareLinkBySlug(ctx, slug)
	if err != nil {
		return AcceptResult{}, err
	}
	if err := s.validate(link, password, true); err != nil {
		return AcceptResult{}, err
	}

	granted, uses, err := s.store.AcceptShareLink(ctx, *link, actorSub)
	if errors.Is(err, store.ErrLinkUnavailable) {
		// The conditional increment lost a race with the final use or a
		// revoke; either way the grant is spent.
		return AcceptResult{}, ErrExhausted
	}
	if err != nil {
		return AcceptResult{}, err
	}
	return AcceptResult{DocumentIDs: granted, Role: link.MinRole, Uses: uses}, nil
}

// ShareURL builds the fully-qualified URL clients hand out.
func (s *Service) ShareURL(slug string) string {
	return strings.TrimRight(s.baseURL, "/") + "/" + slug
}

func (s *Service) validate(link *store.ShareLink, password string, enforcePassword bool) error {
	if link == nil {
		return ErrNotFound
	}
	if !link.IsActive {
		return ErrRevoked
	}
	if link.IsExpired(s.now()) {
		return ErrExpired
	}
	if link.IsExhausted() {
		return ErrExhausted
	}
	if link.PasswordHash != nil && enforcePassword {
		if password == "" {
			return ErrPasswordRequired
		}
		if err := bcrypt.CompareHashAndPassword([]byte(*link.PasswordHash), []byte(password)); err != nil {
			return ErrWrongPassword
		}
	}
	return nil
}

func (s *Service) requireTargetEdit(ctx context.Context, link store.ShareLink, actorSub string) error {
	if link.Scope == store.ScopeProject {
		return s.requireProjectOwner(ctx, *link.ProjectID, actorSub)
	}
	return s.requireDocumentEdit(ctx, *link.DocumentID, actorSub)
}

func (s *Service) requireDocumentEdit(ctx context.Context, documentID, actorSub string) error {
	level, err := s.resolver.Resolve(ctx, documentID, permission.Credential{ActorSub: actorSub})
	if err != nil {
		return err
	}
	if !level.AtLeast(rbac.LevelEdit) {
		return fmt.Errorf("sharing %s: %w", documentID, ErrForbidden)
	}
	return nil
}

func (s *Service) requireProjectOwner(ctx context.Context, projectID, actorSub string) error {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	if project.OwnerSub != actorSub {
		return fmt.Errorf("sharing project %s: %w", projectID, ErrForbidden)
	}
	return nil
}

// newSlug draws length characters from a 62-symbol alphabet with crypto/rand.
func newSlug(length int) string {
	b := make([]byte, length)
	if _, err := crand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	for i := range b {
		b[i] = charset[int(b[i])%len(charset)]
	}
	return string(b)
}
