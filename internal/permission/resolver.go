// Package permission decides what a credential may do with a document.
// Resolution is pure with respect to caller state: it reads collaborator,
// share-link, and ownership data and returns a level, nothing else.
package permission

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"drawbridge/api/internal/rbac"
	"drawbridge/api/internal/store"
)

// Credential identifies a caller. Exactly one of ActorSub or LinkSlug is set:
// authenticated actors carry their sub, guests carry the share-link slug they
// connected with (plus the link password when one is required).
type Credential struct {
	ActorSub     string
	LinkSlug     string
	LinkPassword string
}

type Store interface {
	GetDocument(ctx context.Context, id string) (store.Document, error)
	GetProject(ctx context.Context, id string) (store.Project, error)
	GetCollaborator(ctx context.Context, documentID, userSub string) (*store.Collaborator, error)
	GetShareLinkBySlug(ctx context.Context, slug string) (*store.ShareLink, error)
}

type Resolver struct {
	store Store
	now   func() time.Time
}

func NewResolver(st Store) *Resolver {
	return &Resolver{store: st, now: time.Now}
}

// Resolve maps (documentID, credential) to an access level. The implicit
// ownership rule is applied here and only here: the owning project's owner
// and the document's creator hold owner-equivalent access without a
// collaborator row, on every call path identically.
func (r *Resolver) Resolve(ctx context.Context, documentID string, cred Credential) (rbac.Level, error) {
	doc, err := r.store.GetDocument(ctx, documentID)
	if err != nil {
		return rbac.LevelNone, fmt.Errorf("resolve document: %w", err)
	}

	switch {
	case cred.ActorSub != "":
		return r.resolveActor(ctx, doc, cred.ActorSub)
	case cred.LinkSlug != "":
		return r.resolveGuest(ctx, doc, cred)
	default:
		return rbac.LevelNone, nil
	}
}

func (r *Resolver) resolveActor(ctx context.Context, doc store.Document, sub string) (rbac.Level, error) {
	collaborator, err := r.store.GetCollaborator(ctx, doc.ID, sub)
	if err != nil {
		return rbac.LevelNone, fmt.Errorf("resolve collaborator: %w", err)
	}
	if collaborator != nil {
		return rbac.LevelFor(rbac.Normalize(collaborator.Role)), nil
	}

	if doc.CreatedBy == sub {
		return rbac.LevelEdit, nil
	}
	project, err := r.store.GetProject(ctx, doc.ProjectID)
	if err != nil {
		return rbac.LevelNone, fmt.Errorf("resolve project: %w", err)
	}
	if project.OwnerSub == sub {
		return rbac.LevelEdit, nil
	}
	return rbac.LevelNone, nil
}

func (r *Resolver) resolveGuest(ctx context.Context, doc store.Document, cred Credential) (rbac.Level, error) {
	link, err := r.store.GetShareLinkBySlug(ctx, cred.LinkSlug)
	if err != nil {
		return rbac.LevelNone, fmt.Errorf("resolve share link: %w", err)
	}
	if link == nil {
		return rbac.LevelNone, nil
	}
	if !link.IsActive || link.IsExpired(r.now()) || link.IsExhausted() {
		return rbac.LevelNone, nil
	}
	if link.PasswordHash != nil {
		if err := bcrypt.CompareHashAndPassword([]byte(*link.PasswordHash), []byte(cred.LinkPassword)); err != nil {
			return rbac.LevelNone, nil
		}
	}

	switch link.Scope {
	case store.ScopeDocument:
		if link.DocumentID == nil || *link.DocumentID != doc.ID {
			return rbac.LevelNone, nil
		}
	case store.ScopeProject:
		if link.ProjectID == nil || *link.ProjectID != doc.ProjectID {
			return rbac.LevelNone, nil
		}
	default:
		return rbac.LevelNone, nil
	}

	return rbac.LevelFor(rbac.Normalize(link.MinRole)), nil
}
