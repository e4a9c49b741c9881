package permission

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"drawbridge/api/internal/rbac"
	"drawbridge/api/internal/store"
)

type fakeStore struct {
	getDocumentFn        func(ctx context.Context, id string) (store.Document, error)
	getProjectFn         func(ctx context.Context, id string) (store.Project, error)
	getCollaboratorFn    func(ctx context.Context, documentID, userSub string) (*store.Collaborator, error)
	getShareLinkBySlugFn func(ctx context.Context, slug string) (*store.ShareLink, error)
}

func (f *fakeStore) GetDocument(ctx context.Context, id string) (store.Document, error) {
	if f.getDocumentFn != nil {
		return f.getDocumentFn(ctx, id)
	}
	return store.Document{}, sql.ErrNoRows
}

func (f *fakeStore) GetProject(ctx context.Context, id string) (store.Project, error) {
	if f.getProjectFn != nil {
		return f.getProjectFn(ctx, id)
	}
	return store.Project{}, sql.ErrNoRows
}

func (f *fakeStore) GetCollaborator(ctx context.Context, documentID, userSub string) (*store.Collaborator, error) {
	if f.getCollaboratorFn != nil {
		return f.getCollaboratorFn(ctx, documentID, userSub)
	}
	return nil, nil
}

func (f *fakeStore) GetShareLinkBySlug(ctx context.Context, slug string) (*store.ShareLink, error) {
	if f.getShareLinkBySlugFn != nil {
		return f.getShareLinkBySlugFn(ctx, slug)
	}
	return nil, nil
}

func docFixture() store.Document {
	return store.Document{ID: "doc_1", ProjectID: "prj_1", Version: 1, CreatedBy: "usr_creator"}
}

func resolverWith(f *fakeStore) *Resolver {
	r := NewResolver(f)
	r.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return r
}

func strptr(s string) *string { return &s }

func TestResolveCollaboratorRoles(t *testing.T) {
	cases := []struct {
		role string
		want rbac.Level
	}{
		{role: "owner", want: rbac.LevelEdit},
		{role: "editor", want: rbac.LevelEdit},
		{role: "reader", want: rbac.LevelRead},
	}

	for _, tc := range cases {
		t.Run(tc.role, func(t *testing.T) {
			r := resolverWith(&fakeStore{
				getDocumentFn: func(ctx context.Context, id string) (store.Document, error) {
					return docFixture(), nil
				},
				getCollaboratorFn: func(ctx context.Context, documentID, userSub string) (*store.Collaborator, error) {
					return &store.Collaborator{DocumentID: documentID, UserSub: userSub, Role: tc.role}, nil
				},
			})
			level, err := r.Resolve(context.Background(), "doc_1", Credential{ActorSub: "usr_2"})
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if level != tc.want {
				t.Fatalf("Resolve() = %v, want %v", level, tc.want)
			}
		})
	}
}

func TestResolveImplicitOwnership(t *testing.T) {
	fs := &fakeStore{
		getDocumentFn: func(ctx context.Context, id string) (store.Document, error) {
			return docFixture(), nil
		},
		getProjectFn: func(ctx context.Context, id string) (store.Project, error) {
			return store.Project{ID: id, OwnerSub: "usr_projowner"}, nil
		},
	}
	r := resolverWith(fs)

	level, err := r.Resolve(context.Background(), "doc_1", Credential{ActorSub: "usr_creator"})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if level != rbac.LevelEdit {
		t.Fatalf("document creator level = %v, want edit", level)
	}

	level, err = r.Resolve(context.Background(), "doc_1", Credential{ActorSub: "usr_projowner"})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if level != rbac.LevelEdit {
		t.Fatalf("project owner level = %v, want edit", level)
	}

	level, err = r.Resolve(context.Background(), "doc_1", Credential{ActorSub: "usr_stranger"})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if level != rbac.LevelNone {
		t.Fatalf("stranger level = %v, want none", level)
	}
}

func TestResolveMissingDocument(t *testing.T) {
	r := resolverWith(&fakeStore{})
	_, err := r.Resolve(context.Background(), "doc_missing", Credential{ActorSub: "usr_1"})
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("Resolve() error = %v, want sql.ErrNoRows", err)
	}
}

func TestResolveNoCredential(t *testing.T) {
	r := resolverWith(&fakeStore{
		getDocumentFn: func(ctx context.Context, id string) (store.Document, error) {
			return docFixture(), nil
		},
	})
	level, err := r.Resolve(context.Background(), "doc_1", Credential{})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if level != rbac.LevelNone {
		t.Fatalf("empty credential level = %v, want none", level)
	}
}

func guestResolver(link *store.ShareLink) *Resolver {
	return resolverWith(&fakeStore{
		getDocumentFn: func(ctx context.Context, id string) (store.Document, error) {
			return docFixture(), nil
		},
		getShareLinkBySlugFn: func(ctx context.Context, slug string) (*store.ShareLink, error) {
			if link != nil && link.Slug == slug {
				return link, nil
			}
			return nil, nil
		},
	})
}

func TestResolveGuestDocumentScope(t *testing.T) {
	link := &store.ShareLink{
		ID: "lnk_1", Slug: "s3cret", Scope: store.ScopeDocument,
		DocumentID: strptr("doc_1"), MinRole: "editor", IsActive: true,
	}
	r := guestResolver(link)

	level, err := r.Resolve(context.Background(), "doc_1", Credential{LinkSlug: "s3cret"})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if level != rbac.LevelEdit {
		t.Fatalf("guest level = %v, want edit", level)
	}
}

func TestResolveGuestScopeMismatch(t *testing.T) {
	link := &store.ShareLink{
		ID: "lnk_1", Slug: "s3cret", Scope: store.ScopeDocument,
		DocumentID: strptr("doc_other"), MinRole: "reader", IsActive: true,
	}
	r := guestResolver(link)

	level, err := r.Resolve(context.Background(), "doc_1", Credential{LinkSlug: "s3cret"})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if level != rbac.LevelNone {
		t.Fatalf("scope-mismatched guest level = %v, want none", level)
	}
}

func TestResolveGuestProjectScope(t *testing.T) {
	link := &store.ShareLink{
		ID: "lnk_1", Slug: "s3cret", Scope: store.ScopeProject,
		ProjectID: strptr("prj_1"), MinRole: "reader", IsActive: true,
	}
	r := guestResolver(link)

	level, err := r.Resolve(context.Background(), "doc_1", Credential{LinkSlug: "s3cret"})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if level != rbac.LevelRead {
		t.Fatalf("project-scope guest level = %v, want read", level)
	}

	other := resolverWith(&fakeStore{
		getDocumentFn: func(ctx context.Context, id string) (store.Document, error) {
			return store.Document{ID: id, ProjectID: "prj_other", Version: 1, CreatedBy: "usr_x"}, nil
		},
		getShareLinkBySlugFn: func(ctx context.Context, slug string) (*store.ShareLink, error) {
			return link, nil
		},
	})
	level, err = other.Resolve(context.Background(), "doc_2", Credential{LinkSlug: "s3cret"})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if level != rbac.LevelNone {
		t.Fatalf("foreign-project guest level = %v, want none", level)
	}
}

func TestResolveGuestInvalidLink(t *testing.T) {
	expired := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	three := 3

	cases := []struct {
		name string
		link *store.ShareLink
	}{
		{name: "unknown slug", link: nil},
		{name: "revoked", link: &store.ShareLink{
			ID: "lnk_1", Slug: "s3cret", Scope: store.ScopeDocument,
			DocumentID: strptr("doc_1"), MinRole: "reader", IsActive: false,
		}},
		{name: "expired", link: &store.ShareLink{
			ID: "lnk_1", Slug: "s3cret", Scope: store.ScopeDocument,
			DocumentID: strptr("doc_1"), MinRole: "reader", IsActive: true, ExpiresAt: &expired,
		}},
		{name: "exhausted", link: &store.ShareLink{
			ID: "lnk_1", Slug: "s3cret", Scope: store.ScopeDocument,
			DocumentID: strptr("doc_1"), MinRole: "reader", IsActive: true, MaxUses: &three, Uses: 3,
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := guestResolver(tc.link)
			level, err := r.Resolve(context.Background(), "doc_1", Credential{LinkSlug: "s3cret"})
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if level != rbac.LevelNone {
				t.Fatalf("level = %v, want none", level)
			}
		})
	}
}

func TestResolveGuestPassword(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	hashed := string(hash)
	link := &store.ShareLink{
		ID: "lnk_1", Slug: "s3cret", Scope: store.ScopeDocument,
		DocumentID: strptr("doc_1"), MinRole: "reader", IsActive: true, PasswordHash: &hashed,
	}
	r := guestResolver(link)

	level, err := r.Resolve(context.Background(), "doc_1", Credential{LinkSlug: "s3cret", LinkPassword: "hunter2"})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if level != rbac.LevelRead {
		t.Fatalf("level with password = %v, want read", level)
	}

	level, err = r.Resolve(context.Background(), "doc_1", Credential{LinkSlug: "s3cret", LinkPassword: "wrong"})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if level != rbac.LevelNone {
		t.Fatalf("level with wrong password = %v, want none", level)
	}
}
