package store

import (
	"encoding/json"
	"time"
)

type User struct {
	Sub       string
	Name      string
	Email     string
	CreatedAt time.Time
}

type Project struct {
	ID        string
	Name      string
	OwnerSub  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Document struct {
	ID        string
	ProjectID string
	Data      json.RawMessage
	Version   int64
	CreatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Sheet struct {
	ID         string
	DocumentID string
	Data       json.RawMessage
	Version    int64
	OrderIndex int
	IsActive   bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type Collaborator struct {
	ID         string
	DocumentID string
	UserSub    string
	Role       string
	GrantedBy  *string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type ShareLink struct {
	ID           string
	Slug         string
	Scope        string
	DocumentID   *string
	ProjectID    *string
	MinRole      string
	PasswordHash *string
	ExpiresAt    *time.Time
	MaxUses      *int
	Uses         int
	IsActive     bool
	CreatedBy    string
	CreatedAt    time.Time
	RevokedAt    *time.Time
}

// IsExpired evaluates the time box lazily; links are never swept.
func (l ShareLink) IsExpired(now time.Time) bool {
	return l.ExpiresAt != nil && now.After(*l.ExpiresAt)
}

func (l ShareLink) IsExhausted() bool {
	return l.MaxUses != nil && l.Uses >= *l.MaxUses
}

// DocumentRevision is an append-only record of one accepted mutation.
type DocumentRevision struct {
	ID         int64
	DocumentID string
	Version    int64
	Ops        json.RawMessage
	ActorID    string
	CreatedAt  time.Time
}

// Scope values for ShareLink.
const (
	ScopeDocument = "document"
	ScopeProject  = "project"
)
