// Package search looks up users for the share dialog: Meilisearch when
// configured and healthy, Postgres ILIKE otherwise.
package search

import (
	"context"

	"github.com/rs/zerolog"

	"drawbridge/api/internal/store"
)

// Directory is the Postgres fallback.
type Directory interface {
	SearchUsers(ctx context.Context, q string, limit int) ([]store.User, error)
}

// Service is the facade that tries Meilisearch first and falls back to the
// directory store.
type Service struct {
	meili     *Meili
	directory Directory
	logger    zerolog.Logger
}

// NewService creates the search facade. meili may be nil when Meilisearch is
// not configured.
func NewService(meili *Meili, directory Directory, logger zerolog.Logger) *Service {
	return &Service{meili: meili, directory: directory, logger: logger}
}

// Search returns directory entries matching q.
func (s *Service) Search(ctx context.Context, q string, limit int) ([]UserRecord, error) {
	if limit <= 0 || limit > 50 {
		limit = 20
	}

	if s.meili != nil && s.meili.Healthy() {
		results, err := s.meili.Search(q, limit)
		if err == nil {
			return results, nil
		}
		s.logger.Warn().Err(err).Msg("meilisearch error, falling back to postgres")
	}

	users, err := s.directory.SearchUsers(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	results := make([]UserRecord, 0, len(users))
	for _, u := range users {
		results = append(results, UserRecord{Sub: u.Sub, Name: u.Name, Email: u.Email})
	}
	return results, nil
}

// IndexUser pushes one directory entry to Meilisearch, fire-and-forget.
func (s *Service) IndexUser(u UserRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexUser(u); err != nil {
			s.logger.Warn().Err(err).Str("sub", u.Sub).Msg("index user")
		}
	}()
}

// ReindexAll pushes the whole directory to Meilisearch, called at bootstrap.
func (s *Service) ReindexAll(users []UserRecord) {
	if s.meili == nil || !s.meili.Healthy() || len(users) == 0 {
		return
	}
	if err := s.meili.IndexUsers(users); err != nil {
		s.logger.Warn().Err(err).Msg("reindex users")
	}
}
