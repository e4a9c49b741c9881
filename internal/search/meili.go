package search

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"github.com/rs/zerolog"
)

const idxUsers = "drawbridge_users"

// Meili backs the user directory with a Meilisearch index.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	logger  zerolog.Logger
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the users index. An
// unreachable server is not fatal: the health loop keeps probing and the
// facade falls back to Postgres meanwhile.
func NewMeili(url, apiKey string, logger zerolog.Logger) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		logger: logger,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		logger.Warn().Err(err).Str("url", url).Msg("meilisearch unavailable")
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxUsers,
		PrimaryKey: "sub",
	}); err != nil {
		m.logger.Debug().Err(err).Msg("create users index (may already exist)")
	}

	index := m.client.Index(idxUsers)
	searchable := []string{"name", "email"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.logger.Warn().Err(err).Msg("update searchable attrs")
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.logger.Info().Msg("meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether the last health probe succeeded.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// UserRecord is the indexed shape of one directory entry.
type UserRecord struct {
	Sub   string `json:"sub"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

func (m *Meili) IndexUser(u UserRecord) error {
	if _, err := m.client.Index(idxUsers).AddDocuments([]UserRecord{u}, nil); err != nil {
		return fmt.Errorf("index user %s: %w", u.Sub, err)
	}
	return nil
}

func (m *Meili) IndexUsers(users []UserRecord) error {
	if len(users) == 0 {
		return nil
	}
	if _, err := m.client.Index(idxUsers).AddDocuments(users, nil); err != nil {
		return fmt.Errorf("index users: %w", err)
	}
	return nil
}

func (m *Meili) Search(q string, limit int) ([]UserRecord, error) {
	resp, err := m.client.Index(idxUsers).Search(q, &meili.SearchRequest{
		Limit: int64(limit),
	})
	if err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}

	results := make([]UserRecord, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		raw, err := json.Marshal(hit)
		if err != nil {
			continue
		}
		var u UserRecord
		if err := json.Unmarshal(raw, &u); err != nil {
			continue
		}
		results = append(results, u)
	}
	return results, nil
}
