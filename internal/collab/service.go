// Package collab is the real-time collaboration engine: it maps live
// connections to document rooms, re-authorizes every join and mutation
// against persisted collaborator and share-link state, applies document
// changes behind a version compare-and-swap, and fans change and presence
// events out to the other room members.
package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"drawbridge/api/internal/permission"
	"drawbridge/api/internal/rbac"
	"drawbridge/api/internal/store"
)

var (
	// ErrForbidden means the resolver denied the requested level. The
	// connection stays open; only the operation is rejected.
	ErrForbidden = errors.New("forbidden")
	// ErrNotJoined means the connection is not a member of the document's
	// room.
	ErrNotJoined = errors.New("not joined")
)

// Identity is a connection's resolved actor. Guests carry the share-link
// slug they connected with and a synthetic actor id; authenticated actors
// carry their verified sub.
type Identity struct {
	ActorID      string
	Name         string
	IsGuest      bool
	LinkSlug     string
	LinkPassword string
}

func (id Identity) credential() permission.Credential {
	if id.IsGuest {
		return permission.Credential{LinkSlug: id.LinkSlug, LinkPassword: id.LinkPassword}
	}
	return permission.Credential{ActorSub: id.ActorID}
}

// Resolver decides what a credential may do with a document.
type Resolver interface {
	Resolve(ctx context.Context, documentID string, cred permission.Credential) (rbac.Level, error)
}

type Store interface {
	GetDocument(ctx context.Context, id string) (store.Document, error)
	ApplyDocumentMutation(ctx context.Context, documentID string, baseVersion int64, mutate store.MutateFunc, actorID string) (store.Document, error)
	GetSheet(ctx context.Context, id string) (store.Sheet, error)
	UpdateSheetData(ctx context.Context, id string, data json.RawMessage) (int64, error)
	GetShareLinkBySlug(ctx context.Context, slug string) (*store.ShareLink, error)
	CountGuestUse(ctx context.Context, linkID, connectionID string) (bool, error)
}

// Publisher mirrors room broadcasts to other server processes. Optional;
// best-effort.
type Publisher interface {
	Publish(documentID, event string, payload any)
}

// Service is the session and presence manager. One instance serves every
// connection in the process.
type Service struct {
	store    Store
	resolver Resolver
	rooms    *rooms
	logger   zerolog.Logger

	publisher Publisher
}

func NewService(st Store, resolver Resolver, logger zerolog.Logger) *Service {
	s := &Service{
		store:    st,
		resolver: resolver,
		rooms:    newRooms(),
		logger:   logger,
	}
	return s
}

// SetPublisher attaches the cross-node event bridge.
func (s *Service) SetPublisher(p Publisher) {
	s.publisher = p
}

// SetDrainHook runs fn after a room loses its last member, e.g. to archive
// the document snapshot. Must be set before the first join.
func (s *Service) SetDrainHook(fn func(documentID string)) {
	s.rooms.onDrain = fn
}

// Snapshot is the authoritative document state handed to a joining client
// and refetched after a conflict.
type Snapshot struct {
	Data    json.RawMessage `json:"data"`
	Version int64           `json:"version"`
}

type JoinResult struct {
	Snapshot   Snapshot   `json:"snapshot"`
	Permission rbac.Level `json:"-"`
	ActorID    string     `json:"actorId"`
}

// Join authorizes the connection for the document, registers it in the room,
// tells the other members, and returns the current snapshot. Guest joins
// spend one share-link use, at most once per connection lifetime.
func (s *Service) Join(ctx context.Context, sub Subscriber, ident Identity, documentID string) (JoinResult, error) {
	level, err := s.resolver.Resolve(ctx, documentID, ident.credential())
	if err != nil {
		metricJoins.WithLabelValues("error").Inc()
		return JoinResult{}, err
	}
	if level == rbac.LevelNone {
		metricJoins.WithLabelValues("forbidden").Inc()
		return JoinResult{}, fmt.Errorf("join %s: %w", documentID, ErrForbidden)
	}

	if ident.IsGuest {
		if err := s.countGuestUse(ctx, ident, sub.ConnID()); err != nil {
			metricJoins.WithLabelValues("forbidden").Inc()
			return JoinResult{}, err
		}
	}

	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		metricJoins.WithLabelValues("error").Inc()
		return JoinResult{}, err
	}

	s.rooms.join(documentID, sub)
	metricJoins.WithLabelValues("ok").Inc()
	metricRooms.Set(float64(s.rooms.count()))

	s.broadcast(documentID, sub.ConnID(), "presence:joined", map[string]any{
		"actorId": ident.ActorID,
		"name":    ident.Name,
		"isGuest": ident.IsGuest,
	})
	s.logger.Debug().
		Str("conn_id", sub.ConnID()).
		Str("actor", ident.ActorID).
		Str("document_id", documentID).
		Str("permission", level.String()).
		Msg("joined room")

	return JoinResult{
		Snapshot:   Snapshot{Data: doc.Data, Version: doc.Version},
		Permission: level,
		ActorID:    ident.ActorID,
	}, nil
}

// countGuestUse spends one use for this connection through the transactional
// (link, connection) uniqueness row. A second join on the same connection is
// a no-op; a link that went unavailable since connect fails the join.
func (s *Service) countGuestUse(ctx context.Context, ident Identity, connID string) error {
	link, err := s.store.GetShareLinkBySlug(ctx, ident.LinkSlug)
	if err != nil {
		return err
	}
	if link == nil {
		return fmt.Errorf("guest link %s: %w", ident.LinkSlug, ErrForbidden)
	}
	if _, err := s.store.CountGuestUse(ctx, link.ID, connID); err != nil {
		if errors.Is(err, store.ErrLinkUnavailable) {
			return fmt.Errorf("guest link %s: %w", ident.LinkSlug, ErrForbidden)
		}
		return err
	}
	return nil
}

// Change applies a version-gated document mutation. Edit permission is
// re-resolved on every call so a mid-session revocation takes effect on the
// next write. Success is broadcast to the room excluding the sender; a
// conflict is reported only to the caller.
func (s *Service) Change(ctx context.Context, connID string, ident Identity, documentID string, baseVersion int64, ops Ops) (int64, error) {
	level, err := s.resolver.Resolve(ctx, documentID, ident.credential())
	if err != nil {
		metricChanges.WithLabelValues("error").Inc()
		return 0, err
	}
	if !level.AtLeast(rbac.LevelEdit) {
		metricChanges.WithLabelValues("forbidden").Inc()
		return 0, fmt.Errorf("change %s: %w", documentID, ErrForbidden)
	}

	// The dispatch lock spans commit and enqueue so a room member observes
	// change broadcasts in version order.
	rm := s.rooms.ensure(documentID)
	rm.dispatch.Lock()
	defer rm.dispatch.Unlock()

	doc, err := s.store.ApplyDocumentMutation(ctx, documentID, baseVersion, func(current json.RawMessage) (json.RawMessage, json.RawMessage, error) {
		next, err := mergeOps(current, ops)
		if err != nil {
			return nil, nil, err
		}
		raw, err := json.Marshal(ops)
		if err != nil {
			return nil, nil, fmt.Errorf("encode ops: %w", err)
		}
		return next, raw, nil
	}, ident.ActorID)
	if err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			metricChanges.WithLabelValues("conflict").Inc()
		} else {
			metricChanges.WithLabelValues("error").Inc()
		}
		return 0, err
	}

	metricChanges.WithLabelValues("ok").Inc()
	s.broadcast(documentID, connID, "change:applied", map[string]any{
		"documentId": documentID,
		"version":    doc.Version,
		"ops":        ops,
		"actorId":    ident.ActorID,
	})
	return doc.Version, nil
}

// SheetPatchResult always carries the authoritative state: the caller's own
// patch when it applied, the current state when it was stale.
type SheetPatchResult struct {
	SheetID string          `json:"sheetId"`
	Version int64           `json:"version"`
	Nodes   json.RawMessage `json:"nodes"`
	Edges   json.RawMessage `json:"edges"`
	Stale   bool            `json:"-"`
}

// SheetPatch applies a sheet-grain patch with the soft conflict policy: a
// stale baseVersion is not an error, the current state comes back unchanged
// and the caller detects staleness by comparing versions. This path has no
// compare-and-swap; sheet edits are frequent, small, and tolerate
// last-writer-wins loss.
func (s *Service) SheetPatch(ctx context.Context, connID string, ident Identity, sheetID string, baseVersion int64, nodes, edges json.RawMessage) (SheetPatchResult, error) {
	sheet, err := s.store.GetSheet(ctx, sheetID)
	if err != nil {
		metricSheetPatches.WithLabelValues("error").Inc()
		return SheetPatchResult{}, err
	}

	level, err := s.resolver.Resolve(ctx, sheet.DocumentID, ident.credential())
	if err != nil {
		metricSheetPatches.WithLabelValues("error").Inc()
		return SheetPatchResult{}, err
	}
	if !level.AtLeast(rbac.LevelEdit) {
		metricSheetPatches.WithLabelValues("forbidden").Inc()
		return SheetPatchResult{}, fmt.Errorf("patch sheet %s: %w", sheetID, ErrForbidden)
	}

	if baseVersion < sheet.Version {
		var state sheetState
		if _, state, err = mergeSheetPatch(sheet.Data, nil, nil); err != nil {
			return SheetPatchResult{}, err
		}
		metricSheetPatches.WithLabelValues("stale").Inc()
		return SheetPatchResult{
			SheetID: sheetID,
			Version: sheet.Version,
			Nodes:   state.Nodes,
			Edges:   state.Edges,
			Stale:   true,
		}, nil
	}

	next, state, err := mergeSheetPatch(sheet.Data, nodes, edges)
	if err != nil {
		metricSheetPatches.WithLabelValues("error").Inc()
		return SheetPatchResult{}, err
	}
	version, err := s.store.UpdateSheetData(ctx, sheetID, next)
	if err != nil {
		metricSheetPatches.WithLabelValues("error").Inc()
		return SheetPatchResult{}, err
	}

	metricSheetPatches.WithLabelValues("ok").Inc()
	result := SheetPatchResult{
		SheetID: sheetID,
		Version: version,
		Nodes:   state.Nodes,
		Edges:   state.Edges,
	}
	s.broadcast(sheet.DocumentID, connID, "sheet:patched", map[string]any{
		"sheetId": sheetID,
		"version": version,
		"nodes":   state.Nodes,
		"edges":   state.Edges,
		"actorId": ident.ActorID,
	})
	return result, nil
}

// Presence relays an ephemeral cursor/selection update to the other room
// members. No permission check beyond room membership; nothing is persisted.
func (s *Service) Presence(connID string, ident Identity, documentID string, cursor, selection json.RawMessage) error {
	if !s.rooms.isMember(documentID, connID) {
		return fmt.Errorf("presence %s: %w", documentID, ErrNotJoined)
	}
	payload := map[string]any{"actorId": ident.ActorID}
	if len(cursor) > 0 {
		payload["cursor"] = cursor
	}
	if len(selection) > 0 {
		payload["selection"] = selection
	}
	s.broadcast(documentID, connID, "presence", payload)
	return nil
}

// Leave removes the connection from one room and tells the remaining
// members. Leaving a room the connection never joined is a no-op.
func (s *Service) Leave(connID string, ident Identity, documentID string) {
	if !s.rooms.leave(documentID, connID) {
		return
	}
	metricRooms.Set(float64(s.rooms.count()))
	s.broadcast(documentID, connID, "presence:left", map[string]any{"actorId": ident.ActorID})
}

// Disconnect is the implicit leave of every joined room when the socket
// closes. Cleanup happens whether or not the client sent explicit leaves.
func (s *Service) Disconnect(connID string, ident Identity) {
	left := s.rooms.leaveAll(connID)
	metricRooms.Set(float64(s.rooms.count()))
	for _, documentID := range left {
		s.broadcast(documentID, connID, "presence:left", map[string]any{"actorId": ident.ActorID})
	}
	if len(left) > 0 {
		s.logger.Debug().Str("conn_id", connID).Int("rooms", len(left)).Msg("disconnect left rooms")
	}
}

// RoomSize reports how many connections are joined to the document.
func (s *Service) RoomSize(documentID string) int {
	return s.rooms.memberCount(documentID)
}

// BroadcastLocal delivers a bridged event from another node to every local
// room member. The sender lives on the origin node, so nobody is excluded.
func (s *Service) BroadcastLocal(documentID, event string, payload any) {
	delivered := s.rooms.broadcast(documentID, "", event, payload)
	if delivered > 0 {
		metricBroadcasts.WithLabelValues(event).Add(float64(delivered))
	}
}

func (s *Service) broadcast(documentID, excludeConnID, event string, payload any) {
	delivered := s.rooms.broadcast(documentID, excludeConnID, event, payload)
	metricBroadcasts.WithLabelValues(event).Add(float64(delivered))
	if s.publisher != nil {
		s.publisher.Publish(documentID, event, payload)
	}
}
