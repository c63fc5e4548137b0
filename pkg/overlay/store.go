// Package overlay keeps the comment markers of one embedded page in sync
// with the hub.
package overlay

import (
	"errors"
	"slices"
	"sync"

	"github.com/goevery/openpreview/pkg/position"
	"github.com/goevery/openpreview/pkg/protocol"
	"github.com/goevery/openpreview/pkg/selector"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/net/html"
)

var ErrUnknownComment = errors.New("unknown comment")

// Marker is a comment as placed on the current page.
type Marker struct {
	Comment protocol.Comment
	// DraftId is the temporary id of a comment the hub has not acknowledged.
	DraftId string
	X       float64
	Y       float64
	Pending bool
	// Detached is set when the selector no longer matches and the marker is
	// anchored to the body instead.
	Detached bool
}

func (m Marker) Key() string {
	if m.Comment.Id != "" {
		return m.Comment.Id
	}

	return m.DraftId
}

// Renderer draws markers. Calls are made with the store lock held, so a
// Renderer must not call back into the store.
type Renderer interface {
	Render(marker Marker)
	Update(marker Marker)
	Remove(key string)
}

type pendingUpdate struct {
	key      string
	previous protocol.Comment
	seq      uint64
}

type Store struct {
	logger   *zap.Logger
	mapper   *position.Mapper
	renderer Renderer

	mu      sync.Mutex
	doc     *html.Node
	scope   protocol.Scope
	markers map[string]*Marker
	order   []string
	updates map[string]pendingUpdate
	seq     uint64
}

func NewStore(
	logger *zap.Logger,
	mapper *position.Mapper,
	renderer Renderer,
	scope protocol.Scope,
	doc *html.Node,
) *Store {
	return &Store{
		logger:   logger,
		mapper:   mapper,
		renderer: renderer,
		doc:      doc,
		scope:    scope,
		markers:  map[string]*Marker{},
		updates:  map[string]pendingUpdate{},
	}
}

func (s *Store) Scope() protocol.Scope {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.scope
}

// Reset drops every marker and points the store at a new page.
func (s *Store) Reset(scope protocol.Scope, doc *html.Node) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range s.order {
		s.renderer.Remove(key)
	}

	s.doc = doc
	s.scope = scope
	s.markers = map[string]*Marker{}
	s.order = nil
	s.updates = map[string]pendingUpdate{}
}

// Load renders the comments that belong to the current page. Comments of
// other pages are skipped, as are ids already on the page.
func (s *Store) Load(comments []protocol.Comment) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	onPage := lo.Filter(comments, func(c protocol.Comment, _ int) bool {
		return c.Url == s.scope.Url && c.Id != ""
	})

	loaded := 0
	for _, comment := range onPage {
		if _, ok := s.markers[comment.Id]; ok {
			continue
		}

		s.addLocked(&Marker{Comment: comment})
		loaded++
	}

	return loaded
}

// Draft places an unacknowledged comment at a click inside element and
// returns it together with the request id to send it under.
func (s *Store) Draft(element *html.Node, clientX float64, clientY float64, content string) (protocol.Comment, string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	draftId := "draft-" + gonanoid.Must()
	relative := s.mapper.ToRelative(element, clientX, clientY)

	comment := protocol.Comment{
		ProjectId: s.scope.ProjectId,
		Content:   content,
		Selector:  selector.Encode(element),
		XPercent:  relative.XPercent,
		YPercent:  relative.YPercent,
		Url:       s.scope.Url,
	}

	s.addLocked(&Marker{Comment: comment, DraftId: draftId, Pending: true})

	return comment, draftId
}

// Move repositions a comment optimistically. The previous state is kept
// under the returned request id until the hub confirms or rejects it.
func (s *Store) Move(id string, element *html.Node, clientX float64, clientY float64) (protocol.Comment, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	marker, ok := s.markers[id]
	if !ok || marker.Comment.Id == "" {
		return protocol.Comment{}, "", ErrUnknownComment
	}

	requestId := "move-" + gonanoid.Must()
	s.seq++
	s.updates[requestId] = pendingUpdate{key: id, previous: marker.Comment, seq: s.seq}

	relative := s.mapper.ToRelative(element, clientX, clientY)
	marker.Comment.Selector = selector.Encode(element)
	marker.Comment.XPercent = relative.XPercent
	marker.Comment.YPercent = relative.YPercent
	marker.Pending = true

	s.anchorLocked(marker)
	s.renderer.Update(*marker)

	return marker.Comment, requestId, nil
}

// ApplyNew materializes a newComment broadcast. The sender's own copy
// carries the draft id as request id and replaces the draft in place.
func (s *Store) ApplyNew(envelope protocol.Envelope) {
	if envelope.Comment == nil {
		return
	}
	comment := *envelope.Comment

	s.mu.Lock()
	defer s.mu.Unlock()

	if draft, ok := s.markers[envelope.RequestId]; ok && draft.Pending && draft.Comment.Id == "" {
		s.removeLocked(envelope.RequestId)
	}

	if comment.Id == "" || comment.Url != s.scope.Url {
		return
	}
	if _, ok := s.markers[comment.Id]; ok {
		return
	}

	s.addLocked(&Marker{Comment: comment})
}

// ApplyUpdate replaces the stored copy of a comment with the broadcast one.
func (s *Store) ApplyUpdate(envelope protocol.Envelope) {
	if envelope.Comment == nil || envelope.Comment.Id == "" {
		return
	}
	comment := *envelope.Comment

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.updates, envelope.RequestId)

	marker, ok := s.markers[comment.Id]
	if !ok {
		if comment.Url == s.scope.Url {
			s.addLocked(&Marker{Comment: comment})
		}
		return
	}

	if comment.Url != s.scope.Url {
		s.removeLocked(comment.Id)
		return
	}

	if marker.Comment == comment && !marker.Pending {
		return
	}

	marker.Comment = comment
	marker.Pending = s.hasPendingLocked(comment.Id)

	s.anchorLocked(marker)
	s.renderer.Update(*marker)
}

// Reject rolls back the mutation sent under requestId: a draft is removed,
// a move is reverted. It reports whether anything was rolled back.
func (s *Store) Reject(requestId string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if draft, ok := s.markers[requestId]; ok && draft.Comment.Id == "" {
		s.removeLocked(requestId)
		return true
	}

	update, ok := s.updates[requestId]
	if !ok {
		return false
	}
	delete(s.updates, requestId)

	marker, ok := s.markers[update.key]
	if !ok {
		return false
	}

	marker.Comment = update.previous
	marker.Pending = s.hasPendingLocked(update.key)

	s.anchorLocked(marker)
	s.renderer.Update(*marker)

	return true
}

// RejectPending rolls back every mutation still waiting for the hub: drafts
// are removed and moved comments return to their last confirmed state. It
// reports how many mutations were rolled back.
func (s *Store) RejectPending() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	rejected := 0
	for _, key := range slices.Clone(s.order) {
		if marker := s.markers[key]; marker.Pending && marker.Comment.Id == "" {
			s.removeLocked(key)
			rejected++
		}
	}

	// The oldest pending move of a comment holds its confirmed state.
	confirmed := map[string]pendingUpdate{}
	for _, update := range s.updates {
		if oldest, ok := confirmed[update.key]; !ok || update.seq < oldest.seq {
			confirmed[update.key] = update
		}
		rejected++
	}
	s.updates = map[string]pendingUpdate{}

	for key, update := range confirmed {
		marker, ok := s.markers[key]
		if !ok {
			continue
		}

		marker.Comment = update.previous
		marker.Pending = false

		s.anchorLocked(marker)
		s.renderer.Update(*marker)
	}

	return rejected
}

// Reanchor recomputes every marker position against the current layout and
// reports how many markers moved.
func (s *Store) Reanchor() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	moved := 0
	for _, key := range s.order {
		marker := s.markers[key]
		before := *marker

		s.anchorLocked(marker)

		if before.X != marker.X || before.Y != marker.Y || before.Detached != marker.Detached {
			s.renderer.Update(*marker)
			moved++
		}
	}

	return moved
}

func (s *Store) Markers() []Marker {
	s.mu.Lock()
	defer s.mu.Unlock()

	return lo.Map(s.order, func(key string, _ int) Marker {
		return *s.markers[key]
	})
}

func (s *Store) addLocked(marker *Marker) {
	s.anchorLocked(marker)

	key := marker.Key()
	s.markers[key] = marker
	s.order = append(s.order, key)

	s.renderer.Render(*marker)
}

func (s *Store) removeLocked(key string) {
	delete(s.markers, key)
	s.order = lo.Without(s.order, key)

	s.renderer.Remove(key)
}

func (s *Store) anchorLocked(marker *Marker) {
	resolution := selector.Resolve(s.doc, marker.Comment.Selector)
	if resolution.Node == nil {
		marker.Detached = true
		return
	}

	if resolution.Degraded() && !marker.Detached {
		s.logger.Warn("comment anchor not found, using body",
			zap.String("key", marker.Key()),
			zap.String("selector", marker.Comment.Selector))
	}
	marker.Detached = resolution.Degraded()

	point := s.mapper.ToAbsolute(resolution.Node, marker.Comment.XPercent, marker.Comment.YPercent)
	marker.X = point.X
	marker.Y = point.Y
}

func (s *Store) hasPendingLocked(key string) bool {
	return lo.SomeBy(lo.Values(s.updates), func(update pendingUpdate) bool {
		return update.key == key
	})
}
