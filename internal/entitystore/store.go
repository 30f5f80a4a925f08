// Package entitystore maintains the in-memory tree of devices and
// services addressed by topic identifier: parent links, external-id
// aliases, the pending set for out-of-order MQTT registrations, and
// cascade insert/delete. Persistence is delegated to internal/storage.
package entitystore

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/edgestack/gateway/internal/errs"
	"github.com/edgestack/gateway/internal/storage"
	"github.com/edgestack/gateway/internal/topic"
	"github.com/edgestack/gateway/pkg/models"
)

// Store is the entity tree: registered entities keyed by topic id, a
// pending set of entities waiting on an unregistered parent, and the
// external-id index used to enforce uniqueness.
type Store struct {
	mu sync.RWMutex

	root string // configured topic root prefix, e.g. "te"

	registered map[string]models.Entity   // topic id -> entity
	externalID map[string]string          // external id -> topic id
	pending    map[string][]models.Entity // missing parent topic id -> parked entities

	log *storage.Log
}

// Option configures a new Store.
type Option func(*Store)

// WithLog attaches an append-only log for registrations and deletions.
// Without one, the store is in-memory only.
func WithLog(l *storage.Log) Option {
	return func(s *Store) { s.log = l }
}

// New creates a Store seeded with the main device, identified by
// mainExternalID. root is the topic schema's configured root prefix.
func New(root, mainExternalID string, opts ...Option) *Store {
	s := &Store{
		root:       root,
		registered: make(map[string]models.Entity),
		externalID: make(map[string]string),
		pending:    make(map[string][]models.Entity),
	}
	for _, opt := range opts {
		opt(s)
	}
	main := models.Entity{
		TopicID:    topic.Default().String(),
		ExternalID: mainExternalID,
		Kind:       models.EntityMainDevice,
	}
	s.registered[main.TopicID] = main
	s.externalID[main.ExternalID] = main.TopicID
	return s
}

// logRecord is the append-only log's on-disk shape: either a registration
// or a deletion of one entity.
type logRecord struct {
	Op      string        `json:"op"` // "register" | "delete"
	Entity  models.Entity `json:"entity,omitempty"`
	TopicID string        `json:"topic_id,omitempty"`
}

// Replay reconstructs the store from its log, in order, skipping and
// logging any corrupt record rather than aborting. It applies records
// directly to the in-memory maps rather than going through
// RegisterStrict/RegisterLax/Delete, since a replayed log is already known
// to reflect a sequence the store accepted once before.
func (s *Store) Replay() error {
	if s.log == nil {
		return nil
	}
	corruptions, err := s.log.Replay(func(raw json.RawMessage) error {
		var rec logRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		switch rec.Op {
		case "register":
			s.registered[rec.Entity.TopicID] = rec.Entity
			s.externalID[rec.Entity.ExternalID] = rec.Entity.TopicID
		case "delete":
			if e, ok := s.registered[rec.TopicID]; ok {
				delete(s.registered, rec.TopicID)
				delete(s.externalID, e.ExternalID)
			}
		default:
			return errs.New(errs.KindIOFailure, "unknown log record op: "+rec.Op)
		}
		return nil
	})
	for _, c := range corruptions {
		log.Warn().Int("line", c.Line).Err(c.Cause).Msg("entitystore: skipping corrupt log record")
	}
	return err
}

// RegisterStrict implements the HTTP-like registration protocol: the
// caller asserts a single entity with its declared parent. If the parent
// is not yet registered, the call fails with a ParentMissing error and no
// state changes. On success it returns the singleton topic id.
func (s *Store) RegisterStrict(e models.Entity) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !e.IsMainDevice() {
		if _, ok := s.registered[e.Parent]; !ok {
			return nil, errs.ParentMissing(e.Parent)
		}
	}
	if err := s.checkExternalIDLocked(e.ExternalID); err != nil {
		return nil, err
	}

	s.registered[e.TopicID] = e.Clone()
	s.externalID[e.ExternalID] = e.TopicID
	s.appendLocked(logRecord{Op: "register", Entity: e})

	return []string{e.TopicID}, nil
}

// RegisterLax implements the MQTT-retained registration protocol: entities
// may arrive in any order. If e's parent is unknown, e is parked in the
// pending set keyed by that parent. Either way, a cascade pass then
// promotes every pending entity whose parent is now registered, repeating
// to a fixed point. The return value is every topic id promoted in this
// pass — e itself if its parent was already known, otherwise whatever
// subtree the arrival of e's ancestor unblocked.
func (s *Store) RegisterLax(e models.Entity) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !e.IsMainDevice() {
		if err := s.checkExternalIDLocked(e.ExternalID); err != nil {
			return nil, err
		}
	}

	if e.IsMainDevice() || s.isRegisteredLocked(e.Parent) {
		return s.promoteLocked(e), nil
	}

	s.pending[e.Parent] = append(s.pending[e.Parent], e.Clone())
	return nil, nil
}

// promoteLocked registers e and then cascades: anything pending on e's
// topic id is promoted too, transitively, to a fixed point. Returns every
// topic id promoted during this call, in promotion order.
func (s *Store) promoteLocked(e models.Entity) []string {
	s.registered[e.TopicID] = e.Clone()
	s.externalID[e.ExternalID] = e.TopicID
	s.appendLocked(logRecord{Op: "register", Entity: e})

	promoted := []string{e.TopicID}
	queue := []string{e.TopicID}
	for len(queue) > 0 {
		parent := queue[0]
		queue = queue[1:]
		waiting := s.pending[parent]
		if len(waiting) == 0 {
			continue
		}
		delete(s.pending, parent)
		for _, child := range waiting {
			s.registered[child.TopicID] = child.Clone()
			s.externalID[child.ExternalID] = child.TopicID
			s.appendLocked(logRecord{Op: "register", Entity: child})
			promoted = append(promoted, child.TopicID)
			queue = append(queue, child.TopicID)
		}
	}
	return promoted
}

// AutoRegister synthesizes a registration for telemetry arriving against
// an unknown entity id, walking from the entity up to the first registered
// ancestor and registering every missing link in between (never
// siblings). Services default to EntityService, direct device children to
// EntityChildDevice. Returns every topic id registered by this call, in
// root-to-leaf order, and true if anything was registered.
func (s *Store) AutoRegister(id topic.ID, mainExternalID string) ([]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRegisteredLocked(id.String()) {
		return nil, false
	}

	chain := ancestryChain(id)
	var toRegister []topic.ID
	for i := len(chain) - 1; i >= 0; i-- {
		if s.isRegisteredLocked(chain[i].String()) {
			break
		}
		toRegister = append([]topic.ID{chain[i]}, toRegister...)
	}

	var registered []string
	for _, ancestorID := range toRegister {
		e := s.synthesize(ancestorID, mainExternalID)
		s.registered[e.TopicID] = e
		s.externalID[e.ExternalID] = e.TopicID
		s.appendLocked(logRecord{Op: "register", Entity: e})
		registered = append(registered, e.TopicID)
	}
	return registered, len(registered) > 0
}

// ancestryChain returns, in root-to-leaf order, the device that owns id (for
// a service only) followed by id itself; the main device is included only
// when it is that owning device.
func ancestryChain(id topic.ID) []topic.ID {
	var chain []topic.ID
	if id.IsService() {
		chain = append(chain, topic.ID{DeviceKind: id.DeviceKind, DeviceID: id.DeviceID})
	}
	chain = append(chain, id)
	return chain
}

func (s *Store) synthesize(id topic.ID, mainExternalID string) models.Entity {
	if id.IsService() {
		return models.Entity{
			TopicID:    id.String(),
			ExternalID: DefaultExternalID(mainExternalID, id),
			Kind:       models.EntityService,
			Parent:     topic.ID{DeviceKind: id.DeviceKind, DeviceID: id.DeviceID}.String(),
		}
	}
	return models.Entity{
		TopicID:    id.String(),
		ExternalID: DefaultExternalID(mainExternalID, id),
		Kind:       models.EntityChildDevice,
		Parent:     topic.Default().String(),
	}
}

// DefaultExternalID derives the default external id for an entity addressed
// by id, given the main device's own external id: "<main>:service:<svc-id>"
// for a service, "<main>:device:<device-id>" for a direct device child. Used
// both by auto-registration and by callers building an explicit lax
// registration whose message didn't declare an external id of its own.
func DefaultExternalID(mainExternalID string, id topic.ID) string {
	if id.IsService() {
		return mainExternalID + ":service:" + id.ServiceID
	}
	return mainExternalID + ":device:" + id.DeviceID
}

// Delete removes id and cascades to every descendant, registered or
// pending. Returns every deleted topic id; order is main-device-first
// undefined, callers sort if they need a stable order.
func (s *Store) Delete(id string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteLocked(id)
}

func (s *Store) deleteLocked(id string) []string {
	var deleted []string
	if e, ok := s.registered[id]; ok {
		delete(s.registered, id)
		delete(s.externalID, e.ExternalID)
		s.appendLocked(logRecord{Op: "delete", TopicID: id})
		deleted = append(deleted, id)
	}

	// Entities parked waiting on id as a parent never became registered
	// themselves, but they may in turn be a parent other entities are
	// parked on (id -> pending B -> pending C). Every id that ever
	// appeared as a pending-parent key is a deletion root, not just
	// registered ones, or a multi-level pending chain orphans silently
	// and a later, unrelated registration under the same topic id could
	// wrongly inherit the stale pending children.
	waiting := s.pending[id]
	delete(s.pending, id)
	for _, child := range waiting {
		deleted = append(deleted, child.TopicID)
		deleted = append(deleted, s.deleteLocked(child.TopicID)...)
	}

	var children []string
	for topicID, e := range s.registered {
		if e.Parent == id {
			children = append(children, topicID)
		}
	}
	for _, child := range children {
		deleted = append(deleted, s.deleteLocked(child)...)
	}
	return deleted
}

// Get returns a snapshot copy of a registered entity.
func (s *Store) Get(id string) (models.Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.registered[id]
	if !ok {
		return models.Entity{}, false
	}
	return e.Clone(), true
}

// IsRegistered reports whether id is currently registered.
func (s *Store) IsRegistered(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRegisteredLocked(id)
}

func (s *Store) isRegisteredLocked(id string) bool {
	_, ok := s.registered[id]
	return ok
}

func (s *Store) checkExternalIDLocked(externalID string) error {
	if _, ok := s.externalID[externalID]; ok {
		return errs.ExternalIDClash(externalID)
	}
	for _, waiting := range s.pending {
		for _, e := range waiting {
			if e.ExternalID == externalID {
				return errs.ExternalIDClash(externalID)
			}
		}
	}
	return nil
}

func (s *Store) appendLocked(rec logRecord) {
	if s.log == nil {
		return
	}
	if err := s.log.With(func(h *storage.Handle) error {
		return h.Append(rec)
	}); err != nil {
		if !storage.WithRetry(func() error {
			return s.log.With(func(h *storage.Handle) error { return h.Append(rec) })
		}) {
			log.Error().Err(err).Str("topic_id", rec.Entity.TopicID).Msg("entitystore: giving up on persistence, continuing in-memory only")
		}
	}
}

// Compact rewrites the log to exactly the current in-memory snapshot,
// discarding superseded registration/deletion history.
func (s *Store) Compact() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.log == nil {
		return nil
	}
	return s.log.With(func(h *storage.Handle) error {
		return h.Compact(func(w func(record any) error) error {
			for _, e := range s.registered {
				if err := w(logRecord{Op: "register", Entity: e}); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

// PendingCount returns how many entities are currently parked in the
// pending set, for observability.
func (s *Store) PendingCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, waiting := range s.pending {
		n += len(waiting)
	}
	return n
}
