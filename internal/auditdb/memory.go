package auditdb

import (
	"sync"

	"github.com/riftsec/auditcore/internal/data"
	"github.com/riftsec/auditcore/internal/logger"
)

// MemoryStore is an in-process Store, used for small audits and tests
// where standing up Postgres isn't worth it.
type MemoryStore struct {
	mu sync.RWMutex

	items         map[string]*data.Item
	stageFinished map[int]map[string]struct{}  // stage -> identities finished
	pluginDone    map[string]map[string]struct{} // identity -> plugin names finished
}

// NewMemoryStore builds an empty in-memory audit database.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items:         make(map[string]*data.Item),
		stageFinished: make(map[int]map[string]struct{}),
		pluginDone:    make(map[string]map[string]struct{}),
	}
}

func (s *MemoryStore) Add(item *data.Item) (AddResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	identity := item.Identity()
	existing, ok := s.items[identity]
	if !ok {
		s.items[identity] = item
		logger.Database().Debug().Str("identity", identity).Msg("auditdb: inserted new item")
		return Inserted, nil
	}
	s.items[identity] = data.Merge(existing, item)
	logger.Database().Debug().Str("identity", identity).Msg("auditdb: merged into existing item")
	return Merged, nil
}

func (s *MemoryStore) Get(identity string) (*data.Item, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.items[identity]
	return it, ok, nil
}

func (s *MemoryStore) Has(identity string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.items[identity]
	return ok, nil
}

func (s *MemoryStore) GetPending(stage int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	finished := s.stageFinished[stage]
	var pending []string
	for identity := range s.items {
		if _, done := finished[identity]; !done {
			pending = append(pending, identity)
		}
	}
	return pending, nil
}

func (s *MemoryStore) MarkStageFinished(identity string, stage int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.stageFinished[stage]
	if !ok {
		set = make(map[string]struct{})
		s.stageFinished[stage] = set
	}
	set[identity] = struct{}{}
	return nil
}

func (s *MemoryStore) MarkPluginFinished(identity, pluginName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.pluginDone[identity]
	if !ok {
		set = make(map[string]struct{})
		s.pluginDone[identity] = set
	}
	set[pluginName] = struct{}{}
	return nil
}

func (s *MemoryStore) HasPluginFinished(identity, pluginName string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set, ok := s.pluginDone[identity]
	if !ok {
		return false, nil
	}
	_, done := set[pluginName]
	return done, nil
}

// Compact is a no-op: there's nothing to reclaim in an in-memory map.
func (s *MemoryStore) Compact() error { return nil }

func (s *MemoryStore) Close() error { return nil }
