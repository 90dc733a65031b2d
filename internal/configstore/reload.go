package configstore

import (
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"devicehub/internal/adapter"
	"devicehub/internal/watcher"
)

// handleFileEvent reloads a document changed outside the store
func (s *Store) handleFileEvent(ev watcher.Event) {
	adapterID := strings.TrimSuffix(filepath.Base(ev.Path), ".json")
	log := s.log.With(zap.String("adapter_id", adapterID))

	lock := s.docLock(adapterID)
	lock.Lock()

	if ev.Removed {
		s.mu.Lock()
		_, had := s.cache[adapterID]
		delete(s.cache, adapterID)
		delete(s.digests, adapterID)
		s.mu.Unlock()
		lock.Unlock()

		if had {
			log.Info("configuration removed externally")
			s.notify(adapterID, nil)
		}
		return
	}

	cfg, digest, err := s.readDocument(adapterID)

	s.mu.Lock()
	known, seen := s.digests[adapterID]
	s.mu.Unlock()

	switch {
	case seen && digest == known:
		// Our own write or an unchanged file
		lock.Unlock()
		return
	case err != nil:
		lock.Unlock()
		log.Warn("configuration reload failed, keeping previous value", zap.Error(err))
		return
	case cfg == nil:
		lock.Unlock()
		return
	}

	s.mu.Lock()
	s.cache[adapterID] = cfg.Clone()
	s.digests[adapterID] = digest
	s.mu.Unlock()
	lock.Unlock()

	log.Info("configuration reloaded")
	s.notify(adapterID, cfg)
}

func (s *Store) notify(adapterID string, cfg *adapter.Configuration) {
	s.mu.RLock()
	listeners := append([]ChangeFunc(nil), s.listeners...)
	s.mu.RUnlock()

	for _, fn := range listeners {
		var arg *adapter.Configuration
		if cfg != nil {
			c := cfg.Clone()
			arg = &c
		}
		fn(adapterID, arg)
	}
}
