package configstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"maps"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"devicehub/internal/adapter"
	"devicehub/internal/watcher"
)

var (
	// ErrInvalidConfiguration is returned when a document fails schema validation
	ErrInvalidConfiguration = errors.New("invalid adapter configuration")
	// ErrNotFound is returned by operations that require an existing document
	ErrNotFound = errors.New("adapter configuration not found")
)

// ChangeFunc receives a reloaded configuration, or nil when the document was removed
type ChangeFunc func(adapterID string, cfg *adapter.Configuration)

// Patch is a partial update. Nil fields are left unchanged; map fields are
// merged key by key.
type Patch struct {
	Name                *string
	Version             *string
	Enabled             *bool
	Settings            map[string]any
	ConnectionPoolSize  *int
	HealthCheckInterval *int64
	LogLevel            *string
	Metadata            map[string]any
}

// Store persists one JSON document per adapter under a root directory
type Store struct {
	root      string
	log       *zap.Logger
	validator *Validator
	lookupEnv func(string) (string, bool)

	mu        sync.RWMutex
	cache     map[string]adapter.Configuration
	digests   map[string][sha256.Size]byte
	docLocks  map[string]*sync.Mutex
	listeners []ChangeFunc

	watcher *watcher.Watcher
}

// New creates a store rooted at dir, creating the directory if needed
func New(dir string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create config root %s", dir)
	}

	s := &Store{
		root:      dir,
		log:       log.Named("configstore"),
		validator: NewValidator(),
		lookupEnv: os.LookupEnv,
		cache:     make(map[string]adapter.Configuration),
		digests:   make(map[string][sha256.Size]byte),
		docLocks:  make(map[string]*sync.Mutex),
	}
	s.watcher = watcher.New(dir, s.handleFileEvent, s.log)
	return s, nil
}

// Root returns the directory holding the documents
func (s *Store) Root() string {
	return s.root
}

// Watch runs hot reload until ctx is cancelled
func (s *Store) Watch(ctx context.Context) error {
	return s.watcher.Watch(ctx)
}

// OnChange registers a listener for hot-reloaded documents
func (s *Store) OnChange(fn ChangeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Validate checks a configuration without persisting it
func (s *Store) Validate(cfg adapter.Configuration) adapter.ValidationResult {
	return s.validator.Validate(cfg)
}

// GetConfiguration returns the configuration for an adapter.
// A missing document yields (nil, nil).
func (s *Store) GetConfiguration(ctx context.Context, adapterID string) (*adapter.Configuration, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	cached, ok := s.cache[adapterID]
	s.mu.RUnlock()
	if ok {
		out := cached.Clone()
		return &out, nil
	}

	if !adapter.ValidID(adapterID) {
		return nil, errors.Wrapf(ErrInvalidConfiguration, "adapter id %q", adapterID)
	}

	cfg, digest, err := s.readDocument(adapterID)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, nil
	}

	s.mu.Lock()
	s.cache[adapterID] = cfg.Clone()
	s.digests[adapterID] = digest
	s.mu.Unlock()
	s.watcher.Add(documentName(adapterID))

	return cfg, nil
}

// SaveConfiguration validates and persists a configuration, then refreshes
// the cache and the document watch
func (s *Store) SaveConfiguration(ctx context.Context, cfg adapter.Configuration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	lock := s.docLock(cfg.AdapterID)
	lock.Lock()
	defer lock.Unlock()

	return s.save(cfg)
}

// UpdateConfiguration applies a patch with read-modify-write semantics.
// The adapter id is never changed by an update.
func (s *Store) UpdateConfiguration(ctx context.Context, adapterID string, patch Patch) (*adapter.Configuration, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lock := s.docLock(adapterID)
	lock.Lock()
	defer lock.Unlock()

	current, err := s.GetConfiguration(ctx, adapterID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, errors.Wrapf(ErrNotFound, "adapter %s", adapterID)
	}

	updated := applyPatch(*current, patch)
	updated.AdapterID = adapterID

	if err := s.save(updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

// SetEnabled persists the enabled flag of an existing document
func (s *Store) SetEnabled(ctx context.Context, adapterID string, enabled bool) error {
	_, err := s.UpdateConfiguration(ctx, adapterID, Patch{Enabled: &enabled})
	return err
}

// DeleteConfiguration removes the document, cache entry and watch.
// Deleting an absent document is not an error.
func (s *Store) DeleteConfiguration(ctx context.Context, adapterID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	lock := s.docLock(adapterID)
	lock.Lock()
	defer lock.Unlock()

	s.watcher.Remove(documentName(adapterID))

	s.mu.Lock()
	delete(s.cache, adapterID)
	delete(s.digests, adapterID)
	s.mu.Unlock()

	if err := os.Remove(s.path(adapterID)); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "delete configuration %s", adapterID)
	}

	s.log.Info("configuration deleted", zap.String("adapter_id", adapterID))
	return nil
}

// ListConfigurations returns every valid document under the root.
// Invalid documents are logged and skipped.
func (s *Store) ListConfigurations(ctx context.Context) ([]adapter.Configuration, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, errors.Wrapf(err, "read config root %s", s.root)
	}

	var out []adapter.Configuration
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".json")
		cfg, err := s.GetConfiguration(ctx, id)
		if err != nil {
			s.log.Warn("skipping configuration", zap.String("file", e.Name()), zap.Error(err))
			continue
		}
		if cfg != nil {
			out = append(out, *cfg)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].AdapterID < out[j].AdapterID })
	return out, nil
}

// save persists cfg; the caller holds the document lock
func (s *Store) save(cfg adapter.Configuration) error {
	if res := s.validator.Validate(cfg); !res.Valid {
		return errors.Wrapf(ErrInvalidConfiguration, "adapter %s: %s", cfg.AdapterID, strings.Join(res.Errors, "; "))
	} else if len(res.Warnings) > 0 {
		s.log.Warn("configuration warnings",
			zap.String("adapter_id", cfg.AdapterID),
			zap.Strings("warnings", res.Warnings),
		)
	}

	data, err := encode(cfg)
	if err != nil {
		return errors.Wrapf(err, "encode configuration %s", cfg.AdapterID)
	}
	digest := sha256.Sum256(data)

	// Record the digest first so the watcher recognises our own write
	s.mu.Lock()
	s.digests[cfg.AdapterID] = digest
	s.mu.Unlock()

	if err := writeAtomic(s.path(cfg.AdapterID), data); err != nil {
		return errors.Wrapf(err, "write configuration %s", cfg.AdapterID)
	}

	s.mu.Lock()
	s.cache[cfg.AdapterID] = cfg.Clone()
	s.mu.Unlock()
	s.watcher.Add(documentName(cfg.AdapterID))

	s.log.Info("configuration saved", zap.String("adapter_id", cfg.AdapterID))
	return nil
}

// readDocument loads and validates one document. A missing file yields (nil, nil).
func (s *Store) readDocument(adapterID string) (*adapter.Configuration, [sha256.Size]byte, error) {
	var digest [sha256.Size]byte

	data, err := os.ReadFile(s.path(adapterID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, digest, nil
		}
		return nil, digest, errors.Wrapf(err, "read configuration %s", adapterID)
	}
	digest = sha256.Sum256(data)

	var cfg adapter.Configuration
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, digest, errors.Wrapf(ErrInvalidConfiguration, "parse %s: %v", documentName(adapterID), err)
	}
	if cfg.AdapterID != adapterID {
		return nil, digest, errors.Wrapf(ErrInvalidConfiguration,
			"%s declares adapterId %q", documentName(adapterID), cfg.AdapterID)
	}
	if res := s.validator.Validate(cfg); !res.Valid {
		return nil, digest, errors.Wrapf(ErrInvalidConfiguration, "adapter %s: %s", adapterID, strings.Join(res.Errors, "; "))
	}

	return &cfg, digest, nil
}

func (s *Store) docLock(adapterID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.docLocks[adapterID]
	if !ok {
		l = &sync.Mutex{}
		s.docLocks[adapterID] = l
	}
	return l
}

func (s *Store) path(adapterID string) string {
	return filepath.Join(s.root, documentName(adapterID))
}

func documentName(adapterID string) string {
	return adapterID + ".json"
}

// encode renders a document with two-space indentation and a trailing newline
func encode(cfg adapter.Configuration) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(cfg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

func applyPatch(cfg adapter.Configuration, p Patch) adapter.Configuration {
	out := cfg.Clone()
	if p.Name != nil {
		out.Name = *p.Name
	}
	if p.Version != nil {
		out.Version = *p.Version
	}
	if p.Enabled != nil {
		out.Enabled = *p.Enabled
	}
	if p.ConnectionPoolSize != nil {
		out.ConnectionPoolSize = adapter.PoolSizeOf(*p.ConnectionPoolSize)
	}
	if p.HealthCheckInterval != nil {
		out.HealthCheckInterval = *p.HealthCheckInterval
	}
	if p.LogLevel != nil {
		out.LogLevel = *p.LogLevel
	}
	if len(p.Settings) > 0 {
		if out.Settings == nil {
			out.Settings = make(map[string]any, len(p.Settings))
		}
		maps.Copy(out.Settings, p.Settings)
	}
	if len(p.Metadata) > 0 {
		if out.Metadata == nil {
			out.Metadata = make(map[string]any, len(p.Metadata))
		}
		maps.Copy(out.Metadata, p.Metadata)
	}
	return out
}
