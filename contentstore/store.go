// Package contentstore persists serialized bundles keyed by content id.
//
// Storage goes through a lode.Store, so the same code serves the
// filesystem, in-memory and S3 backends. Put is idempotent: storing an id
// that already exists is a no-op success. Get verifies the bytes against
// the id before returning them.
package contentstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/justapithecus/lode/lode"

	"github.com/pithecene-io/cairn/canon"
	"github.com/pithecene-io/cairn/iox"
)

// KeyPrefix is the key prefix under which bundles are stored.
const KeyPrefix = "bundles/sha256/"

// Store is a content-addressed bundle store.
type Store struct {
	backend string
	factory lode.StoreFactory

	once     sync.Once
	store    lode.Store
	storeErr error
}

// New creates a store over a lode store factory. The factory is invoked
// lazily on first use.
func New(backend string, factory lode.StoreFactory) (*Store, error) {
	if factory == nil {
		return nil, errors.New("content store requires a store factory")
	}
	return &Store{backend: backend, factory: factory}, nil
}

// NewFS creates a filesystem-backed store rooted at root.
func NewFS(root string) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("content store path is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, wrap("init", root, err)
	}
	return New("fs", lode.NewFSFactory(root))
}

// NewMemory creates an in-memory store.
func NewMemory() *Store {
	mem := lode.NewMemory()
	s, _ := New("memory", func() (lode.Store, error) { return mem, nil })
	return s
}

// Backend names the storage backend (fs, memory, s3).
func (s *Store) Backend() string { return s.backend }

func (s *Store) lode() (lode.Store, error) {
	s.once.Do(func() {
		s.store, s.storeErr = s.factory()
	})
	if s.storeErr != nil {
		return nil, wrap("init", s.backend, s.storeErr)
	}
	return s.store, nil
}

// Key returns the storage key for a content id.
func Key(contentID string) string {
	return KeyPrefix + strings.TrimPrefix(contentID, canon.ContentIDPrefix)
}

// Put stores data under contentID. data must hash to contentID.
func (s *Store) Put(ctx context.Context, contentID string, data []byte) error {
	if err := canon.ValidateContentID(contentID); err != nil {
		return err
	}
	if err := canon.VerifyContentID(contentID, data); err != nil {
		return err
	}
	st, err := s.lode()
	if err != nil {
		return err
	}

	key := Key(contentID)
	exists, err := st.Exists(ctx, key)
	if err != nil {
		return wrap("exists", key, err)
	}
	if exists {
		return nil
	}
	if err := st.Put(ctx, key, bytes.NewReader(data)); err != nil {
		// A concurrent writer of the same id wins the race; same bytes.
		if ok, existsErr := st.Exists(ctx, key); existsErr == nil && ok {
			return nil
		}
		return wrap("put", key, err)
	}
	return nil
}

// Get returns the bytes stored under contentID.
// Returns an error matching ErrNotFound if nothing is stored.
func (s *Store) Get(ctx context.Context, contentID string) ([]byte, error) {
	if err := canon.ValidateContentID(contentID); err != nil {
		return nil, err
	}
	st, err := s.lode()
	if err != nil {
		return nil, err
	}

	key := Key(contentID)
	exists, err := st.Exists(ctx, key)
	if err != nil {
		return nil, wrap("exists", key, err)
	}
	if !exists {
		return nil, &StorageError{Kind: ErrNotFound, Op: "get", Key: key, Err: fmt.Errorf("no bundle %s", contentID)}
	}

	rc, err := st.Get(ctx, key)
	if err != nil {
		return nil, wrap("get", key, err)
	}
	defer iox.DiscardClose(rc)
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, wrap("get", key, err)
	}
	if err := canon.VerifyContentID(contentID, data); err != nil {
		return nil, &StorageError{Kind: ErrCorrupt, Op: "get", Key: key, Err: err}
	}
	return data, nil
}

// Exists reports whether contentID is stored.
func (s *Store) Exists(ctx context.Context, contentID string) (bool, error) {
	st, err := s.lode()
	if err != nil {
		return false, err
	}
	ok, err := st.Exists(ctx, Key(contentID))
	if err != nil {
		return false, wrap("exists", Key(contentID), err)
	}
	return ok, nil
}

// Close releases the store. lode stores hold no handles between calls.
func (s *Store) Close() error { return nil }
