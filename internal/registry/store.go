package registry

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"

	pkgerrors "github.com/pkg/errors"

	"github.com/betbot/botfleet/pkg/kvstore"
	"github.com/betbot/botfleet/pkg/persistence"
)

// Store is the persistence collaborator: whole-document get/put per tenant.
// Get returns an empty, non-nil document for unknown tenants. Put with an
// empty document removes the tenant.
type Store interface {
	Get(ctx context.Context, tenant string) (Records, error)
	Put(ctx context.Context, tenant string, doc Records) error
	Tenants(ctx context.Context) ([]string, error)
	Close() error
}

// MemoryStore keeps documents in process memory. Documents are cloned on the
// way in and out so callers never share maps with the store.
type MemoryStore struct {
	mu   sync.Mutex
	docs map[string]Records
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]Records)}
}

func (s *MemoryStore) Get(_ context.Context, tenant string) (Records, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[tenant]
	if !ok {
		return Records{}, nil
	}
	return doc.Clone(), nil
}

func (s *MemoryStore) Put(_ context.Context, tenant string, doc Records) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(doc) == 0 {
		delete(s.docs, tenant)
		return nil
	}
	s.docs[tenant] = doc.Clone()
	return nil
}

func (s *MemoryStore) Tenants(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.docs))
	for t := range s.docs {
		out = append(out, t)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

// FileStore stores one JSON document per tenant under <dir>/tenants/.
type FileStore struct {
	svc *persistence.JSONFileService
}

const filePrefix = "tenants"

func NewFileStore(dir string) *FileStore {
	return &FileStore{svc: persistence.NewJSONFileService(dir)}
}

func (s *FileStore) Get(_ context.Context, tenant string) (Records, error) {
	doc := Records{}
	err := s.svc.NewStore(filePrefix, tenant).Load(&doc)
	if err != nil {
		if errors.Is(err, persistence.ErrNotExists) {
			return Records{}, nil
		}
		return nil, pkgerrors.Wrapf(err, "load tenant %s", tenant)
	}
	return doc, nil
}

func (s *FileStore) Put(_ context.Context, tenant string, doc Records) error {
	st := s.svc.NewStore(filePrefix, tenant)
	if len(doc) == 0 {
		return st.Delete()
	}
	return pkgerrors.Wrapf(st.Save(doc), "save tenant %s", tenant)
}

func (s *FileStore) Tenants(_ context.Context) ([]string, error) {
	return s.svc.List(filePrefix)
}

func (s *FileStore) Close() error { return nil }

// BadgerStore stores one JSON document per tenant under key "tenant/<id>".
type BadgerStore struct {
	kv *kvstore.Store
}

const badgerPrefix = "tenant/"

func NewBadgerStore(kv *kvstore.Store) *BadgerStore {
	return &BadgerStore{kv: kv}
}

func (s *BadgerStore) Get(_ context.Context, tenant string) (Records, error) {
	raw, found, err := s.kv.Get(badgerPrefix + tenant)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "get tenant %s", tenant)
	}
	doc := Records{}
	if !found || len(raw) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, pkgerrors.Wrapf(err, "decode tenant %s", tenant)
	}
	return doc, nil
}

func (s *BadgerStore) Put(_ context.Context, tenant string, doc Records) error {
	if len(doc) == 0 {
		return s.kv.Delete(badgerPrefix + tenant)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return pkgerrors.Wrap(err, "encode")
	}
	return pkgerrors.Wrapf(s.kv.Set(badgerPrefix+tenant, raw), "put tenant %s", tenant)
}

func (s *BadgerStore) Tenants(_ context.Context) ([]string, error) {
	keys, err := s.kv.Keys(badgerPrefix)
	if err != nil {
		return nil, err
	}
	out := keys[:0]
	for _, k := range keys {
		if strings.TrimSpace(k) != "" {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *BadgerStore) Close() error { return s.kv.Close() }
