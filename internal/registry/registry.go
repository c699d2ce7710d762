package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/betbot/botfleet/internal/common"
)

var (
	ErrNotFound     = errors.New("bot not found")
	ErrOwnedByOther = errors.New("bot id already taken by another tenant")
)

// Registry is the Ownership Registry. It serializes read-modify-write per
// tenant and keeps an in-memory botId -> tenant index that enforces global
// botId uniqueness across tenants.
type Registry struct {
	store Store
	locks *common.KeyLock

	mu     sync.RWMutex
	owners map[string]string
}

// New builds the owner index from every tenant document in store.
func New(ctx context.Context, store Store) (*Registry, error) {
	r := &Registry{
		store:  store,
		locks:  common.NewKeyLock(32),
		owners: make(map[string]string),
	}
	tenants, err := store.Tenants(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	for _, t := range tenants {
		doc, err := store.Get(ctx, t)
		if err != nil {
			return nil, err
		}
		for id := range doc {
			if prev, dup := r.owners[id]; dup && prev != t {
				return nil, fmt.Errorf("%w: %s claimed by %s and %s", ErrOwnedByOther, id, prev, t)
			}
			r.owners[id] = t
		}
	}
	return r, nil
}

func (r *Registry) Close() error { return r.store.Close() }

// Owner reports which tenant owns botID.
func (r *Registry) Owner(botID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.owners[botID]
	return t, ok
}

func (r *Registry) Get(ctx context.Context, tenant, botID string) (Record, error) {
	doc, err := r.store.Get(ctx, tenant)
	if err != nil {
		return Record{}, err
	}
	rec, ok := doc[botID]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, botID)
	}
	return rec, nil
}

// Lookup finds a record by botId alone.
func (r *Registry) Lookup(ctx context.Context, botID string) (Record, error) {
	tenant, ok := r.Owner(botID)
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, botID)
	}
	return r.Get(ctx, tenant, botID)
}

func (r *Registry) List(ctx context.Context, tenant string) ([]Record, error) {
	doc, err := r.store.Get(ctx, tenant)
	if err != nil {
		return nil, err
	}
	return doc.Sorted(), nil
}

func (r *Registry) Count(ctx context.Context, tenant string) (int, error) {
	doc, err := r.store.Get(ctx, tenant)
	if err != nil {
		return 0, err
	}
	return len(doc), nil
}

// All returns every record across tenants, ordered by tenant then creation.
func (r *Registry) All(ctx context.Context) ([]Record, error) {
	tenants, err := r.store.Tenants(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(tenants)
	var out []Record
	for _, t := range tenants {
		recs, err := r.List(ctx, t)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	return out, nil
}

// Update runs fn against the tenant's whole document and writes it back.
// Concurrent Updates for one tenant are serialized, so no write is lost.
// Newly added botIds are reserved in the owner index before the write; an
// id owned by another tenant fails the whole update with ErrOwnedByOther.
func (r *Registry) Update(ctx context.Context, tenant string, fn func(doc Records) error) error {
	unlock := r.locks.Lock(tenant)
	defer unlock()

	doc, err := r.store.Get(ctx, tenant)
	if err != nil {
		return err
	}
	before := make(map[string]struct{}, len(doc))
	for id := range doc {
		before[id] = struct{}{}
	}

	if err := fn(doc); err != nil {
		return err
	}

	var added, removed []string
	for id, rec := range doc {
		rec.BotID = id
		rec.OwnerID = tenant
		doc[id] = rec
		if _, ok := before[id]; !ok {
			added = append(added, id)
		}
	}
	for id := range before {
		if _, ok := doc[id]; !ok {
			removed = append(removed, id)
		}
	}

	if err := r.reserve(tenant, added); err != nil {
		return err
	}
	if err := r.store.Put(ctx, tenant, doc); err != nil {
		r.release(tenant, added)
		return err
	}
	r.release(tenant, removed)
	return nil
}

// Mutate is Update scoped to one existing record.
func (r *Registry) Mutate(ctx context.Context, tenant, botID string, fn func(rec *Record) error) (Record, error) {
	var out Record
	err := r.Update(ctx, tenant, func(doc Records) error {
		rec, ok := doc[botID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, botID)
		}
		if err := fn(&rec); err != nil {
			return err
		}
		doc[botID] = rec
		out = rec.Clone()
		return nil
	})
	return out, err
}

// Delete removes one record. Deleting an absent record is a no-op.
func (r *Registry) Delete(ctx context.Context, tenant, botID string) error {
	return r.Update(ctx, tenant, func(doc Records) error {
		delete(doc, botID)
		return nil
	})
}

func (r *Registry) reserve(tenant string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		if owner, ok := r.owners[id]; ok && owner != tenant {
			return fmt.Errorf("%w: %s", ErrOwnedByOther, id)
		}
	}
	for _, id := range ids {
		r.owners[id] = tenant
	}
	return nil
}

func (r *Registry) release(tenant string, ids []string) {
	if len(ids) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		if r.owners[id] == tenant {
			delete(r.owners, id)
		}
	}
}
