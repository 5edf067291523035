// Package reference maps operator-entered labels onto reference entity ids.
// Matching is exact after lower-casing and collapsing whitespace.
package reference

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rpattn/statedata/internal/domain"
	"github.com/rpattn/statedata/internal/repository"

	"github.com/google/uuid"
	"github.com/graph-gophers/dataloader"
)

// Resolver creates per-import lookups against the reference repository.
type Resolver struct {
	repo repository.ReferenceRepository
	wait time.Duration
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithBatchWait sets how long a lookup collects keys before querying.
func WithBatchWait(wait time.Duration) Option {
	return func(r *Resolver) { r.wait = wait }
}

// NewResolver builds a resolver backed by repo.
func NewResolver(repo repository.ReferenceRepository, opts ...Option) *Resolver {
	r := &Resolver{repo: repo, wait: 5 * time.Millisecond}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ResolveByID returns the entity of kind with id when it exists and is active.
func (r *Resolver) ResolveByID(ctx context.Context, kind domain.ReferenceKind, id uuid.UUID) (domain.ReferenceEntity, error) {
	entity, err := r.repo.GetByID(ctx, kind, id)
	if err != nil {
		return domain.ReferenceEntity{}, err
	}
	if !entity.Active {
		return domain.ReferenceEntity{}, fmt.Errorf("%w: %s %s is inactive", domain.ErrUnresolvedReference, kind, id)
	}
	return entity, nil
}

// Lookup caches resolutions for the lifetime of one staging pass.
type Lookup struct {
	loaders map[domain.ReferenceKind]*dataloader.Loader
}

// NewLookup returns an empty lookup with one batched loader per reference kind.
func (r *Resolver) NewLookup() *Lookup {
	loaders := make(map[domain.ReferenceKind]*dataloader.Loader, 3)
	for _, kind := range []domain.ReferenceKind{
		domain.ReferenceKindState,
		domain.ReferenceKindCategory,
		domain.ReferenceKindStatistic,
	} {
		loaders[kind] = dataloader.NewBatchedLoader(r.batchFn(kind), dataloader.WithWait(r.wait))
	}
	return &Lookup{loaders: loaders}
}

// Prefetch resolves labels in a single batch so later Resolve calls hit the cache.
// Unresolved labels are not an error here.
func (l *Lookup) Prefetch(ctx context.Context, kind domain.ReferenceKind, scope uuid.UUID, labels []string) error {
	loader, err := l.loader(kind)
	if err != nil {
		return err
	}
	if kind != domain.ReferenceKindStatistic {
		scope = uuid.Nil
	}
	seen := make(map[string]struct{}, len(labels))
	keys := make([]string, 0, len(labels))
	for _, label := range labels {
		normalized := domain.NormalizeLabel(label)
		if normalized == "" {
			continue
		}
		key := lookupKey(scope, normalized)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return nil
	}

	_, errs := loader.LoadMany(ctx, dataloader.NewKeysFromStrings(keys))()
	for _, err := range errs {
		if err != nil && !errors.Is(err, domain.ErrUnresolvedReference) {
			return err
		}
	}
	return nil
}

// Resolve maps label onto an active entity of kind. Statistics are scoped to
// the category id in scope; other kinds ignore it.
func (l *Lookup) Resolve(ctx context.Context, kind domain.ReferenceKind, scope uuid.UUID, label string) (domain.ReferenceEntity, error) {
	loader, err := l.loader(kind)
	if err != nil {
		return domain.ReferenceEntity{}, err
	}
	normalized := domain.NormalizeLabel(label)
	if normalized == "" {
		return domain.ReferenceEntity{}, fmt.Errorf("%w: empty %s", domain.ErrUnresolvedReference, kind)
	}
	if kind != domain.ReferenceKindStatistic {
		scope = uuid.Nil
	}

	data, err := loader.Load(ctx, dataloader.StringKey(lookupKey(scope, normalized)))()
	if err != nil {
		return domain.ReferenceEntity{}, err
	}
	entity, ok := data.(domain.ReferenceEntity)
	if !ok {
		return domain.ReferenceEntity{}, fmt.Errorf("%w: %s %q", domain.ErrUnresolvedReference, kind, strings.TrimSpace(label))
	}
	return entity, nil
}

func (l *Lookup) loader(kind domain.ReferenceKind) (*dataloader.Loader, error) {
	loader, ok := l.loaders[kind]
	if !ok {
		return nil, fmt.Errorf("unknown reference kind %q", kind)
	}
	return loader, nil
}

func (r *Resolver) batchFn(kind domain.ReferenceKind) dataloader.BatchFunc {
	return func(ctx context.Context, keys dataloader.Keys) []*dataloader.Result {
		results := make([]*dataloader.Result, len(keys))

		// Group keys by scope so statistics are looked up per category.
		byScope := make(map[uuid.UUID][]string)
		parsed := make([]parsedKey, len(keys))
		for i, key := range keys {
			pk, err := parseLookupKey(key.String())
			if err != nil {
				results[i] = &dataloader.Result{Error: err}
				continue
			}
			parsed[i] = pk
			byScope[pk.scope] = append(byScope[pk.scope], pk.name)
		}

		found := make(map[string]domain.ReferenceEntity, len(keys))
		for scope, names := range byScope {
			entities, err := r.repo.FindActive(ctx, kind, scope, names)
			if err != nil {
				for i := range results {
					if results[i] == nil && parsed[i].scope == scope {
						results[i] = &dataloader.Result{Error: err}
					}
				}
				continue
			}
			for _, entity := range entities {
				key := lookupKey(scope, entity.Key())
				if _, dup := found[key]; dup {
					continue
				}
				found[key] = entity
			}
		}

		for i, key := range keys {
			if results[i] != nil {
				continue
			}
			if entity, ok := found[key.String()]; ok {
				results[i] = &dataloader.Result{Data: entity}
				continue
			}
			results[i] = &dataloader.Result{
				Error: fmt.Errorf("%w: %s %q", domain.ErrUnresolvedReference, kind, parsed[i].name),
			}
		}
		return results
	}
}

type parsedKey struct {
	scope uuid.UUID
	name  string
}

func lookupKey(scope uuid.UUID, normalized string) string {
	return scope.String() + "|" + normalized
}

func parseLookupKey(key string) (parsedKey, error) {
	scopeText, name, ok := strings.Cut(key, "|")
	if !ok {
		return parsedKey{}, fmt.Errorf("malformed reference key %q", key)
	}
	scope, err := uuid.Parse(scopeText)
	if err != nil {
		return parsedKey{}, fmt.Errorf("malformed reference scope %q: %w", scopeText, err)
	}
	return parsedKey{scope: scope, name: name}, nil
}
