package cache

import (
	"context"
	"sort"

	"github.com/vk/stagerunner/internal/ctxlog"
	"github.com/vk/stagerunner/internal/expr"
	"github.com/vk/stagerunner/internal/pipeline"
)

// Lookup is the result of resolving a cache declaration against the store.
type Lookup struct {
	// Hit is true for both exact and partial hits.
	Hit bool

	// Exact is true only when the primary key matched. A partial hit
	// (restore-key match) restores content as a warm starting point, but
	// the step must still do its full work, and the job writes back
	// under PrimaryKey at completion.
	Exact bool

	// MatchedKey is the rendered key that produced the hit: the primary
	// key for exact hits, the restore key for partial hits. Empty on a
	// full miss.
	MatchedKey string

	// Entry is the store key whose content should be restored. For an
	// exact hit it equals PrimaryKey; for a partial hit it is the store
	// entry the restore-key prefix matched.
	Entry string

	// PrimaryKey is the fully rendered primary key. Write-back at job
	// completion always targets it, hit or miss.
	PrimaryKey string

	// Path is the directory the cache covers, from the declaration.
	Path string
}

// Resolve renders the declaration's primary key, probes the store for an
// exact match, and walks the restore-key chain in order on a miss. Template
// rendering failures are returned (they are evaluation errors fatal to the
// owning step); store failures are not: a broken cache store degrades to a
// full miss, logged, and execution proceeds.
func Resolve(ctx context.Context, spec *pipeline.CacheSpec, scope *expr.Scope, store Store) (Lookup, error) {
	logger := ctxlog.FromContext(ctx)

	primary, err := expr.RenderTemplate(spec.Key, scope)
	if err != nil {
		return Lookup{}, err
	}
	result := Lookup{PrimaryKey: primary, Path: spec.Path}

	keys, err := store.Keys(ctx, primary)
	if err != nil {
		logger.Warn("Cache store probe failed, treating as miss.", "key", primary, "error", err)
		return result, nil
	}
	for _, key := range keys {
		if key == primary {
			result.Hit = true
			result.Exact = true
			result.MatchedKey = primary
			result.Entry = primary
			return result, nil
		}
	}

	for _, tmpl := range spec.RestoreKeys {
		restoreKey, err := expr.RenderTemplate(tmpl, scope)
		if err != nil {
			return Lookup{}, err
		}
		keys, err := store.Keys(ctx, restoreKey)
		if err != nil {
			logger.Warn("Cache store probe failed, treating as miss.", "key", restoreKey, "error", err)
			return result, nil
		}
		if len(keys) == 0 {
			continue
		}
		// Deterministic choice among candidates keeps resolution
		// idempotent against an unchanged store.
		sort.Strings(keys)
		result.Hit = true
		result.MatchedKey = restoreKey
		result.Entry = keys[len(keys)-1]
		return result, nil
	}

	return result, nil
}
