package pipeline

import (
	"github.com/searchktools/h1server/core/auth"
	"github.com/searchktools/h1server/core/cache"
	"github.com/searchktools/h1server/core/http"
)

// Cache-Status parameters reported for each response.
const (
	cacheHit       = "hit"
	cacheMiss      = "fwd=miss"
	cacheStored    = "fwd=miss; stored"
	cacheBypass    = "fwd=request"
	cacheCollapsed = "fwd=miss; collapsed"
)

// cached serves a GET or HEAD through the cache. Concurrent misses for the
// same key run the handler once; the others wait for the stored entry.
func (p *Pipeline) cached(req *http.Request, ac auth.Context) (*http.Response, string) {
	store := p.opts.Cache
	validators := cache.RequestValidators(req)

	reqCC := cache.ParseCacheControl(req.Header.Values(http.HeaderCacheControl))
	bypass := reqCC.NoCache || req.Header.ContainsToken("Pragma", "no-cache")

	privateBase := cache.BaseKey(req, cache.PrivateScope(ac))
	sharedBase := cache.BaseKey(req, cache.SharedScope(ac))
	privateKey := store.KeyFor(privateBase, req.Header)

	lookup := func() (cache.Result, *cache.Entry) {
		if res, e := store.Lookup(privateKey, validators); res != cache.Miss {
			return res, e
		}
		if sharedBase != privateBase {
			return store.Lookup(store.KeyFor(sharedBase, req.Header), validators)
		}
		return cache.Miss, nil
	}

	if !bypass {
		if res, e := lookup(); res != cache.Miss {
			return p.fromEntry(res, e), cacheHit
		}
	}

	var (
		own    *http.Response
		result = cacheMiss
	)
	e, shared, err := store.Do(privateKey, func() (*cache.Entry, error) {
		if !bypass {
			if res, e := lookup(); res != cache.Miss {
				result = cacheHit
				return e, nil
			}
		}
		resp := p.invoke(req, ac)
		d, sharedScope, ok := cache.Storable(req, resp, ac.Authenticated())
		if !ok {
			own = resp
			return nil, nil
		}
		base := privateBase
		if sharedScope {
			base = sharedBase
		}
		entry := cache.NewEntry(resp, store.TTL(d), store.Now())
		entry.Base = base
		result = cacheStored
		return store.Store(cache.Key(base, entry.Vary, req.Header), entry), nil
	})
	if err != nil {
		return p.errorResponse(req, err), cacheMiss
	}

	switch {
	case own != nil:
		return p.conditional(req, own), withBypass(cacheMiss, bypass)
	case !shared:
		return p.fromEntry(matchResult(e, validators), e), withBypass(result, bypass)
	case e == nil || !e.SelectedBy(req.Header):
		// The leader's response was not storable, or varies on a field this
		// request sent differently.
		return p.conditional(req, p.invoke(req, ac)), cacheMiss
	default:
		return p.fromEntry(matchResult(e, validators), e), cacheCollapsed
	}
}

func withBypass(status string, bypass bool) string {
	if bypass {
		return cacheBypass
	}
	return status
}

func matchResult(e *cache.Entry, v cache.Validators) cache.Result {
	if !v.Empty() && v.Matches(e) {
		return cache.NotModified
	}
	return cache.Fresh
}

func (p *Pipeline) fromEntry(res cache.Result, e *cache.Entry) *http.Response {
	now := p.opts.Cache.Now()
	if res == cache.NotModified {
		return e.NotModified(now)
	}
	return e.Response(now)
}
