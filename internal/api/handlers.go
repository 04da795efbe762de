package api

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/edgefetch/edgefetch/internal/metrics"
	"github.com/edgefetch/edgefetch/internal/relay"
)

// cacheHeader reports proxy cache hits to callers.
const cacheHeader = "X-Edgefetch-Cache"

type batchRequest struct {
	URLs []string `json:"urls"`
}

// runBatch handles POST /v1/batch. A well-formed request always answers 200
// with one result per input URL in input order; individual item failures
// never fail the request.
func (s *Server) runBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.URLs == nil {
		writeError(w, http.StatusBadRequest, "urls array is required")
		return
	}

	results := s.batches.Run(r.Context(), req.URLs)
	writeJSON(w, http.StatusOK, results)
}

// cachedResponse is the envelope stored in the KV cache for the proxy path.
type cachedResponse struct {
	Status int    `json:"status"`
	Body   []byte `json:"body"`
}

// proxyFetch handles GET /v1/fetch?url=U: it proxies the upstream status
// and body, caching successful responses so repeat calls skip the network.
func (s *Server) proxyFetch(w http.ResponseWriter, r *http.Request) {
	rawURL := r.URL.Query().Get("url")
	if rawURL == "" {
		writeError(w, http.StatusBadRequest, "url parameter is required")
		return
	}

	cacheKey, cacheable := s.cacheKey(rawURL)
	if cacheable {
		if cached, ok := s.cacheLookup(r.Context(), cacheKey); ok {
			metrics.ObserveCacheLookup(true)
			w.Header().Set(cacheHeader, "hit")
			w.WriteHeader(cached.Status)
			if _, err := w.Write(cached.Body); err != nil {
				s.logger.Error("write cached body failed", zap.Error(err))
			}
			return
		}
		metrics.ObserveCacheLookup(false)
	}

	result := s.fetcher.Fetch(r.Context(), rawURL)
	if result.Result == relay.ResultBlocked {
		w.Header().Set(cacheHeader, "miss")
		writeError(w, http.StatusUnprocessableEntity, result.Body)
		return
	}

	if cacheable && result.Result == relay.ResultSuccess {
		s.cacheStore(r.Context(), cacheKey, result)
	}

	w.Header().Set(cacheHeader, "miss")
	w.WriteHeader(result.HTTPStatus)
	if _, err := w.Write([]byte(result.Body)); err != nil {
		s.logger.Error("write proxied body failed", zap.Error(err))
	}
}

// cacheKey derives the KV key for a target URL; caching is skipped when no
// cache or hasher is wired.
func (s *Server) cacheKey(rawURL string) (string, bool) {
	if !s.cfg.Cache.Enabled || s.cache == nil || s.hasher == nil {
		return "", false
	}
	digest, err := s.hasher.Hash([]byte(rawURL))
	if err != nil {
		s.logger.Warn("hash url failed", zap.String("url", rawURL), zap.Error(err))
		return "", false
	}
	return "fetch:" + digest, true
}

func (s *Server) cacheLookup(ctx context.Context, key string) (cachedResponse, bool) {
	value, found, err := s.cache.Get(ctx, key)
	if err != nil {
		s.logger.Warn("cache get failed", zap.String("key", key), zap.Error(err))
		return cachedResponse{}, false
	}
	if !found {
		return cachedResponse{}, false
	}
	var cached cachedResponse
	if err := json.Unmarshal(value, &cached); err != nil {
		s.logger.Warn("cache entry corrupt", zap.String("key", key), zap.Error(err))
		return cachedResponse{}, false
	}
	return cached, true
}

func (s *Server) cacheStore(ctx context.Context, key string, result relay.BatchResult) {
	payload, err := json.Marshal(cachedResponse{Status: result.HTTPStatus, Body: []byte(result.Body)})
	if err != nil {
		s.logger.Warn("marshal cache entry failed", zap.String("key", key), zap.Error(err))
		return
	}
	if err := s.cache.Put(ctx, key, payload, s.cfg.CacheTTL()); err != nil {
		s.logger.Warn("cache put failed", zap.String("key", key), zap.Error(err))
	}
}
