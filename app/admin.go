package app

import (
	"encoding/json"
	nethttp "net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type cacheReport struct {
	Entries int   `json:"entries"`
	Bytes   int64 `json:"bytes"`
	Shards  any   `json:"shards"`
}

func writeJSON(w nethttp.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// adminRouter serves metrics and diagnostics. It listens separately from the
// main engine and is meant for operators only.
func (a *App) adminRouter() nethttp.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)

	r.Method("GET", "/metrics", promhttp.HandlerFor(a.monitor.Registry(), promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		writeJSON(w, nethttp.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/debug", func(r chi.Router) {
		r.Get("/pools", func(w nethttp.ResponseWriter, r *nethttp.Request) {
			if r.URL.Query().Get("format") == "text" {
				w.Header().Set("Content-Type", "text/plain; charset=utf-8")
				_, _ = w.Write([]byte(a.engine.GetPoolStatsText()))
				return
			}
			writeJSON(w, nethttp.StatusOK, a.engine.GetPoolStats())
		})
		r.Get("/routes", func(w nethttp.ResponseWriter, r *nethttp.Request) {
			writeJSON(w, nethttp.StatusOK, a.mux.Routes())
		})
		r.Get("/bottlenecks", func(w nethttp.ResponseWriter, r *nethttp.Request) {
			writeJSON(w, nethttp.StatusOK, a.monitor.GetBottlenecks())
		})
		r.Get("/config", func(w nethttp.ResponseWriter, r *nethttp.Request) {
			out, err := a.cfg.YAML()
			if err != nil {
				nethttp.Error(w, err.Error(), nethttp.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/yaml")
			_, _ = w.Write(out)
		})

		r.Route("/cache", func(r chi.Router) {
			r.Use(func(next nethttp.Handler) nethttp.Handler {
				return nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
					if a.store == nil {
						writeJSON(w, nethttp.StatusNotFound, map[string]string{"error": "cache disabled"})
						return
					}
					next.ServeHTTP(w, r)
				})
			})
			r.Get("/", func(w nethttp.ResponseWriter, r *nethttp.Request) {
				writeJSON(w, nethttp.StatusOK, cacheReport{
					Entries: a.store.Len(),
					Bytes:   a.store.Bytes(),
					Shards:  a.store.ShardStats(),
				})
			})
			r.Post("/sweep", func(w nethttp.ResponseWriter, r *nethttp.Request) {
				writeJSON(w, nethttp.StatusOK, map[string]int{"removed": a.janitor.RunOnce()})
			})
			r.Post("/purge", func(w nethttp.ResponseWriter, r *nethttp.Request) {
				var body struct {
					Key string `json:"key"`
				}
				if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Key == "" {
					writeJSON(w, nethttp.StatusBadRequest, map[string]string{"error": "expected {\"key\": ...}"})
					return
				}
				key := body.Key
				a.store.Purge(key)
				writeJSON(w, nethttp.StatusOK, map[string]string{"purged": key})
			})
		})
	})
	return r
}
