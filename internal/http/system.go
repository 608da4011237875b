package httpx

import (
	"context"
	"net/http"
	goruntime "runtime"
	"sort"
	"sync"
	"time"
)

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
	defer cancel()

	names := make([]string, 0, len(r.health))
	for name := range r.health {
		names = append(names, name)
	}
	sort.Strings(names)

	var (
		mu         sync.Mutex
		wg         sync.WaitGroup
		components = make(map[string]any, len(names))
		status     = "ok"
	)
	for _, name := range names {
		check := r.health[name]
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			err := check(ctx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				status = "degraded"
				components[name] = map[string]any{"status": "down", "error": err.Error()}
				return
			}
			components[name] = map[string]any{"status": "up"}
		}(name)
	}
	wg.Wait()

	payload := map[string]any{
		"status":     status,
		"components": components,
		"uptime":     time.Since(r.started).Truncate(time.Second).String(),
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) handleDebug(w http.ResponseWriter, _ *http.Request) {
	var mem goruntime.MemStats
	goruntime.ReadMemStats(&mem)
	payload := map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"process": map[string]any{
			"go_version": goruntime.Version(),
			"goroutines": goruntime.NumGoroutine(),
			"heap_bytes": mem.HeapAlloc,
			"uptime":     time.Since(r.started).Truncate(time.Second).String(),
		},
	}
	if r.debug != nil {
		for k, v := range r.debug() {
			payload[k] = v
		}
	}
	writeJSON(w, http.StatusOK, payload)
}
