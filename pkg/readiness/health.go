// Package readiness implements a minimal health-checking mechanism for use as k8s readiness probes. A component
// is reported "ready" once it has met its conditions for the first time; it is not meant for monitoring.
//
// Uses a global singleton registry (similar to the Prometheus client's default behavior).
package readiness

import (
	"bytes"
	"fmt"
	"net/http"
	"sort"
	"sync"
)

var (
	// NoPanic allows components to be registered twice, which happens when the node is restarted in-process by tests.
	NoPanic  = false
	mu       = sync.Mutex{}
	registry = map[string]bool{}
)

type Component string

// RegisterComponent registers the given component name such that it is required to be ready for the global check to succeed.
func RegisterComponent(component Component) {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := registry[string(component)]; ok {
		if !NoPanic {
			panic("component already registered")
		}
		return
	}
	registry[string(component)] = false
}

// SetReady sets the given global component state.
func SetReady(component Component) {
	mu.Lock()
	defer mu.Unlock()
	if !registry[string(component)] {
		registry[string(component)] = true
	}
}

// IsReady reports whether every registered component is ready.
func IsReady() bool {
	mu.Lock()
	defer mu.Unlock()
	for _, v := range registry {
		if !v {
			return false
		}
	}
	return true
}

// Handler returns a net/http handler for the readiness check. It returns 200 OK if all components are ready,
// or 412 Precondition Failed otherwise. For operator convenience, a list of components and their states
// is returned as plain text (not meant for machine consumption!).
func Handler(w http.ResponseWriter, r *http.Request) {
	ready := true

	resp := new(bytes.Buffer)
	_, err := resp.Write([]byte("[not suitable for monitoring - do not parse]\n\n"))
	if err != nil {
		panic(err)
	}

	mu.Lock()
	names := make([]string, 0, len(registry))
	for k := range registry {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		v := registry[k]
		_, err = fmt.Fprintf(resp, "%s\t%v\n", k, v)
		if err != nil {
			mu.Unlock()
			panic(err)
		}

		if !v {
			ready = false
		}
	}
	mu.Unlock()

	if !ready {
		w.WriteHeader(http.StatusPreconditionFailed)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	_, _ = resp.WriteTo(w)
}

// reset clears the registry. Tests only.
func reset() {
	mu.Lock()
	defer mu.Unlock()
	registry = map[string]bool{}
}
