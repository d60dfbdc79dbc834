package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/inpaint-labs/inpaint-runner/pkg/diskusage"
	"github.com/inpaint-labs/inpaint-runner/pkg/logging"
)

// Manager is the model catalog: it scans the checkpoint store, caches
// descriptors unique by name, and serves the model listing routes. The
// lifecycle manager consumes one Scan at construction; Rescan exists only for
// the HTTP listing path.
type Manager struct {
	// log is the associated logger.
	log logging.Logger
	// storePath is the checkpoint store directory.
	storePath string
	// router is the HTTP request router.
	router *http.ServeMux

	// mu guards descriptors for concurrent listing requests.
	mu          sync.RWMutex
	descriptors map[string]Descriptor
}

// NewManager creates a catalog manager over a store directory.
func NewManager(log logging.Logger, storePath string) *Manager {
	m := &Manager{
		log:         log,
		storePath:   storePath,
		router:      http.NewServeMux(),
		descriptors: make(map[string]Descriptor),
	}

	m.router.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	})
	m.router.HandleFunc("GET /models/json", m.handleGetModels)
	m.router.HandleFunc("GET /models/{name}/json", m.handleGetModel)
	m.router.HandleFunc("POST /models/rescan", m.handleRescan)
	m.router.HandleFunc("GET /models/disk-usage", m.handleDiskUsage)

	return m
}

// Refresh scans the store and replaces the cached descriptor table. It
// returns the fresh descriptors.
func (m *Manager) Refresh(ctx context.Context) ([]Descriptor, error) {
	descriptors, err := m.Scan(ctx)
	if err != nil {
		return nil, err
	}
	table := make(map[string]Descriptor, len(descriptors))
	for _, desc := range descriptors {
		table[desc.Name] = desc
	}
	m.mu.Lock()
	m.descriptors = table
	m.mu.Unlock()
	return descriptors, nil
}

// GetModel returns the descriptor for name, or ErrModelNotFound.
func (m *Manager) GetModel(name string) (Descriptor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	desc, ok := m.descriptors[name]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrModelNotFound, name)
	}
	return desc, nil
}

// ListModels returns the cached descriptors sorted by name.
func (m *Manager) ListModels() []Descriptor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Descriptor, 0, len(m.descriptors))
	for _, desc := range m.descriptors {
		out = append(out, desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// GetRoutes returns the routes managed by the catalog.
func (m *Manager) GetRoutes() []string {
	return []string{
		"GET /models/json",
		"GET /models/{name}/json",
		"POST /models/rescan",
		"GET /models/disk-usage",
	}
}

// ServeHTTP implements net/http.Handler.ServeHTTP.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.router.ServeHTTP(w, r)
}

// handleGetModels handles GET /models/json requests.
func (m *Manager) handleGetModels(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(DescriptorList{Models: m.ListModels()}); err != nil {
		m.log.Warnln("Error while encoding model listing response:", err)
	}
}

// handleGetModel handles GET /models/{name}/json requests.
func (m *Manager) handleGetModel(w http.ResponseWriter, r *http.Request) {
	desc, err := m.GetModel(r.PathValue("name"))
	if err != nil {
		if errors.Is(err, ErrModelNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
		} else {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(desc); err != nil {
		m.log.Warnln("Error while encoding model response:", err)
	}
}

// handleRescan handles POST /models/rescan requests.
func (m *Manager) handleRescan(w http.ResponseWriter, r *http.Request) {
	descriptors, err := m.Refresh(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	m.log.Infof("Store rescan found %d models", len(descriptors))
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(DescriptorList{Models: descriptors}); err != nil {
		m.log.Warnln("Error while encoding rescan response:", err)
	}
}

// handleDiskUsage handles GET /models/disk-usage requests.
func (m *Manager) handleDiskUsage(w http.ResponseWriter, _ *http.Request) {
	report, err := diskusage.Measure(m.storePath)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(report); err != nil {
		m.log.Warnln("Error while encoding disk usage response:", err)
	}
}
