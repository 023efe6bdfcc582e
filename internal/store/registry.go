package store

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/fhircandle/candle/internal/platform/fhir"
)

// Registry holds every tenant served by one process.
type Registry struct {
	mu      sync.RWMutex
	tenants map[string]*TenantStore
	log     zerolog.Logger
}

// NewRegistry builds an empty registry.
func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{tenants: map[string]*TenantStore{}, log: log}
}

// Add creates a tenant from config and loads its bootstrap directory.
func (r *Registry) Add(cfg Config) (*TenantStore, error) {
	ts := NewTenantStore(cfg, r.log)
	if cfg.BootstrapDir != "" {
		if err := ts.LoadDirectory(cfg.BootstrapDir); err != nil {
			ts.Close()
			return nil, err
		}
	}
	r.mu.Lock()
	r.tenants[cfg.Name] = ts
	r.mu.Unlock()
	return ts, nil
}

// Get returns a tenant by name, or nil.
func (r *Registry) Get(name string) *TenantStore {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tenants[name]
}

// Names lists the tenants in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tenants))
	for name := range r.tenants {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns every tenant store.
func (r *Registry) All() []*TenantStore {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*TenantStore, 0, len(r.tenants))
	for _, ts := range r.tenants {
		out = append(out, ts)
	}
	return out
}

// Close shuts every tenant's change stream down.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ts := range r.tenants {
		ts.Close()
	}
}

// LoadDirectory seeds the tenant from .json and .xml files. A Bundle file
// is unpacked entry by entry; anything else loads as a single instance.
// Instance ids in the files are kept.
func (ts *TenantStore) LoadDirectory(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		var format fhir.Format
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".json":
			format = fhir.FormatJSON
		case ".xml":
			format = fhir.FormatXML
		default:
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return err
		}
		r, err := fhir.ParseResource(format, data)
		if err != nil {
			ts.log.Warn().Str("file", entry.Name()).Err(err).Msg("skipping unparseable bootstrap file")
			continue
		}
		if err := ts.LoadResource(r); err != nil {
			ts.log.Warn().Str("file", entry.Name()).Err(err).Msg("skipping bootstrap resource")
		}
	}
	return nil
}

// LoadResource seeds one resource, unpacking Bundles.
func (ts *TenantStore) LoadResource(r fhir.Resource) error {
	if fhir.ResourceType(r) == "Bundle" {
		for _, entry := range fhir.BundleEntries(r) {
			if res := fhir.EntryResource(entry); res != nil {
				if err := ts.LoadResource(res); err != nil {
					return err
				}
			}
		}
		return nil
	}
	t := fhir.ResourceType(r)
	if !ts.IsKnownType(t) {
		return fhir.ErrBadRequest("unknown resource type %q", t)
	}
	stored, err := ts.Store(t).InstanceCreate(r, true)
	if err != nil {
		return err
	}
	ts.afterWrite(stored)
	return nil
}
