// Package capability enforces manifest-based access control on tool
// calls. Each tool may ship a JSON manifest declaring the capabilities
// it requires and, optionally, the argument keys it accepts. Tools
// without a manifest pass unchecked.
package capability

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/mitchellh/mapstructure"

	"github.com/intelliclaw/gateway/pkg/config"
)

// Wildcard grants every capability and disables the arg-key guard.
const Wildcard = "ALL"

// Manifest describes one tool's access requirements.
type Manifest struct {
	Tool             string   `json:"tool" mapstructure:"tool"`
	DisplayName      string   `json:"display_name,omitempty" mapstructure:"display_name"`
	Description      string   `json:"description,omitempty" mapstructure:"description"`
	Required         []string `json:"required,omitempty" mapstructure:"required"`
	Optional         []string `json:"optional,omitempty" mapstructure:"optional"`
	RiskLevel        string   `json:"risk_level,omitempty" mapstructure:"risk_level"`
	RequiresApproval bool     `json:"requires_approval,omitempty" mapstructure:"requires_approval"`

	// AllowedArgKeys restricts argument keys when non-nil. Nil means
	// any key is acceptable.
	AllowedArgKeys []string `json:"allowed_arg_keys,omitempty" mapstructure:"allowed_arg_keys"`
}

type manifestEntry struct {
	manifest *Manifest // nil when the tool has no manifest on disk
}

// snapshot caches manifest lookups. Lazy fill under its own lock;
// Reload swaps in a fresh one so stale entries never linger.
type snapshot struct {
	version int64
	mu      sync.Mutex
	cache   map[string]*manifestEntry
}

// Registry resolves tool manifests and checks them against the
// capability allow-set granted at boot.
type Registry struct {
	manifestDir string
	allowSet    map[string]bool
	allowAll    bool
	snap        atomic.Pointer[snapshot]
	version     atomic.Int64
}

// NewRegistry builds a registry over cfg.ManifestDir with the grant
// from cfg.DefaultCapabilities (env override already applied by the
// config loader).
func NewRegistry(cfg config.CapabilityConfig) *Registry {
	r := &Registry{
		manifestDir: cfg.ManifestDir,
		allowSet:    make(map[string]bool, len(cfg.DefaultCapabilities)),
	}
	for _, cap := range cfg.DefaultCapabilities {
		if cap == Wildcard {
			r.allowAll = true
		}
		r.allowSet[cap] = true
	}
	r.Reload()
	return r
}

// Reload discards the manifest cache. Lookups repopulate it lazily.
func (r *Registry) Reload() {
	r.snap.Store(&snapshot{
		version: r.version.Add(1),
		cache:   make(map[string]*manifestEntry),
	})
}

// Version returns the cache generation, bumped on every Reload.
func (r *Registry) Version() int64 {
	return r.snap.Load().version
}

// Grants returns the sorted capability allow-set.
func (r *Registry) Grants() []string {
	out := make([]string, 0, len(r.allowSet))
	for cap := range r.allowSet {
		out = append(out, cap)
	}
	sort.Strings(out)
	return out
}

// Get returns the manifest for a tool, or (nil, false) when none
// exists. Results are cached until the next Reload.
func (r *Registry) Get(tool string) (*Manifest, bool) {
	snap := r.snap.Load()

	snap.mu.Lock()
	entry, ok := snap.cache[tool]
	snap.mu.Unlock()
	if ok {
		return entry.manifest, entry.manifest != nil
	}

	m := r.load(tool)

	snap.mu.Lock()
	snap.cache[tool] = &manifestEntry{manifest: m}
	snap.mu.Unlock()

	return m, m != nil
}

func (r *Registry) load(tool string) *Manifest {
	if r.manifestDir == "" || !safeName(tool) {
		return nil
	}
	path := filepath.Join(r.manifestDir, tool+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil
	}
	var m Manifest
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &m,
		WeaklyTypedInput: true,
	})
	if err != nil || dec.Decode(raw) != nil {
		return nil
	}
	if m.Tool == "" {
		m.Tool = tool
	}
	return &m
}

// safeName rejects tool ids that would escape the manifest directory.
func safeName(tool string) bool {
	if tool == "" || strings.Contains(tool, "..") {
		return false
	}
	return !strings.ContainsAny(tool, `/\`)
}

// Check verifies the tool's manifest against the allow-set and the
// call's argument keys. denied lists missing capabilities and, when
// the manifest restricts argument keys, entries of the form
// "arg_keys_not_allowed:<key>". No manifest means allowed.
func (r *Registry) Check(tool string, args map[string]any) (bool, []string) {
	m, ok := r.Get(tool)
	if !ok {
		return true, nil
	}

	var denied []string
	if !r.allowAll {
		for _, cap := range m.Required {
			if !r.allowSet[cap] {
				denied = append(denied, cap)
			}
		}
		if m.AllowedArgKeys != nil {
			allowed := make(map[string]bool, len(m.AllowedArgKeys))
			for _, k := range m.AllowedArgKeys {
				allowed[k] = true
			}
			keys := make([]string, 0, len(args))
			for k := range args {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				if !allowed[k] {
					denied = append(denied, "arg_keys_not_allowed:"+k)
				}
			}
		}
	}

	sort.Strings(denied)
	return len(denied) == 0, denied
}

// List returns every manifest present on disk, sorted by tool id.
// Used by the admin surface; reads the directory fresh each call.
func (r *Registry) List() ([]*Manifest, error) {
	if r.manifestDir == "" {
		return []*Manifest{}, nil
	}
	entries, err := os.ReadDir(r.manifestDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*Manifest{}, nil
		}
		return nil, fmt.Errorf("failed to read manifest dir: %w", err)
	}

	out := make([]*Manifest, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		tool := strings.TrimSuffix(e.Name(), ".json")
		if m, ok := r.Get(tool); ok {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tool < out[j].Tool })
	return out, nil
}
