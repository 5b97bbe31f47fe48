package member

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/tombee/maestro/pkg/errors"
)

// VersionLatest resolves to the highest registered semver.
const VersionLatest = "latest"

// Metadata describes a registered member. Config is the member
// definition's config block; it participates in cache fingerprints.
type Metadata struct {
	Name        string
	Version     string
	Type        string
	Description string
	Config      map[string]any
}

// Factory builds a member instance from its config and the deployment
// environment.
type Factory func(config map[string]any, env map[string]any) (Member, error)

type registration struct {
	meta    Metadata
	factory Factory
}

// Registry maps member references to factories. Built-ins register at
// startup, project members register from parsed definitions, and the
// registry is treated as immutable once the process is serving.
type Registry struct {
	mu      sync.RWMutex
	members map[string]map[string]registration
	labels  map[string]map[string]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		members: make(map[string]map[string]registration),
		labels:  make(map[string]map[string]string),
	}
}

// Register adds a member version. Re-registering the same name and
// version is an error.
func (r *Registry) Register(meta Metadata, factory Factory) error {
	if meta.Name == "" {
		return &errors.ValidationError{Field: "name", Message: "member name is required"}
	}
	if meta.Version == "" {
		return &errors.ValidationError{Field: "version", Message: "member version is required"}
	}
	if factory == nil {
		return &errors.ValidationError{Field: "factory", Message: "member factory is required"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	versions, ok := r.members[meta.Name]
	if !ok {
		versions = make(map[string]registration)
		r.members[meta.Name] = versions
	}
	if _, exists := versions[meta.Version]; exists {
		return &errors.ValidationError{
			Field:   meta.Name,
			Message: fmt.Sprintf("member %s@%s already registered", meta.Name, meta.Version),
		}
	}
	versions[meta.Version] = registration{meta: meta, factory: factory}
	return nil
}

// SetLabel maps a deployment label (such as "production") for a member
// to a concrete version.
func (r *Registry) SetLabel(name, label, version string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	versions, ok := r.members[name]
	if !ok {
		return &errors.NotFoundError{Resource: "member", ID: name}
	}
	if _, ok := versions[version]; !ok {
		return &errors.NotFoundError{Resource: "member", ID: name + "@" + version}
	}
	labels, ok := r.labels[name]
	if !ok {
		labels = make(map[string]string)
		r.labels[name] = labels
	}
	labels[label] = version
	return nil
}

// Resolve looks up a member reference of the form "name" or
// "name@version", where version may be exact semver, "latest", or a
// deployment label. A bare name resolves like "name@latest".
func (r *Registry) Resolve(ref string) (*Metadata, error) {
	name, version := splitRef(ref)

	r.mu.RLock()
	defer r.mu.RUnlock()

	versions, ok := r.members[name]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "member", ID: name}
	}

	resolved, err := r.resolveVersion(name, version, versions)
	if err != nil {
		return nil, err
	}
	meta := versions[resolved].meta
	return &meta, nil
}

// Create resolves a reference and builds a member instance. A nil
// config falls back to the registered metadata's config.
func (r *Registry) Create(ref string, config, env map[string]any) (Member, *Metadata, error) {
	name, version := splitRef(ref)

	r.mu.RLock()
	versions, ok := r.members[name]
	if !ok {
		r.mu.RUnlock()
		return nil, nil, &errors.NotFoundError{Resource: "member", ID: name}
	}
	resolved, err := r.resolveVersion(name, version, versions)
	if err != nil {
		r.mu.RUnlock()
		return nil, nil, err
	}
	reg := versions[resolved]
	r.mu.RUnlock()

	if config == nil {
		config = reg.meta.Config
	}
	m, err := reg.factory(config, env)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "creating member %s@%s", name, resolved)
	}
	meta := reg.meta
	return m, &meta, nil
}

// Names returns the registered member names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.members))
	for name := range r.members {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// resolveVersion picks the concrete version for a reference. Caller
// holds at least a read lock.
func (r *Registry) resolveVersion(name, version string, versions map[string]registration) (string, error) {
	if version == VersionLatest {
		latest := ""
		for v := range versions {
			if latest == "" || compareSemver(v, latest) > 0 {
				latest = v
			}
		}
		return latest, nil
	}

	if _, ok := versions[version]; ok {
		return version, nil
	}

	if labels, ok := r.labels[name]; ok {
		if mapped, ok := labels[version]; ok {
			return mapped, nil
		}
	}
	return "", &errors.NotFoundError{Resource: "member", ID: name + "@" + version}
}

func splitRef(ref string) (name, version string) {
	if at := strings.LastIndexByte(ref, '@'); at >= 0 {
		return ref[:at], ref[at+1:]
	}
	return ref, VersionLatest
}

// compareSemver orders two major.minor.patch versions, tolerating a
// leading "v". Non-numeric parts compare as zero.
func compareSemver(a, b string) int {
	pa, pb := semverParts(a), semverParts(b)
	for i := 0; i < 3; i++ {
		if pa[i] != pb[i] {
			if pa[i] < pb[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

func semverParts(v string) [3]int {
	v = strings.TrimPrefix(v, "v")
	if dash := strings.IndexByte(v, '-'); dash >= 0 {
		v = v[:dash]
	}
	var out [3]int
	for i, part := range strings.SplitN(v, ".", 3) {
		n, err := strconv.Atoi(part)
		if err == nil {
			out[i] = n
		}
	}
	return out
}
