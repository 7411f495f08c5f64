// Package plugins implements the worker's one-shot extension discovery and
// activation: manifests are scanned from built-in registrations, the
// WORKER_PLUGIN_PATH environment variable, and caller-supplied directories,
// checked against a per-category capability interface, configured, and
// indexed by (name, category).
//
// Grounded on the teacher's api/internal/plugins/registry.go (the
// init()-time auto-registration idiom, global factory map) and
// discovery.go (the dual built-in/dynamic directory-walk design, here
// narrowed to walking for manifest files instead of .so files since
// dynamic loading is an optional extra rather than the only path). The
// one-shot collect()/AlreadyCollected semantics and the
// all-missing-names requirements error are ported from
// zmon_worker_monitor's plugin_manager module and its test suite.
package plugins

import (
	"fmt"
	"os"
	"path/filepath"
	gplugin "plugin"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"

	"github.com/streamspace-dev/worker-core/internal/workerrors"
)

// Factory builds a fresh plugin instance for a compiled-in plugin,
// registered with RegisterBuiltin (typically from init()). Plugins loaded
// from a dynamic .so are built by that file's NewPlugin symbol instead
// (see instantiate).
type Factory func() interface{}

// builtinEntry is one compiled-in registration.
type builtinEntry struct {
	name     string
	category string
	factory  Factory
}

var (
	builtinMu       sync.Mutex
	builtinRegistry []builtinEntry
)

// RegisterBuiltin records a compiled-in plugin factory under (name,
// category). Intended to be called from a plugin package's init(),
// mirroring the teacher's plugins.Register global auto-registration
// pattern. Safe for concurrent init() functions across packages.
func RegisterBuiltin(name, category string, factory Factory) {
	builtinMu.Lock()
	defer builtinMu.Unlock()
	builtinRegistry = append(builtinRegistry, builtinEntry{name: name, category: category, factory: factory})
}

// Descriptor is the stored record for one collected plugin: its manifest
// metadata plus the instantiated, configured object.
type Descriptor struct {
	Name         string
	Category     string
	IsActivated  bool
	PluginObject interface{}
}

// manifest mirrors a plugin.toml file: the declared category, optional
// requirement names (requirements.txt's Go-native equivalent), and a
// local [configuration] section.
type manifest struct {
	Name          string            `toml:"name"`
	Category      string            `toml:"category"`
	Requires      []string          `toml:"requires"`
	Configuration map[string]string `toml:"configuration"`
}

// CollectOptions parameterizes a single collect() call.
type CollectOptions struct {
	LoadBuiltins   bool
	LoadEnv        bool
	AdditionalDirs []string
	GlobalConfig   map[string]string
}

// Registry is a one-shot discovery and activation registry for one
// process. Construct with New, call Collect exactly once.
type Registry struct {
	mu             sync.RWMutex
	categoryFilter map[string]reflect.Type
	collected      bool
	plugins        map[string]map[string]*Descriptor // category -> name -> descriptor
}

// New builds a Registry scoped to categoryFilter, a map of category name
// to the capability interface type a plugin object in that category must
// satisfy. Pass e.g. reflect.TypeOf((*FunctionPlugin)(nil)).Elem().
func New(categoryFilter map[string]reflect.Type) *Registry {
	return &Registry{
		categoryFilter: categoryFilter,
		plugins:        make(map[string]map[string]*Descriptor),
	}
}

// Collect scans and activates plugins. Scans, in order: built-in
// registrations (if LoadBuiltins), WORKER_PLUGIN_PATH directories (if
// LoadEnv), then AdditionalDirs. A second Collect on the same Registry
// fails with workerrors.PluginFatalError.
func (r *Registry) Collect(opts CollectOptions) error {
	r.mu.Lock()
	if r.collected {
		r.mu.Unlock()
		return workerrors.NewAlreadyCollectedError()
	}
	r.collected = true
	r.mu.Unlock()

	if opts.LoadBuiltins {
		if err := r.collectBuiltins(opts.GlobalConfig); err != nil {
			return err
		}
	}

	var dirs []string
	if opts.LoadEnv {
		if v := os.Getenv("WORKER_PLUGIN_PATH"); v != "" {
			dirs = append(dirs, strings.Split(v, ":")...)
		}
	}
	dirs = append(dirs, opts.AdditionalDirs...)

	for _, dir := range dirs {
		if err := r.collectDir(dir, opts.GlobalConfig); err != nil {
			return err
		}
	}

	return nil
}

func (r *Registry) collectBuiltins(globalConfig map[string]string) error {
	builtinMu.Lock()
	entries := append([]builtinEntry{}, builtinRegistry...)
	builtinMu.Unlock()

	for _, e := range entries {
		iface, ok := r.categoryFilter[e.category]
		if !ok {
			continue // category outside filter: skip silently (spec invariant 4)
		}

		if err := r.checkDuplicate(e.name, e.category); err != nil {
			return err
		}

		obj := e.factory()
		if !implementsCapability(obj, iface) {
			return workerrors.NewInterfaceMismatchError(e.name, e.category)
		}

		conf := resolveConfig(nil, e.name, globalConfig)
		if err := configurePlugin(obj, e.name, conf); err != nil {
			return err
		}

		r.store(e.name, e.category, obj)
	}
	return nil
}

// collectDir walks one scan path (an env var entry or an AdditionalDirs
// entry) for plugin.toml manifests, mirroring discovery.go's
// filepath.Walk over .so files.
func (r *Registry) collectDir(dir string, globalConfig map[string]string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil // missing scan dirs are silently skipped, matching discovery.go
	}

	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() || filepath.Base(path) != "plugin.toml" {
			return nil
		}
		return r.collectManifest(path, globalConfig)
	})
}

func (r *Registry) collectManifest(manifestPath string, globalConfig map[string]string) error {
	var m manifest
	if _, err := toml.DecodeFile(manifestPath, &m); err != nil {
		return workerrors.NewPluginInstantiationError(manifestPath, err)
	}

	iface, ok := r.categoryFilter[m.Category]
	if !ok {
		return nil // (a) category outside filter: skip silently
	}

	dir := filepath.Dir(manifestPath)

	// (b) requirements.txt-equivalent: every declared requirement must be
	// present in the built-in registry by name, mirroring the original's
	// "importable" check — Go has no runtime import resolution, so
	// presence in the registry approximates it.
	if missing := r.missingRequirements(m.Requires); len(missing) > 0 {
		return workerrors.NewUnsatisfiedRequirementsError(m.Name, missing)
	}

	if err := r.checkDuplicate(m.Name, m.Category); err != nil {
		return err
	}

	// (activation ordering) make the plugin's own directory importable:
	// Go has no dynamic import path, so this loads a neighboring .so if
	// present (dynamic plugin) rather than resolving a sibling package.
	obj, err := instantiate(m, dir)
	if err != nil {
		return workerrors.NewPluginInstantiationError(m.Name, err)
	}

	// (c) capability check
	if !implementsCapability(obj, iface) {
		return workerrors.NewInterfaceMismatchError(m.Name, m.Category)
	}

	// (d) configuration precedence
	conf := resolveConfig(m.Configuration, m.Name, globalConfig)

	// (e) configure + activate
	if err := configurePlugin(obj, m.Name, conf); err != nil {
		return err
	}

	r.store(m.Name, m.Category, obj)
	return nil
}

// instantiate loads the plugin object a manifest describes. A manifest
// with no adjacent .so is a pure descriptor with no activatable Go
// object and is rejected — every real manifest in this registry backs a
// dynamic plugin package built with `go build -buildmode=plugin`.
func instantiate(m manifest, dir string) (interface{}, error) {
	candidates := []string{
		filepath.Join(dir, m.Name+".so"),
		filepath.Join(dir, "worker-"+m.Name+".so"),
		filepath.Join(dir, m.Name+"_plugin.so"),
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		p, err := gplugin.Open(path)
		if err != nil {
			return nil, err
		}
		sym, err := p.Lookup("NewPlugin")
		if err != nil {
			return nil, err
		}
		factory, ok := sym.(func() interface{})
		if !ok {
			return nil, fmt.Errorf("plugin %q: NewPlugin has wrong signature, expected func() interface{}", m.Name)
		}
		return factory(), nil
	}

	return nil, fmt.Errorf("plugin %q: no .so found in %s", m.Name, dir)
}

func (r *Registry) missingRequirements(requires []string) []string {
	if len(requires) == 0 {
		return nil
	}

	builtinMu.Lock()
	known := make(map[string]bool, len(builtinRegistry))
	for _, e := range builtinRegistry {
		known[e.name] = true
	}
	builtinMu.Unlock()

	var missing []string
	for _, req := range requires {
		req = strings.TrimSpace(req)
		if req == "" {
			continue
		}
		if !known[req] {
			missing = append(missing, req)
		}
	}
	return missing
}

func (r *Registry) checkDuplicate(name, category string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if byName, ok := r.plugins[category]; ok {
		if _, exists := byName[name]; exists {
			return workerrors.NewDuplicatePluginError(name, category)
		}
	}
	return nil
}

func (r *Registry) store(name, category string, obj interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.plugins[category] == nil {
		r.plugins[category] = make(map[string]*Descriptor)
	}
	r.plugins[category][name] = &Descriptor{
		Name:         name,
		Category:     category,
		IsActivated:  true,
		PluginObject: obj,
	}
}

// resolveConfig applies the configuration precedence of spec.md §4.1(d):
// the manifest's local section is the base, and global_config keys of
// the form plugin.<name>.<key> override matching entries; keys for other
// plugins are ignored.
func resolveConfig(local map[string]string, name string, global map[string]string) map[string]string {
	conf := make(map[string]string, len(local))
	for k, v := range local {
		conf[k] = v
	}
	prefix := "plugin." + name + "."
	for k, v := range global {
		if strings.HasPrefix(k, prefix) {
			conf[strings.TrimPrefix(k, prefix)] = v
		}
	}
	return conf
}

// Configurable is the capability a plugin object must satisfy to receive
// its resolved configuration map (spec.md §4.1(e): "invoke configure(conf)").
type Configurable interface {
	Configure(conf map[string]string) error
}

// Activatable lets a plugin object observe its own activation state,
// mirroring the original's is_activated field.
type Activatable interface {
	SetActivated(bool)
}

func configurePlugin(obj interface{}, name string, conf map[string]string) error {
	if c, ok := obj.(Configurable); ok {
		if err := c.Configure(conf); err != nil {
			return workerrors.NewPluginInstantiationError(name, err)
		}
	}
	if a, ok := obj.(Activatable); ok {
		a.SetActivated(true)
	}
	return nil
}

func implementsCapability(obj interface{}, iface reflect.Type) bool {
	if iface == nil {
		return true
	}
	return reflect.TypeOf(obj).Implements(iface)
}

// GetAllPluginNames returns every collected plugin name across all
// categories, deduplicated.
func (r *Registry) GetAllPluginNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	for _, byName := range r.plugins {
		for name := range byName {
			seen[name] = true
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetAllCategories returns every category named in the registry's
// filter, regardless of whether any plugin was loaded for it.
func (r *Registry) GetAllCategories() []string {
	cats := make([]string, 0, len(r.categoryFilter))
	for c := range r.categoryFilter {
		cats = append(cats, c)
	}
	sort.Strings(cats)
	return cats
}

// GetLoadedPluginsCategories returns only the categories that actually
// received at least one plugin during Collect.
func (r *Registry) GetLoadedPluginsCategories() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cats := make([]string, 0, len(r.plugins))
	for c, byName := range r.plugins {
		if len(byName) > 0 {
			cats = append(cats, c)
		}
	}
	sort.Strings(cats)
	return cats
}

// GetPluginByName returns the Descriptor for (name, category), or nil if
// not found.
func (r *Registry) GetPluginByName(name, category string) *Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byName, ok := r.plugins[category]
	if !ok {
		return nil
	}
	return byName[name]
}

// GetPluginObjByName returns the activated plugin object for (name,
// category), or nil if not found. Returns the same object identity
// across repeated calls within one Collect cycle.
func (r *Registry) GetPluginObjByName(name, category string) interface{} {
	d := r.GetPluginByName(name, category)
	if d == nil {
		return nil
	}
	return d.PluginObject
}

// GetPluginObjsOfCategory returns every activated plugin object in
// category, in name order.
func (r *Registry) GetPluginObjsOfCategory(category string) []interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byName, ok := r.plugins[category]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)

	objs := make([]interface{}, 0, len(names))
	for _, name := range names {
		objs = append(objs, byName[name].PluginObject)
	}
	return objs
}
