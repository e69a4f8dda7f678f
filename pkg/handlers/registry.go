package handlers

import (
	"fmt"
	"sort"
	"sync"

	"github.com/avtune/avtune/pkg/engine"
)

// ModuleInfo describes a registered module.
type ModuleInfo struct {
	Name      string            `json:"name"`
	Platforms []engine.OSFamily `json:"platforms"`
}

// Registry maps (module, platform) pairs to handlers. Lookups have no side effects.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]map[engine.OSFamily]engine.Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]map[engine.OSFamily]engine.Handler),
	}
}

// Register adds a handler for module on the given platforms.
// Registering the same (module, platform) twice is an error.
func (r *Registry) Register(module string, h engine.Handler, platforms ...engine.OSFamily) error {
	if module == "" {
		return fmt.Errorf("module name is required")
	}
	if h == nil {
		return fmt.Errorf("handler for %s is nil", module)
	}
	if len(platforms) == 0 {
		return fmt.Errorf("module %s registered without platforms", module)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	byOS, ok := r.entries[module]
	if !ok {
		byOS = make(map[engine.OSFamily]engine.Handler)
		r.entries[module] = byOS
	}
	for _, p := range platforms {
		if _, exists := byOS[p]; exists {
			return fmt.Errorf("module %s already registered for %s", module, p)
		}
	}
	for _, p := range platforms {
		byOS[p] = h
	}
	return nil
}

// Resolve implements engine.HandlerResolver.
func (r *Registry) Resolve(module string, os engine.OSFamily) (engine.Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if h, ok := r.entries[module][os]; ok {
		return h, nil
	}
	return nil, engine.NewHandlerNotFoundError(module, os)
}

// Supports reports whether module has a handler for os.
func (r *Registry) Supports(module string, os engine.OSFamily) bool {
	_, err := r.Resolve(module, os)
	return err == nil
}

// Modules lists registered modules sorted by name.
func (r *Registry) Modules() []ModuleInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ModuleInfo, 0, len(r.entries))
	for name, byOS := range r.entries {
		info := ModuleInfo{Name: name}
		for _, p := range engine.KnownOSFamilies {
			if _, ok := byOS[p]; ok {
				info.Platforms = append(info.Platforms, p)
			}
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Options configure the built-in handlers.
type Options struct {
	// SysctlFile is where linux sysctl values are persisted. Empty uses DefaultSysctlFile.
	SysctlFile string

	// LimitsDir holds realtime limits drop-ins. Empty uses DefaultLimitsDir.
	LimitsDir string

	// Plugins serves WASM plugins; nil leaves the plugin module unregistered.
	Plugins PluginSource
}

var (
	allPlatforms  = []engine.OSFamily{engine.OSLinux, engine.OSWindows, engine.OSMacOS}
	unixPlatforms = []engine.OSFamily{engine.OSLinux, engine.OSMacOS}
	lwPlatforms   = []engine.OSFamily{engine.OSLinux, engine.OSWindows}
)

// NewDefaultRegistry returns a registry with every built-in module.
func NewDefaultRegistry(opts Options) *Registry {
	r := NewRegistry()
	must := func(err error) {
		if err != nil {
			panic(err)
		}
	}

	must(r.Register(ModuleCommand, &CommandHandler{}, allPlatforms...))
	must(r.Register(ModuleSysctl, &SysctlHandler{PersistFile: opts.SysctlFile}, unixPlatforms...))
	must(r.Register(ModuleRegistry, &RegistryHandler{}, engine.OSWindows))
	must(r.Register(ModulePackage, &PackageHandler{}, allPlatforms...))
	must(r.Register(ModuleService, &ServiceHandler{}, allPlatforms...))
	must(r.Register(ModulePower, &PowerHandler{}, allPlatforms...))
	must(r.Register(ModuleQoS, &QoSHandler{}, lwPlatforms...))
	must(r.Register(ModuleFirewall, &FirewallHandler{}, lwPlatforms...))
	must(r.Register(ModuleLimits, &LimitsHandler{Dir: opts.LimitsDir}, engine.OSLinux))
	must(r.Register(ModuleFile, &FileHandler{}, unixPlatforms...))
	if opts.Plugins != nil {
		must(r.Register(ModulePlugin, &PluginHandler{Plugins: opts.Plugins}, allPlatforms...))
	}
	return r
}

// Module names of the built-in handlers.
const (
	ModuleCommand  = "command"
	ModuleSysctl   = "sysctl"
	ModuleRegistry = "registry"
	ModulePackage  = "package"
	ModuleService  = "service"
	ModulePower    = "power"
	ModuleQoS      = "qos"
	ModuleFirewall = "firewall"
	ModuleLimits   = "limits"
	ModuleFile     = "file"
	ModulePlugin   = "plugin"
)

// BuiltinModules lists every module name NewDefaultRegistry can register.
var BuiltinModules = []string{
	ModuleCommand, ModuleFile, ModuleFirewall, ModuleLimits, ModulePackage, ModulePlugin,
	ModulePower, ModuleQoS, ModuleRegistry, ModuleService, ModuleSysctl,
}
