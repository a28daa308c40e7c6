// Package plugins implements the plugin registry: parses plugin
// descriptors, applies enable/disable lists, computes dependency order
// between testing plugins, and answers the lookups the coordinator needs
// (list plugins, look up by name, search by name substring, min/max stage).
// A process-wide RWMutex-guarded map, built once at startup and
// read-mostly thereafter.
package plugins

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/riftsec/auditcore/internal/auditerrors"
	"github.com/riftsec/auditcore/internal/data"
	"github.com/riftsec/auditcore/internal/logger"
	"github.com/riftsec/auditcore/internal/pluginsdk"
)

// Info is everything the core needs about one plugin: its descriptor plus
// the metadata pulled from its registered instance.
type Info struct {
	Descriptor *Descriptor
	Accepted   []data.Tag
	Recursive  bool
	Factory    pluginsdk.Factory
}

const allName = "all"

// Registry is the process-wide plugin index, safe for concurrent reads
// after Load completes (Load itself is not safe for concurrent callers).
type Registry struct {
	mu      sync.RWMutex
	byName  map[string]*Info
	order   []string // testing plugin names, dependency + stage ordered
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*Info)}
}

// Load walks pluginsFolder (one subfolder per Category), parses every
// ".golismero" descriptor, resolves its factory from pluginsdk, applies
// enabled/disabled name lists (the special name "all" toggles everything),
// and computes the testing-plugin dependency order. A plugin descriptor
// whose name has no registered pluginsdk.Factory is skipped with a
// warning — it is shippable on disk without its Go implementation being
// compiled into this binary.
func (r *Registry) Load(pluginsFolder string, enabled, disabled []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, cat := range []Category{CategoryTesting, CategoryUI, CategoryReport} {
		catFolder := filepath.Join(pluginsFolder, string(cat))
		if st, err := os.Stat(catFolder); err != nil || !st.IsDir() {
			continue
		}
		if err := filepath.Walk(catFolder, func(path string, fi os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if fi.IsDir() || !strings.HasSuffix(path, ".golismero") {
				return nil
			}

			name, nameErr := pluginName(pluginsFolder, path)
			if nameErr != nil {
				return nameErr
			}
			if _, dup := r.byName[name]; dup {
				return auditerrors.Config("duplicate plugin name: " + name)
			}

			desc, err := ParseDescriptor(path, name, cat)
			if err != nil {
				return err
			}

			factory, ok := pluginsdk.Lookup(name)
			if !ok {
				logger.Registry().Warn().Str("plugin", name).Msg("plugins: descriptor found but no factory registered, skipping")
				return nil
			}
			instance := factory()

			r.byName[name] = &Info{
				Descriptor: desc,
				Accepted:   instance.GetAcceptedInfo(),
				Recursive:  parseBool(desc.Configuration["Recursive"]),
				Factory:    factory,
			}
			return nil
		}); err != nil {
			return err
		}
	}

	applyEnableDisable(r.byName, enabled, disabled)

	order, err := computeOrder(r.byName)
	if err != nil {
		return err
	}
	r.order = order
	return nil
}

func parseBool(v string) bool {
	b, _ := strconv.ParseBool(v)
	return b
}

// pluginName derives "<category>/<relative-path-without-extension>" from
// a descriptor's path.
func pluginName(pluginsFolder, descriptorPath string) (string, error) {
	rel, err := filepath.Rel(pluginsFolder, descriptorPath)
	if err != nil {
		return "", err
	}
	rel = strings.TrimSuffix(rel, ".golismero")
	return filepath.ToSlash(rel), nil
}

// applyEnableDisable removes every plugin not permitted by the
// enabled/disabled name lists; "all" in either list means "every plugin".
func applyEnableDisable(byName map[string]*Info, enabled, disabled []string) {
	enabledAll := contains(enabled, allName) || len(enabled) == 0
	disabledSet := toSet(disabled)
	disabledAll := contains(disabled, allName)
	enabledSet := toSet(enabled)

	for name := range byName {
		keep := enabledAll || enabledSet[name]
		if disabledAll || disabledSet[name] {
			keep = false
		}
		if !keep {
			delete(byName, name)
		}
	}
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func toSet(list []string) map[string]bool {
	s := make(map[string]bool, len(list))
	for _, v := range list {
		s[v] = true
	}
	return s
}

// GetPlugins returns every plugin in category, or every plugin if category
// is "all".
func (r *Registry) GetPlugins(category string) []*Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Info
	for _, info := range r.byName {
		if category == allName || string(info.Descriptor.Category) == category {
			out = append(out, info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Descriptor.Name < out[j].Descriptor.Name })
	return out
}

// GetPluginByName returns the plugin registered under exactly name.
func (r *Registry) GetPluginByName(name string) (*Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.byName[name]
	return info, ok
}

// SearchPluginsByName returns every plugin whose name contains substr.
func (r *Registry) SearchPluginsByName(substr string) []*Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Info
	for name, info := range r.byName {
		if strings.Contains(name, substr) {
			out = append(out, info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Descriptor.Name < out[j].Descriptor.Name })
	return out
}

// MinStage and MaxStage scan every loaded testing plugin for the
// inclusive stage range the coordinator must walk.
func (r *Registry) MinStage() Stage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	min := StageReport
	for _, info := range r.byName {
		if info.Descriptor.Category == CategoryTesting && info.Descriptor.Stage < min {
			min = info.Descriptor.Stage
		}
	}
	if min == StageReport {
		return StageRecon
	}
	return min
}

func (r *Registry) MaxStage() Stage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	max := StageRecon
	for _, info := range r.byName {
		if info.Descriptor.Category == CategoryTesting && info.Descriptor.Stage > max {
			max = info.Descriptor.Stage
		}
	}
	return max
}

// TestingOrder returns the dependency+stage order computed by Load.
func (r *Registry) TestingOrder() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// AtStage returns every testing plugin declared at exactly stage.
func (r *Registry) AtStage(stage Stage) []*Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Info
	for _, info := range r.byName {
		if info.Descriptor.Category == CategoryTesting && info.Descriptor.Stage == stage {
			out = append(out, info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Descriptor.Name < out[j].Descriptor.Name })
	return out
}
