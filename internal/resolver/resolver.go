package resolver

import (
	"fmt"
	"sort"

	"github.com/felipepmaragno/gemini-gateway/internal/config"
	"github.com/felipepmaragno/gemini-gateway/internal/domain"
)

const searchSuffix = "-search"

var baseModels = []string{
	"gemini-2.5-flash",
	"gemini-2.5-pro",
	"gemini-3-flash-preview",
	"gemini-3-pro-preview",
}

var table = buildTable()

func buildTable() map[string]domain.VirtualModel {
	t := map[string]domain.VirtualModel{
		"gemini-auto":          {ModelID: "", Tools: domain.ToolsNone, Mode: domain.ModeNormal},
		"gemini-auto-search":   {ModelID: "", Tools: domain.ToolWebGrounding, Mode: domain.ModeNormal},
		"gemini-imagen":        {ModelID: "", Tools: domain.ToolImageGeneration, Mode: domain.ModeNormal},
		"gemini-veo":           {ModelID: "", Tools: domain.ToolVideoGeneration, Mode: domain.ModeNormal},
		"gemini-deep-research": {ModelID: "", Tools: domain.ToolsNone, Mode: domain.ModeAgent},
	}
	for _, id := range baseModels {
		t[id] = domain.VirtualModel{ModelID: id, Tools: domain.ToolsNone, Mode: domain.ModeNormal}
		t[id+searchSuffix] = domain.VirtualModel{ModelID: id, Tools: domain.ToolWebGrounding, Mode: domain.ModeNormal}
	}
	for name, vm := range t {
		vm.Name = name
		t[name] = vm
	}
	return t
}

// Resolve maps an advertised model name to the provider model and tools.
// Entries from the settings snapshot take precedence over the built-in
// table. It has no side effects.
func Resolve(name string, overrides ...config.ModelEntry) (domain.VirtualModel, error) {
	for _, e := range overrides {
		if e.Name != name {
			continue
		}
		vm, err := e.Virtual()
		if err != nil {
			return domain.VirtualModel{}, fmt.Errorf("%w: %v", domain.ErrUnknownModel, err)
		}
		return vm, nil
	}
	vm, ok := table[name]
	if !ok {
		return domain.VirtualModel{}, fmt.Errorf("%w: %q", domain.ErrUnknownModel, name)
	}
	return vm, nil
}

// Names lists every advertised model, sorted.
func Names(overrides ...config.ModelEntry) []string {
	seen := make(map[string]struct{}, len(table)+len(overrides))
	names := make([]string, 0, len(table)+len(overrides))
	for name := range table {
		seen[name] = struct{}{}
		names = append(names, name)
	}
	for _, e := range overrides {
		if _, ok := seen[e.Name]; ok || e.Name == "" {
			continue
		}
		seen[e.Name] = struct{}{}
		names = append(names, e.Name)
	}
	sort.Strings(names)
	return names
}
