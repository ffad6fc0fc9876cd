package orchestrator

import (
	"fmt"
	"sort"

	"github.com/petrijr/pubflow/pkg/api"
)

// Catalog maps logical step names to implementations. Definitions refer to
// steps only through it.
type Catalog map[string]api.StepFunc

// Register adds fn under name. Names must be unique.
func (c Catalog) Register(name string, fn api.StepFunc) error {
	if name == "" || fn == nil {
		return fmt.Errorf("catalog: name and function are required")
	}
	if _, exists := c[name]; exists {
		return fmt.Errorf("catalog: step %q already registered", name)
	}
	c[name] = fn
	return nil
}

func (c Catalog) Lookup(name string) (api.StepFunc, bool) {
	fn, ok := c[name]
	return fn, ok
}

// Names returns the registered names, sorted.
func (c Catalog) Names() []string {
	names := make([]string, 0, len(c))
	for n := range c {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
