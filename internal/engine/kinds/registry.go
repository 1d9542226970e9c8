package kinds

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/nemanja-m/mvexec/internal/engine/core"
)

// Kind is a named computation that can run as a job over a view.
type Kind struct {
	Name        string
	Description string
	Streaming   bool
	Mappers     core.MapperFactory
	Reducers    core.ReducerFactory
}

type Registry struct {
	mu    sync.RWMutex
	kinds map[string]Kind
}

func NewRegistry() *Registry {
	return &Registry{kinds: make(map[string]Kind)}
}

func (r *Registry) Register(kind Kind) error {
	if strings.TrimSpace(kind.Name) == "" {
		return errors.New("kind name is required")
	}
	if kind.Mappers == nil || kind.Reducers == nil {
		return fmt.Errorf("kind %s: mapper and reducer factories are required", kind.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.kinds[kind.Name]; exists {
		return fmt.Errorf("kind already registered: %s", kind.Name)
	}
	r.kinds[kind.Name] = kind
	return nil
}

func (r *Registry) Get(name string) (Kind, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kind, exists := r.kinds[name]
	if !exists {
		return Kind{}, fmt.Errorf("%w: %s", core.ErrUnknownKind, name)
	}
	return kind, nil
}

// List returns the registered kinds sorted by name.
func (r *Registry) List() []Kind {
	r.mu.RLock()
	list := make([]Kind, 0, len(r.kinds))
	for _, kind := range r.kinds {
		list = append(list, kind)
	}
	r.mu.RUnlock()

	slices.SortFunc(list, func(a, b Kind) int {
		return strings.Compare(a.Name, b.Name)
	})
	return list
}

// Default holds the kinds registered by imported example packages.
var Default = NewRegistry()

func Register(kind Kind) error {
	return Default.Register(kind)
}

func MustRegister(kind Kind) {
	if err := Register(kind); err != nil {
		panic(err)
	}
}
