package provider

import (
	"sort"
	"strings"
	"sync"

	errx "github.com/synochat-relay/server/internal/core/error"
	"github.com/synochat-relay/server/internal/model"
	logx "github.com/synochat-relay/server/pkg/logger"
)

// Constructor builds a Provider from the chat API configuration.
type Constructor func(cfg model.ChatAPIConfig, deps Deps) (Provider, error)

// Registry maps a backend kind to its constructor.
type Registry struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
}

// NewRegistry returns a registry with the openai and dify kinds installed.
func NewRegistry() *Registry {
	r := &Registry{constructors: make(map[string]Constructor)}
	r.constructors[KindOpenAI] = NewOpenAI
	r.constructors[KindDify] = NewDify
	return r
}

// Register installs (or replaces) a backend kind.
func (r *Registry) Register(kind string, c Constructor) error {
	kind = normaliseKind(kind)
	if kind == "" {
		return errx.Config("provider kind must not be empty")
	}
	if c == nil {
		return errx.Config("provider %q: constructor is nil", kind)
	}

	r.mu.Lock()
	r.constructors[kind] = c
	r.mu.Unlock()

	logx.Debug().Str("kind", kind).Msg("registered provider kind")
	return nil
}

// Create builds the provider selected by cfg.Type. An unknown kind is a
// configuration error and must stop startup.
func (r *Registry) Create(cfg model.ChatAPIConfig, deps Deps) (Provider, error) {
	kind := cfg.Kind()

	r.mu.RLock()
	c, ok := r.constructors[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, errx.Config("unsupported provider type %q, supported types: %s", kind, strings.Join(r.Kinds(), ", "))
	}

	p, err := c(cfg, deps)
	if err != nil {
		return nil, err
	}
	logx.Info().Str("kind", kind).Str("provider", p.Name()).Msg("provider created")
	return p, nil
}

// Kinds lists the registered kinds in lexical order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.constructors))
	for k := range r.constructors {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

func normaliseKind(kind string) string {
	return strings.ToLower(strings.TrimSpace(kind))
}
