package compiler

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the compilers available to sessions, keyed by language.
type Registry struct {
	mu        sync.RWMutex
	compilers map[string]Compiler
	def       string
}

// NewRegistry creates an empty compiler registry.
func NewRegistry() *Registry {
	return &Registry{
		compilers: make(map[string]Compiler),
	}
}

// Register adds c under its language name. The first registered language
// becomes the default.
func (r *Registry) Register(c Compiler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	lang := c.Info().Language
	r.compilers[lang] = c
	if r.def == "" {
		r.def = lang
	}
}

// SetDefault makes lang the language used when a request names none.
func (r *Registry) SetDefault(lang string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.compilers[lang]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownLanguage, lang)
	}
	r.def = lang
	return nil
}

// Resolve returns the compiler for lang. An empty lang selects the default.
func (r *Registry) Resolve(lang string) (Compiler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if lang == "" {
		lang = r.def
	}
	c, ok := r.compilers[lang]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownLanguage, lang)
	}
	return c, nil
}

// List returns information about all registered languages, sorted by name
// for a stable API response.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.compilers))
	for lang, c := range r.compilers {
		info := c.Info()
		info.Default = lang == r.def
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Language < infos[j].Language
	})
	return infos
}
