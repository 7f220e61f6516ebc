package llm

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/contextgate/contextgate/internal/models"
)

// Registry holds the configured agents and routes intents to them.
type Registry struct {
	mu           sync.RWMutex
	agents       map[string]Agent
	intentRoutes map[models.Intent]string
	defaultAgent string
	fallbacks    []string
}

// NewRegistry builds a registry. intentRoutes maps intents to agent names;
// unknown intents fall through to defaultAgent.
func NewRegistry(defaultAgent string, fallbacks []string, intentRoutes map[models.Intent]string) *Registry {
	if intentRoutes == nil {
		intentRoutes = make(map[models.Intent]string)
	}
	return &Registry{
		agents:       make(map[string]Agent),
		intentRoutes: intentRoutes,
		defaultAgent: defaultAgent,
		fallbacks:    fallbacks,
	}
}

// Register adds an agent under its own name.
func (r *Registry) Register(agent Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[agent.Name()] = agent
}

// Get returns the named agent.
func (r *Registry) Get(name string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[name]
	return a, ok
}

// Names returns the registered agent names, sorted for determinism.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Select picks the agent for an intent. A manual override wins when that
// agent exists; otherwise the intent route, the default agent, and finally
// the first available agent are tried in order.
func (r *Registry) Select(intent models.Intent, manualAgent string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if manualAgent != "" {
		if a, ok := r.agents[manualAgent]; ok {
			return a, true
		}
		log.Warn().Str("agent", manualAgent).Msg("Manual agent override not available, falling back to selection")
	}

	if name, ok := r.intentRoutes[intent]; ok {
		if a, ok := r.agents[name]; ok {
			return a, true
		}
	}
	if a, ok := r.agents[r.defaultAgent]; ok {
		return a, true
	}
	for _, name := range r.sortedNamesLocked() {
		return r.agents[name], true
	}
	return nil, false
}

// FallbackChain returns the ordered candidates after primary: the configured
// fallback list minus the primary, then any remaining agents.
func (r *Registry) FallbackChain(primary string) []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := map[string]struct{}{primary: {}}
	var chain []Agent
	for _, name := range r.fallbacks {
		if _, ok := seen[name]; ok {
			continue
		}
		if a, ok := r.agents[name]; ok {
			seen[name] = struct{}{}
			chain = append(chain, a)
		}
	}
	for _, name := range r.sortedNamesLocked() {
		if _, ok := seen[name]; ok {
			continue
		}
		chain = append(chain, r.agents[name])
	}
	return chain
}

func (r *Registry) sortedNamesLocked() []string {
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
