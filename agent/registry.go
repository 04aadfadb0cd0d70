package agent

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/sudocode-ai/sudocode/common"
)

// Registry maintains the table of adapters keyed by agent type and
// memoizes availability checks. Cache entries have no TTL; they are
// cleared explicitly when configuration changes.
type Registry struct {
	logger *logrus.Entry

	mu           sync.RWMutex
	adapters     map[string]Adapter
	availability map[string]error // memoized CheckAvailability results
}

// NewRegistry creates an empty adapter registry.
func NewRegistry(logger *logrus.Entry) *Registry {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Registry{
		logger:       logger.WithField("component", "agent-registry"),
		adapters:     make(map[string]Adapter),
		availability: make(map[string]error),
	}
}

// Register adds an adapter. A later registration for the same type replaces
// the earlier one and invalidates its cached availability.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Type()] = a
	delete(r.availability, a.Type())
}

// Get resolves an adapter by type.
func (r *Registry) Get(agentType string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[agentType]
	if !ok {
		return nil, common.NewError(common.KindAgentNotFound, "AGENT_NOT_FOUND",
			fmt.Sprintf("no adapter registered for agent type %q", agentType))
	}
	return a, nil
}

// Types lists the registered agent types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for t := range r.adapters {
		out = append(out, t)
	}
	return out
}

// VerifyAvailability checks that the agent's executable is invocable,
// memoizing the result (success and failure alike) until the cache is
// cleared.
func (r *Registry) VerifyAvailability(agentType string) error {
	r.mu.RLock()
	if result, cached := r.availability[agentType]; cached {
		r.mu.RUnlock()
		return result
	}
	a, ok := r.adapters[agentType]
	r.mu.RUnlock()
	if !ok {
		return common.NewError(common.KindAgentNotFound, "AGENT_NOT_FOUND",
			fmt.Sprintf("no adapter registered for agent type %q", agentType))
	}

	err := a.CheckAvailability()

	r.mu.Lock()
	r.availability[agentType] = err
	r.mu.Unlock()

	if err != nil {
		r.logger.WithError(err).WithField("agent_type", agentType).
			Warn("Agent unavailable")
	}
	return err
}

// ClearVerificationCache drops memoized availability results. With no
// arguments the whole cache is cleared; otherwise only the named types.
func (r *Registry) ClearVerificationCache(agentTypes ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(agentTypes) == 0 {
		r.availability = make(map[string]error)
		return
	}
	for _, t := range agentTypes {
		delete(r.availability, t)
	}
}
