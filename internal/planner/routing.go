package planner

// ModelOverride pins a provider+model pair, adapted from the teacher's
// internal/routing.ModelConfig (there: adapter+model per coding phase;
// here: LLM provider+model, with no phase concept since this controller
// has exactly one planning step).
type ModelOverride struct {
	Provider string `mapstructure:"provider" yaml:"provider"`
	Model    string `mapstructure:"model" yaml:"model"`
}

// Routing lets an operator pin a provider/model independent of the
// LLM_PROVIDER env var default, adapted from the teacher's
// internal/routing.PhaseRouting (there: a Default plus per-phase
// Overrides keyed by phase name; here: a Default plus per-role overrides
// keyed by the target agent's primary role, so e.g. "database" tasks can
// be routed to a different model than "web" tasks).
type Routing struct {
	Default   ModelOverride            `mapstructure:"default" yaml:"default"`
	Overrides map[string]ModelOverride `mapstructure:"overrides" yaml:"overrides"`
}

// Router resolves the provider/model to use for a given target role.
// Adapted from the teacher's internal/routing.Router.
type Router struct {
	routing Routing
}

// NewRouter builds a Router. A zero-value Routing produces a no-op router
// that always returns the zero ModelOverride (callers fall back to
// LLM_PROVIDER/LLM_MODEL env vars in that case).
func NewRouter(routing Routing) *Router {
	return &Router{routing: routing}
}

// ModelForRole returns the override configured for role, or the default
// when no override exists.
func (r *Router) ModelForRole(role string) ModelOverride {
	if r.routing.Overrides != nil {
		if cfg, ok := r.routing.Overrides[role]; ok {
			return cfg
		}
	}
	return r.routing.Default
}

// IsConfigured reports whether any provider/model routing has been set at
// all, mirroring the teacher's Router.IsConfigured.
func (r *Router) IsConfigured() bool {
	return r.routing.Default.Provider != "" || r.routing.Default.Model != "" || len(r.routing.Overrides) > 0
}
