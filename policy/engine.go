package policy

import (
	"strings"
	"time"

	"github.com/gewnthar/aplsync/config"
	"github.com/gewnthar/aplsync/transform"
)

// Engine holds the rules and rollout phases configured for one state.
type Engine struct {
	state          string
	rules          []Rule
	phases         []config.RolloutPhaseConfig
	defaultCadence time.Duration
}

func appliesTo(ruleState, state string) bool {
	return ruleState == "" || ruleState == "*" || strings.EqualFold(ruleState, state)
}

// ForState builds the engine for a state. States with no configured rules get
// an engine that accepts every row and reports the default cadence.
func ForState(state string, cfg config.PolicyConfig) *Engine {
	e := &Engine{state: strings.ToUpper(state), defaultCadence: cfg.DefaultCadence}
	if e.defaultCadence <= 0 {
		e.defaultCadence = 7 * 24 * time.Hour
	}
	for _, d := range cfg.DyeBans {
		if appliesTo(d.State, state) {
			e.rules = append(e.rules, NewDyeBanRule(d))
		}
	}
	var contracts []config.ContractConfig
	for _, k := range cfg.Contracts {
		if appliesTo(k.State, state) {
			contracts = append(contracts, k)
		}
	}
	if len(contracts) > 0 {
		e.rules = append(e.rules, NewContractBrandRule(contracts))
	}
	for _, p := range cfg.RolloutPhases {
		if appliesTo(p.State, state) {
			e.phases = append(e.phases, p)
		}
	}
	return e
}

// Rules lists the active rule names.
func (e *Engine) Rules() []string {
	names := make([]string, len(e.rules))
	for i, r := range e.rules {
		names[i] = r.Name()
	}
	return names
}

// Apply runs every rule in order. The first rejection stops evaluation.
func (e *Engine) Apply(c *transform.Candidate, asOf time.Time) Decision {
	var out Decision
	for _, r := range e.rules {
		d := r.Apply(c, asOf)
		out.Changes = append(out.Changes, d.Changes...)
		if d.Reject {
			out.Reject, out.Reason, out.Detail = true, d.Reason, d.Detail
			return out
		}
	}
	return out
}

// Cadence is the sync interval recommended for date.
func (e *Engine) Cadence(date time.Time) time.Duration {
	return CadenceFor(date, e.phases, e.defaultCadence)
}
