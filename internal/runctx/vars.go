// Package runctx holds the mutable state of a run: layered variable scopes,
// the append-only status transition log, and the final run result.
package runctx

// Vars is a layered variable scope. Lookup walks from the innermost overlay
// outwards, so the closest scope wins: step env shadows job overlay shadows
// pipeline constants.
type Vars struct {
	parent *Vars
	values map[string]string
}

// NewVars creates the outermost scope, usually the pipeline constants.
func NewVars(values map[string]string) *Vars {
	return &Vars{values: values}
}

// Overlay returns a child scope whose values shadow the receiver's. The
// receiver is not modified; sibling overlays never see each other.
func (v *Vars) Overlay(values map[string]string) *Vars {
	return &Vars{parent: v, values: values}
}

// Lookup resolves a variable name, innermost scope first.
func (v *Vars) Lookup(name string) (string, bool) {
	for scope := v; scope != nil; scope = scope.parent {
		if value, ok := scope.values[name]; ok {
			return value, true
		}
	}
	return "", false
}

// Flatten materializes the scope chain into a single map, closest scope
// winning. The result is a private copy safe to hand to an evaluator.
func (v *Vars) Flatten() map[string]string {
	// Walk outermost-first so inner values overwrite outer ones.
	var chain []*Vars
	for scope := v; scope != nil; scope = scope.parent {
		chain = append(chain, scope)
	}
	flat := make(map[string]string)
	for i := len(chain) - 1; i >= 0; i-- {
		for k, val := range chain[i].values {
			flat[k] = val
		}
	}
	return flat
}
