// Package expr evaluates guard-condition expressions and cache-key templates
// against a run scope. Conditions are HCL native-syntax expressions; the
// functions available to them (succeeded, failed, startsWith, ...) are pure
// and read only the scope they are built from.
package expr

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/stagerunner/internal/pipeline"
)

// EvalError reports a bad condition expression: parse failures, unknown
// identifiers, arity mismatches, or type mismatches. It is fatal to the
// owning unit only; the engine records the unit as Failed with the error
// attached.
type EvalError struct {
	Expr   string
	Detail string
}

func (e *EvalError) Error() string {
	return fmt.Sprintf("evaluating %q: %s", e.Expr, e.Detail)
}

// Scope is the read-only view of the run a single evaluation sees.
type Scope struct {
	// Variables is the flattened variable view for the unit: pipeline
	// constants, shadowed by job overlays, shadowed by step overlays.
	Variables map[string]string

	// Predecessors holds the terminal statuses of the unit's direct
	// predecessors, for the zero-argument forms of succeeded() and
	// friends. Guards are only evaluated once all predecessors are
	// terminal, so no Pending or Running status ever appears here.
	Predecessors []pipeline.Status

	// StatusOf resolves an explicit unit reference like succeeded("Build").
	// Nil means named references are rejected.
	StatusOf func(unit string) (pipeline.Status, bool)

	// BaseDir anchors relative paths for hashFiles.
	BaseDir string
}

// Evaluate parses and evaluates a condition expression, returning the raw
// cty value.
func Evaluate(src string, scope *Scope) (cty.Value, error) {
	expr, diags := hclsyntax.ParseExpression([]byte(src), "condition", hcl.InitialPos)
	if diags.HasErrors() {
		return cty.NilVal, evalErr(src, diags)
	}
	val, diags := expr.Value(scope.evalContext())
	if diags.HasErrors() {
		return cty.NilVal, evalErr(src, diags)
	}
	return val, nil
}

// EvaluateBool evaluates a guard condition. The result must be exactly a
// boolean; the evaluator rejects type mismatches rather than coercing.
func EvaluateBool(src string, scope *Scope) (bool, error) {
	val, err := Evaluate(src, scope)
	if err != nil {
		return false, err
	}
	if val.IsNull() || !val.IsKnown() {
		return false, &EvalError{Expr: src, Detail: "condition value is unknown or null"}
	}
	if val.Type() != cty.Bool {
		return false, &EvalError{
			Expr:   src,
			Detail: fmt.Sprintf("condition must be a boolean, got %s", val.Type().FriendlyName()),
		}
	}
	return val.True(), nil
}

// RenderTemplate renders a string template (cache keys, most commonly)
// against the scope, e.g. `pip-${variables.pyVersion}-${hashFiles("requirements.txt")}`.
func RenderTemplate(src string, scope *Scope) (string, error) {
	expr, diags := hclsyntax.ParseTemplate([]byte(src), "template", hcl.InitialPos)
	if diags.HasErrors() {
		return "", evalErr(src, diags)
	}
	val, diags := expr.Value(scope.evalContext())
	if diags.HasErrors() {
		return "", evalErr(src, diags)
	}
	if val.IsNull() || !val.IsKnown() || val.Type() != cty.String {
		return "", &EvalError{Expr: src, Detail: "template did not produce a string"}
	}
	return val.AsString(), nil
}

// DefaultGuard is the implicit guard of a unit that declares no condition:
// every direct predecessor succeeded. It is vacuously true for a unit with
// no predecessors, which is what lets root stages and first steps run.
func DefaultGuard(preds []pipeline.Status) bool {
	for _, s := range preds {
		if s != pipeline.Succeeded {
			return false
		}
	}
	return true
}

// evalContext builds the HCL evaluation context for this scope: the
// `variables` map plus the condition function table.
func (s *Scope) evalContext() *hcl.EvalContext {
	vars := cty.MapValEmpty(cty.String)
	if len(s.Variables) > 0 {
		m := make(map[string]cty.Value, len(s.Variables))
		for k, v := range s.Variables {
			m[k] = cty.StringVal(v)
		}
		vars = cty.MapVal(m)
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{"variables": vars},
		Functions: s.functions(),
	}
}

// evalErr converts HCL diagnostics into a single EvalError.
func evalErr(src string, diags hcl.Diagnostics) *EvalError {
	return &EvalError{Expr: src, Detail: diags.Error()}
}
