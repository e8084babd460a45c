package expr

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zeebo/blake3"

	"github.com/vk/stagerunner/internal/pipeline"
)

// functions builds the condition function table for a scope. All functions
// are pure: they read the scope captured at construction and nothing else
// (hashFiles reads the filesystem, which is immutable for the duration of a
// guard evaluation).
func (s *Scope) functions() map[string]function.Function {
	return map[string]function.Function{
		"succeeded": s.statusFunc("succeeded", func(st pipeline.Status) bool {
			return st == pipeline.Succeeded
		}, allPredsSucceeded),
		"failed": s.statusFunc("failed", func(st pipeline.Status) bool {
			return st == pipeline.Failed
		}, anyPredFailed),
		"succeededOrFailed": s.statusFunc("succeededOrFailed", func(st pipeline.Status) bool {
			return st == pipeline.Succeeded || st == pipeline.Failed
		}, noPredCanceled),
		"always":     alwaysFunc,
		"and":        andFunc,
		"or":         orFunc,
		"not":        notFunc,
		"startsWith": startsWithFunc,
		"hashFiles":  s.hashFilesFunc(),
	}
}

// allPredsSucceeded: every direct predecessor is exactly Succeeded. This is
// what makes skips cascade: a Skipped predecessor fails the check just as
// a Failed one does.
func allPredsSucceeded(preds []pipeline.Status) bool {
	return DefaultGuard(preds)
}

// anyPredFailed: at least one direct predecessor is Failed.
func anyPredFailed(preds []pipeline.Status) bool {
	for _, s := range preds {
		if s == pipeline.Failed {
			return true
		}
	}
	return false
}

// noPredCanceled: the zero-argument succeededOrFailed form. It is the
// escape hatch for cleanup and reporting steps: upstream failure and
// upstream skips both satisfy it, run-level cancellation does not.
func noPredCanceled(preds []pipeline.Status) bool {
	for _, s := range preds {
		if s == pipeline.Canceled {
			return false
		}
	}
	return true
}

// statusFunc builds one of the succeeded/failed/succeededOrFailed family.
// With no argument the predicate applies to the direct predecessors via
// zeroArg; with one string argument it applies to the named unit's status.
func (s *Scope) statusFunc(name string, match func(pipeline.Status) bool, zeroArg func([]pipeline.Status) bool) function.Function {
	return function.New(&function.Spec{
		VarParam: &function.Parameter{
			Name: "unit",
			Type: cty.String,
		},
		Type: function.StaticReturnType(cty.Bool),
		Impl: func(args []cty.Value, retType cty.Type) (cty.Value, error) {
			switch len(args) {
			case 0:
				return cty.BoolVal(zeroArg(s.Predecessors)), nil
			case 1:
				unit := args[0].AsString()
				if s.StatusOf == nil {
					return cty.NilVal, fmt.Errorf("%s: unit references are not available in this context", name)
				}
				st, ok := s.StatusOf(unit)
				if !ok {
					return cty.NilVal, fmt.Errorf("%s: unknown unit %q", name, unit)
				}
				return cty.BoolVal(match(st)), nil
			default:
				return cty.NilVal, fmt.Errorf("%s expects at most one unit reference, got %d arguments", name, len(args))
			}
		},
	})
}

var alwaysFunc = function.New(&function.Spec{
	Type: function.StaticReturnType(cty.Bool),
	Impl: func(args []cty.Value, retType cty.Type) (cty.Value, error) {
		return cty.True, nil
	},
})

var andFunc = function.New(&function.Spec{
	VarParam: &function.Parameter{Name: "terms", Type: cty.Bool},
	Type:     function.StaticReturnType(cty.Bool),
	Impl: func(args []cty.Value, retType cty.Type) (cty.Value, error) {
		for _, arg := range args {
			if arg.False() {
				return cty.False, nil
			}
		}
		return cty.True, nil
	},
})

var orFunc = function.New(&function.Spec{
	VarParam: &function.Parameter{Name: "terms", Type: cty.Bool},
	Type:     function.StaticReturnType(cty.Bool),
	Impl: func(args []cty.Value, retType cty.Type) (cty.Value, error) {
		for _, arg := range args {
			if arg.True() {
				return cty.True, nil
			}
		}
		return cty.False, nil
	},
})

var notFunc = function.New(&function.Spec{
	Params: []function.Parameter{{Name: "term", Type: cty.Bool}},
	Type:   function.StaticReturnType(cty.Bool),
	Impl: func(args []cty.Value, retType cty.Type) (cty.Value, error) {
		return cty.BoolVal(args[0].False()), nil
	},
})

var startsWithFunc = function.New(&function.Spec{
	Params: []function.Parameter{
		{Name: "value", Type: cty.String},
		{Name: "prefix", Type: cty.String},
	},
	Type: function.StaticReturnType(cty.Bool),
	Impl: func(args []cty.Value, retType cty.Type) (cty.Value, error) {
		return cty.BoolVal(strings.HasPrefix(args[0].AsString(), args[1].AsString())), nil
	},
})

// hashFilesFunc returns the hashFiles(paths...) function: a hex BLAKE3
// digest over the contents of the named files, in argument order. Relative
// paths are anchored at the scope's BaseDir. A missing file is an error;
// a cache key silently computed over nothing would collide across branches.
func (s *Scope) hashFilesFunc() function.Function {
	return function.New(&function.Spec{
		VarParam: &function.Parameter{Name: "paths", Type: cty.String},
		Type:     function.StaticReturnType(cty.String),
		Impl: func(args []cty.Value, retType cty.Type) (cty.Value, error) {
			if len(args) == 0 {
				return cty.NilVal, fmt.Errorf("hashFiles expects at least one path")
			}
			hasher := blake3.New()
			for _, arg := range args {
				path := arg.AsString()
				if !filepath.IsAbs(path) {
					path = filepath.Join(s.BaseDir, path)
				}
				data, err := os.ReadFile(path)
				if err != nil {
					return cty.NilVal, fmt.Errorf("hashFiles: %w", err)
				}
				// Separate the path from the content so that moving
				// bytes between files changes the digest.
				hasher.Write([]byte(arg.AsString()))
				hasher.Write([]byte{0})
				hasher.Write(data)
			}
			return cty.StringVal(hex.EncodeToString(hasher.Sum(nil))), nil
		},
	})
}
