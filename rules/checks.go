package rules

import (
	"fmt"
	"sort"

	"github.com/google/cel-go/cel"
)

const (
	CheckPass = "pass"
	CheckFail = "fail"
)

type checkDef struct {
	name       string
	expression string
	needs      []string
}

// check is a compiled CEL cross-check over derived values. Values are bound
// as integers in minor currency units under the variable v.
type check struct {
	checkDef
	program cel.Program
}

func newCheckEnv() (*cel.Env, error) {
	return cel.NewEnv(cel.Variable("v", cel.MapType(cel.StringType, cel.IntType)))
}

func compileCheck(env *cel.Env, def checkDef) (*check, error) {
	ast, iss := env.Compile(def.expression)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("compile check %s: %w", def.name, iss.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("check %s must evaluate to bool", def.name)
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("program check %s: %w", def.name, err)
	}
	return &check{checkDef: def, program: prg}, nil
}

func (c *check) evaluate(comp *computation) (CheckResult, error) {
	res := CheckResult{Name: c.name, Expression: c.expression}
	vals := map[string]int64{}
	missing := []string{}
	for _, name := range c.needs {
		d, ok := comp.get(name)
		if !ok {
			missing = append(missing, name)
			continue
		}
		vals[name] = d.Shift(comp.precision).IntPart()
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		res.Status = StatusInsufficientData
		res.Missing = missing
		return res, nil
	}
	out, _, err := c.program.Eval(map[string]any{"v": vals})
	if err != nil {
		return CheckResult{}, fmt.Errorf("evaluate check %s: %w", c.name, err)
	}
	ok, isBool := out.Value().(bool)
	if !isBool {
		return CheckResult{}, fmt.Errorf("check %s returned %T", c.name, out.Value())
	}
	if ok {
		res.Status = CheckPass
	} else {
		res.Status = CheckFail
	}
	return res, nil
}

var (
	checkFMVNotBelowGuideline = checkDef{
		name:       "fmv_not_below_guideline",
		expression: "v.fair_market_value >= v.guideline_value",
		needs:      []string{FairMarketValue, GuidelineValue},
	}
	checkLandNotBelowGuideline = checkDef{
		name:       "land_not_below_guideline",
		expression: "v.land_value >= v.guideline_value",
		needs:      []string{LandValue, GuidelineValue},
	}
)
