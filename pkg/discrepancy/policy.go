package discrepancy

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
	exprpb "google.golang.org/genproto/googleapis/api/expr/v1alpha1"

	"github.com/hlekkr/hlekkr/pkg/fault"
)

// QuarantinePolicy decides whether a finding pulls the object into
// quarantine. Rules are CEL boolean expressions over a `finding` map,
// compiled once at construction; any rule matching quarantines.
//
// Rules must be deterministic: re-scanning unchanged inputs has to reach the
// same quarantine decision, so now() and map iteration are rejected at
// compile time.
type QuarantinePolicy struct {
	programs []cel.Program
	sources  []string
}

// NewQuarantinePolicy compiles the rules. Any invalid or non-deterministic
// rule fails the whole policy; callers fall back to quarantining critical
// findings.
func NewQuarantinePolicy(rules []string) (*QuarantinePolicy, error) {
	if len(rules) == 0 {
		return nil, fault.New(fault.CodeInputInvalid, "quarantine policy needs at least one rule")
	}

	env, err := cel.NewEnv(
		cel.Variable("finding", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fault.Wrap(fault.CodeInputInvalid, err, "building policy environment")
	}

	p := &QuarantinePolicy{}
	for _, rule := range rules {
		parsed, issues := env.Parse(rule)
		if issues != nil && issues.Err() != nil {
			return nil, fault.Wrap(fault.CodeInputInvalid, issues.Err(), fmt.Sprintf("parsing rule %q", rule))
		}
		expr := parsed.Expr() //nolint:staticcheck // no replacement covers raw AST walks yet
		if msgs := deterministicIssues(expr); len(msgs) > 0 {
			return nil, fault.New(fault.CodeInputInvalid, "rule %q is non-deterministic: %s", rule, strings.Join(msgs, "; "))
		}

		ast, issues := env.Compile(rule)
		if issues != nil && issues.Err() != nil {
			return nil, fault.Wrap(fault.CodeInputInvalid, issues.Err(), fmt.Sprintf("compiling rule %q", rule))
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fault.Wrap(fault.CodeInputInvalid, err, fmt.Sprintf("building rule %q", rule))
		}
		p.programs = append(p.programs, prg)
		p.sources = append(p.sources, rule)
	}
	return p, nil
}

// ShouldQuarantine evaluates the rules against a finding. The first rule
// that yields true quarantines; evaluation errors surface so the caller can
// apply its fail-closed default.
func (p *QuarantinePolicy) ShouldQuarantine(d Discrepancy) (bool, error) {
	input := map[string]any{"finding": findingVars(d)}
	for i, prg := range p.programs {
		val, _, err := prg.Eval(input)
		if err != nil {
			return false, fault.Wrap(fault.CodeInputInvalid, err, fmt.Sprintf("evaluating rule %q", p.sources[i]))
		}
		b, ok := val.Value().(bool)
		if !ok {
			return false, fault.New(fault.CodeInputInvalid, "rule %q did not evaluate to a boolean", p.sources[i])
		}
		if b {
			return true, nil
		}
	}
	return false, nil
}

// findingVars exposes the finding to the rules as a flat map.
func findingVars(d Discrepancy) map[string]any {
	return map[string]any{
		"type":        string(d.Type),
		"severity":    string(d.Severity),
		"confidence":  d.Confidence,
		"mediaId":     d.MediaID,
		"description": d.Description,
		"components":  d.AffectedComponents,
	}
}

// deterministicIssues walks a parsed expression and reports constructs whose
// results could vary between evaluations of the same finding.
func deterministicIssues(e *exprpb.Expr) []string {
	var issues []string
	walkExpr(e, &issues)
	return issues
}

func walkExpr(e *exprpb.Expr, issues *[]string) {
	if e == nil {
		return
	}
	switch k := e.ExprKind.(type) {
	case *exprpb.Expr_CallExpr:
		call := k.CallExpr
		switch call.Function {
		case "now":
			*issues = append(*issues, "now() is forbidden")
		case "keys", "values":
			*issues = append(*issues, "map iteration is forbidden")
		}
		if call.Target != nil {
			walkExpr(call.Target, issues)
		}
		for _, arg := range call.Args {
			walkExpr(arg, issues)
		}

	case *exprpb.Expr_SelectExpr:
		walkExpr(k.SelectExpr.Operand, issues)

	case *exprpb.Expr_ListExpr:
		for _, el := range k.ListExpr.Elements {
			walkExpr(el, issues)
		}

	case *exprpb.Expr_StructExpr:
		for _, entry := range k.StructExpr.Entries {
			if mk := entry.GetMapKey(); mk != nil {
				walkExpr(mk, issues)
			}
			walkExpr(entry.Value, issues)
		}

	case *exprpb.Expr_ComprehensionExpr:
		comp := k.ComprehensionExpr
		walkExpr(comp.IterRange, issues)
		walkExpr(comp.AccuInit, issues)
		walkExpr(comp.LoopCondition, issues)
		walkExpr(comp.LoopStep, issues)
		walkExpr(comp.Result, issues)
	}
}
