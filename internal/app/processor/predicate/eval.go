package predicate

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Context is the bounded set of values a predicate may observe, assembled
// fresh per evaluated event by the stream processor.
type Context struct {
	EventType string
	Severity  string
	Source    string
	Tags      []string
	Data      []byte            // raw JSON object, queried via data.<path>
	Windows   map[string]int    // window name -> current count
	Metrics   map[string]float64
}

// Eval evaluates a parsed predicate against ctx, returning a boolean result.
func Eval(expr Expr, ctx Context) (bool, error) {
	v, err := evalValue(expr, ctx)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("predicate: expression did not evaluate to a boolean")
	}
	return b, nil
}

func evalValue(expr Expr, ctx Context) (interface{}, error) {
	switch e := expr.(type) {
	case Literal:
		switch e.Kind {
		case "number":
			return e.Num, nil
		case "string":
			return e.Str, nil
		case "bool":
			return e.Bool, nil
		}
		return nil, fmt.Errorf("predicate: unknown literal kind %q", e.Kind)
	case Ident:
		return resolveIdent(e, ctx)
	case ListLiteral:
		items := make([]interface{}, 0, len(e.Items))
		for _, item := range e.Items {
			v, err := evalValue(item, ctx)
			if err != nil {
				return nil, err
			}
			items = append(items, v)
		}
		return items, nil
	case Not:
		v, err := Eval(e.Operand, ctx)
		if err != nil {
			return nil, err
		}
		return !v, nil
	case Logical:
		left, err := Eval(e.Left, ctx)
		if err != nil {
			return nil, err
		}
		if e.Op == "and" && !left {
			return false, nil
		}
		if e.Op == "or" && left {
			return true, nil
		}
		return Eval(e.Right, ctx)
	case Comparison:
		left, err := evalValue(e.Left, ctx)
		if err != nil {
			return nil, err
		}
		right, err := evalValue(e.Right, ctx)
		if err != nil {
			return nil, err
		}
		return compare(e.Op, left, right)
	case Membership:
		left, err := evalValue(e.Left, ctx)
		if err != nil {
			return nil, err
		}
		rightExpr, ok := e.Right.(ListLiteral)
		if !ok {
			return nil, fmt.Errorf("predicate: 'in' requires a literal list")
		}
		right, err := evalValue(rightExpr, ctx)
		if err != nil {
			return nil, err
		}
		items, _ := right.([]interface{})
		for _, item := range items {
			if fmt.Sprint(item) == fmt.Sprint(left) {
				return true, nil
			}
		}
		// tags membership: `tags in ("a", "b")` holds when any of the event's
		// tags (ctx.Tags) equals an item of the list.
		if ident, ok := e.Left.(Ident); ok && ident.Root == "tags" {
			for _, tag := range ctx.Tags {
				for _, item := range items {
					if fmt.Sprint(item) == tag {
						return true, nil
					}
				}
			}
		}
		return false, nil
	case Arithmetic:
		left, err := toNumber(e.Left, ctx)
		if err != nil {
			return nil, err
		}
		right, err := toNumber(e.Right, ctx)
		if err != nil {
			return nil, err
		}
		switch e.Op {
		case "+":
			return left + right, nil
		case "-":
			return left - right, nil
		case "*":
			return left * right, nil
		case "/":
			if right == 0 {
				return 0.0, nil
			}
			return left / right, nil
		}
		return nil, fmt.Errorf("predicate: unknown arithmetic operator %q", e.Op)
	}
	return nil, fmt.Errorf("predicate: unsupported expression node %T", expr)
}

func toNumber(expr Expr, ctx Context) (float64, error) {
	v, err := evalValue(expr, ctx)
	if err != nil {
		return 0, err
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, fmt.Errorf("predicate: %q is not numeric", n)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("predicate: value is not numeric")
	}
}

func resolveIdent(id Ident, ctx Context) (interface{}, error) {
	switch id.Root {
	case "event_type":
		return ctx.EventType, nil
	case "severity":
		return ctx.Severity, nil
	case "source":
		return ctx.Source, nil
	case "tags":
		// membership is handled specially in Membership; a bare reference
		// yields the joined tag list for equality-style comparisons.
		return strings.Join(ctx.Tags, ","), nil
	case "data":
		if len(id.Path) == 0 {
			return "", nil
		}
		path := strings.Join(id.Path, ".")
		res := gjson.GetBytes(ctx.Data, path)
		if !res.Exists() {
			return "", nil
		}
		if res.IsArray() || res.IsObject() {
			return res.Raw, nil
		}
		switch res.Type.String() {
		case "Number":
			return res.Num, nil
		default:
			return res.String(), nil
		}
	case "windows":
		count := ctx.Windows[id.Index]
		return float64(count), nil
	case "metrics":
		return ctx.Metrics[id.Index], nil
	}
	return nil, fmt.Errorf("predicate: unknown identifier root %q", id.Root)
}

func compare(op string, left, right interface{}) (bool, error) {
	// Numeric comparison when both sides parse as numbers; otherwise string
	// comparison. This mirrors the loosely-typed context values a JSON event
	// payload naturally produces.
	lf, lok := asFloat(left)
	rf, rok := asFloat(right)
	if lok && rok {
		switch op {
		case "==":
			return lf == rf, nil
		case "!=":
			return lf != rf, nil
		case "<":
			return lf < rf, nil
		case "<=":
			return lf <= rf, nil
		case ">":
			return lf > rf, nil
		case ">=":
			return lf >= rf, nil
		}
	}
	ls := fmt.Sprint(left)
	rs := fmt.Sprint(right)
	switch op {
	case "==":
		return ls == rs, nil
	case "!=":
		return ls != rs, nil
	case "<":
		return ls < rs, nil
	case "<=":
		return ls <= rs, nil
	case ">":
		return ls > rs, nil
	case ">=":
		return ls >= rs, nil
	}
	return false, fmt.Errorf("predicate: unsupported comparison operator %q", op)
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
