package expr

import (
	"fmt"
	"log/slog"
	"time"
)

// InvalidDate is the sentinel a date method yields when applied to something
// that is not a date, or to a date that does not parse. Callers treat it as
// an absent value.
const InvalidDate = "Invalid date"

// Context is the read-only scope an expression evaluates against.
type Context struct {
	Event   map[string]any
	Payload map[string]any
	Vars    map[string]any
}

func (c *Context) root(name string) (any, bool) {
	switch name {
	case "event":
		return c.Event, true
	case "payload":
		return c.Payload, true
	case "vars":
		return c.Vars, true
	}
	return nil, false
}

// Evaluator evaluates parsed expressions. It is pure: unknown paths resolve
// to nil (logged at debug, never an error) so optional fields stay ergonomic.
type Evaluator struct {
	log *slog.Logger
}

// NewEvaluator creates an Evaluator. A nil logger disables lookup logging.
func NewEvaluator(log *slog.Logger) *Evaluator {
	if log == nil {
		log = slog.Default()
	}
	return &Evaluator{log: log}
}

// Eval parses and evaluates source against ctx.
func (e *Evaluator) Eval(source string, ctx *Context) (any, error) {
	n, err := Parse(source)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", source, err)
	}
	return e.evalNode(n, ctx), nil
}

// EvalBool evaluates source and reduces the result to truthiness.
func (e *Evaluator) EvalBool(source string, ctx *Context) (bool, error) {
	v, err := e.Eval(source, ctx)
	if err != nil {
		return false, err
	}
	return Truthy(v), nil
}

func (e *Evaluator) evalNode(n Node, ctx *Context) any {
	switch t := n.(type) {
	case *Literal:
		return t.Value
	case *Path:
		return e.lookup(t, ctx)
	case *Or:
		if left := e.evalNode(t.Left, ctx); Truthy(left) {
			return left
		}
		return e.evalNode(t.Right, ctx)
	case *Equals:
		eq := looseEqual(e.evalNode(t.Left, ctx), e.evalNode(t.Right, ctx))
		if t.Negate {
			return !eq
		}
		return eq
	case *Not:
		return !Truthy(e.evalNode(t.Operand, ctx))
	case *Call:
		return e.call(t, ctx)
	}
	return nil
}

func (e *Evaluator) lookup(p *Path, ctx *Context) any {
	root, ok := ctx.root(p.Segments[0])
	if !ok {
		e.log.Debug("expression references unknown scope", "path", p.String())
		return nil
	}
	cur := root
	for _, seg := range p.Segments[1:] {
		m, ok := cur.(map[string]any)
		if !ok {
			e.log.Debug("expression path does not resolve", "path", p.String(), "segment", seg)
			return nil
		}
		cur, ok = m[seg]
		if !ok {
			e.log.Debug("expression path not found", "path", p.String(), "segment", seg)
			return nil
		}
	}
	return cur
}

// dateMethods is the closed whitelist of methods callable in expressions.
var dateMethods = map[string]string{
	"formatDate":     "date",
	"formatDateTime": "datetime",
}

func (e *Evaluator) call(c *Call, ctx *Context) any {
	kind, ok := dateMethods[c.Method]
	if !ok {
		e.log.Debug("expression calls non-whitelisted method", "method", c.Method)
		return nil
	}
	v := e.evalNode(c.Target, ctx)
	t, ok := asTime(v)
	if !ok {
		return InvalidDate
	}
	locale := "en-US"
	if len(c.Args) > 0 {
		if s, ok := c.Args[0].(string); ok {
			locale = s
		}
	}
	return formatLocale(t, locale, kind)
}

// asTime accepts actual time values and RFC 3339 strings, the two forms a
// date takes once a payload has crossed a JSON boundary.
func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, true
	case string:
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			return parsed, true
		}
		if parsed, err := time.Parse("2006-01-02", t); err == nil {
			return parsed, true
		}
	}
	return time.Time{}, false
}

var localeDateLayouts = map[string]string{
	"en-US": "01/02/2006",
	"en-GB": "02/01/2006",
	"de-DE": "02.01.2006",
	"fr-FR": "02/01/2006",
	"iso":   "2006-01-02",
}

func formatLocale(t time.Time, locale, kind string) string {
	layout, ok := localeDateLayouts[locale]
	if !ok {
		layout = localeDateLayouts["iso"]
	}
	if kind == "datetime" {
		return t.Format(layout + " 15:04")
	}
	return t.Format(layout)
}

// Truthy reports whether a value counts as present for || fallback and
// conditional branching: nil, false, empty string and zero numbers are falsy.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != "" && t != InvalidDate
	case float64:
		return t != 0
	case int:
		return t != 0
	}
	return true
}

func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	}
	return 0, false
}
