package rules

import (
	"fmt"

	"github.com/liamcoop/automod/event"
)

// Op is the kind of a condition node
type Op uint8

const (
	OpLeaf Op = iota
	OpAll
	OpAny
	OpNot
)

func (o Op) String() string {
	switch o {
	case OpAll:
		return "all"
	case OpAny:
		return "any"
	case OpNot:
		return "not"
	default:
		return "predicate"
	}
}

// maxConditionDepth bounds nesting so evaluation cost stays predictable
const maxConditionDepth = 32

// Condition is an immutable node of a condition tree: either a predicate
// leaf or an all/any/not combinator. Construct with Leaf, All, Any or Not.
type Condition struct {
	op        Op
	children  []*Condition
	predicate string
	args      Args
	negate    bool
	eval      predicateFunc
}

// Leaf builds a predicate node, validating the name and arguments
func Leaf(name string, args Args) (*Condition, error) {
	build, ok := predicates[name]
	if !ok {
		return nil, &ConditionError{Predicate: name, Err: ErrUnknownPredicate}
	}

	args = args.clone()
	negate, err := args.Bool("negate")
	if err != nil {
		return nil, &ConditionError{Predicate: name, Err: err}
	}
	rest := make(Args, len(args))
	for k, v := range args {
		if k != "negate" {
			rest[k] = v
		}
	}

	eval, err := build(rest)
	if err != nil {
		return nil, &ConditionError{Predicate: name, Err: err}
	}

	return &Condition{
		op:        OpLeaf,
		predicate: name,
		args:      args,
		negate:    negate,
		eval:      eval,
	}, nil
}

// All is true when every child is true
func All(children ...*Condition) (*Condition, error) {
	return combinator(OpAll, children)
}

// Any is true when some child is true
func Any(children ...*Condition) (*Condition, error) {
	return combinator(OpAny, children)
}

// Not inverts exactly one child
func Not(children ...*Condition) (*Condition, error) {
	if len(children) != 1 || children[0] == nil {
		return nil, &ConditionError{Err: ErrNotArity}
	}
	return combinator(OpNot, children)
}

func combinator(op Op, children []*Condition) (*Condition, error) {
	if len(children) == 0 {
		return nil, &ConditionError{Err: fmt.Errorf("%s: %w", op, ErrEmptyCombinator)}
	}
	for _, c := range children {
		if c == nil {
			return nil, &ConditionError{Err: fmt.Errorf("%s: nil child", op)}
		}
	}
	node := &Condition{
		op:       op,
		children: append([]*Condition(nil), children...),
	}
	if d := node.Depth(); d > maxConditionDepth {
		return nil, &ConditionError{Err: fmt.Errorf("condition depth %d exceeds maximum of %d", d, maxConditionDepth)}
	}
	return node, nil
}

func (c *Condition) Op() Op {
	return c.op
}

// Children returns a copy of the child list
func (c *Condition) Children() []*Condition {
	return append([]*Condition(nil), c.children...)
}

func (c *Condition) Predicate() string {
	return c.predicate
}

// Args returns a copy of the leaf arguments, including negate
func (c *Condition) Args() Args {
	return c.args.clone()
}

// Depth is 1 for a leaf
func (c *Condition) Depth() int {
	deepest := 0
	for _, child := range c.children {
		if d := child.Depth(); d > deepest {
			deepest = d
		}
	}
	return deepest + 1
}

// Evaluation is the result of evaluating a condition tree. Missing lists
// the absent paths that made leaves Indeterminate.
type Evaluation struct {
	Result  Tri
	Missing []string
}

// Evaluate runs a condition tree against an event. A nil tree is True.
func Evaluate(c *Condition, ectx *event.Context) Evaluation {
	if c == nil {
		return Evaluation{Result: True}
	}
	var missing []string
	result := c.evaluate(ectx, &missing)
	return Evaluation{Result: result, Missing: missing}
}

func (c *Condition) evaluate(ectx *event.Context, missing *[]string) Tri {
	switch c.op {
	case OpAll:
		result := True
		for _, child := range c.children {
			switch child.evaluate(ectx, missing) {
			case False:
				return False
			case Indeterminate:
				result = Indeterminate
			}
		}
		return result

	case OpAny:
		result := False
		for _, child := range c.children {
			switch child.evaluate(ectx, missing) {
			case True:
				return True
			case Indeterminate:
				result = Indeterminate
			}
		}
		return result

	case OpNot:
		return c.children[0].evaluate(ectx, missing).Not()

	default:
		result, absent := c.eval(ectx)
		if result == Indeterminate {
			if absent != "" {
				*missing = append(*missing, absent)
			}
			return Indeterminate
		}
		if c.negate {
			return result.Not()
		}
		return result
	}
}
