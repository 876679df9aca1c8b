package predicate

// Expr is a node in the predicate AST. Every node type here maps to a single
// grammar production; there is no escape hatch to host-language evaluation.
type Expr interface{ isExpr() }

// Ident resolves a bounded context variable: event_type, severity, source,
// tags, or a dotted/indexed path like data.value, windows["1min"].count(),
// metrics[name].
type Ident struct {
	Root  string   // event_type | severity | source | tags | data | windows | metrics
	Path  []string // dotted segments following Root (e.g. ["value"] for data.value)
	Index string   // bracket index, e.g. windows["1min"] -> Index == "1min"
	Call  string   // trailing call name, e.g. "count"
}

func (Ident) isExpr() {}

// Literal is a number, string, or bare identifier used as a value.
type Literal struct {
	Kind  string // "number" | "string" | "bool"
	Str   string
	Num   float64
	Bool  bool
}

func (Literal) isExpr() {}

// ListLiteral is a parenthesized comma list, used with `in`.
type ListLiteral struct {
	Items []Expr
}

func (ListLiteral) isExpr() {}

// Comparison is a binary comparison: ==, !=, <, <=, >, >=.
type Comparison struct {
	Op    string
	Left  Expr
	Right Expr
}

func (Comparison) isExpr() {}

// Membership is `Left in Right` where Right is a ListLiteral.
type Membership struct {
	Left  Expr
	Right Expr
}

func (Membership) isExpr() {}

// Logical is a binary and/or combinator.
type Logical struct {
	Op    string // "and" | "or"
	Left  Expr
	Right Expr
}

func (Logical) isExpr() {}

// Not negates its operand.
type Not struct {
	Operand Expr
}

func (Not) isExpr() {}

// Arithmetic is a binary +, -, *, / expression (used within comparisons,
// e.g. windows["1min"].count() > 10).
type Arithmetic struct {
	Op    string
	Left  Expr
	Right Expr
}

func (Arithmetic) isExpr() {}
