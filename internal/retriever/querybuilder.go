package retriever

import (
	"fmt"
	"regexp"
	"strings"
)

// Predicate is one (column, operator, value) condition. Values always bind
// through placeholders; user input is never concatenated into SQL.
type Predicate struct {
	Column string
	Op     string
	Value  interface{}
}

var identPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*(\.[a-z_][a-z0-9_]*)?$`)

var allowedOps = map[string]bool{
	"=": true, "!=": true, "<": true, "<=": true, ">": true, ">=": true,
	"LIKE": true,
}

// QueryBuilder accumulates predicates into a WHERE clause with safe
// placeholders. AND between calls; WhereAny renders an OR group.
type QueryBuilder struct {
	conds []string
	args  []interface{}
	err   error
}

func (q *QueryBuilder) Where(p Predicate) *QueryBuilder {
	frag, ok := q.render(p)
	if ok {
		q.conds = append(q.conds, frag)
		q.args = append(q.args, p.Value)
	}
	return q
}

// WhereAny appends an OR-group: the row matches if any predicate holds.
func (q *QueryBuilder) WhereAny(ps []Predicate) *QueryBuilder {
	if len(ps) == 0 {
		return q
	}
	frags := make([]string, 0, len(ps))
	for _, p := range ps {
		frag, ok := q.render(p)
		if !ok {
			return q
		}
		frags = append(frags, frag)
		q.args = append(q.args, p.Value)
	}
	q.conds = append(q.conds, "("+strings.Join(frags, " OR ")+")")
	return q
}

func (q *QueryBuilder) render(p Predicate) (string, bool) {
	if q.err != nil {
		return "", false
	}
	if !identPattern.MatchString(p.Column) {
		q.err = fmt.Errorf("invalid column %q", p.Column)
		return "", false
	}
	op := strings.ToUpper(strings.TrimSpace(p.Op))
	if !allowedOps[op] {
		q.err = fmt.Errorf("invalid operator %q", p.Op)
		return "", false
	}
	return p.Column + " " + op + " ?", true
}

// Clause returns the assembled WHERE clause (without the WHERE keyword) and
// its bound arguments.
func (q *QueryBuilder) Clause() (string, []interface{}, error) {
	if q.err != nil {
		return "", nil, q.err
	}
	if len(q.conds) == 0 {
		return "1 = 1", nil, nil
	}
	return strings.Join(q.conds, " AND "), q.args, nil
}
