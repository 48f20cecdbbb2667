package ee

import (
	"fmt"
	"sort"
)

type nodeKind int

const (
	kindConstant nodeKind = iota
	kindInvocation
	kindArray
	kindDictionary
	kindArgument
	kindFunction
)

// node is one vertex of a computation graph. Nodes are never mutated after
// construction; every builder method returns a new node that points at its
// inputs, so graphs can be shared freely between goroutines.
type node struct {
	kind nodeKind

	constant any

	fn   string
	args map[string]*node

	items   []*node
	entries map[string]*node

	// argument reference name, or placeholder identity for unbound lambdas
	name        string
	placeholder *int

	params []string
	body   *node
}

func constant(v any) *node {
	switch x := v.(type) {
	case int:
		v = float64(x)
	case int64:
		v = float64(x)
	case float32:
		v = float64(x)
	}
	return &node{kind: kindConstant, constant: v}
}

func invoke(fn string, args map[string]*node) *node {
	clean := make(map[string]*node, len(args))
	for k, v := range args {
		if v != nil {
			clean[k] = v
		}
	}
	return &node{kind: kindInvocation, fn: fn, args: clean}
}

func array(items ...*node) *node {
	return &node{kind: kindArray, items: items}
}

func dictionary(entries map[string]*node) *node {
	return &node{kind: kindDictionary, entries: entries}
}

func stringList(values []string) *node {
	items := make([]*node, len(values))
	for i, v := range values {
		items[i] = constant(v)
	}
	return array(items...)
}

// lambda builds a one-argument function definition. The body is built against
// a placeholder which is renamed once the nesting depth of the body is known,
// mirroring how Earth Engine names mapping variables.
func lambda(build func(arg *node) *node) *node {
	id := new(int)
	ph := &node{kind: kindArgument, placeholder: id}
	body := build(ph)
	name := fmt.Sprintf("_MAPPING_VAR_%d_0", functionDepth(body))
	body = bind(body, id, name)
	return &node{kind: kindFunction, params: []string{name}, body: body}
}

func functionDepth(n *node) int {
	if n == nil {
		return 0
	}
	depth := 0
	visit := func(c *node) {
		if d := functionDepth(c); d > depth {
			depth = d
		}
	}
	switch n.kind {
	case kindInvocation:
		for _, a := range n.args {
			visit(a)
		}
	case kindArray:
		for _, it := range n.items {
			visit(it)
		}
	case kindDictionary:
		for _, e := range n.entries {
			visit(e)
		}
	case kindFunction:
		return functionDepth(n.body) + 1
	}
	return depth
}

// bind returns n with every placeholder identified by id replaced by an
// argument reference. Unchanged sub-graphs are shared, not copied.
func bind(n *node, id *int, name string) *node {
	switch n.kind {
	case kindArgument:
		if n.placeholder == id {
			return &node{kind: kindArgument, name: name}
		}
		return n
	case kindInvocation:
		changed := false
		args := make(map[string]*node, len(n.args))
		for k, a := range n.args {
			b := bind(a, id, name)
			changed = changed || b != a
			args[k] = b
		}
		if !changed {
			return n
		}
		return &node{kind: kindInvocation, fn: n.fn, args: args}
	case kindArray:
		changed := false
		items := make([]*node, len(n.items))
		for i, it := range n.items {
			b := bind(it, id, name)
			changed = changed || b != it
			items[i] = b
		}
		if !changed {
			return n
		}
		return array(items...)
	case kindDictionary:
		changed := false
		entries := make(map[string]*node, len(n.entries))
		for k, e := range n.entries {
			b := bind(e, id, name)
			changed = changed || b != e
			entries[k] = b
		}
		if !changed {
			return n
		}
		return dictionary(entries)
	case kindFunction:
		b := bind(n.body, id, name)
		if b == n.body {
			return n
		}
		return &node{kind: kindFunction, params: n.params, body: b}
	}
	return n
}

func sortedKeys(m map[string]*node) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
