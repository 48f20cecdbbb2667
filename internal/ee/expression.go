package ee

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Expression is the Earth Engine REST representation of a computation graph.
// Values holds every non-trivial vertex once; Result names the root.
type Expression struct {
	Result string               `json:"result"`
	Values map[string]ValueNode `json:"values"`
}

// ValueNode is exactly one of the value variants of the REST API.
type ValueNode struct {
	ConstantValue           json.RawMessage     `json:"constantValue,omitempty"`
	ArrayValue              *ArrayValue         `json:"arrayValue,omitempty"`
	DictionaryValue         *DictionaryValue    `json:"dictionaryValue,omitempty"`
	FunctionDefinitionValue *FunctionDefinition `json:"functionDefinitionValue,omitempty"`
	FunctionInvocationValue *FunctionInvocation `json:"functionInvocationValue,omitempty"`
	ArgumentReference       string              `json:"argumentReference,omitempty"`
	ValueReference          string              `json:"valueReference,omitempty"`
}

type ArrayValue struct {
	Values []ValueNode `json:"values"`
}

type DictionaryValue struct {
	Values map[string]ValueNode `json:"values"`
}

type FunctionDefinition struct {
	ArgumentNames []string `json:"argumentNames"`
	Body          string   `json:"body"`
}

type FunctionInvocation struct {
	FunctionName string               `json:"functionName"`
	Arguments    map[string]ValueNode `json:"arguments"`
}

// Lookup resolves a value reference. Inline values are returned unchanged.
func (e *Expression) Lookup(v ValueNode) (ValueNode, error) {
	for v.ValueReference != "" {
		next, ok := e.Values[v.ValueReference]
		if !ok {
			return ValueNode{}, fmt.Errorf("dangling value reference %q", v.ValueReference)
		}
		v = next
	}
	return v, nil
}

// Root returns the value named by Result.
func (e *Expression) Root() (ValueNode, error) {
	return e.Lookup(ValueNode{ValueReference: e.Result})
}

// Encode serializes anything that wraps a graph node. Identical sub-graphs are
// stored once, so a merged collection referenced from several places is only
// shipped to the backend a single time. Constants that JSON cannot represent,
// such as NaN, are an error.
func Encode(c Computed) (*Expression, error) {
	enc := &encoder{
		values: make(map[string]ValueNode),
		ids:    make(map[string]string),
		memo:   make(map[*node]ValueNode),
	}
	root := enc.encode(c.graph())
	if root.ValueReference == "" {
		root = enc.store(root)
	}
	if enc.err != nil {
		return nil, enc.err
	}
	return &Expression{Result: root.ValueReference, Values: enc.values}, nil
}

type encoder struct {
	values map[string]ValueNode
	ids    map[string]string
	memo   map[*node]ValueNode
	err    error // first failure; encoding continues but the result is dropped
}

func (e *encoder) encode(n *node) ValueNode {
	if v, ok := e.memo[n]; ok {
		return v
	}
	var v ValueNode
	switch n.kind {
	case kindConstant:
		v = ValueNode{ConstantValue: e.marshal(n.constant)}
	case kindArgument:
		if n.placeholder != nil && e.err == nil {
			e.err = fmt.Errorf("unbound lambda argument in graph")
		}
		v = ValueNode{ArgumentReference: n.name}
	case kindArray:
		items := make([]ValueNode, len(n.items))
		for i, it := range n.items {
			items[i] = e.encode(it)
		}
		v = e.store(ValueNode{ArrayValue: &ArrayValue{Values: items}})
	case kindDictionary:
		entries := make(map[string]ValueNode, len(n.entries))
		for _, k := range sortedKeys(n.entries) {
			entries[k] = e.encode(n.entries[k])
		}
		v = e.store(ValueNode{DictionaryValue: &DictionaryValue{Values: entries}})
	case kindInvocation:
		args := make(map[string]ValueNode, len(n.args))
		for _, k := range sortedKeys(n.args) {
			args[k] = e.encode(n.args[k])
		}
		v = e.store(ValueNode{FunctionInvocationValue: &FunctionInvocation{FunctionName: n.fn, Arguments: args}})
	case kindFunction:
		body := e.encode(n.body)
		if body.ValueReference == "" {
			body = e.store(body)
		}
		v = e.store(ValueNode{FunctionDefinitionValue: &FunctionDefinition{
			ArgumentNames: n.params,
			Body:          body.ValueReference,
		}})
	}
	e.memo[n] = v
	return v
}

func (e *encoder) store(full ValueNode) ValueNode {
	key := string(e.marshal(full))
	id, ok := e.ids[key]
	if !ok {
		id = strconv.Itoa(len(e.values))
		e.ids[key] = id
		e.values[id] = full
	}
	return ValueNode{ValueReference: id}
}

func (e *encoder) marshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		if e.err == nil {
			e.err = fmt.Errorf("constant is not JSON encodable: %w", err)
		}
		return json.RawMessage("null")
	}
	return b
}
