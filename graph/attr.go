// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

// AttrKind discriminates the tagged union an Attr holds.
type AttrKind int

const (
	AttrInvalid AttrKind = iota
	AttrInt
	AttrFloat
	AttrString
	AttrInts
	AttrFloats
	AttrStrings
)

// Attr is a single node attribute value.
// Subgraph-valued attributes are not represented here: they live in
// Node.Subgraphs, keyed by the same attribute name, since a *Graph isn't a
// plain scalar/list value.
type Attr struct {
	Kind    AttrKind
	Int     int64
	Float   float64
	Str     string
	Ints    []int64
	Floats  []float64
	Strings []string
}

// Int64Attr builds an AttrInt.
func Int64Attr(v int64) Attr { return Attr{Kind: AttrInt, Int: v} }

// FloatAttr builds an AttrFloat.
func FloatAttr(v float64) Attr { return Attr{Kind: AttrFloat, Float: v} }

// StringAttr builds an AttrString.
func StringAttr(v string) Attr { return Attr{Kind: AttrString, Str: v} }

// IntsAttr builds an AttrInts.
func IntsAttr(v []int64) Attr { return Attr{Kind: AttrInts, Ints: v} }

// FloatsAttr builds an AttrFloats.
func FloatsAttr(v []float64) Attr { return Attr{Kind: AttrFloats, Floats: v} }

// StringsAttr builds an AttrStrings.
func StringsAttr(v []string) Attr { return Attr{Kind: AttrStrings, Strings: v} }

// AttrInt64 fetches an integer attribute, returning (value, ok).
func (n *Node) AttrInt64(name string) (int64, bool) {
	a, ok := n.Attrs[name]
	if !ok || a.Kind != AttrInt {
		return 0, false
	}
	return a.Int, true
}

// AttrInt64OrDefault fetches an integer attribute or returns def.
func (n *Node) AttrInt64OrDefault(name string, def int64) int64 {
	if v, ok := n.AttrInt64(name); ok {
		return v
	}
	return def
}

// AttrFloat64 fetches a float attribute, returning (value, ok).
func (n *Node) AttrFloat64(name string) (float64, bool) {
	a, ok := n.Attrs[name]
	if !ok || a.Kind != AttrFloat {
		return 0, false
	}
	return a.Float, true
}

// AttrString fetches a string attribute, returning (value, ok).
func (n *Node) AttrString(name string) (string, bool) {
	a, ok := n.Attrs[name]
	if !ok || a.Kind != AttrString {
		return "", false
	}
	return a.Str, true
}

// AttrInts fetches an integer-list attribute, returning (value, ok).
func (n *Node) AttrInts(name string) ([]int64, bool) {
	a, ok := n.Attrs[name]
	if !ok || a.Kind != AttrInts {
		return nil, false
	}
	return a.Ints, true
}
