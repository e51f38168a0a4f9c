// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package model loads and saves computation graphs. The format is a
// self-contained one -- a magic header followed by an encoding/gob
// stream -- and Load accepts each of the three source kinds a Session
// can be pointed at: a file path, a byte stream, or an in-memory graph.
package model

import (
	"encoding/gob"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/x448/float16"

	"github.com/gomlx/modelrt/graph"
	"github.com/gomlx/modelrt/types/shapes"
	"github.com/gomlx/modelrt/types/tensors"
)

// magic identifies a serialized model stream.
const magic = "modelrt\x01"

func init() {
	// The flat backing slices ride through gob as `any`.
	gob.Register([]bool(nil))
	gob.Register([]int8(nil))
	gob.Register([]int16(nil))
	gob.Register([]int32(nil))
	gob.Register([]int64(nil))
	gob.Register([]uint8(nil))
	gob.Register([]uint16(nil))
	gob.Register([]uint32(nil))
	gob.Register([]uint64(nil))
	gob.Register([]float16.Float16(nil))
	gob.Register([]tensors.BFloat16(nil))
	gob.Register([]float32(nil))
	gob.Register([]float64(nil))
}

type serialShape struct {
	DType int32
	Dims  []int64
}

func shapeOut(s shapes.Shape) serialShape {
	return serialShape{DType: int32(s.DType), Dims: s.Dimensions}
}

func (s serialShape) in() shapes.Shape {
	return shapes.Make(shapes.DType(s.DType), s.Dims...)
}

type serialTensor struct {
	Name  string
	Shape serialShape
	Flat  any
}

type serialNode struct {
	Name           string
	OpType         string
	Domain         string
	Version        int64
	Inputs         []string
	Outputs        []string
	ImplicitInputs []string
	OutputShapes   []serialShape
	Attrs          map[string]graph.Attr
	Subgraphs      map[string]serialGraph
}

type serialInput struct {
	Name     string
	HasShape bool
	Shape    serialShape
}

type serialGraph struct {
	Name         string
	Nodes        []serialNode
	Initializers []serialTensor
	Inputs       []serialInput
	Outputs      []string
}

// Load resolves one of the three accepted model sources into a Graph. An
// in-memory *graph.Graph passes through untouched.
func Load(src any) (*graph.Graph, error) {
	switch s := src.(type) {
	case *graph.Graph:
		return s, nil
	case string:
		f, err := os.Open(s)
		if err != nil {
			return nil, errors.WithMessagef(err, "model: opening %q", s)
		}
		defer f.Close()
		return Read(f)
	case io.Reader:
		return Read(s)
	default:
		return nil, errors.Errorf("model: unsupported source type %T", src)
	}
}

// Read decodes a serialized model from r.
func Read(r io.Reader) (*graph.Graph, error) {
	header := make([]byte, len(magic))
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, errors.WithMessage(err, "model: reading header")
	}
	if string(header) != magic {
		return nil, errors.New("model: not a modelrt model stream")
	}
	var sg serialGraph
	if err := gob.NewDecoder(r).Decode(&sg); err != nil {
		return nil, errors.WithMessage(err, "model: decoding")
	}
	return buildGraph(sg)
}

// Write serializes g to w.
func Write(w io.Writer, g *graph.Graph) error {
	if _, err := io.WriteString(w, magic); err != nil {
		return errors.WithMessage(err, "model: writing header")
	}
	sg, err := flattenGraph(g)
	if err != nil {
		return err
	}
	if err := gob.NewEncoder(w).Encode(sg); err != nil {
		return errors.WithMessage(err, "model: encoding")
	}
	return nil
}

// Save writes g to the given file path.
func Save(path string, g *graph.Graph) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.WithMessagef(err, "model: creating %q", path)
	}
	defer f.Close()
	return Write(f, g)
}

func flattenGraph(g *graph.Graph) (serialGraph, error) {
	sg := serialGraph{Name: g.Name}
	for slot, t := range g.Initializers {
		sg.Initializers = append(sg.Initializers, serialTensor{
			Name:  g.SlotName(slot),
			Shape: shapeOut(t.Shape()),
			Flat:  t.Flat(),
		})
	}
	inputNames, inputSlots := g.GraphInputs()
	for ii, name := range inputNames {
		si := serialInput{Name: name}
		if sh, ok := g.SlotShape(inputSlots[ii]); ok {
			si.HasShape = true
			si.Shape = shapeOut(sh)
		}
		sg.Inputs = append(sg.Inputs, si)
	}
	for _, n := range g.Nodes() {
		sn := serialNode{
			Name:    n.Name,
			OpType:  string(n.OpType),
			Domain:  n.Domain,
			Version: n.Version,
			Attrs:   n.Attrs,
		}
		for _, slot := range n.Inputs {
			if slot == graph.InvalidSlotID {
				sn.Inputs = append(sn.Inputs, "")
			} else {
				sn.Inputs = append(sn.Inputs, g.SlotName(slot))
			}
		}
		for _, slot := range n.Outputs {
			sn.Outputs = append(sn.Outputs, g.SlotName(slot))
		}
		for _, slot := range n.ImplicitInputs {
			sn.ImplicitInputs = append(sn.ImplicitInputs, g.SlotName(slot))
		}
		for _, sh := range n.OutputShapes {
			sn.OutputShapes = append(sn.OutputShapes, shapeOut(sh))
		}
		for attr, sub := range n.Subgraphs {
			flat, err := flattenGraph(sub)
			if err != nil {
				return serialGraph{}, err
			}
			if sn.Subgraphs == nil {
				sn.Subgraphs = make(map[string]serialGraph)
			}
			sn.Subgraphs[attr] = flat
		}
		sg.Nodes = append(sg.Nodes, sn)
	}
	outputNames, _ := g.GraphOutputs()
	sg.Outputs = outputNames
	return sg, nil
}

func buildGraph(sg serialGraph) (*graph.Graph, error) {
	g := graph.New(sg.Name)
	for _, st := range sg.Initializers {
		g.AddInitializer(st.Name, tensors.FromFlat(st.Shape.in(), st.Flat, "model"))
	}
	for _, si := range sg.Inputs {
		if si.HasShape {
			g.DeclareGraphInputShaped(si.Name, si.Shape.in())
		} else {
			g.DeclareGraphInput(si.Name)
		}
	}
	for _, sn := range sg.Nodes {
		spec := graph.NodeSpec{
			Name:           sn.Name,
			OpType:         graph.OpType(sn.OpType),
			Domain:         sn.Domain,
			Version:        sn.Version,
			Inputs:         sn.Inputs,
			Outputs:        sn.Outputs,
			ImplicitInputs: sn.ImplicitInputs,
			Attrs:          sn.Attrs,
		}
		for _, sh := range sn.OutputShapes {
			spec.OutputShapes = append(spec.OutputShapes, sh.in())
		}
		for attr, sub := range sn.Subgraphs {
			built, err := buildGraph(sub)
			if err != nil {
				return nil, err
			}
			if spec.Subgraphs == nil {
				spec.Subgraphs = make(map[string]*graph.Graph)
			}
			spec.Subgraphs[attr] = built
		}
		g.AddNode(spec)
	}
	for _, name := range sg.Outputs {
		g.DeclareGraphOutput(name)
	}
	if err := g.Resolve(); err != nil {
		return nil, errors.WithMessage(err, "model: loaded graph failed to resolve")
	}
	return g, nil
}
