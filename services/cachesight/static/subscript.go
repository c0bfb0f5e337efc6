// Copyright (C) 2025 CacheSight Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package static

import (
	"strconv"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/milhud/cachesight/services/cachesight"
)

// visitSubscript classifies one A[idx] reference against the loop stack.
func (w *walker) visitSubscript(node *sitter.Node) {
	idx := node.ChildByFieldName("index")
	arg := node.ChildByFieldName("argument")
	if idx == nil {
		return
	}

	p := cachesight.StaticPattern{
		Location:     w.locationOf(node),
		LoopDepth:    len(w.loops),
		AccessCount:  1,
		ArrayName:    baseArrayName(arg, w.src),
		VariableName: indexVariable(idx, w.src),
	}

	if w.isColumnMajor(node) {
		// Column-major walk of a row-major layout: the effective stride
		// is a whole row per iteration.
		p.Kind = cachesight.AccessNestedLoop
		p.Stride = defaultRowLength
	} else {
		p.Kind, p.Stride = w.classifyIndex(idx)
	}

	if p.Kind == cachesight.AccessLoopCarriedDep {
		p.HasDependencies = true
	}
	if arg != nil && arg.Type() == "pointer_expression" {
		p.IsPointerAccess = true
	}
	p.EstimatedFootprint = w.footprint(p.Stride, w.innermostIterations())

	w.emit(p)
}

// visitField records a struct member access. Without semantic typing the
// locality of a field chase is unknown, so it classifies as gather/scatter.
func (w *walker) visitField(node *sitter.Node) {
	field := node.ChildByFieldName("field")
	arg := node.ChildByFieldName("argument")
	if field == nil {
		return
	}

	p := cachesight.StaticPattern{
		Location:       w.locationOf(node),
		Kind:           cachesight.AccessGatherScatter,
		LoopDepth:      len(w.loops),
		AccessCount:    1,
		VariableName:   field.Content(w.src),
		IsRecordAccess: true,
	}
	if arg != nil {
		if arg.Type() == "identifier" {
			p.RecordName = arg.Content(w.src)
		}
	}
	if op := node.ChildByFieldName("operator"); op != nil && op.Content(w.src) == "->" {
		p.IsPointerAccess = true
	}
	p.EstimatedFootprint = w.footprint(0, w.innermostIterations())

	w.emit(p)
}

// classifyIndex applies the index-expression inference rules. Anything it
// cannot recognize is random access; the walk always continues.
func (w *walker) classifyIndex(idx *sitter.Node) (cachesight.AccessPattern, int) {
	switch idx.Type() {
	case "parenthesized_expression":
		if inner := firstNamedChild(idx); inner != nil {
			return w.classifyIndex(inner)
		}
		return cachesight.AccessRandom, 0

	case "identifier":
		name := idx.Content(w.src)
		if frame := w.innermost(); frame != nil && name == frame.loop.InductionVar {
			stride := frame.loop.Stride
			if stride == 1 || stride == -1 || stride == 0 {
				return cachesight.AccessSequential, 1
			}
			return cachesight.AccessStrided, stride
		}
		if w.isOuterLoopVar(name) {
			// An outer induction variable in the innermost body jumps a
			// whole row at a time.
			return cachesight.AccessStrided, defaultRowLength
		}
		return cachesight.AccessRandom, 0

	case "number_literal":
		return cachesight.AccessSequential, 0

	case "binary_expression":
		return w.classifyBinary(idx)

	case "subscript_expression":
		return cachesight.AccessIndirect, 0

	case "pointer_expression":
		if op := idx.ChildByFieldName("operator"); op != nil && op.Content(w.src) == "*" {
			return cachesight.AccessIndirect, 0
		}
		return cachesight.AccessRandom, 0

	case "call_expression":
		return cachesight.AccessRandom, 0
	}
	return cachesight.AccessRandom, 0
}

// classifyBinary handles arithmetic index forms built on the inner loop
// variable: i±k, i*k, i/k, i%k, and shifts.
func (w *walker) classifyBinary(idx *sitter.Node) (cachesight.AccessPattern, int) {
	op := idx.ChildByFieldName("operator")
	left := idx.ChildByFieldName("left")
	right := idx.ChildByFieldName("right")
	if op == nil || left == nil || right == nil {
		return cachesight.AccessRandom, 0
	}

	lName, lIsIdent := identifierName(left, w.src)
	rName, rIsIdent := identifierName(right, w.src)
	lLit, lIsLit := literalValue(left, w.src)
	rLit, rIsLit := literalValue(right, w.src)

	innerVar := ""
	if frame := w.innermost(); frame != nil {
		innerVar = frame.loop.InductionVar
	}

	switch op.Content(w.src) {
	case "+", "-":
		k := 0
		ok := false
		if lIsIdent && lName == innerVar && rIsLit {
			k, ok = rLit, true
		} else if op.Content(w.src) == "+" && rIsIdent && rName == innerVar && lIsLit {
			k, ok = lLit, true
		}
		if ok {
			if op.Content(w.src) == "-" {
				k = -k
			}
			switch {
			case k == 1 || k == 0:
				return cachesight.AccessSequential, 1
			case k == -1:
				// Reads the previous iteration's element.
				return cachesight.AccessLoopCarriedDep, 1
			case k > 1:
				return cachesight.AccessStrided, k
			default:
				return cachesight.AccessStrided, -k
			}
		}
		return cachesight.AccessRandom, 0

	case "*":
		if lIsIdent && lName == innerVar && rIsLit && rLit > 0 {
			return scaled(rLit)
		}
		if rIsIdent && rName == innerVar && lIsLit && lLit > 0 {
			return scaled(lLit)
		}
		return cachesight.AccessRandom, 0

	case "/":
		if lIsIdent && lName == innerVar {
			return cachesight.AccessGatherScatter, 0
		}
		return cachesight.AccessRandom, 0

	case "%":
		if lIsIdent && lName == innerVar {
			// Cyclic wrap: locally sequential within the modulus window.
			return cachesight.AccessSequential, 1
		}
		return cachesight.AccessRandom, 0

	case "<<":
		if lIsIdent && lName == innerVar && rIsLit && rLit >= 0 && rLit < 31 {
			return scaled(1 << rLit)
		}
		return cachesight.AccessRandom, 0

	case ">>":
		if lIsIdent && lName == innerVar {
			return cachesight.AccessGatherScatter, 0
		}
		return cachesight.AccessRandom, 0
	}
	return cachesight.AccessRandom, 0
}

// scaled maps a multiplicative factor to a pattern.
func scaled(k int) (cachesight.AccessPattern, int) {
	if k == 1 {
		return cachesight.AccessSequential, 1
	}
	return cachesight.AccessStrided, k
}

// isColumnMajor reports whether a two-level subscript walks the row index
// with the inner loop and the column index with the outer loop, i.e.
// M[j][i] under for(i){for(j){...}}.
func (w *walker) isColumnMajor(node *sitter.Node) bool {
	if len(w.loops) < 2 {
		return false
	}
	inner := node.ChildByFieldName("argument")
	if inner == nil || inner.Type() != "subscript_expression" {
		return false
	}

	rowIdx, ok1 := identifierName(inner.ChildByFieldName("index"), w.src)
	colIdx, ok2 := identifierName(node.ChildByFieldName("index"), w.src)
	if !ok1 || !ok2 {
		return false
	}

	outerVar := w.loops[len(w.loops)-2].loop.InductionVar
	innerVar := w.loops[len(w.loops)-1].loop.InductionVar
	return outerVar != "" && innerVar != "" &&
		rowIdx == innerVar && colIdx == outerVar
}

func (w *walker) innermost() *loopFrame {
	if len(w.loops) == 0 {
		return nil
	}
	return w.loops[len(w.loops)-1]
}

func (w *walker) isOuterLoopVar(name string) bool {
	for i := 0; i < len(w.loops)-1; i++ {
		if w.loops[i].loop.InductionVar == name {
			return true
		}
	}
	return false
}

// baseArrayName unwraps subscript chains, dereferences, and field accesses
// down to the named base of the access.
func baseArrayName(node *sitter.Node, src []byte) string {
	for node != nil {
		switch node.Type() {
		case "identifier":
			return node.Content(src)
		case "subscript_expression", "pointer_expression":
			node = node.ChildByFieldName("argument")
		case "field_expression":
			if f := node.ChildByFieldName("field"); f != nil {
				return f.Content(src)
			}
			return ""
		case "parenthesized_expression":
			node = firstNamedChild(node)
		default:
			return ""
		}
	}
	return ""
}

// indexVariable names the identifier driving the index, when one exists.
func indexVariable(idx *sitter.Node, src []byte) string {
	switch idx.Type() {
	case "identifier":
		return idx.Content(src)
	case "binary_expression":
		if name, ok := identifierName(idx.ChildByFieldName("left"), src); ok {
			return name
		}
		if name, ok := identifierName(idx.ChildByFieldName("right"), src); ok {
			return name
		}
	case "subscript_expression":
		return baseArrayName(idx.ChildByFieldName("argument"), src)
	case "parenthesized_expression":
		if inner := firstNamedChild(idx); inner != nil {
			return indexVariable(inner, src)
		}
	}
	return ""
}

func identifierName(node *sitter.Node, src []byte) (string, bool) {
	if node == nil {
		return "", false
	}
	if node.Type() == "parenthesized_expression" {
		return identifierName(firstNamedChild(node), src)
	}
	if node.Type() != "identifier" {
		return "", false
	}
	return node.Content(src), true
}

// literalValue parses an integer literal, accepting hex and octal forms
// and ignoring C suffixes.
func literalValue(node *sitter.Node, src []byte) (int, bool) {
	if node == nil {
		return 0, false
	}
	if node.Type() == "parenthesized_expression" {
		return literalValue(firstNamedChild(node), src)
	}
	if node.Type() != "number_literal" {
		return 0, false
	}
	text := strings.TrimRight(node.Content(src), "uUlL")
	v, err := strconv.ParseInt(text, 0, 64)
	if err != nil {
		return 0, false
	}
	return int(v), true
}

func firstNamedChild(node *sitter.Node) *sitter.Node {
	if node == nil || node.NamedChildCount() == 0 {
		return nil
	}
	return node.NamedChild(0)
}
