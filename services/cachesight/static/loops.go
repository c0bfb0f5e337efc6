// Copyright (C) 2025 CacheSight Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package static

import (
	sitter "github.com/smacker/go-tree-sitter"

	"github.com/milhud/cachesight/services/cachesight"
)

// newLoop builds a Loop record from a for_statement header.
func (w *walker) newLoop(node *sitter.Node) *cachesight.Loop {
	loop := &cachesight.Loop{
		Location:  w.locationOf(node),
		NestLevel: len(w.loops) + 1,
		Stride:    1,
	}

	init := node.ChildByFieldName("initializer")
	cond := node.ChildByFieldName("condition")
	update := node.ChildByFieldName("update")

	if init != nil {
		loop.InitExpr = init.Content(w.src)
		loop.InductionVar = inductionVariable(init, w.src)
	}
	if cond != nil {
		loop.CondExpr = cond.Content(w.src)
		loop.EstimatedIterations = tripCount(cond, loop.InductionVar, w.src)
	}
	if update != nil {
		loop.IncExpr = update.Content(w.src)
		loop.Stride = updateStride(update, w.src)
	}

	if body := node.ChildByFieldName("body"); body != nil {
		loop.HasNestedLoops = subtreeContains(body, "for_statement", "while_statement", "do_statement")
		loop.HasFunctionCalls = subtreeContains(body, "call_expression")
	}
	return loop
}

// inductionVariable extracts the loop variable from the initializer, which
// is either a declaration (int i = 0) or a plain assignment (i = 0).
func inductionVariable(init *sitter.Node, src []byte) string {
	switch init.Type() {
	case "declaration":
		for i := 0; i < int(init.NamedChildCount()); i++ {
			child := init.NamedChild(i)
			if child.Type() != "init_declarator" {
				continue
			}
			if name, ok := identifierName(child.ChildByFieldName("declarator"), src); ok {
				return name
			}
		}
	case "assignment_expression":
		if name, ok := identifierName(init.ChildByFieldName("left"), src); ok {
			return name
		}
	case "comma_expression":
		if inner := firstNamedChild(init); inner != nil {
			return inductionVariable(inner, src)
		}
	}
	return ""
}

// tripCount estimates iterations from `i < C` or `i <= C` conditions.
func tripCount(cond *sitter.Node, inductionVar string, src []byte) uint64 {
	if cond.Type() != "binary_expression" {
		return 0
	}
	op := cond.ChildByFieldName("operator")
	left := cond.ChildByFieldName("left")
	right := cond.ChildByFieldName("right")
	if op == nil || left == nil || right == nil {
		return 0
	}

	name, ok := identifierName(left, src)
	if !ok || (inductionVar != "" && name != inductionVar) {
		return 0
	}
	bound, ok := literalValue(right, src)
	if !ok || bound < 0 {
		return 0
	}

	switch op.Content(src) {
	case "<":
		return uint64(bound)
	case "<=":
		return uint64(bound) + 1
	}
	return 0
}

// updateStride infers the per-iteration increment: ++/-- is unit stride,
// compound assignment and i = i + k give k.
func updateStride(update *sitter.Node, src []byte) int {
	switch update.Type() {
	case "update_expression":
		if op := update.ChildByFieldName("operator"); op != nil && op.Content(src) == "--" {
			return -1
		}
		return 1

	case "assignment_expression":
		op := update.ChildByFieldName("operator")
		right := update.ChildByFieldName("right")
		if op == nil || right == nil {
			return 1
		}
		switch op.Content(src) {
		case "+=":
			if k, ok := literalValue(right, src); ok {
				return k
			}
		case "-=":
			if k, ok := literalValue(right, src); ok {
				return -k
			}
		case "=":
			// i = i + k and i = i - k forms.
			if right.Type() != "binary_expression" {
				return 1
			}
			inner := right.ChildByFieldName("operator")
			if inner == nil {
				return 1
			}
			k, ok := literalValue(right.ChildByFieldName("right"), src)
			if !ok {
				if k, ok = literalValue(right.ChildByFieldName("left"), src); !ok {
					return 1
				}
			}
			switch inner.Content(src) {
			case "+":
				return k
			case "-":
				return -k
			}
		}

	case "comma_expression":
		if inner := firstNamedChild(update); inner != nil {
			return updateStride(inner, src)
		}
	}
	return 1
}

// subtreeContains scans named descendants for any of the given node types.
func subtreeContains(node *sitter.Node, types ...string) bool {
	for i := 0; i < int(node.NamedChildCount()); i++ {
		child := node.NamedChild(i)
		for _, t := range types {
			if child.Type() == t {
				return true
			}
		}
		if subtreeContains(child, types...) {
			return true
		}
	}
	return false
}

// EstimateWorkingSetSize approximates the bytes one full execution of the
// loop touches, from its trip count and the distinct arrays it references.
func EstimateWorkingSetSize(loop *cachesight.Loop) uint64 {
	iters := loop.EstimatedIterations
	if iters == 0 {
		iters = defaultTripCount
	}

	arrays := make(map[string]int)
	for _, p := range loop.Patterns {
		if p.ArrayName != "" {
			arrays[p.ArrayName]++
		}
	}
	n := uint64(len(arrays))
	if n == 0 {
		n = 1
	}
	return iters * n * defaultElementSize
}

// CanInterchangeLoops reports whether swapping an adjacent loop pair is
// legal under the information the analyzer has: the inner loop must be
// directly nested in the outer one and neither body may carry a
// loop-carried dependency.
func CanInterchangeLoops(outer, inner *cachesight.Loop) bool {
	if outer == nil || inner == nil {
		return false
	}
	if inner.NestLevel != outer.NestLevel+1 {
		return false
	}
	for _, p := range outer.Patterns {
		if p.HasDependencies {
			return false
		}
	}
	for _, p := range inner.Patterns {
		if p.HasDependencies {
			return false
		}
	}
	return true
}
