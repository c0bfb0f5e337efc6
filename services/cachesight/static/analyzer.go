// Copyright (C) 2025 CacheSight Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package static recovers memory-access structure from C source.
//
// # Description
//
// The analyzer parses one translation unit with tree-sitter and walks the
// syntax tree in source order, maintaining a stack of enclosing loops. Each
// array or pointer subscript is classified by its index expression; each
// for-loop contributes a Loop record; each complete struct definition
// contributes a RecordLayout with computed field offsets.
//
// The walk never aborts on an expression it cannot classify: unknown forms
// fall through to the random access pattern and the traversal continues.
//
// # Thread Safety
//
// Analyzer is stateless between calls and safe for concurrent use; a fresh
// tree-sitter parser is created per Analyze call.
package static

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"
	"unicode/utf8"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/c"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/milhud/cachesight/services/cachesight"
)

const (
	// MaxFileSize bounds a single translation unit.
	MaxFileSize = 10 << 20

	// WarnFileSize triggers a log warning for unusually large inputs.
	WarnFileSize = 1 << 20

	// defaultElementSize is assumed when the element type is unknown.
	defaultElementSize = 8

	// defaultRowLength is the assumed row length for column-major
	// traversal when the array dimension is not derivable.
	defaultRowLength = 1024

	// defaultTripCount is assumed when a loop bound is not a literal.
	defaultTripCount = 1000
)

// Analyzer extracts static access patterns from C source.
type Analyzer struct {
	maxFileSize int64
	logger      *slog.Logger
}

// NewAnalyzer returns an analyzer with default limits.
func NewAnalyzer() *Analyzer {
	return &Analyzer{
		maxFileSize: MaxFileSize,
		logger:      slog.Default().With("component", "static"),
	}
}

// Analyze parses content as a C translation unit and returns the extracted
// patterns, loops, and record layouts. Syntax errors in the source do not
// fail the call; recoverable nodes are still analyzed.
func (a *Analyzer) Analyze(ctx context.Context, content []byte, filePath string) (result *cachesight.StaticResults, err error) {
	ctx, span := tracer.Start(ctx, "static.Analyze", trace.WithAttributes(
		attribute.String("file", filePath),
		attribute.Int("size_bytes", len(content)),
	))
	defer span.End()

	start := time.Now()
	defer func() {
		n := 0
		if result != nil {
			n = len(result.Patterns)
		}
		recordAnalysis(ctx, start, n, err)
	}()

	if err = ctx.Err(); err != nil {
		return nil, fmt.Errorf("analyze canceled before start: %w", err)
	}
	if int64(len(content)) > a.maxFileSize {
		return nil, fmt.Errorf("%w: size %d exceeds limit %d", ErrFileTooLarge, len(content), a.maxFileSize)
	}
	if !utf8.Valid(content) {
		return nil, ErrInvalidUTF8
	}
	if len(content) > WarnFileSize {
		a.logger.Warn("analyzing large file",
			"file", filePath,
			"size_bytes", len(content))
	}

	parser := sitter.NewParser()
	parser.SetLanguage(c.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, fmt.Errorf("tree-sitter parse failed: %w", err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if root == nil {
		return nil, ErrParseFailed
	}
	if root.HasError() {
		a.logger.Warn("source contains syntax errors, analyzing recoverable nodes",
			"file", filePath)
	}

	w := &walker{
		src:  content,
		file: filePath,
		results: &cachesight.StaticResults{
			Patterns: make([]cachesight.StaticPattern, 0),
			Loops:    make([]cachesight.Loop, 0),
			Records:  make([]cachesight.RecordLayout, 0),
		},
	}
	w.walk(root)

	a.logger.Debug("static analysis complete",
		"file", filePath,
		"patterns", len(w.results.Patterns),
		"loops", len(w.results.Loops),
		"records", len(w.results.Records))

	return w.results, nil
}

// loopFrame tracks one enclosing loop during the walk.
type loopFrame struct {
	loop *cachesight.Loop

	// arrayRefs counts subscripts per array name inside this loop body,
	// feeding the consolidation rule on loop exit.
	arrayRefs map[string][]int
}

// walker holds the traversal state for a single Analyze call.
type walker struct {
	src     []byte
	file    string
	fn      string
	loops   []*loopFrame
	results *cachesight.StaticResults
}

func (w *walker) walk(node *sitter.Node) {
	switch node.Type() {
	case "function_definition":
		prev := w.fn
		if name := functionName(node, w.src); name != "" {
			w.fn = name
		}
		w.walkChildren(node)
		w.fn = prev
		return

	case "for_statement":
		w.enterLoop(node)
		return

	case "subscript_expression":
		w.visitSubscript(node)

	case "field_expression":
		w.visitField(node)

	case "struct_specifier":
		w.visitStruct(node)
	}
	w.walkChildren(node)
}

func (w *walker) walkChildren(node *sitter.Node) {
	for i := 0; i < int(node.NamedChildCount()); i++ {
		w.walk(node.NamedChild(i))
	}
}

// enterLoop records the loop header, walks the body with this loop on the
// stack, then applies the consolidation rule to the body's subscripts.
func (w *walker) enterLoop(node *sitter.Node) {
	loop := w.newLoop(node)
	frame := &loopFrame{loop: loop, arrayRefs: make(map[string][]int)}
	w.loops = append(w.loops, frame)

	if body := node.ChildByFieldName("body"); body != nil {
		w.walk(body)
	}

	w.loops = w.loops[:len(w.loops)-1]
	w.consolidate(frame)
	w.results.Loops = append(w.results.Loops, *loop)
}

// emit appends a pattern to the flat results and registers it with the
// innermost enclosing loop, when there is one.
func (w *walker) emit(p cachesight.StaticPattern) {
	w.results.Patterns = append(w.results.Patterns, p)

	if len(w.loops) == 0 {
		return
	}
	frame := w.loops[len(w.loops)-1]
	frame.loop.Patterns = append(frame.loop.Patterns, p)
	if p.ArrayName != "" {
		idx := len(frame.loop.Patterns) - 1
		frame.arrayRefs[p.ArrayName] = append(frame.arrayRefs[p.ArrayName], idx)
	}
}

// consolidate emits one summary pattern per array referenced more than once
// inside a loop body: Strided when any member pattern is strided past eight
// elements, Sequential otherwise.
func (w *walker) consolidate(frame *loopFrame) {
	arrays := make([]string, 0, len(frame.arrayRefs))
	for array := range frame.arrayRefs {
		arrays = append(arrays, array)
	}
	sort.Strings(arrays)

	for _, array := range arrays {
		refs := frame.arrayRefs[array]
		if len(refs) < 2 {
			continue
		}

		kind := cachesight.AccessSequential
		stride := 1
		for _, i := range refs {
			p := frame.loop.Patterns[i]
			if p.Kind == cachesight.AccessStrided && p.Stride > 8 {
				kind = cachesight.AccessStrided
				if p.Stride > stride {
					stride = p.Stride
				}
			}
		}

		w.results.Patterns = append(w.results.Patterns, cachesight.StaticPattern{
			Location:           frame.loop.Location,
			Kind:               kind,
			Stride:             stride,
			LoopDepth:          frame.loop.NestLevel - 1,
			EstimatedFootprint: w.footprint(stride, frame.loop.EstimatedIterations),
			ArrayName:          array,
			AccessCount:        len(refs),
		})
	}
}

// footprint estimates bytes touched by one full traversal.
func (w *walker) footprint(stride int, iterations uint64) uint64 {
	if iterations == 0 {
		iterations = defaultTripCount
	}
	step := stride
	if step < 0 {
		step = -step
	}
	if step == 0 {
		step = 1
	}
	return iterations * uint64(step) * defaultElementSize
}

// innermostIterations returns the trip count of the innermost loop, 0 when
// outside any loop.
func (w *walker) innermostIterations() uint64 {
	if len(w.loops) == 0 {
		return 0
	}
	return w.loops[len(w.loops)-1].loop.EstimatedIterations
}

func (w *walker) locationOf(node *sitter.Node) cachesight.SourceLocation {
	pt := node.StartPoint()
	return cachesight.SourceLocation{
		File:     w.file,
		Line:     int(pt.Row) + 1,
		Column:   int(pt.Column) + 1,
		Function: w.fn,
	}
}

// functionName digs the identifier out of a function_definition declarator,
// unwrapping pointer declarators for functions returning pointers.
func functionName(node *sitter.Node, src []byte) string {
	decl := node.ChildByFieldName("declarator")
	for decl != nil {
		switch decl.Type() {
		case "function_declarator":
			decl = decl.ChildByFieldName("declarator")
		case "pointer_declarator":
			decl = decl.ChildByFieldName("declarator")
		case "identifier":
			return decl.Content(src)
		default:
			return ""
		}
	}
	return ""
}
