// Copyright (C) 2025 CacheSight Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package static

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/milhud/cachesight/services/cachesight"
)

// analyze runs the analyzer over a C snippet.
func analyze(t *testing.T, source string) *cachesight.StaticResults {
	t.Helper()

	results, err := NewAnalyzer().Analyze(context.Background(), []byte(source), "test.c")
	require.NoError(t, err)
	return results
}

// findPattern returns the first pattern of the given kind.
func findPattern(results *cachesight.StaticResults, kind cachesight.AccessPattern) (cachesight.StaticPattern, bool) {
	for _, p := range results.Patterns {
		if p.Kind == kind {
			return p, true
		}
	}
	return cachesight.StaticPattern{}, false
}

func TestAnalyzeSequentialLoop(t *testing.T) {
	results := analyze(t, `
double sum(double *data) {
    double total = 0;
    for (int i = 0; i < 1024; i++) {
        total += data[i];
    }
    return total;
}
`)

	require.Len(t, results.Loops, 1)
	loop := results.Loops[0]
	assert.Equal(t, "i", loop.InductionVar)
	assert.Equal(t, uint64(1024), loop.EstimatedIterations)
	assert.Equal(t, 1, loop.Stride)
	assert.Equal(t, 1, loop.NestLevel)
	assert.False(t, loop.HasNestedLoops)
	assert.False(t, loop.HasFunctionCalls)
	require.Len(t, loop.Patterns, 1)

	p := loop.Patterns[0]
	assert.Equal(t, cachesight.AccessSequential, p.Kind)
	assert.Equal(t, 1, p.Stride)
	assert.Equal(t, 1, p.LoopDepth)
	assert.Equal(t, "data", p.ArrayName)
	assert.Equal(t, "i", p.VariableName)
	assert.Equal(t, "sum", p.Location.Function)
}

func TestAnalyzeColumnMajorTraversal(t *testing.T) {
	results := analyze(t, `
long trace(int M[1024][1024]) {
    long total = 0;
    for (int i = 0; i < 1024; i++) {
        for (int j = 0; j < 1024; j++) {
            total += M[j][i];
        }
    }
    return total;
}
`)

	require.Len(t, results.Loops, 2)

	p, ok := findPattern(results, cachesight.AccessNestedLoop)
	require.True(t, ok, "column-major subscript not detected")
	assert.Equal(t, defaultRowLength, p.Stride)
	assert.Equal(t, "M", p.ArrayName)
	assert.Equal(t, 2, p.LoopDepth)

	// Loops close innermost first.
	assert.False(t, results.Loops[0].HasNestedLoops)
	assert.Equal(t, 2, results.Loops[0].NestLevel)
	assert.True(t, results.Loops[1].HasNestedLoops)
	assert.Equal(t, 1, results.Loops[1].NestLevel)
}

func TestAnalyzeStridedAndIndirect(t *testing.T) {
	results := analyze(t, `
int rand(void);

void kernel(double *a, const int *idx, double *out) {
    for (int i = 0; i < 500; i += 2) {
        out[i] = a[idx[i]];
    }
    for (int i = 0; i < 100; i++) {
        a[i * 16] = a[rand()];
    }
}
`)

	strided, ok := findPattern(results, cachesight.AccessStrided)
	require.True(t, ok)
	assert.Equal(t, 2, strided.Stride)
	assert.Equal(t, "out", strided.ArrayName)

	indirect, ok := findPattern(results, cachesight.AccessIndirect)
	require.True(t, ok)
	assert.Equal(t, "a", indirect.ArrayName)
	assert.Equal(t, "idx", indirect.VariableName)

	random, ok := findPattern(results, cachesight.AccessRandom)
	require.True(t, ok)
	assert.Equal(t, "a", random.ArrayName)

	// i * 16 exceeds the consolidation cutoff, so the second loop's
	// summary pattern for a is strided too.
	var consolidated []cachesight.StaticPattern
	for _, p := range results.Patterns {
		if p.AccessCount > 1 {
			consolidated = append(consolidated, p)
		}
	}
	require.Len(t, consolidated, 1)
	assert.Equal(t, cachesight.AccessStrided, consolidated[0].Kind)
	assert.Equal(t, 16, consolidated[0].Stride)
	assert.Equal(t, 2, consolidated[0].AccessCount)
}

func TestAnalyzeLoopCarriedDependency(t *testing.T) {
	results := analyze(t, `
void prefix(long *a, int n) {
    for (int i = 1; i < n; i++) {
        a[i] = a[i] + a[i - 1];
    }
}
`)

	dep, ok := findPattern(results, cachesight.AccessLoopCarriedDep)
	require.True(t, ok)
	assert.True(t, dep.HasDependencies)
	assert.Equal(t, "a", dep.ArrayName)

	// The bound is not a literal, so no trip-count estimate.
	require.Len(t, results.Loops, 1)
	assert.Equal(t, uint64(0), results.Loops[0].EstimatedIterations)
}

func TestAnalyzeModuloIndex(t *testing.T) {
	results := analyze(t, `
void spin(int *a) {
    for (int i = 0; i < 4096; i++) {
        a[i % 256] += 1;
    }
}
`)

	p, ok := findPattern(results, cachesight.AccessSequential)
	require.True(t, ok)
	assert.Equal(t, 1, p.Stride)
	assert.Equal(t, "a", p.ArrayName)
}

func TestAnalyzeGatherScatterDivision(t *testing.T) {
	results := analyze(t, `
void halve(int *a) {
    for (int i = 0; i < 256; i++) {
        a[i / 2] = i;
    }
}
`)

	_, ok := findPattern(results, cachesight.AccessGatherScatter)
	assert.True(t, ok)
}

func TestAnalyzeShiftedIndex(t *testing.T) {
	results := analyze(t, `
void spread(int *a) {
    for (int i = 0; i < 64; i++) {
        a[i << 3] = i;
    }
}
`)

	p, ok := findPattern(results, cachesight.AccessStrided)
	require.True(t, ok)
	assert.Equal(t, 8, p.Stride)
}

func TestAnalyzeFieldAccess(t *testing.T) {
	results := analyze(t, `
struct point { double x; double y; };

double total(struct point *pts, int n) {
    double t = 0;
    for (int i = 0; i < n; i++) {
        t += pts[i].x;
    }
    return t;
}
`)

	var field cachesight.StaticPattern
	found := false
	for _, p := range results.Patterns {
		if p.IsRecordAccess {
			field, found = p, true
			break
		}
	}
	require.True(t, found)
	assert.Equal(t, "x", field.VariableName)
	assert.Equal(t, cachesight.AccessGatherScatter, field.Kind)
	assert.False(t, field.IsPointerAccess)

	seq, ok := findPattern(results, cachesight.AccessSequential)
	require.True(t, ok)
	assert.Equal(t, "pts", seq.ArrayName)
}

func TestRecordLayout(t *testing.T) {
	results := analyze(t, `
struct particle {
    char tag;
    double pos[3];
    int id;
    struct particle *next;
};
`)

	require.Len(t, results.Records, 1)
	rec := results.Records[0]
	assert.Equal(t, "particle", rec.Name)
	assert.True(t, rec.HasPointerFields)
	assert.False(t, rec.IsPacked)
	require.Len(t, rec.Fields, 4)

	assert.Equal(t, cachesight.RecordField{Name: "tag", Offset: 0, Size: 1}, rec.Fields[0])
	assert.Equal(t, cachesight.RecordField{Name: "pos", Offset: 8, Size: 24}, rec.Fields[1])
	assert.Equal(t, cachesight.RecordField{Name: "id", Offset: 32, Size: 4}, rec.Fields[2])
	assert.Equal(t, cachesight.RecordField{Name: "next", Offset: 40, Size: 8}, rec.Fields[3])
	assert.Equal(t, uint64(48), rec.TotalSize)
}

func TestRecordLayoutPacked(t *testing.T) {
	results := analyze(t, `
__attribute__((packed)) struct wire {
    char a;
    int b;
};
`)

	require.Len(t, results.Records, 1)
	rec := results.Records[0]
	assert.True(t, rec.IsPacked)
	require.Len(t, rec.Fields, 2)
	assert.Equal(t, uint64(0), rec.Fields[0].Offset)
	assert.Equal(t, uint64(1), rec.Fields[1].Offset)
	assert.Equal(t, uint64(5), rec.TotalSize)
}

func TestAnalyzeDeterminism(t *testing.T) {
	source := `
void kernel(double *a, int *idx) {
    for (int i = 0; i < 1000; i++) {
        a[i] += a[idx[i]] * a[i * 4];
    }
}
`
	first := analyze(t, source)
	second := analyze(t, source)
	assert.Equal(t, first, second)
}

func TestAnalyzeRejectsInvalidInput(t *testing.T) {
	a := NewAnalyzer()

	_, err := a.Analyze(context.Background(), []byte{0xff, 0xfe, 0x01}, "bad.c")
	assert.ErrorIs(t, err, ErrInvalidUTF8)

	a.maxFileSize = 4
	_, err = a.Analyze(context.Background(), []byte("int main(void) { return 0; }"), "big.c")
	assert.ErrorIs(t, err, ErrFileTooLarge)
}

func TestAnalyzeSurvivesSyntaxErrors(t *testing.T) {
	results := analyze(t, `
void broken(int *a) {
    for (int i = 0; i < 10; i++) {
        a[i] = ;
    }
`)

	// The loop header is intact even though the body has errors.
	require.Len(t, results.Loops, 1)
	assert.Equal(t, "i", results.Loops[0].InductionVar)
}

func TestEstimateWorkingSetSize(t *testing.T) {
	loop := &cachesight.Loop{
		EstimatedIterations: 2048,
		Patterns: []cachesight.StaticPattern{
			{ArrayName: "a", Kind: cachesight.AccessSequential, Stride: 1},
			{ArrayName: "b", Kind: cachesight.AccessSequential, Stride: 1},
			{ArrayName: "a", Kind: cachesight.AccessStrided, Stride: 4},
		},
	}
	assert.Equal(t, uint64(2048*2*defaultElementSize), EstimateWorkingSetSize(loop))

	// Unknown trip count falls back to the default.
	assert.Equal(t, uint64(defaultTripCount*defaultElementSize),
		EstimateWorkingSetSize(&cachesight.Loop{}))
}

func TestCanInterchangeLoops(t *testing.T) {
	outer := &cachesight.Loop{NestLevel: 1}
	inner := &cachesight.Loop{NestLevel: 2}
	assert.True(t, CanInterchangeLoops(outer, inner))

	blocked := &cachesight.Loop{
		NestLevel: 2,
		Patterns: []cachesight.StaticPattern{
			{Kind: cachesight.AccessLoopCarriedDep, HasDependencies: true},
		},
	}
	assert.False(t, CanInterchangeLoops(outer, blocked))
	assert.False(t, CanInterchangeLoops(outer, &cachesight.Loop{NestLevel: 3}))
	assert.False(t, CanInterchangeLoops(nil, inner))
}
