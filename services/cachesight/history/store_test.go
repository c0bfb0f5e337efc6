// Copyright (C) 2025 CacheSight Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package history

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/milhud/cachesight/services/cachesight"
)

func openStore(t *testing.T) *Store {
	t.Helper()

	store, err := Open(Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func archivedReport(id string, generated time.Time) *cachesight.Report {
	return &cachesight.Report{
		SessionID:   id,
		GeneratedAt: generated,
		Hotspots: []*cachesight.Hotspot{
			{
				Location:        cachesight.SourceLocation{File: "kernel.c", Line: 42},
				TotalMisses:     500,
				TotalAccesses:   500,
				MissRate:        1.0,
				DominantPattern: cachesight.AccessSequential,
			},
		},
		Patterns: []cachesight.ClassifiedPattern{
			{Kind: cachesight.AntiStreamingEviction, Severity: 62},
		},
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	original := archivedReport("sess-1", time.Now().UTC().Truncate(time.Second))
	require.NoError(t, store.Put(ctx, original))

	loaded, err := store.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, original.SessionID, loaded.SessionID)
	assert.True(t, original.GeneratedAt.Equal(loaded.GeneratedAt))
	require.Len(t, loaded.Hotspots, 1)
	assert.Equal(t, uint64(500), loaded.Hotspots[0].TotalMisses)
	require.Len(t, loaded.Patterns, 1)
	assert.Equal(t, cachesight.AntiStreamingEviction, loaded.Patterns[0].Kind)
}

func TestGetMissing(t *testing.T) {
	store := openStore(t)

	_, err := store.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPutRejectsAnonymousReport(t *testing.T) {
	store := openStore(t)

	assert.Error(t, store.Put(context.Background(), &cachesight.Report{}))
	assert.Error(t, store.Put(context.Background(), nil))
}

func TestPutReplacesSameSession(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	first := archivedReport("sess-1", time.Now().UTC())
	require.NoError(t, store.Put(ctx, first))

	second := archivedReport("sess-1", time.Now().UTC())
	second.Hotspots = nil
	require.NoError(t, store.Put(ctx, second))

	loaded, err := store.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Empty(t, loaded.Hotspots)

	list, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestListNewestFirst(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.Put(ctx, archivedReport("old", base)))
	require.NoError(t, store.Put(ctx, archivedReport("newest", base.Add(2*time.Hour))))
	require.NoError(t, store.Put(ctx, archivedReport("middle", base.Add(time.Hour))))

	list, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "newest", list[0].SessionID)
	assert.Equal(t, "middle", list[1].SessionID)
	assert.Equal(t, "old", list[2].SessionID)
	assert.Equal(t, 1, list[0].Hotspots)
	assert.Equal(t, 1, list[0].Patterns)
}

func TestDeleteAndMissingDelete(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, archivedReport("sess-1", time.Now())))
	require.NoError(t, store.Delete(ctx, "sess-1"))

	_, err := store.Get(ctx, "sess-1")
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting again is a no-op.
	assert.NoError(t, store.Delete(ctx, "sess-1"))
}

func TestPrune(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.Put(ctx, archivedReport("stale-1", base)))
	require.NoError(t, store.Put(ctx, archivedReport("stale-2", base.Add(time.Hour))))
	require.NoError(t, store.Put(ctx, archivedReport("fresh", base.Add(48*time.Hour))))

	pruned, err := store.Prune(ctx, base.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, pruned)

	list, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "fresh", list[0].SessionID)
}
