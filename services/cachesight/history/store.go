// Copyright (C) 2025 CacheSight Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package history archives finished reports in an embedded BadgerDB so
// past sessions stay queryable across restarts.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/milhud/cachesight/services/cachesight"
)

const reportPrefix = "report/"

// Config holds the store configuration.
type Config struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string `yaml:"path"`

	// InMemory drops persistence; used by tests.
	InMemory bool `yaml:"in_memory"`

	// TTL expires archived reports after this duration. Zero keeps
	// them until pruned explicitly.
	TTL time.Duration `yaml:"ttl"`
}

// Summary is the List projection of an archived report.
type Summary struct {
	SessionID       string    `json:"session_id"`
	GeneratedAt     time.Time `json:"generated_at"`
	Hotspots        int       `json:"hotspots"`
	Patterns        int       `json:"patterns"`
	Recommendations int       `json:"recommendations"`
}

// Store is a report archive keyed by session ID.
//
// # Thread Safety
//
// Safe for concurrent use; Badger transactions provide isolation.
type Store struct {
	db     *badger.DB
	ttl    time.Duration
	logger *slog.Logger
}

// badgerLogger adapts slog to Badger's logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Open creates or opens the archive.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("history path is required for a persistent store")
	}

	logger := slog.Default().With("component", "history")

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create history directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithLogger(&badgerLogger{logger: logger})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}

	return &Store{db: db, ttl: cfg.TTL, logger: logger}, nil
}

func reportKey(sessionID string) []byte {
	return []byte(reportPrefix + sessionID)
}

// Put archives one report under its session ID, replacing any earlier
// archive of the same session.
func (s *Store) Put(ctx context.Context, report *cachesight.Report) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if report == nil || report.SessionID == "" {
		return errors.New("report without a session id")
	}

	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report %s: %w", report.SessionID, err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(reportKey(report.SessionID), data)
		if s.ttl > 0 {
			entry = entry.WithTTL(s.ttl)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("store report %s: %w", report.SessionID, err)
	}

	s.logger.Debug("archived report",
		"session_id", report.SessionID,
		"bytes", len(data))
	return nil
}

// Get loads one archived report. ErrNotFound when the session was
// never stored or has expired.
func (s *Store) Get(ctx context.Context, sessionID string) (*cachesight.Report, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var report cachesight.Report
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(reportKey(sessionID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &report)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load report %s: %w", sessionID, err)
	}
	return &report, nil
}

// List summarizes every archived report, newest first.
func (s *Store) List(ctx context.Context) ([]Summary, error) {
	var out []Summary

	prefix := []byte(reportPrefix)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}

			err := it.Item().Value(func(val []byte) error {
				var report cachesight.Report
				if err := json.Unmarshal(val, &report); err != nil {
					// Skip corrupt entries rather than failing the listing.
					s.logger.Warn("skipping unreadable archive entry",
						"key", string(it.Item().Key()), "error", err)
					return nil
				}
				out = append(out, Summary{
					SessionID:       report.SessionID,
					GeneratedAt:     report.GeneratedAt,
					Hotspots:        len(report.Hotspots),
					Patterns:        len(report.Patterns),
					Recommendations: len(report.Recommendations),
				})
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].GeneratedAt.After(out[j].GeneratedAt)
	})
	return out, nil
}

// Delete removes one archived report; deleting a missing session is
// not an error.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(reportKey(sessionID))
	})
	if err != nil {
		return fmt.Errorf("delete report %s: %w", sessionID, err)
	}
	return nil
}

// Prune drops every report generated before the cutoff and returns how
// many were removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	summaries, err := s.List(ctx)
	if err != nil {
		return 0, err
	}

	pruned := 0
	for _, sum := range summaries {
		if !sum.GeneratedAt.Before(cutoff) {
			continue
		}
		if err := s.Delete(ctx, sum.SessionID); err != nil {
			return pruned, err
		}
		pruned++
	}

	if pruned > 0 {
		s.logger.Info("pruned archived reports", "count", pruned)
	}
	return pruned, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}
