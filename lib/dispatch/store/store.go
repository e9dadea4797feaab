// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package store reads and updates the scheduler's view of the
// autotest database: hosts, jobs, host queue entries and special
// tasks.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	// sqlx needs lib/pq to talk to PostgreSQL
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

var (
	// ErrConflict means a guarded update lost a race: the row
	// changed, or the host is held by another active entry.
	ErrConflict = errors.New("conflicting update")
	ErrNotFound = errors.New("not found")
)

const jobCacheSize = 1000

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// Store is a handle on the autotest database.
type Store struct {
	db     *sqlx.DB
	jobs   *lru.Cache
	logger logrus.FieldLogger
}

// Open connects to the database with the given driver ("postgres"
// or "sqlite").
func Open(driver, dsn string, logger logrus.FieldLogger) (*Store, error) {
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if driver == "sqlite" {
		// Writers would otherwise fail with SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}
	err = db.Ping()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%s database: %w", driver, err)
	}
	return New(db, logger)
}

// New returns a Store using db.
func New(db *sqlx.DB, logger logrus.FieldLogger) (*Store, error) {
	jobs, err := lru.New(jobCacheSize)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, jobs: jobs, logger: logger}, nil
}

// DB returns the underlying database handle.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// GetDB returns the database handle, in the form dblock expects.
func (s *Store) GetDB(context.Context) (*sqlx.DB, error) {
	return s.db, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) get(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	q, err := s.q(ctx)
	if err != nil {
		return err
	}
	err = q.GetContext(ctx, dest, q.Rebind(query), args...)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	return err
}

func (s *Store) selectRows(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	q, err := s.q(ctx)
	if err != nil {
		return err
	}
	return q.SelectContext(ctx, dest, q.Rebind(query), args...)
}

// selectIn is selectRows for a query with an "IN (?)" list.
func (s *Store) selectIn(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return err
	}
	return s.selectRows(ctx, dest, query, args...)
}

func (s *Store) exec(ctx context.Context, query string, args ...interface{}) (int64, error) {
	q, err := s.q(ctx)
	if err != nil {
		return 0, err
	}
	res, err := q.ExecContext(ctx, q.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) insert(ctx context.Context, query string, args ...interface{}) (int64, error) {
	var id int64
	err := s.get(ctx, &id, query+" RETURNING id", args...)
	return id, err
}

// IDSet is a set of row ids.
type IDSet map[int64]bool

// Relation is a many-to-many relation keyed on the left id.
type Relation map[int64]IDSet

type pairRow struct {
	Left  int64 `db:"l"`
	Right int64 `db:"r"`
}

// selectRelation runs a query selecting (l, r) pairs, with an "IN
// (?)" list bound to ids.
func (s *Store) selectRelation(ctx context.Context, query string, ids []int64) (Relation, error) {
	result := Relation{}
	if len(ids) == 0 {
		return result, nil
	}
	var rows []pairRow
	err := s.selectIn(ctx, &rows, query, ids)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		if result[row.Left] == nil {
			result[row.Left] = IDSet{}
		}
		result[row.Left][row.Right] = true
	}
	return result, nil
}
