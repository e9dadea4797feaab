// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package store

import (
	"context"
	"errors"
	"sync"

	"github.com/autotest/autotest-sub010/sdk/go/ctxlog"
	"github.com/jmoiron/sqlx"
)

var (
	ErrNoTransaction   = errors.New("bug: there is no transaction in this context")
	ErrContextFinished = errors.New("refusing to start a transaction after wrapped function already returned")
)

type contextKeyT string

var contextKeyTransaction = contextKeyT("transaction")

type transaction struct {
	tx    *sqlx.Tx
	err   error
	getdb func(context.Context) (*sqlx.DB, error)
	setup sync.Once
}

type finishFunc func(*error)

// NewTxContext returns a new child context that can be used with
// CurrentTx(). It does not open a database transaction until the
// first call to CurrentTx().
//
// The caller must eventually call the returned finishtx() func to
// commit or rollback the transaction, if any.
//
// If *err is nil, finishtx() commits the transaction and assigns any
// resulting error to *err.
//
// If *err is non-nil, finishtx() rolls back the transaction, and
// does not modify *err.
func NewTxContext(ctx context.Context, getdb func(context.Context) (*sqlx.DB, error)) (context.Context, finishFunc) {
	txn := &transaction{getdb: getdb}
	return context.WithValue(ctx, contextKeyTransaction, txn), func(err *error) {
		txn.setup.Do(func() {
			// A later CurrentTx() must not open a
			// transaction that nobody will commit.
			txn.err = ErrContextFinished
		})
		if txn.tx == nil {
			return
		}
		if *err != nil {
			ctxlog.FromContext(ctx).Debug("rollback")
			txn.tx.Rollback()
			return
		}
		*err = txn.tx.Commit()
	}
}

// CurrentTx returns the transaction attached to ctx by NewTxContext,
// starting it if needed.
func CurrentTx(ctx context.Context) (*sqlx.Tx, error) {
	txn, ok := ctx.Value(contextKeyTransaction).(*transaction)
	if !ok {
		return nil, ErrNoTransaction
	}
	txn.setup.Do(func() {
		if db, err := txn.getdb(ctx); err != nil {
			txn.err = err
		} else {
			txn.tx, txn.err = db.BeginTxx(ctx, nil)
		}
	})
	return txn.tx, txn.err
}

// WithTx calls fn with a context whose store calls all run in one
// transaction. The transaction commits if fn returns nil, otherwise
// it rolls back. Nested calls join the outer transaction.
func (s *Store) WithTx(ctx context.Context, fn func(context.Context) error) (err error) {
	if _, ok := ctx.Value(contextKeyTransaction).(*transaction); ok {
		return fn(ctx)
	}
	ctx, finishtx := NewTxContext(ctx, func(context.Context) (*sqlx.DB, error) { return s.db, nil })
	defer finishtx(&err)
	return fn(ctx)
}

type queryer interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

// q returns the transaction attached to ctx, or the database if
// there is none.
func (s *Store) q(ctx context.Context) (queryer, error) {
	tx, err := CurrentTx(ctx)
	if err == ErrNoTransaction {
		return s.db, nil
	} else if err != nil {
		return nil, err
	}
	return tx, nil
}
