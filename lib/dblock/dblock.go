// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dblock

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/autotest/autotest-sub010/sdk/go/ctxlog"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

var (
	Scheduler    = &DBLocker{key: 10005} // any scheduler running
	Migrations   = &DBLocker{key: 10006}
	retryDelay   = 5 * time.Second
	leaseTimeout = 30 * time.Second
)

// DBLocker maintains a database-wide lock for a long-running task
// like "dispatch jobs every N seconds".
//
// On PostgreSQL it uses pg_advisory_lock, which is released
// automatically when the holding session ends. Other databases have
// no session-scoped locks, so the lock is a row in the
// scheduler_locks table that the holder must renew (by calling
// Check) more often than leaseTimeout.
type DBLocker struct {
	key    int
	mtx    sync.Mutex
	ctx    context.Context
	getdb  func(context.Context) (*sqlx.DB, error)
	conn   *sql.Conn // != nil if advisory lock has been acquired
	db     *sqlx.DB  // != nil if lease row has been acquired
	holder string
}

// New returns a DBLocker for an application-defined lock key.
func New(key int) *DBLocker {
	return &DBLocker{key: key}
}

// Lock acquires the lock, waiting/reconnecting if needed.
//
// Returns false if ctx is canceled before the lock is acquired.
func (dbl *DBLocker) Lock(ctx context.Context, getdb func(context.Context) (*sqlx.DB, error)) bool {
	logger := ctxlog.FromContext(ctx).WithField("ID", dbl.key)
	var lastHeldBy string
	for first := true; ; first = false {
		if !first {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(retryDelay):
			}
		}
		dbl.mtx.Lock()
		if dbl.conn != nil || dbl.db != nil {
			// Another goroutine is already locked/waiting
			// on this lock. Wait for them to release.
			dbl.mtx.Unlock()
			continue
		}
		if ctx.Err() != nil {
			dbl.mtx.Unlock()
			return false
		}
		db, err := getdb(ctx)
		if err == context.Canceled {
			dbl.mtx.Unlock()
			return false
		} else if err != nil {
			logger.WithError(err).Info("error getting database pool")
			dbl.mtx.Unlock()
			continue
		}
		var heldBy string
		var locked bool
		if db.DriverName() == "postgres" {
			locked, heldBy, err = dbl.lockAdvisory(ctx, db)
		} else {
			locked, heldBy, err = dbl.lockLease(ctx, db)
		}
		if err == context.Canceled {
			dbl.mtx.Unlock()
			return false
		} else if err != nil {
			logger.WithError(err).Info("error acquiring lock")
			dbl.mtx.Unlock()
			continue
		}
		if !locked {
			if heldBy != "" && lastHeldBy != heldBy {
				logger.WithField("DBClient", heldBy).Info("waiting for other process to release lock")
				lastHeldBy = heldBy
			}
			dbl.mtx.Unlock()
			continue
		}
		logger.Debug("acquired lock")
		dbl.ctx, dbl.getdb = ctx, getdb
		dbl.mtx.Unlock()
		return true
	}
}

// Caller must have dbl.mtx.
func (dbl *DBLocker) lockAdvisory(ctx context.Context, db *sqlx.DB) (bool, string, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return false, "", err
	}
	var locked bool
	err = conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, dbl.key).Scan(&locked)
	if err != nil {
		conn.Close()
		return false, "", err
	}
	if locked {
		dbl.conn = conn
		return true, "", nil
	}
	defer conn.Close()
	var host string
	var port int
	err = conn.QueryRowContext(ctx, `SELECT client_addr, client_port FROM pg_stat_activity WHERE pid IN
		(SELECT pid FROM pg_locks
		 WHERE locktype = $1 AND objid = $2)`, "advisory", dbl.key).Scan(&host, &port)
	if err != nil {
		ctxlog.FromContext(ctx).WithError(err).Info("error getting other client info")
		return false, "", nil
	}
	return false, net.JoinHostPort(host, fmt.Sprintf("%d", port)), nil
}

// Caller must have dbl.mtx.
func (dbl *DBLocker) lockLease(ctx context.Context, db *sqlx.DB) (bool, string, error) {
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS scheduler_locks (
		lock_key integer PRIMARY KEY,
		holder varchar(64) NOT NULL,
		renewed_at bigint NOT NULL)`)
	if err != nil {
		return false, "", err
	}
	holder := uuid.NewString()
	now := time.Now().Unix()
	_, err = db.ExecContext(ctx, db.Rebind(`DELETE FROM scheduler_locks WHERE lock_key=? AND renewed_at<?`),
		dbl.key, now-int64(leaseTimeout/time.Second))
	if err != nil {
		return false, "", err
	}
	res, err := db.ExecContext(ctx, db.Rebind(`INSERT INTO scheduler_locks (lock_key, holder, renewed_at) VALUES (?, ?, ?) ON CONFLICT (lock_key) DO NOTHING`),
		dbl.key, holder, now)
	if err != nil {
		return false, "", err
	}
	if n, err := res.RowsAffected(); err != nil {
		return false, "", err
	} else if n == 1 {
		dbl.db, dbl.holder = db, holder
		return true, "", nil
	}
	var heldBy string
	err = db.QueryRowContext(ctx, db.Rebind(`SELECT holder FROM scheduler_locks WHERE lock_key=?`), dbl.key).Scan(&heldBy)
	if err != nil && err != sql.ErrNoRows {
		return false, "", err
	}
	return false, heldBy, nil
}

// Check confirms that the lock is still active (i.e., the session is
// still alive, or the lease is still ours), and re-acquires if
// needed. Panics if Lock is not acquired first.
//
// Returns false if the context passed to Lock() is canceled before
// the lock is confirmed or reacquired.
func (dbl *DBLocker) Check() bool {
	dbl.mtx.Lock()
	logger := ctxlog.FromContext(dbl.ctx).WithField("ID", dbl.key)
	var err error
	if dbl.conn != nil {
		err = dbl.conn.PingContext(dbl.ctx)
	} else {
		err = dbl.renewLease()
	}
	if err == context.Canceled {
		dbl.mtx.Unlock()
		return false
	} else if err == nil {
		logger.Debug("lock still held")
		dbl.mtx.Unlock()
		return true
	}
	logger.WithError(err).Info("lock check failed")
	if dbl.conn != nil {
		dbl.conn.Close()
		dbl.conn = nil
	}
	dbl.db, dbl.holder = nil, ""
	ctx, getdb := dbl.ctx, dbl.getdb
	dbl.mtx.Unlock()
	return dbl.Lock(ctx, getdb)
}

// Caller must have dbl.mtx.
func (dbl *DBLocker) renewLease() error {
	res, err := dbl.db.ExecContext(dbl.ctx, dbl.db.Rebind(`UPDATE scheduler_locks SET renewed_at=? WHERE lock_key=? AND holder=?`),
		time.Now().Unix(), dbl.key, dbl.holder)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n != 1 {
		return fmt.Errorf("lease lost to another process")
	}
	return nil
}

func (dbl *DBLocker) Unlock() {
	dbl.mtx.Lock()
	defer dbl.mtx.Unlock()
	logger := ctxlog.FromContext(dbl.ctx).WithFields(logrus.Fields{"ID": dbl.key})
	if dbl.conn != nil {
		_, err := dbl.conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, dbl.key)
		if err != nil {
			logger.WithError(err).Info("error releasing pg_advisory_lock")
		} else {
			logger.Debug("released pg_advisory_lock")
		}
		dbl.conn.Close()
		dbl.conn = nil
	}
	if dbl.db != nil {
		_, err := dbl.db.ExecContext(context.Background(), dbl.db.Rebind(`DELETE FROM scheduler_locks WHERE lock_key=? AND holder=?`), dbl.key, dbl.holder)
		if err != nil {
			logger.WithError(err).Info("error releasing lease")
		} else {
			logger.Debug("released lease")
		}
		dbl.db, dbl.holder = nil, ""
	}
}
