package objstore

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/andreyvit/objstore/engine"
)

const trackTxns = true

// DB is an open database. It is safe for concurrent use.
type DB struct {
	name    string
	version uint64
	schema  *Schema
	stg     engine.Storage
	cat     *catalog

	log               logrus.FieldLogger
	verbose           bool
	compressThreshold int
	onCommit          func(db *DB, changes []Change)

	txns     []*Tx
	txnsLock sync.Mutex
	closed   bool
	txWG     sync.WaitGroup
}

// Options configure a database handle.
type Options struct {
	// Log receives migration and verbose request logs. Defaults to the logrus
	// standard logger.
	Log logrus.FieldLogger

	// Verbose logs every request and mutation at Debug level.
	Verbose bool

	// CompressThreshold is the encoded record size starting from which records
	// are compressed with snappy. Zero means DefaultCompressThreshold; negative
	// disables compression.
	CompressThreshold int

	// Upgrade is called inside the version change transaction after the
	// structural migration, and can be used to migrate data. Returning an
	// error fails Open.
	Upgrade func(ctx context.Context, tx *Tx, oldVersion, newVersion uint64) error

	// OnCommit is called after every committed transaction that made changes.
	OnCommit func(db *DB, changes []Change)
}

const DefaultCompressThreshold = 4096

// Open opens the named database at the given schema version, creating or
// migrating it as needed. Failures are reported as *OpenError.
func Open(ctx context.Context, eng engine.Engine, name string, version uint64, scm *Schema, opt Options) (*DB, error) {
	if version == 0 {
		return nil, &OpenError{Name: name, Version: version, Err: errors.New("version must be at least 1")}
	}
	scm.freeze()

	stg, err := eng.Open(name)
	if err != nil {
		return nil, &OpenError{Name: name, Version: version, Err: err}
	}

	db := &DB{
		name:              name,
		version:           version,
		schema:            scm,
		stg:               stg,
		verbose:           opt.Verbose,
		compressThreshold: opt.CompressThreshold,
		onCommit:          opt.OnCommit,
	}
	if opt.Log != nil {
		db.log = opt.Log.WithField("db", name)
	} else {
		db.log = logrus.StandardLogger().WithField("db", name)
	}
	if db.compressThreshold == 0 {
		db.compressThreshold = DefaultCompressThreshold
	} else if db.compressThreshold < 0 {
		db.compressThreshold = 0
	}

	stored, err := db.open(ctx, opt.Upgrade)
	if err != nil {
		_ = stg.Close()
		return nil, &OpenError{Name: name, Version: version, StoredVersion: stored, Err: err}
	}
	return db, nil
}

func (db *DB) open(ctx context.Context, upgrade func(ctx context.Context, tx *Tx, oldVersion, newVersion uint64) error) (uint64, error) {
	stx, err := db.stg.BeginTx(false)
	if err != nil {
		return 0, err
	}
	cat, err := loadCatalog(stx)
	_ = stx.Rollback()
	if err != nil {
		return 0, err
	}

	switch {
	case cat.Version > db.version:
		return cat.Version, ErrVersionTooNew
	case cat.Version == db.version:
		if err := cat.bind(db.schema); err != nil {
			return cat.Version, err
		}
		db.cat = cat
		return cat.Version, nil
	}

	tx, err := db.begin(ctx, VersionChange, db.schema.stores, nil)
	if err != nil {
		return cat.Version, err
	}
	oldVersion, err := submit(tx, "upgrade", nil, true, func() (uint64, error) {
		return tx.upgrade(db.schema, db.version)
	}).Result()
	if err != nil {
		_ = tx.Abort()
		return oldVersion, err
	}
	if oldVersion != cat.Version {
		db.log.WithFields(logrus.Fields{"expected": cat.Version, "found": oldVersion}).Warn("stored version changed during open")
	}
	if upgrade != nil {
		if err := upgrade(ctx, tx, oldVersion, db.version); err != nil {
			_ = tx.Abort()
			return oldVersion, errors.WithMessage(err, "upgrade")
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return oldVersion, err
	}
	db.cat = tx.cat
	db.log.WithFields(logrus.Fields{"from": oldVersion, "to": db.version}).Info("database upgraded")
	return oldVersion, nil
}

// DeleteDatabase removes the named database from the engine.
func DeleteDatabase(eng engine.Engine, name string) error {
	return eng.Delete(name)
}

func (db *DB) Name() string {
	return db.name
}

func (db *DB) Version() uint64 {
	return db.version
}

func (db *DB) Schema() *Schema {
	return db.schema
}

// StoreNames returns the names of all stores, in declaration order.
func (db *DB) StoreNames() []string {
	return db.schema.StoreNames()
}

// Begin starts a transaction over the named stores. The transaction aborts
// if ctx is done before it commits.
func (db *DB) Begin(ctx context.Context, mode Mode, storeNames ...string) (*Tx, error) {
	if mode != ReadOnly && mode != ReadWrite {
		return nil, errors.Errorf("invalid transaction mode %v", mode)
	}
	if len(storeNames) == 0 {
		return nil, errors.WithMessage(ErrUnknownStore, "no stores requested")
	}
	stores := make([]*Store, 0, len(storeNames))
	for _, name := range storeNames {
		st := db.schema.StoreNamed(name)
		if st == nil {
			return nil, &StoreError{Store: name, Op: "begin", Err: ErrUnknownStore}
		}
		if !slices.Contains(stores, st) {
			stores = append(stores, st)
		}
	}
	return db.begin(ctx, mode, stores, db.cat)
}

func (db *DB) begin(ctx context.Context, mode Mode, stores []*Store, cat *catalog) (*Tx, error) {
	tx := newTx(ctx, db, mode, stores, cat)
	if err := db.addTx(tx); err != nil {
		return nil, err
	}
	go tx.run()
	return tx, nil
}

// Read runs f in a read-only transaction.
func (db *DB) Read(ctx context.Context, storeNames []string, f func(tx *Tx) error) error {
	return db.managed(ctx, ReadOnly, storeNames, f)
}

// Write runs f in a read-write transaction, which is committed when f returns
// nil and aborted otherwise.
func (db *DB) Write(ctx context.Context, storeNames []string, f func(tx *Tx) error) error {
	return db.managed(ctx, ReadWrite, storeNames, f)
}

func (db *DB) managed(ctx context.Context, mode Mode, storeNames []string, f func(tx *Tx) error) error {
	tx, err := db.Begin(ctx, mode, storeNames...)
	if err != nil {
		return err
	}
	err = safelyCallTx(f, tx)
	if err != nil {
		_ = tx.Abort()
		return err
	}
	if tx.State() == TxCommitted {
		return nil
	}
	return tx.Commit(ctx)
}

func safelyCallTx(f func(tx *Tx) error, tx *Tx) error {
	_, err := safelyCall(func() (struct{}, error) {
		return struct{}{}, f(tx)
	})
	return err
}

// Close aborts open transactions with ErrConnectionClosed, waits for them to
// finish and closes the storage.
func (db *DB) Close() error {
	db.txnsLock.Lock()
	if db.closed {
		db.txnsLock.Unlock()
		return nil
	}
	db.closed = true
	txns := slices.Clone(db.txns)
	db.txnsLock.Unlock()

	for _, tx := range txns {
		tx.abortWith(ErrConnectionClosed)
	}
	db.txWG.Wait()
	return db.stg.Close()
}

func (db *DB) addTx(tx *Tx) error {
	db.txnsLock.Lock()
	defer db.txnsLock.Unlock()
	if db.closed {
		return ErrConnectionClosed
	}
	db.txns = append(db.txns, tx)
	db.txWG.Add(1)
	OpenTransactions.Inc()
	return nil
}

func (db *DB) removeTx(tx *Tx) {
	db.txnsLock.Lock()
	defer db.txnsLock.Unlock()

	found := slices.Index(db.txns, tx)
	if found < 0 {
		panic("tx not found in list")
	}

	n := len(db.txns)
	db.txns[found] = db.txns[n-1]
	db.txns[n-1] = nil // ensure it gets collected
	db.txns = db.txns[:n-1]
	db.txWG.Done()
	OpenTransactions.Dec()
}

func (db *DB) DescribeOpenTxns() string {
	if !trackTxns {
		return "OPEN TX TRACKING DISABLED"
	}

	db.txnsLock.Lock()
	txns := slices.Clone(db.txns)
	db.txnsLock.Unlock()

	if len(txns) == 0 {
		return "NO OPEN TRANSACTIONS"
	}

	slices.SortFunc(txns, func(a, b *Tx) int {
		return a.startTime.Compare(b.startTime)
	})

	now := time.Now()

	var buf strings.Builder
	fmt.Fprintf(&buf, "%d OPEN TRANSACTIONS:\n", len(txns))
	for _, tx := range txns {
		ms := now.Sub(tx.startTime).Milliseconds()
		if ms < 100 {
			fmt.Fprintf(&buf, "\n---\n%v %v open for %d ms\n", tx.mode, tx.StoreNames(), ms)
		} else {
			fmt.Fprintf(&buf, "\n---\n%v %v open for %d ms:\n%s", tx.mode, tx.StoreNames(), ms, tx.stack)
		}
	}

	return buf.String()
}
