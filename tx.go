package objstore

import (
	"context"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/andreyvit/objstore/engine"
)

// Mode is the access mode of a transaction.
type Mode int

const (
	ReadOnly Mode = iota
	ReadWrite
	// VersionChange is the mode of the upgrade transaction run by Open. It
	// covers all stores and cannot be requested through Begin.
	VersionChange
)

func (m Mode) String() string {
	switch m {
	case ReadOnly:
		return "readonly"
	case ReadWrite:
		return "readwrite"
	case VersionChange:
		return "versionchange"
	default:
		return fmt.Sprintf("invalid mode %d", int(m))
	}
}

func (m Mode) writable() bool {
	return m != ReadOnly
}

// TxState is the lifecycle state of a transaction:
// Active → Completing → Committed | Aborted (Active can also go to Aborted).
type TxState int

const (
	TxActive TxState = iota
	TxCompleting
	TxCommitted
	TxAborted
)

func (s TxState) String() string {
	switch s {
	case TxActive:
		return "active"
	case TxCompleting:
		return "completing"
	case TxCommitted:
		return "committed"
	case TxAborted:
		return "aborted"
	default:
		return fmt.Sprintf("invalid state %d", int(s))
	}
}

// Tx is a transaction over a fixed set of stores.
//
// Operations are requests executed in issuance order by a goroutine owned by
// the transaction; each returns a Future, or blocks on it in the synchronous
// form. A Tx can be used from several goroutines.
type Tx struct {
	db     *DB
	mode   Mode
	stores []*Store
	ctx    context.Context
	log    logrus.FieldLogger

	// owned by the worker goroutine
	stx     engine.Tx
	cat     *catalog
	buckets map[bucketRef]engine.Bucket
	changes []Change
	dirty   bool // the running request has written something

	mu          sync.Mutex
	state       TxState
	queue       []*request
	abortReq    bool
	abortReason error
	committing  bool // the worker has drained the queue and is committing
	err         error
	wake        chan struct{}
	doneCh      chan struct{}

	startTime time.Time
	stack     []byte
}

type bucketRef struct {
	store string
	sub   string
}

type request struct {
	op      string
	store   *Store
	step    bool // a cursor step, accepted while the transaction is completing
	exec    func() (any, error)
	resolve func(v any, err error)
}

func newTx(ctx context.Context, db *DB, mode Mode, stores []*Store, cat *catalog) *Tx {
	tx := &Tx{
		db:      db,
		mode:    mode,
		stores:  stores,
		ctx:     ctx,
		log:     db.log.WithField("mode", mode.String()),
		cat:     cat,
		buckets: make(map[bucketRef]engine.Bucket),
		wake:    make(chan struct{}, 1),
		doneCh:  make(chan struct{}),
	}
	if trackTxns {
		tx.startTime = time.Now()
		tx.stack = debug.Stack()
	}
	return tx
}

func (tx *Tx) DB() *DB {
	return tx.db
}

func (tx *Tx) Mode() Mode {
	return tx.mode
}

func (tx *Tx) State() TxState {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state
}

// StoreNames returns the names of the stores in the transaction's scope.
func (tx *Tx) StoreNames() []string {
	names := make([]string, len(tx.stores))
	for i, st := range tx.stores {
		names[i] = st.name
	}
	return names
}

func (tx *Tx) inScope(st *Store) bool {
	return slices.Contains(tx.stores, st)
}

// Done is closed when the transaction has committed or aborted.
func (tx *Tx) Done() <-chan struct{} {
	return tx.doneCh
}

// Err blocks until the transaction finishes. It returns nil if the transaction
// committed and an *AbortError otherwise.
func (tx *Tx) Err() error {
	<-tx.doneCh
	return tx.err
}

// Wait is like Err, but gives up waiting when ctx is done.
func (tx *Tx) Wait(ctx context.Context) error {
	select {
	case <-tx.doneCh:
		return tx.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Commit stops accepting new requests, waits for the queued ones to finish and
// commits. It returns the abort error if the transaction aborted instead.
func (tx *Tx) Commit(ctx context.Context) error {
	tx.mu.Lock()
	switch tx.state {
	case TxActive:
		if !tx.abortReq {
			tx.state = TxCompleting
		}
	case TxCommitted:
		tx.mu.Unlock()
		return ErrTransactionInactive
	}
	tx.mu.Unlock()
	tx.signal()
	return tx.Wait(ctx)
}

// Abort rolls the transaction back and fails every unresolved request with
// ErrTransactionAborted. Aborting an aborted transaction is a no-op; aborting
// a committed one returns ErrTransactionInactive. Abort blocks until the
// rollback is done.
func (tx *Tx) Abort() error {
	tx.abortWith(nil)
	<-tx.doneCh
	if tx.err == nil {
		return ErrTransactionInactive
	}
	return nil
}

func (tx *Tx) abortWith(reason error) {
	tx.mu.Lock()
	if (tx.state == TxActive || tx.state == TxCompleting) && !tx.abortReq {
		tx.abortReq = true
		tx.abortReason = reason
	}
	tx.mu.Unlock()
	tx.signal()
}

func (tx *Tx) signal() {
	select {
	case tx.wake <- struct{}{}:
	default:
	}
}

func (tx *Tx) enqueue(r *request) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.abortReq {
		return &AbortError{tx.abortReason}
	}
	switch tx.state {
	case TxActive:
		tx.queue = append(tx.queue, r)
	case TxCompleting:
		if !r.step || tx.committing {
			return ErrTransactionInactive
		}
		tx.queue = append(tx.queue, r)
	case TxAborted:
		return tx.err
	default:
		return ErrTransactionInactive
	}
	tx.signal()
	return nil
}

// submit queues fn for execution on the transaction's goroutine.
func submit[T any](tx *Tx, op string, st *Store, write bool, fn func() (T, error)) *Future[T] {
	return submitRequest(tx, op, st, write, false, fn)
}

// submitStep queues a cursor step. Steps keep being accepted after Commit
// until the queue drains, so a cursor can finish its iteration.
func submitStep[T any](tx *Tx, op string, st *Store, fn func() (T, error)) *Future[T] {
	return submitRequest(tx, op, st, false, true, fn)
}

func submitRequest[T any](tx *Tx, op string, st *Store, write, step bool, fn func() (T, error)) *Future[T] {
	var storeName string
	if st != nil {
		storeName = st.name
	}
	if write && !tx.mode.writable() {
		return failedFuture[T](&StoreError{Store: storeName, Op: op, Err: ErrReadOnly})
	}
	f := newFuture[T]()
	r := &request{
		op:    op,
		store: st,
		step:  step,
		exec: func() (any, error) {
			return safelyCall(fn)
		},
		resolve: func(v any, err error) {
			tv, _ := v.(T)
			f.resolve(tv, err)
		},
	}
	if err := tx.enqueue(r); err != nil {
		return failedFuture[T](&StoreError{Store: storeName, Op: op, Err: err})
	}
	return f
}

func (tx *Tx) run() {
	stx, err := tx.acquire()
	if err != nil {
		tx.finish(TxAborted, err)
		return
	}
	tx.stx = stx

	for {
		tx.mu.Lock()
		if tx.abortReq {
			reason := tx.abortReason
			tx.mu.Unlock()
			if err := stx.Rollback(); err != nil {
				tx.log.WithError(err).Warn("rollback failed")
			}
			tx.finish(TxAborted, &AbortError{reason})
			return
		}
		if len(tx.queue) > 0 {
			r := tx.queue[0]
			tx.queue[0] = nil
			tx.queue = tx.queue[1:]
			tx.mu.Unlock()
			tx.runRequest(r)
			continue
		}
		if tx.state == TxCompleting {
			tx.committing = true
			tx.mu.Unlock()
			tx.complete()
			return
		}
		tx.mu.Unlock()

		select {
		case <-tx.wake:
		case <-tx.ctx.Done():
			tx.abortWith(tx.ctx.Err())
		}
	}
}

type beginResult struct {
	stx engine.Tx
	err error
}

// acquire starts the engine transaction. Writers may wait for another writer
// to finish; an abort request or a done ctx ends the wait. An engine
// transaction obtained after that is rolled back, and Close waits for it.
func (tx *Tx) acquire() (engine.Tx, error) {
	if !tx.mode.writable() {
		stx, err := tx.db.stg.BeginTx(false)
		if err != nil {
			return nil, &AbortError{errors.WithMessage(err, "begin")}
		}
		return stx, nil
	}

	ch := make(chan beginResult, 1)
	go func() {
		stx, err := tx.db.stg.BeginTx(true)
		ch <- beginResult{stx, err}
	}()
	for {
		select {
		case r := <-ch:
			if r.err != nil {
				return nil, &AbortError{errors.WithMessage(r.err, "begin")}
			}
			return r.stx, nil
		case <-tx.wake:
		case <-tx.ctx.Done():
			tx.abortWith(tx.ctx.Err())
		}

		tx.mu.Lock()
		aborted, reason := tx.abortReq, tx.abortReason
		tx.mu.Unlock()
		if aborted {
			tx.db.txWG.Add(1)
			go func() {
				defer tx.db.txWG.Done()
				if r := <-ch; r.err == nil {
					_ = r.stx.Rollback()
				}
			}()
			return nil, &AbortError{reason}
		}
	}
}

func (tx *Tx) complete() {
	if !tx.mode.writable() {
		_ = tx.stx.Rollback()
		tx.finish(TxCommitted, nil)
		return
	}
	if err := tx.stx.Commit(); err != nil {
		_ = tx.stx.Rollback()
		tx.finish(TxAborted, &AbortError{errors.WithMessage(err, "commit")})
		return
	}
	tx.finish(TxCommitted, nil)
}

func (tx *Tx) runRequest(r *request) {
	tx.dirty = false
	v, err := r.exec()

	tx.mu.Lock()
	if err != nil && !tx.abortReq && (tx.dirty || isFatal(err)) {
		tx.abortReq = true
		tx.abortReason = err
	}
	aborted, reason := tx.abortReq, tx.abortReason
	tx.mu.Unlock()

	status := statusOk
	if err != nil {
		status = statusFail
	}
	RequestsTotal.WithLabelValues(r.op, status).Inc()
	if tx.db.verbose {
		l := tx.log.WithField("op", r.op)
		if r.store != nil {
			l = l.WithField("store", r.store.name)
		}
		if err != nil {
			l = l.WithError(err)
		}
		l.Debug("request done")
	}

	if aborted {
		r.resolve(nil, &AbortError{reason})
	} else {
		r.resolve(v, err)
	}
}

// isFatal reports whether a request error must abort the transaction. The
// listed errors leave the transaction usable only when the failed request
// hasn't written anything yet.
func isFatal(err error) bool {
	for _, e := range []error{ErrConstraint, ErrInvalidKey, ErrDeserialization, ErrUnknownIndex, ErrUnknownStore, ErrReadOnly, ErrInvalidCursor} {
		if errors.Is(err, e) {
			return false
		}
	}
	return true
}

func (tx *Tx) finish(state TxState, err error) {
	tx.mu.Lock()
	tx.state = state
	tx.err = err
	queue := tx.queue
	tx.queue = nil
	tx.mu.Unlock()

	for _, r := range queue {
		r.resolve(nil, err)
	}

	outcome := outcomeCommitted
	if state == TxAborted {
		outcome = outcomeAborted
		if tx.db.verbose {
			tx.log.WithError(err).Debug("transaction aborted")
		}
	}
	TransactionsTotal.WithLabelValues(tx.mode.String(), outcome).Inc()

	if state == TxCommitted && len(tx.changes) > 0 {
		for _, chg := range tx.changes {
			CommittedChangesTotal.WithLabelValues(chg.op.String()).Inc()
		}
		if tx.db.onCommit != nil {
			tx.deliverChanges()
		}
	}

	tx.db.removeTx(tx)
	close(tx.doneCh)
}

func (tx *Tx) deliverChanges() {
	defer func() {
		if p := recover(); p != nil {
			tx.log.WithField("panic", p).Error("OnCommit handler panicked")
		}
	}()
	tx.db.onCommit(tx.db, tx.changes)
}

func (tx *Tx) recordChange(chg Change) {
	if tx.mode == VersionChange {
		return
	}
	tx.changes = append(tx.changes, chg)
}

// bucket returns a store bucket, creating it in writable transactions. It
// returns nil in read-only transactions when the bucket does not exist.
func (tx *Tx) bucket(st *Store, sub string) (engine.Bucket, error) {
	return tx.bucketNamed(st.name, sub)
}

func (tx *Tx) bucketNamed(name, sub string) (engine.Bucket, error) {
	ref := bucketRef{name, sub}
	if b := tx.buckets[ref]; b != nil {
		return b, nil
	}
	var b engine.Bucket
	var err error
	if tx.stx.Writable() {
		b, err = tx.stx.CreateBucket(name, sub)
		if b != nil {
			b = &writeBucket{b, tx}
		}
	} else {
		b, err = tx.stx.Bucket(name, sub)
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "bucket %s/%s", name, sub)
	}
	if b != nil {
		tx.buckets[ref] = b
	}
	return b, nil
}

func (tx *Tx) deleteBucket(name, sub string) error {
	tx.dirty = true
	for ref := range tx.buckets {
		if ref.store == name && (sub == "" || ref.sub == sub) {
			delete(tx.buckets, ref)
		}
	}
	err := tx.stx.DeleteBucket(name, sub)
	if errors.Is(err, engine.ErrBucketNotFound) {
		return nil
	}
	return err
}

// writeBucket marks the running request dirty on every mutation.
type writeBucket struct {
	engine.Bucket
	tx *Tx
}

func (b *writeBucket) Put(key, value []byte) error {
	b.tx.dirty = true
	return b.Bucket.Put(key, value)
}

func (b *writeBucket) Delete(key []byte) error {
	b.tx.dirty = true
	return b.Bucket.Delete(key)
}

func (tx *Tx) storeState(st *Store) *storeState {
	return tx.cat.Stores[st.name]
}
