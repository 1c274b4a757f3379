package objstore

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestTxLifecycle(t *testing.T) {
	db := setup(t, basicSchema)
	ctx := context.Background()

	tx, err := db.Begin(ctx, ReadWrite, "users", "users")
	require.NoError(t, err)
	require.Equal(t, []string{"users"}, tx.StoreNames())
	require.Equal(t, ReadWrite, tx.Mode())
	require.Equal(t, TxActive, tx.State())
	require.Same(t, db, tx.DB())

	users := writer(t, usersStore, tx)
	f1 := users.PutAsync(&User{Email: "a"})
	f2 := users.PutAsync(&User{Email: "b"})
	fc := users.CountAsync()

	require.NoError(t, tx.Commit(ctx))
	require.Equal(t, TxCommitted, tx.State())
	require.NoError(t, tx.Err())
	select {
	case <-tx.Done():
	default:
		t.Fatal("Done must be closed after commit")
	}

	// queued requests are executed before the commit, in order
	k1, err := f1.Result()
	require.NoError(t, err)
	k2, err := f2.Result()
	require.NoError(t, err)
	require.Equal(t, []UserID{1, 2}, []UserID{k1, k2})
	n, err := fc.Result()
	require.NoError(t, err)
	require.Equal(t, 2, n)

	// late operations are rejected
	_, err = users.Put(ctx, &User{Email: "c"})
	require.ErrorIs(t, err, ErrTransactionInactive)
	_, err = users.Get(ctx, 1)
	require.ErrorIs(t, err, ErrTransactionInactive)
	require.ErrorIs(t, tx.Commit(ctx), ErrTransactionInactive)
	require.ErrorIs(t, tx.Abort(), ErrTransactionInactive)
}

func TestAbortDiscardsResolvedPuts(t *testing.T) {
	db := setup(t, basicSchema)
	ctx := context.Background()

	tx, err := db.Begin(ctx, ReadWrite, "users")
	require.NoError(t, err)
	users := writer(t, usersStore, tx)

	f1 := users.PutAsync(&User{ID: 1, Email: "a"})
	f2 := users.PutAsync(&User{ID: 2, Email: "b"})
	_, err = f1.Result()
	require.NoError(t, err)
	_, err = f2.Result()
	require.NoError(t, err)
	f3 := users.PutAsync(&User{ID: 3, Email: "c"})

	require.NoError(t, tx.Abort())
	require.Equal(t, TxAborted, tx.State())
	require.ErrorIs(t, tx.Err(), ErrTransactionAborted)
	<-f3.Done()

	// aborting twice is fine, late operations get the abort error
	require.NoError(t, tx.Abort())
	_, err = users.Put(ctx, &User{ID: 4, Email: "d"})
	require.ErrorIs(t, err, ErrTransactionAborted)
	require.ErrorIs(t, tx.Commit(ctx), ErrTransactionAborted)

	read(t, db, func(ctx context.Context, tx *Tx) {
		users := reader(t, usersStore, tx)
		for _, id := range []UserID{1, 2, 3} {
			u, err := users.Get(ctx, id)
			require.NoError(t, err)
			require.Nil(t, u, "user %d", id)
		}
	})
}

func TestContextCancelAborts(t *testing.T) {
	db := setup(t, basicSchema)
	ctx, cancel := context.WithCancel(context.Background())

	tx, err := db.Begin(ctx, ReadWrite, "users")
	require.NoError(t, err)
	_, err = writer(t, usersStore, tx).Put(ctx, &User{Email: "a"})
	require.NoError(t, err)

	cancel()
	err = tx.Err()
	require.ErrorIs(t, err, ErrTransactionAborted)
	require.ErrorIs(t, err, context.Canceled)

	read(t, db, func(ctx context.Context, tx *Tx) {
		n, err := reader(t, usersStore, tx).Count(ctx)
		require.NoError(t, err)
		require.Zero(t, n)
	})
}

func TestFutureWaitGivesUp(t *testing.T) {
	f := newFuture[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := f.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	f.resolve(5, nil)
	v, err := f.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, 5, v)
	require.NoError(t, f.Err())
}

func TestFatalErrorAborts(t *testing.T) {
	var explode atomic.Bool
	scm := NewSchema()
	things := DefineStore(scm, "things", func(b *StoreBuilder[Post, string]) {
		b.KeyGenerator(func() string {
			if explode.Load() {
				panic("generator failed")
			}
			return "k"
		})
	})
	db := setup(t, scm)
	ctx := context.Background()

	tx, err := db.Begin(ctx, ReadWrite, "things")
	require.NoError(t, err)
	a := writer(t, things, tx)
	_, err = a.Put(ctx, &Post{Title: "first"})
	require.NoError(t, err)

	explode.Store(true)
	_, err = a.Put(ctx, &Post{Title: "second"})
	require.ErrorIs(t, err, ErrTransactionAborted)
	require.ErrorContains(t, err, "generator failed")

	require.ErrorIs(t, tx.Err(), ErrTransactionAborted)
	explode.Store(false)

	err = db.Read(ctx, []string{"things"}, func(tx *Tx) error {
		n, err := reader(t, things, tx).Count(ctx)
		require.NoError(t, err)
		require.Zero(t, n)
		return nil
	})
	require.NoError(t, err)
}

func TestWriterExclusion(t *testing.T) {
	db := setup(t, basicSchema)
	ctx := context.Background()

	tx1, err := db.Begin(ctx, ReadWrite, "users")
	require.NoError(t, err)
	_, err = writer(t, usersStore, tx1).Put(ctx, &User{ID: 1, Email: "first"})
	require.NoError(t, err)

	tx2, err := db.Begin(ctx, ReadWrite, "users")
	require.NoError(t, err)
	f := writer(t, usersStore, tx2).GetAsync(1)

	select {
	case <-f.Done():
		t.Fatal("second writer ran while the first one is active")
	case <-time.After(50 * time.Millisecond):
	}

	// readers are not blocked and see the last committed state
	read(t, db, func(ctx context.Context, tx *Tx) {
		u, err := reader(t, usersStore, tx).Get(ctx, 1)
		require.NoError(t, err)
		require.Nil(t, u)
	})

	require.NoError(t, tx1.Commit(ctx))
	u, err := f.Result()
	require.NoError(t, err)
	require.Equal(t, "first", u.Email)
	require.NoError(t, tx2.Commit(ctx))
}

func TestUniqueAcrossTransactions(t *testing.T) {
	db := setup(t, basicSchema)
	ctx := context.Background()

	const n = 8
	var succeeded, failed atomic.Int32
	var g errgroup.Group
	for i := range n {
		g.Go(func() error {
			err := db.Write(ctx, []string{"users"}, func(tx *Tx) error {
				users, err := usersStore.Writer(tx)
				if err != nil {
					return err
				}
				_, err = users.Put(ctx, &User{ID: UserID(i + 1), Email: "same@x.com"})
				return err
			})
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, ErrConstraint):
				failed.Add(1)
			default:
				return errors.WithMessagef(err, "writer %d", i)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, int32(1), succeeded.Load())
	require.Equal(t, int32(n-1), failed.Load())

	read(t, db, func(ctx context.Context, tx *Tx) {
		cnt, err := reader(t, usersStore, tx).Count(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, cnt)
	})
}

func TestConcurrentRequests(t *testing.T) {
	db := setup(t, basicSchema)
	ctx := context.Background()

	tx, err := db.Begin(ctx, ReadWrite, "users")
	require.NoError(t, err)
	users := writer(t, usersStore, tx)

	var g errgroup.Group
	for i := range 20 {
		g.Go(func() error {
			_, err := users.Put(ctx, &User{Email: fmt.Sprintf("u%d@x", i)})
			return err
		})
	}
	require.NoError(t, g.Wait())
	require.NoError(t, tx.Commit(ctx))

	read(t, db, func(ctx context.Context, tx *Tx) {
		keys, err := reader(t, usersStore, tx).GetAllKeys(ctx, All(), 0)
		require.NoError(t, err)
		require.Len(t, keys, 20)
		require.Equal(t, UserID(1), keys[0])
		require.Equal(t, UserID(20), keys[19])
	})
}

func TestAbortWhileWaitingForWriter(t *testing.T) {
	db := setup(t, basicSchema)
	ctx := context.Background()

	tx1, err := db.Begin(ctx, ReadWrite, "users")
	require.NoError(t, err)
	_, err = writer(t, usersStore, tx1).Put(ctx, &User{ID: 1, Email: "first"})
	require.NoError(t, err)

	cctx, cancel := context.WithCancel(ctx)
	tx2, err := db.Begin(cctx, ReadWrite, "users")
	require.NoError(t, err)
	f2 := writer(t, usersStore, tx2).PutAsync(&User{ID: 2, Email: "second"})

	tx3, err := db.Begin(ctx, ReadWrite, "users")
	require.NoError(t, err)

	// neither transaction holds the writer lock, so both finish right away
	cancel()
	wctx, wcancel := context.WithTimeout(ctx, 5*time.Second)
	defer wcancel()
	err = tx2.Wait(wctx)
	require.ErrorIs(t, err, ErrTransactionAborted)
	require.ErrorIs(t, err, context.Canceled)
	_, err = f2.Result()
	require.ErrorIs(t, err, ErrTransactionAborted)

	aborted := make(chan error, 1)
	go func() { aborted <- tx3.Abort() }()
	select {
	case err := <-aborted:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Abort blocked on the writer lock")
	}
	require.Equal(t, TxAborted, tx3.State())

	require.NoError(t, tx1.Commit(ctx))
	write(t, db, func(ctx context.Context, tx *Tx) {
		_, err := writer(t, usersStore, tx).Put(ctx, &User{ID: 3, Email: "third"})
		require.NoError(t, err)
	})
	read(t, db, func(ctx context.Context, tx *Tx) {
		keys, err := reader(t, usersStore, tx).GetAllKeys(ctx, All(), 0)
		require.NoError(t, err)
		require.Equal(t, []UserID{1, 3}, keys)
	})
}

func TestCloseWhileWaitingForWriter(t *testing.T) {
	db := setup(t, basicSchema)
	ctx := context.Background()

	tx1, err := db.Begin(ctx, ReadWrite, "users")
	require.NoError(t, err)
	_, err = writer(t, usersStore, tx1).Put(ctx, &User{Email: "first"})
	require.NoError(t, err)
	tx2, err := db.Begin(ctx, ReadWrite, "users")
	require.NoError(t, err)
	f2 := writer(t, usersStore, tx2).CountAsync()

	require.NoError(t, db.Close())
	require.ErrorIs(t, tx1.Err(), ErrConnectionClosed)
	require.ErrorIs(t, tx2.Err(), ErrConnectionClosed)
	_, err = f2.Result()
	require.ErrorIs(t, err, ErrTransactionAborted)
}

// corruptRecord replaces the stored value of a record with undecodable bytes.
func corruptRecord(t *testing.T, db *DB, st *Store, key any) {
	t.Helper()
	write(t, db, func(ctx context.Context, tx *Tx) {
		_, err := submit(tx, "corrupt", st, true, func() (struct{}, error) {
			keyVal, err := st.coerceKey(key)
			if err != nil {
				return struct{}{}, err
			}
			b, err := tx.bucket(st, dataBucket)
			if err != nil {
				return struct{}{}, err
			}
			return struct{}{}, b.Put(st.encodeKeyVal(nil, keyVal), []byte{0xc1})
		}).Wait(ctx)
		require.NoError(t, err)
	})
}

func TestPartialWriteAborts(t *testing.T) {
	t.Run("reindex", func(t *testing.T) {
		db := setup(t, basicSchema)
		fillUsers(t, db, &User{Email: "a"}, &User{Email: "b"}, &User{Email: "c"})
		corruptRecord(t, db, usersStore.Store, 1)
		ctx := context.Background()

		tx, err := db.Begin(ctx, ReadWrite, "users")
		require.NoError(t, err)
		err = tx.Reindex(ctx, "users", "by_email")
		require.ErrorIs(t, err, ErrTransactionAborted)
		require.ErrorIs(t, err, ErrDeserialization)
		require.ErrorIs(t, tx.Err(), ErrTransactionAborted)

		// the index is left as it was before the rebuild started
		read(t, db, func(ctx context.Context, tx *Tx) {
			byEmail := index(t, reader(t, usersStore, tx), "by_email")
			for _, email := range []string{"a", "b", "c"} {
				k, err := byEmail.GetKey(ctx, email)
				require.NoError(t, err)
				require.NotNil(t, k, email)
			}
		})
	})

	t.Run("delete range", func(t *testing.T) {
		db := setup(t, basicSchema)
		fillUsers(t, db, &User{Email: "a"}, &User{Email: "b"}, &User{Email: "c"}, &User{Email: "d"})
		corruptRecord(t, db, usersStore.Store, 3)
		ctx := context.Background()

		tx, err := db.Begin(ctx, ReadWrite, "users")
		require.NoError(t, err)
		_, err = writer(t, usersStore, tx).DeleteRange(ctx, Bound(1, 4, false, false))
		require.ErrorIs(t, err, ErrTransactionAborted)
		require.ErrorIs(t, tx.Err(), ErrTransactionAborted)

		read(t, db, func(ctx context.Context, tx *Tx) {
			n, err := reader(t, usersStore, tx).Count(ctx)
			require.NoError(t, err)
			require.Equal(t, 4, n)
		})
	})

	t.Run("failure before writing", func(t *testing.T) {
		db := setup(t, basicSchema)
		fillUsers(t, db, &User{Email: "a"})
		write(t, db, func(ctx context.Context, tx *Tx) {
			users := writer(t, usersStore, tx)
			_, err := users.Put(ctx, &User{Email: "a"})
			require.ErrorIs(t, err, ErrConstraint)
			require.Equal(t, TxActive, tx.State())
			_, err = users.Put(ctx, &User{Email: "b"})
			require.NoError(t, err)
		})
	})
}

func TestCursorStepsWhileCommitting(t *testing.T) {
	db := setup(t, basicSchema)
	fillUsers(t, db, namedUsers()...)
	ctx := context.Background()

	tx, err := db.Begin(ctx, ReadOnly, "users")
	require.NoError(t, err)
	users := reader(t, usersStore, tx)
	c := users.Scan(All(), Next)
	require.True(t, c.Next(ctx))

	// keep the worker busy so that Commit has to wait
	gate := make(chan struct{})
	submit(tx, "hold", nil, false, func() (struct{}, error) {
		<-gate
		return struct{}{}, nil
	})
	committed := make(chan error, 1)
	go func() { committed <- tx.Commit(ctx) }()
	require.Eventually(t, func() bool { return tx.State() == TxCompleting }, 5*time.Second, time.Millisecond)

	require.ErrorIs(t, users.CountAsync().Err(), ErrTransactionInactive)

	stepped := make(chan bool, 1)
	go func() { stepped <- c.Next(ctx) }()
	require.Eventually(t, func() bool {
		tx.mu.Lock()
		defer tx.mu.Unlock()
		return len(tx.queue) == 1
	}, 5*time.Second, time.Millisecond)
	close(gate)

	require.True(t, <-stepped)
	require.Equal(t, UserID(2), c.Key())
	require.NoError(t, <-committed)

	require.False(t, c.Next(ctx))
	require.ErrorIs(t, c.Err(), ErrTransactionInactive)
}
