package objstore

import (
	"context"
	"io"
	"math"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/andreyvit/objstore/engine"
	"github.com/andreyvit/objstore/engine/memengine"
)

type (
	UserID uint64

	User struct {
		ID    UserID   `msgpack:"-" json:"id"`
		Email string   `msgpack:"e" json:"email"`
		Name  string   `msgpack:"n,omitempty" json:"name,omitempty"`
		Tags  []string `msgpack:"t,omitempty" json:"tags,omitempty"`
	}

	Post struct {
		ID     string    `msgpack:"id"`
		Author UserID    `msgpack:"a"`
		Time   time.Time `msgpack:"tm"`
		Title  string    `msgpack:"ti"`
	}
)

var (
	basicSchema = NewSchema()
	usersStore  = DefineStore(basicSchema, "users", func(b *StoreBuilder[User, UserID]) {
		b.AutoIncrement()
		b.Index("by_email", "Email").Unique()
		b.Index("by_name", "Name").Sparse()
		b.Index("by_tag", "Tags").MultiEntry()
	})
	postsStore = DefineStore(basicSchema, "posts", func(b *StoreBuilder[Post, string]) {
		b.UUIDKey()
		b.Index("by_author_time", "Author", "Time")
	})
)

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.Out = io.Discard
	l.SetLevel(logrus.DebugLevel)
	return l
}

func setup(t *testing.T, scm *Schema) *DB {
	t.Helper()
	return setupWith(t, memengine.New(), scm, 1, Options{})
}

func setupWith(t *testing.T, eng engine.Engine, scm *Schema, version uint64, opt Options) *DB {
	t.Helper()
	if opt.Log == nil {
		opt.Log = testLogger()
	}
	opt.Verbose = true
	db, err := Open(context.Background(), eng, "test", version, scm, opt)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func write(t *testing.T, db *DB, f func(ctx context.Context, tx *Tx)) {
	t.Helper()
	ctx := context.Background()
	err := db.Write(ctx, db.StoreNames(), func(tx *Tx) error {
		f(ctx, tx)
		return nil
	})
	require.NoError(t, err)
}

func read(t *testing.T, db *DB, f func(ctx context.Context, tx *Tx)) {
	t.Helper()
	ctx := context.Background()
	err := db.Read(ctx, db.StoreNames(), func(tx *Tx) error {
		f(ctx, tx)
		return nil
	})
	require.NoError(t, err)
}

func writer[Row, Key any](t *testing.T, s *StoreOf[Row, Key], tx *Tx) *Accessor[Row, Key] {
	t.Helper()
	a, err := s.Writer(tx)
	require.NoError(t, err)
	return a
}

func reader[Row, Key any](t *testing.T, s *StoreOf[Row, Key], tx *Tx) *Accessor[Row, Key] {
	t.Helper()
	a, err := s.Reader(tx)
	require.NoError(t, err)
	return a
}

func index[Row, Key any](t *testing.T, a *Accessor[Row, Key], name string) *IndexAccessor[Row, Key] {
	t.Helper()
	ia, err := a.Index(name)
	require.NoError(t, err)
	return ia
}

func TestUserScenario(t *testing.T) {
	ctx := context.Background()
	db := setup(t, basicSchema)
	require.Equal(t, []string{"users", "posts"}, db.StoreNames())
	require.Equal(t, uint64(1), db.Version())
	require.Equal(t, "test", db.Name())

	first := &User{Email: "a@x.com"}
	write(t, db, func(ctx context.Context, tx *Tx) {
		key, err := writer(t, usersStore, tx).Put(ctx, first)
		require.NoError(t, err)
		require.Equal(t, UserID(1), key)
		require.Equal(t, UserID(1), first.ID)
	})

	err := db.Write(ctx, []string{"users"}, func(tx *Tx) error {
		_, err := writer(t, usersStore, tx).Put(ctx, &User{Email: "a@x.com"})
		return err
	})
	require.ErrorIs(t, err, ErrConstraint)
	var se *StoreError
	require.ErrorAs(t, err, &se)
	require.Equal(t, "users", se.Store)
	require.Equal(t, "by_email", se.Index)

	read(t, db, func(ctx context.Context, tx *Tx) {
		u, err := reader(t, usersStore, tx).Get(ctx, 1)
		require.NoError(t, err)
		require.Equal(t, first, u)
	})
}

func TestCRUD(t *testing.T) {
	db := setup(t, basicSchema)
	u1 := &User{Email: "foo@example.com", Name: "foo", Tags: []string{"a", "b"}}
	u2 := &User{Email: "bar@example.com", Name: "bar"}

	write(t, db, func(ctx context.Context, tx *Tx) {
		users := writer(t, usersStore, tx)
		k1, err := users.Put(ctx, u1)
		require.NoError(t, err)
		k2, err := users.Put(ctx, u2)
		require.NoError(t, err)
		require.Equal(t, []UserID{1, 2}, []UserID{k1, k2})

		// round trip within the same transaction
		got, err := users.Get(ctx, k1)
		require.NoError(t, err)
		require.Equal(t, u1, got)
		require.NotSame(t, u1, got)
	})

	read(t, db, func(ctx context.Context, tx *Tx) {
		users := reader(t, usersStore, tx)
		n, err := users.Count(ctx)
		require.NoError(t, err)
		require.Equal(t, 2, n)

		got, err := users.Get(ctx, 2)
		require.NoError(t, err)
		require.Equal(t, u2, got)

		got, err = users.Get(ctx, 3)
		require.NoError(t, err)
		require.Nil(t, got)

		ok, err := users.Has(ctx, 1)
		require.NoError(t, err)
		require.True(t, ok)

		byEmail, err := index(t, users, "by_email").Get(ctx, "bar@example.com")
		require.NoError(t, err)
		require.Equal(t, u2, byEmail)
	})

	write(t, db, func(ctx context.Context, tx *Tx) {
		users := writer(t, usersStore, tx)
		u1.Email = "foo2@example.com"
		u1.Tags = []string{"b", "c"}
		_, err := users.Put(ctx, u1)
		require.NoError(t, err)

		// deleting a missing key is not an error and changes nothing
		deleted, err := users.DeleteAsync(42).Result()
		require.NoError(t, err)
		require.False(t, deleted)
		n, err := users.Count(ctx)
		require.NoError(t, err)
		require.Equal(t, 2, n)

		require.NoError(t, users.Delete(ctx, 2))
	})

	read(t, db, func(ctx context.Context, tx *Tx) {
		users := reader(t, usersStore, tx)
		byEmail := index(t, users, "by_email")

		got, err := byEmail.Get(ctx, "foo@example.com")
		require.NoError(t, err)
		require.Nil(t, got, "old index entry must be removed")
		got, err = byEmail.Get(ctx, "foo2@example.com")
		require.NoError(t, err)
		require.Equal(t, u1, got)

		keys, err := index(t, users, "by_tag").GetAllKeys(ctx, "a", 0)
		require.NoError(t, err)
		require.Empty(t, keys)
		keys, err = index(t, users, "by_tag").GetAllKeys(ctx, "c", 0)
		require.NoError(t, err)
		require.Equal(t, []UserID{1}, keys)

		got, err = byEmail.Get(ctx, "bar@example.com")
		require.NoError(t, err)
		require.Nil(t, got)

		stats, err := tx.StoreStats(ctx, "users")
		require.NoError(t, err)
		require.Equal(t, 1, stats.Records)
		require.Equal(t, 4, stats.IndexEntries) // email, name, two tags
	})
}

func TestAutoIncrement(t *testing.T) {
	db := setup(t, basicSchema)
	write(t, db, func(ctx context.Context, tx *Tx) {
		users := writer(t, usersStore, tx)
		k, err := users.Put(ctx, &User{ID: 10, Email: "ten"})
		require.NoError(t, err)
		require.Equal(t, UserID(10), k)

		k, err = users.Put(ctx, &User{Email: "eleven"})
		require.NoError(t, err)
		require.Equal(t, UserID(11), k)

		k, err = users.Put(ctx, &User{ID: 5, Email: "five"})
		require.NoError(t, err)
		require.Equal(t, UserID(5), k)

		// a failed put gives the generated key back
		u := &User{Email: "ten"}
		_, err = users.Put(ctx, u)
		require.ErrorIs(t, err, ErrConstraint)
		require.Zero(t, u.ID)

		require.NoError(t, users.Clear(ctx))
	})
	write(t, db, func(ctx context.Context, tx *Tx) {
		k, err := writer(t, usersStore, tx).Put(ctx, &User{Email: "after clear"})
		require.NoError(t, err)
		require.Equal(t, UserID(12), k, "clear keeps the key generator")
	})
}

func TestKeyGeneratorExhausted(t *testing.T) {
	db := setup(t, basicSchema)
	write(t, db, func(ctx context.Context, tx *Tx) {
		users := writer(t, usersStore, tx)
		_, err := users.Put(ctx, &User{ID: math.MaxUint64, Email: "last"})
		require.NoError(t, err)

		u := &User{Email: "one more"}
		_, err = users.Put(ctx, u)
		require.ErrorIs(t, err, ErrConstraint)
		require.Zero(t, u.ID)

		// explicit keys still work
		_, err = users.Put(ctx, &User{ID: 7, Email: "seven"})
		require.NoError(t, err)
	})
	read(t, db, func(ctx context.Context, tx *Tx) {
		keys, err := reader(t, usersStore, tx).GetAllKeys(ctx, All(), 0)
		require.NoError(t, err)
		require.Equal(t, []UserID{7, math.MaxUint64}, keys)
	})
}

func TestAdd(t *testing.T) {
	db := setup(t, basicSchema)
	write(t, db, func(ctx context.Context, tx *Tx) {
		users := writer(t, usersStore, tx)
		_, err := users.Add(ctx, &User{ID: 1, Email: "one"})
		require.NoError(t, err)

		_, err = users.Add(ctx, &User{ID: 1, Email: "uno"})
		require.ErrorIs(t, err, ErrConstraint)

		// the transaction is still usable after a constraint error
		_, err = users.Put(ctx, &User{ID: 1, Email: "uno"})
		require.NoError(t, err)
	})
	read(t, db, func(ctx context.Context, tx *Tx) {
		u, err := reader(t, usersStore, tx).Get(ctx, 1)
		require.NoError(t, err)
		require.Equal(t, "uno", u.Email)
	})
}

func TestUUIDKeys(t *testing.T) {
	db := setup(t, basicSchema)
	p := &Post{Author: 1, Title: "hello", Time: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	var key string
	write(t, db, func(ctx context.Context, tx *Tx) {
		var err error
		key, err = writer(t, postsStore, tx).Put(ctx, p)
		require.NoError(t, err)
		require.Len(t, key, 36)
		require.Equal(t, key, p.ID)
	})
	read(t, db, func(ctx context.Context, tx *Tx) {
		got, err := reader(t, postsStore, tx).Get(ctx, key)
		require.NoError(t, err)
		require.Equal(t, p.Title, got.Title)
		require.True(t, p.Time.Equal(got.Time))
	})
}

func TestInvalidKeys(t *testing.T) {
	scm := NewSchema()
	plain := DefineStore[Post, string](scm, "plain", nil)
	db := setup(t, scm)

	write(t, db, func(ctx context.Context, tx *Tx) {
		a := writer(t, plain, tx)
		_, err := a.Put(ctx, &Post{Title: "no key"})
		require.ErrorIs(t, err, ErrInvalidKey)

		_, err = a.Put(ctx, nil)
		require.ErrorIs(t, err, ErrInvalidKey)

		_, err = a.GetAll(ctx, Bound("b", "a", false, false), 0)
		require.ErrorIs(t, err, ErrInvalidKey)

		_, err = a.Put(ctx, &Post{ID: "ok"})
		require.NoError(t, err)
	})
}

type Reading struct {
	At    float64 `msgpack:"at"`
	Level float64 `msgpack:"l"`
}

func TestFloatKeys(t *testing.T) {
	scm := NewSchema()
	readings := DefineStore(scm, "readings", func(b *StoreBuilder[Reading, float64]) {
		b.PrimaryKey("At")
		b.Index("by_level", "Level")
	})
	db := setup(t, scm)

	write(t, db, func(ctx context.Context, tx *Tx) {
		a := writer(t, readings, tx)
		_, err := a.Put(ctx, &Reading{At: math.Copysign(0, -1), Level: 1})
		require.NoError(t, err)
		_, err = a.Put(ctx, &Reading{At: 2, Level: math.NaN()})
		require.NoError(t, err)

		r, err := a.Get(ctx, 0)
		require.NoError(t, err)
		require.NotNil(t, r)
		require.Equal(t, 1.0, r.Level)

		_, err = a.Put(ctx, &Reading{At: math.NaN()})
		require.ErrorIs(t, err, ErrInvalidKey)
		_, err = a.Get(ctx, math.NaN())
		require.ErrorIs(t, err, ErrInvalidKey)

		// records with a NaN index value stay out of the index
		byLevel := index(t, a, "by_level")
		n, err := byLevel.Count(ctx, All())
		require.NoError(t, err)
		require.Equal(t, 1, n)
		_, err = byLevel.Get(ctx, math.NaN())
		require.ErrorIs(t, err, ErrInvalidKey)

		n, err = a.Count(ctx)
		require.NoError(t, err)
		require.Equal(t, 2, n)
		require.Equal(t, TxActive, tx.State())
	})
}

func TestDeleteRange(t *testing.T) {
	db := setup(t, basicSchema)
	write(t, db, func(ctx context.Context, tx *Tx) {
		users := writer(t, usersStore, tx)
		for i := 1; i <= 10; i++ {
			_, err := users.Put(ctx, &User{Email: string(rune('a'+i)) + "@x"})
			require.NoError(t, err)
		}
		n, err := users.DeleteRange(ctx, Bound(3, 5, false, true))
		require.NoError(t, err)
		require.Equal(t, 2, n)

		keys, err := users.GetAllKeys(ctx, All(), 0)
		require.NoError(t, err)
		require.Equal(t, []UserID{1, 2, 5, 6, 7, 8, 9, 10}, keys)

		n, err = users.DeleteRange(ctx, LowerBound(8, true))
		require.NoError(t, err)
		require.Equal(t, 2, n)

		n, err = users.DeleteRange(ctx, All())
		require.NoError(t, err)
		require.Equal(t, 6, n)

		stats, err := tx.StoreStats(ctx, "users")
		require.NoError(t, err)
		require.Zero(t, stats.Records)
		require.Zero(t, stats.IndexEntries)
	})
}

func TestReadOnly(t *testing.T) {
	db := setup(t, basicSchema)
	ctx := context.Background()
	tx, err := db.Begin(ctx, ReadOnly, "users")
	require.NoError(t, err)
	defer tx.Abort()

	_, err = usersStore.Writer(tx)
	require.ErrorIs(t, err, ErrReadOnly)

	users := reader(t, usersStore, tx)
	_, err = users.Put(ctx, &User{Email: "x"})
	require.ErrorIs(t, err, ErrReadOnly)
	require.ErrorIs(t, users.Clear(ctx), ErrReadOnly)

	_, err = postsStore.Reader(tx)
	require.ErrorIs(t, err, ErrUnknownStore)

	_, err = users.Index("nope")
	require.ErrorIs(t, err, ErrUnknownIndex)

	n, err := users.Count(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	require.NoError(t, tx.Commit(ctx))
	require.Equal(t, TxCommitted, tx.State())
}

func TestStoreNamed(t *testing.T) {
	db := setup(t, basicSchema)
	ctx := context.Background()
	err := db.Write(ctx, []string{"users"}, func(tx *Tx) error {
		users, err := StoreNamed[User, UserID](tx, "users", ReadWrite)
		require.NoError(t, err)
		_, err = users.Put(ctx, &User{Email: "x"})
		require.NoError(t, err)

		_, err = StoreNamed[Post, string](tx, "users", ReadOnly)
		require.ErrorIs(t, err, ErrUnknownStore)
		_, err = StoreNamed[User, UserID](tx, "nope", ReadOnly)
		require.ErrorIs(t, err, ErrUnknownStore)
		return nil
	})
	require.NoError(t, err)

	_, err = db.Begin(ctx, ReadWrite)
	require.ErrorIs(t, err, ErrUnknownStore)
	_, err = db.Begin(ctx, ReadWrite, "users", "nope")
	require.ErrorIs(t, err, ErrUnknownStore)
	_, err = db.Begin(ctx, VersionChange, "users")
	require.Error(t, err)
}

func TestClose(t *testing.T) {
	db := setup(t, basicSchema)
	ctx := context.Background()
	tx, err := db.Begin(ctx, ReadWrite, "users")
	require.NoError(t, err)
	_, err = writer(t, usersStore, tx).Put(ctx, &User{Email: "x"})
	require.NoError(t, err)
	require.Contains(t, db.DescribeOpenTxns(), "1 OPEN TRANSACTIONS")

	require.NoError(t, db.Close())
	require.ErrorIs(t, tx.Err(), ErrConnectionClosed)
	require.Equal(t, TxAborted, tx.State())

	// requests on a transaction the close aborted report why
	_, err = writer(t, usersStore, tx).Get(ctx, 1)
	require.ErrorIs(t, err, ErrTransactionAborted)
	require.ErrorIs(t, err, ErrConnectionClosed)
	require.Equal(t, "NO OPEN TRANSACTIONS", db.DescribeOpenTxns())

	_, err = db.Begin(ctx, ReadOnly, "users")
	require.ErrorIs(t, err, ErrConnectionClosed)
	require.NoError(t, db.Close())
}

func TestManagedPanic(t *testing.T) {
	db := setup(t, basicSchema)
	ctx := context.Background()
	err := db.Write(ctx, []string{"users"}, func(tx *Tx) error {
		_, err := writer(t, usersStore, tx).Put(ctx, &User{Email: "x"})
		require.NoError(t, err)
		panic("boom")
	})
	require.ErrorContains(t, err, "boom")

	read(t, db, func(ctx context.Context, tx *Tx) {
		n, err := reader(t, usersStore, tx).Count(ctx)
		require.NoError(t, err)
		require.Zero(t, n)
	})
}
