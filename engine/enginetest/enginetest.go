// Package enginetest is a conformance suite for engine.Engine implementations.
package enginetest

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/andreyvit/objstore/engine"
)

// Run runs the conformance suite. newEngine must return an empty engine.
func Run(t *testing.T, newEngine func(t *testing.T) engine.Engine) {
	tests := []struct {
		name string
		f    func(t *testing.T, e engine.Engine)
	}{
		{"put_get", testPutGet},
		{"buckets", testBuckets},
		{"cursor", testCursor},
		{"rollback", testRollback},
		{"reopen", testReopen},
		{"delete_db", testDeleteDB},
		{"read_only", testReadOnly},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.f(t, newEngine(t))
		})
	}
}

func open(t *testing.T, e engine.Engine, name string) engine.Storage {
	t.Helper()
	s, err := e.Open(name)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func update(t *testing.T, s engine.Storage, f func(tx engine.Tx)) {
	t.Helper()
	tx, err := s.BeginTx(true)
	require.NoError(t, err)
	f(tx)
	require.NoError(t, tx.Commit())
}

func view(t *testing.T, s engine.Storage, f func(tx engine.Tx)) {
	t.Helper()
	tx, err := s.BeginTx(false)
	require.NoError(t, err)
	defer tx.Rollback()
	f(tx)
}

func bucket(t *testing.T, tx engine.Tx, name, sub string) engine.Bucket {
	t.Helper()
	b, err := tx.Bucket(name, sub)
	require.NoError(t, err)
	require.NotNil(t, b, "bucket %s/%s", name, sub)
	return b
}

func get(t *testing.T, b engine.Bucket, key string) string {
	t.Helper()
	v, err := b.Get([]byte(key))
	require.NoError(t, err)
	if v == nil {
		return "<nil>"
	}
	return string(v)
}

func testPutGet(t *testing.T, e engine.Engine) {
	s := open(t, e, "test")
	update(t, s, func(tx engine.Tx) {
		b, err := tx.CreateBucket("users", "data")
		require.NoError(t, err)
		require.NoError(t, b.Put([]byte("a"), []byte("1")))
		require.NoError(t, b.Put([]byte("b"), []byte("2")))
		require.NoError(t, b.Put([]byte("a"), []byte("3")))
		require.Equal(t, "3", get(t, b, "a"))
	})
	view(t, s, func(tx engine.Tx) {
		b := bucket(t, tx, "users", "data")
		require.Equal(t, "3", get(t, b, "a"))
		require.Equal(t, "2", get(t, b, "b"))
		require.Equal(t, "<nil>", get(t, b, "c"))
		n, err := b.KeyCount()
		require.NoError(t, err)
		require.Equal(t, 2, n)
	})
	update(t, s, func(tx engine.Tx) {
		b := bucket(t, tx, "users", "data")
		require.NoError(t, b.Delete([]byte("a")))
		require.NoError(t, b.Delete([]byte("missing")))
	})
	view(t, s, func(tx engine.Tx) {
		require.Equal(t, "<nil>", get(t, bucket(t, tx, "users", "data"), "a"))
	})
}

func testBuckets(t *testing.T, e engine.Engine) {
	s := open(t, e, "test")
	update(t, s, func(tx engine.Tx) {
		_, err := tx.CreateBucket("users", "data")
		require.NoError(t, err)
		_, err = tx.CreateBucket("users", "i_email")
		require.NoError(t, err)
		root := bucket(t, tx, "users", "")
		require.NoError(t, root.Put([]byte("seq"), []byte{0, 0, 0, 1}))

		n, err := root.KeyCount()
		require.NoError(t, err)
		require.Equal(t, 1, n, "nested buckets must not be counted as keys")

		k, v := root.Cursor().First()
		require.Equal(t, "seq", string(k))
		require.Equal(t, []byte{0, 0, 0, 1}, v)
	})
	update(t, s, func(tx engine.Tx) {
		require.NoError(t, tx.DeleteBucket("users", "i_email"))
		require.ErrorIs(t, tx.DeleteBucket("users", "i_email"), engine.ErrBucketNotFound)
		b, err := tx.Bucket("users", "i_email")
		require.NoError(t, err)
		require.Nil(t, b)
		bucket(t, tx, "users", "data")
	})
	update(t, s, func(tx engine.Tx) {
		require.NoError(t, tx.DeleteBucket("users", ""))
		for _, sub := range []string{"", "data"} {
			b, err := tx.Bucket("users", sub)
			require.NoError(t, err)
			require.Nil(t, b)
		}
		require.ErrorIs(t, tx.DeleteBucket("nope", ""), engine.ErrBucketNotFound)
	})
}

func testCursor(t *testing.T, e engine.Engine) {
	s := open(t, e, "test")
	keys := []string{"a", "b", "b\x00", "ba", "c", "e"}
	update(t, s, func(tx engine.Tx) {
		b, err := tx.CreateBucket("t", "data")
		require.NoError(t, err)
		for i, k := range keys {
			require.NoError(t, b.Put([]byte(k), []byte(fmt.Sprint(i))))
		}
	})
	view(t, s, func(tx engine.Tx) {
		b := bucket(t, tx, "t", "data")

		var fwd []string
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			fwd = append(fwd, string(k))
		}
		require.NoError(t, c.Err())
		require.Equal(t, keys, fwd)

		var back []string
		c = b.Cursor()
		for k, _ := c.Last(); k != nil; k, _ = c.Prev() {
			back = append(back, string(k))
		}
		require.Equal(t, []string{"e", "c", "ba", "b\x00", "b", "a"}, back)

		c = b.Cursor()
		k, v := c.Seek([]byte("bb"))
		require.Equal(t, "c", string(k))
		require.Equal(t, "4", string(v))
		k, _ = c.Prev()
		require.Equal(t, "ba", string(k))

		k, _ = c.Seek([]byte("d"))
		require.Equal(t, "e", string(k))
		k, _ = c.Seek([]byte("f"))
		require.Nil(t, k)
		k, _ = c.Seek(nil)
		require.Equal(t, "a", string(k))
	})
}

func testRollback(t *testing.T, e engine.Engine) {
	s := open(t, e, "test")
	update(t, s, func(tx engine.Tx) {
		b, err := tx.CreateBucket("t", "data")
		require.NoError(t, err)
		require.NoError(t, b.Put([]byte("a"), []byte("1")))
	})

	tx, err := s.BeginTx(true)
	require.NoError(t, err)
	b := bucket(t, tx, "t", "data")
	require.NoError(t, b.Put([]byte("a"), []byte("2")))
	require.NoError(t, b.Put([]byte("b"), []byte("2")))
	_, err = tx.CreateBucket("u", "data")
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())
	require.NoError(t, tx.Rollback())

	view(t, s, func(tx engine.Tx) {
		b := bucket(t, tx, "t", "data")
		require.Equal(t, "1", get(t, b, "a"))
		require.Equal(t, "<nil>", get(t, b, "b"))
		u, err := tx.Bucket("u", "data")
		require.NoError(t, err)
		require.Nil(t, u)
	})
}

func testReopen(t *testing.T, e engine.Engine) {
	s, err := e.Open("test")
	require.NoError(t, err)
	update(t, s, func(tx engine.Tx) {
		b, err := tx.CreateBucket("t", "data")
		require.NoError(t, err)
		require.NoError(t, b.Put([]byte("a"), []byte("1")))
	})
	require.NoError(t, s.Close())

	s = open(t, e, "test")
	view(t, s, func(tx engine.Tx) {
		require.Equal(t, "1", get(t, bucket(t, tx, "t", "data"), "a"))
	})
}

func testDeleteDB(t *testing.T, e engine.Engine) {
	s, err := e.Open("test")
	require.NoError(t, err)
	update(t, s, func(tx engine.Tx) {
		_, err := tx.CreateBucket("t", "data")
		require.NoError(t, err)
	})
	require.NoError(t, s.Close())

	require.NoError(t, e.Delete("test"))
	require.NoError(t, e.Delete("test"))

	s = open(t, e, "test")
	view(t, s, func(tx engine.Tx) {
		b, err := tx.Bucket("t", "data")
		require.NoError(t, err)
		require.Nil(t, b)
	})
}

func testReadOnly(t *testing.T, e engine.Engine) {
	s := open(t, e, "test")
	update(t, s, func(tx engine.Tx) {
		_, err := tx.CreateBucket("t", "data")
		require.NoError(t, err)
	})
	view(t, s, func(tx engine.Tx) {
		require.False(t, tx.Writable())
		b := bucket(t, tx, "t", "data")
		require.Error(t, b.Put([]byte("a"), []byte("1")))
		_, err := tx.CreateBucket("u", "")
		require.Error(t, err)
	})
}
