package memengine_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/andreyvit/objstore/engine"
	"github.com/andreyvit/objstore/engine/enginetest"
	"github.com/andreyvit/objstore/engine/memengine"
)

func TestConformance(t *testing.T) {
	enginetest.Run(t, func(t *testing.T) engine.Engine {
		return memengine.New()
	})
}

func TestSingleWriter(t *testing.T) {
	s, err := memengine.New().Open("test")
	require.NoError(t, err)
	defer s.Close()

	tx1, err := s.BeginTx(true)
	require.NoError(t, err)

	started := make(chan engine.Tx)
	go func() {
		tx2, err := s.BeginTx(true)
		if err != nil {
			close(started)
			return
		}
		started <- tx2
	}()

	select {
	case <-started:
		t.Fatal("second writer started while the first one is open")
	case <-time.After(50 * time.Millisecond):
	}

	// readers are never blocked
	rtx, err := s.BeginTx(false)
	require.NoError(t, err)
	require.NoError(t, rtx.Rollback())

	require.NoError(t, tx1.Commit())
	tx2 := <-started
	require.NotNil(t, tx2)
	require.NoError(t, tx2.Rollback())
}

func TestSnapshotIsolation(t *testing.T) {
	s, err := memengine.New().Open("test")
	require.NoError(t, err)
	defer s.Close()

	wtx, err := s.BeginTx(true)
	require.NoError(t, err)
	b, err := wtx.CreateBucket("t", "data")
	require.NoError(t, err)
	require.NoError(t, b.Put([]byte("a"), []byte("1")))

	rtx, err := s.BeginTx(false)
	require.NoError(t, err)
	rb, err := rtx.Bucket("t", "data")
	require.NoError(t, err)
	require.Nil(t, rb)

	require.NoError(t, wtx.Commit())

	rb, err = rtx.Bucket("t", "data")
	require.NoError(t, err)
	require.Nil(t, rb, "snapshot must not observe later commits")
	require.NoError(t, rtx.Rollback())
}

func TestNames(t *testing.T) {
	e := memengine.New()
	for _, name := range []string{"b", "a"} {
		s, err := e.Open(name)
		require.NoError(t, err)
		require.NoError(t, s.Close())
	}
	require.Equal(t, []string{"a", "b"}, e.Names())
	require.NoError(t, e.Delete("a"))
	require.Equal(t, []string{"b"}, e.Names())
}
