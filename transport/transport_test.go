package transport

import (
	"context"
	"testing"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestLocal(t *testing.T) {
	t.Run("payloads are delivered in order per source and tag", func(t *testing.T) {
		cluster := NewCluster(2)
		defer cluster.Close()

		a := cluster.Rank(0)
		b := cluster.Rank(1)
		ctx := context.Background()

		require.NoError(t, a.Send(ctx, 1, 7, []byte("first")))
		require.NoError(t, a.Send(ctx, 1, 8, []byte("other tag")))
		require.NoError(t, a.Send(ctx, 1, 7, []byte("second")))

		p, err := b.Receive(ctx, 0, 7)
		require.NoError(t, err)
		require.Equal(t, "first", string(p))

		p, err = b.Receive(ctx, 0, 7)
		require.NoError(t, err)
		require.Equal(t, "second", string(p))

		p, err = b.Receive(ctx, 0, 8)
		require.NoError(t, err)
		require.Equal(t, "other tag", string(p))
	})

	t.Run("receive waits for a later send", func(t *testing.T) {
		cluster := NewCluster(2)
		defer cluster.Close()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		go func() {
			time.Sleep(10 * time.Millisecond)
			cluster.Rank(1).Send(ctx, 0, 1, []byte{42})
		}()

		p, err := cluster.Rank(0).Receive(ctx, 1, 1)
		require.NoError(t, err)
		require.Equal(t, []byte{42}, p)
	})

	t.Run("send copies the payload", func(t *testing.T) {
		cluster := NewCluster(1)
		defer cluster.Close()

		ctx := context.Background()
		l := cluster.Rank(0)

		payload := []byte{1, 2, 3}
		require.NoError(t, l.Send(ctx, 0, 0, payload))
		payload[0] = 9

		p, err := l.Receive(ctx, 0, 0)
		require.NoError(t, err)
		require.Equal(t, []byte{1, 2, 3}, p)
	})

	t.Run("receive is canceled with its context", func(t *testing.T) {
		cluster := NewCluster(2)
		defer cluster.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		_, err := cluster.Rank(0).Receive(ctx, 1, 3)
		require.Error(t, err)
		require.True(t, errors.IsType(err, ErrTypeTransport))
	})

	t.Run("close releases pending receives", func(t *testing.T) {
		cluster := NewCluster(2)

		done := make(chan error)
		go func() {
			_, err := cluster.Rank(0).Receive(context.Background(), 1, 3)
			done <- err
		}()

		time.Sleep(10 * time.Millisecond)
		cluster.Close()

		err := <-done
		require.True(t, errors.IsType(err, ErrTypeClosed))
	})

	t.Run("invalid ranks are rejected", func(t *testing.T) {
		cluster := NewCluster(2)
		defer cluster.Close()

		err := cluster.Rank(0).Send(context.Background(), 2, 0, nil)
		require.True(t, errors.IsType(err, ErrTypeInvalidRank))

		_, err = cluster.Rank(0).Receive(context.Background(), -1, 0)
		require.True(t, errors.IsType(err, ErrTypeInvalidRank))
	})
}

func TestRun(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	errs := Run(ctx, 4, func(ctx context.Context, t Transport) error {
		next := (t.Rank() + 1) % t.Size()
		prev := (t.Rank() + t.Size() - 1) % t.Size()

		if err := t.Send(ctx, next, 5, Encode([]int{t.Rank()})); err != nil {
			return err
		}

		p, err := t.Receive(ctx, prev, 5)
		if err != nil {
			return err
		}

		v, err := Decode[int](p)
		if err != nil {
			return err
		}
		if v[0] != prev {
			return errors.New("unexpected ring value")
		}
		return nil
	})

	require.Len(t, errs, 4)
	for _, err := range errs {
		require.NoError(t, err)
	}
}

func TestCodec(t *testing.T) {
	t.Run("ints", func(t *testing.T) {
		v, err := Decode[int](Encode([]int{0, -1, 1 << 40, 17}))
		require.NoError(t, err)
		require.Equal(t, []int{0, -1, 1 << 40, 17}, v)
	})

	t.Run("float32", func(t *testing.T) {
		v, err := Decode[float32](Encode([]float32{-1.5, 0, 3.25}))
		require.NoError(t, err)
		require.Equal(t, []float32{-1.5, 0, 3.25}, v)
	})

	t.Run("empty float64", func(t *testing.T) {
		v, err := Decode[float64](Encode([]float64{}))
		require.NoError(t, err)
		require.Empty(t, v)
	})

	t.Run("kind mismatch", func(t *testing.T) {
		_, err := Decode[float64](Encode([]int{1}))
		require.Error(t, err)
		require.True(t, errors.IsType(err, ErrTypeMalformedData))
	})

	t.Run("truncated payload", func(t *testing.T) {
		b := Encode([]float64{1, 2})
		_, err := Decode[float64](b[:len(b)-3])
		require.Error(t, err)
	})
}
