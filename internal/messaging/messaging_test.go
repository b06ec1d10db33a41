package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-fontenele/grouporders/internal/domain"
)

func TestHeaderCarrier(t *testing.T) {
	msg := kafka.Message{}
	c := headerCarrier{msg: &msg}

	c.Set("traceparent", "00-a-b-01")
	c.Set(EventTypeHeader, string(domain.EventItemAdded))
	c.Set("traceparent", "00-c-d-01")

	assert.Equal(t, "00-c-d-01", c.Get("traceparent"))
	assert.Equal(t, string(domain.EventItemAdded), header(&msg, EventTypeHeader))
	assert.Empty(t, c.Get("missing"))
	assert.ElementsMatch(t, []string{"traceparent", EventTypeHeader}, c.Keys())
}

func TestDecodeEvent(t *testing.T) {
	t.Run("valid event", func(t *testing.T) {
		event, err := DecodeEvent([]byte(`{"type":"group_order.locked","groupOrderId":"go-1","version":7,"status":"locked"}`))
		require.NoError(t, err)
		assert.Equal(t, domain.EventGroupOrderLocked, event.Type)
		assert.Equal(t, int64(7), event.Version)
	})

	for name, payload := range map[string]string{
		"not json":      `nope`,
		"missing type":  `{"groupOrderId":"go-1"}`,
		"missing order": `{"type":"item.added"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeEvent([]byte(payload))
			require.Error(t, err)
		})
	}
}

func TestRetry(t *testing.T) {
	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		err := retry(context.Background(), 5, time.Millisecond, func() error {
			calls++
			if calls < 3 {
				return errors.New("email service down")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		boom := errors.New("boom")
		calls := 0
		err := retry(context.Background(), 4, time.Millisecond, func() error {
			calls++
			return boom
		})
		require.ErrorIs(t, err, boom)
		assert.Equal(t, 4, calls)
	})

	t.Run("stops when the context ends", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		err := retry(ctx, 10, time.Hour, func() error {
			calls++
			cancel()
			return errors.New("fail")
		})
		require.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	})
}
