package consumer

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type settled struct {
	acked, rejected bool
	nacked          bool
	requeue         bool
}

func (s *settled) Ack(bool) error { s.acked = true; return nil }

func (s *settled) Nack(_, requeue bool) error {
	s.nacked, s.requeue = true, requeue
	return nil
}

func (s *settled) Reject(requeue bool) error {
	s.rejected, s.requeue = true, requeue
	return nil
}

func TestHandle(t *testing.T) {
	var got []int64
	handler := func(_ context.Context, cmd MigrateCommand) error {
		got = append(got, cmd.ApplicationID)
		if cmd.ApplicationID == 13 {
			return errors.New("unknown application")
		}
		return nil
	}
	c := New("control", handler, zap.NewNop())

	t.Run("ack on success", func(t *testing.T) {
		s := &settled{}
		c.Handle([]byte(`{"app_id": 4}`), s)
		assert.True(t, s.acked)
	})

	t.Run("malformed is rejected", func(t *testing.T) {
		for _, body := range []string{`not json`, `{}`, `{"app_id": -1}`} {
			s := &settled{}
			c.Handle([]byte(body), s)
			assert.True(t, s.rejected, body)
			assert.False(t, s.requeue, body)
		}
	})

	t.Run("handler failure is requeued", func(t *testing.T) {
		s := &settled{}
		c.Handle([]byte(`{"app_id": 13}`), s)
		assert.True(t, s.nacked)
		assert.True(t, s.requeue)
	})

	assert.Equal(t, []int64{4, 13}, got)
}
