package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/rollcall/events"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("write without deadline")
	}
	w.msgs = append(w.msgs, msgs...)
	return w.err
}

func (w *fakeWriter) Close() error { return nil }

func TestPublish(t *testing.T) {
	w := &fakeWriter{}
	p := &Publisher{writer: w}

	err := p.Publish(context.Background(), events.Event{Type: events.RecordApproved, SessionID: "s1", RecordID: "r9"})
	require.NoError(t, err)
	require.Len(t, w.msgs, 1)
	require.Equal(t, []byte("s1"), w.msgs[0].Key)
	require.Equal(t, "type", w.msgs[0].Headers[0].Key)
	require.Equal(t, []byte(events.RecordApproved), w.msgs[0].Headers[0].Value)

	var got events.Event
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	require.Equal(t, "r9", got.RecordID)
}

func TestNewRequiresBrokers(t *testing.T) {
	_, err := New(nil, "topic")
	require.Error(t, err)

	p, err := New([]string{"localhost:9092"}, "")
	require.NoError(t, err)
	require.Equal(t, DefaultTopic, p.writer.(*kafka.Writer).Topic)
	require.NoError(t, p.Close())
}
