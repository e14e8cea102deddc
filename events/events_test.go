package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"delogo/task"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKafka_Publish(t *testing.T) {
	cfg := mocks.NewTestConfig()
	cfg.Producer.Return.Successes = true
	producer := mocks.NewSyncProducer(t, cfg)

	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "delogo.tasks" {
			return errors.New("wrong topic " + msg.Topic)
		}
		key, _ := msg.Key.Encode()
		if string(key) != "t1" {
			return errors.New("wrong key " + string(key))
		}
		var headers = map[string]string{}
		for _, h := range msg.Headers {
			headers[string(h.Key)] = string(h.Value)
		}
		if headers["trace_id"] != "trace-1" || headers["event_type"] != string(task.EventCompleted) {
			return errors.New("missing headers")
		}
		body, _ := msg.Value.Encode()
		var ev task.Event
		if err := json.Unmarshal(body, &ev); err != nil {
			return err
		}
		if ev.Credits != 15 {
			return errors.New("credits not encoded")
		}
		return nil
	})

	k := NewKafkaWithProducer(producer, "delogo.tasks")
	ctx := WithTraceID(context.Background(), "trace-1")
	err := k.Publish(ctx, task.Event{
		Type:    task.EventCompleted,
		TaskID:  "t1",
		UserID:  "u1",
		Status:  task.StatusCompleted,
		Credits: 15,
		At:      time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, k.Close())
}

func TestKafka_PublishError(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	k := NewKafkaWithProducer(producer, "delogo.tasks")
	err := k.Publish(context.Background(), task.Event{Type: task.EventFailed, TaskID: "t2"})
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	require.NoError(t, k.Close())
}

func TestTraceID(t *testing.T) {
	assert.Empty(t, TraceID(context.Background()))
	assert.Equal(t, "abc", TraceID(WithTraceID(context.Background(), "abc")))
	assert.NoError(t, Nop{}.Publish(context.Background(), task.Event{}))
}
