package redisstream

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/trickstertwo/xcqrs"
)

// delivery implements xcqrs.Delivery for one stream entry. The bus settles it
// after its mailbox batch is processed, so deliveries are never reused.
type delivery struct {
	t     *transport
	topic string
	group string
	id    string
	msg   *xcqrs.Message

	// Ensures Ack/Nack happens exactly once
	once sync.Once
}

func (t *transport) newDelivery(topic, group string, x redis.XMessage) *delivery {
	return &delivery{
		t:     t,
		topic: topic,
		group: group,
		id:    x.ID,
		msg:   decodeMessage(x.ID, x.Values),
	}
}

func (d *delivery) Message() *xcqrs.Message {
	return d.msg
}

// Ack acknowledges the entry, removing it from the group's pending list.
func (d *delivery) Ack(ctx context.Context) error {
	var err error
	d.once.Do(func() {
		err = d.ack(ctx)
	})
	return err
}

func (d *delivery) ack(ctx context.Context) error {
	if err := d.t.client.XAck(ctx, d.topic, d.group, d.id).Err(); err != nil {
		return err
	}
	d.t.metrics.acked.Add(1)
	// Optionally delete from stream after ack (saves memory)
	if d.t.cfg.AutoDeleteOnAck {
		_ = d.t.client.XDel(ctx, d.topic, d.id).Err()
	}
	return nil
}

// Nack reports a failed entry. Redis Streams has no NACK: with a dead-letter
// stream the entry is copied there and acked; without one it stays pending
// for the claim loop to redeliver.
func (d *delivery) Nack(ctx context.Context, reason error) error {
	var err error
	d.once.Do(func() {
		d.t.metrics.nacked.Add(1)
		dl := d.t.cfg.DeadLetter
		if dl == "" {
			return
		}

		values := encodeValues(d.msg)
		values[fieldOrigStream] = d.topic
		values[fieldOrigID] = d.id
		values[fieldError] = fmt.Sprintf("%v", reason)
		if err = d.t.client.XAdd(ctx, &redis.XAddArgs{
			Stream: dl,
			ID:     "*",
			Values: values,
		}).Err(); err != nil {
			// Keep it pending rather than lose it.
			return
		}
		d.t.metrics.deadLettered.Add(1)
		err = d.ack(ctx)
	})
	return err
}

// encodeValues flattens a message into stream entry fields.
func encodeValues(m *xcqrs.Message) map[string]any {
	// Pre-size map to reduce rehashing: id, name, payload, producedAt + metadata
	vals := make(map[string]any, 4+len(m.Metadata))
	if m.ID != "" {
		vals[fieldID] = m.ID
	}
	vals[fieldName] = m.Name
	vals[fieldPayload] = m.Payload
	vals[fieldProducedAt] = m.ProducedAt.UnixNano()
	for k, v := range m.Metadata {
		vals[fieldMetaPrefix+k] = v
	}
	return vals
}

// decodeMessage reconstructs an xcqrs.Message from stream entry values. The
// entry ID becomes the message ID; the envelope ID travels in metadata.
func decodeMessage(id string, vals map[string]any) *xcqrs.Message {
	msg := &xcqrs.Message{ID: id}

	if v, ok := vals[fieldName]; ok {
		msg.Name = asString(v)
	}
	if v, ok := vals[fieldPayload]; ok {
		switch p := v.(type) {
		case []byte:
			msg.Payload = p
		case string:
			msg.Payload = []byte(p)
		}
	}
	if pa := vals[fieldProducedAt]; pa != nil {
		if ns, ok := toInt64(pa); ok && ns > 0 {
			msg.ProducedAt = time.Unix(0, ns)
		}
	}
	for k, v := range vals {
		if strings.HasPrefix(k, fieldMetaPrefix) {
			if msg.Metadata == nil {
				msg.Metadata = make(map[string]string, 8)
			}
			msg.Metadata[strings.TrimPrefix(k, fieldMetaPrefix)] = asString(v)
		}
	}
	return msg
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprintf("%v", s)
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case string:
		if n == "" {
			return 0, false
		}
		if i, err := strconv.ParseInt(n, 10, 64); err == nil {
			return i, true
		}
	case []byte:
		return toInt64(string(n))
	}
	return 0, false
}
