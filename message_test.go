package amqp

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"
)

func messageRoundTrip(t *testing.T, msg *Message) *Message {
	t.Helper()

	encoded, err := msg.MarshalBinary()
	require.NoError(t, err)

	var decoded Message
	require.NoError(t, decoded.UnmarshalBinary(encoded))
	return &decoded
}

func TestMessageDataRoundTrip(t *testing.T) {
	msg := NewMessage([]byte("hello"))
	decoded := messageRoundTrip(t, msg)
	require.Equal(t, []byte("hello"), decoded.GetData())
}

func TestMessageMultipleDataSections(t *testing.T) {
	msg := &Message{Data: [][]byte{[]byte("one"), []byte("two")}}
	decoded := messageRoundTrip(t, msg)
	require.Equal(t, [][]byte{[]byte("one"), []byte("two")}, decoded.Data)
	require.Equal(t, []byte("one"), decoded.GetData())
}

func TestMessageValueRoundTrip(t *testing.T) {
	msg := &Message{Value: "an amqp-value body"}
	decoded := messageRoundTrip(t, msg)
	require.Equal(t, "an amqp-value body", decoded.Value)
}

func TestMessageSequenceRoundTrip(t *testing.T) {
	msg := &Message{Sequence: [][]any{{"a", int64(1)}, {"b", int64(2)}}}
	decoded := messageRoundTrip(t, msg)
	require.Equal(t, msg.Sequence, decoded.Sequence)
}

func TestMessageFullRoundTrip(t *testing.T) {
	creation := time.Date(2023, 4, 5, 6, 7, 8, 0, time.UTC)
	to := "/queues/q1"
	subject := "greetings"
	replyTo := "/queues/replies"
	contentType := "text/plain"
	groupSequence := uint32(42)

	msg := &Message{
		Header: &MessageHeader{
			Durable:       true,
			Priority:      9,
			TTL:           time.Minute,
			DeliveryCount: 3,
		},
		DeliveryAnnotations: Annotations{
			"x-opt-via": "router-1",
		},
		Annotations: Annotations{
			"x-opt-partition": int64(7),
		},
		Properties: &MessageProperties{
			MessageID:     "id-123",
			UserID:        []byte("user"),
			To:            &to,
			Subject:       &subject,
			ReplyTo:       &replyTo,
			ContentType:   &contentType,
			CreationTime:  &creation,
			GroupSequence: &groupSequence,
		},
		ApplicationProperties: map[string]any{
			"origin": "unit-test",
			"count":  int64(2),
		},
		Data: [][]byte{[]byte("payload")},
		Footer: Annotations{
			"x-checksum": "abc123",
		},
	}

	decoded := messageRoundTrip(t, msg)

	if diff := cmp.Diff(msg, decoded, cmpopts.IgnoreUnexported(Message{})); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestMessageHeaderDefaults(t *testing.T) {
	// a header with default values encodes to an empty list and
	// decodes back to the defaults
	msg := &Message{
		Header: &MessageHeader{Priority: 4},
		Data:   [][]byte{[]byte("x")},
	}
	decoded := messageRoundTrip(t, msg)
	require.NotNil(t, decoded.Header)
	require.EqualValues(t, 4, decoded.Header.Priority)
	require.False(t, decoded.Header.Durable)
}

func TestMessageUnmarshalGarbage(t *testing.T) {
	var msg Message
	require.Error(t, msg.UnmarshalBinary([]byte{0x00, 0xff, 0x00}))
}
