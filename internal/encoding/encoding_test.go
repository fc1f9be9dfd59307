package encoding

import (
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/streambus/amqp/internal/buffer"
)

const amqpArrayHeaderLength = 4

func roundTrip(t *testing.T, value any) any {
	t.Helper()

	buf := &buffer.Buffer{}
	require.NoError(t, Marshal(buf, value))

	decoded, err := ReadAny(buf)
	require.NoError(t, err)
	require.Zero(t, buf.Len(), "decoding must consume the full encoding")
	return decoded
}

func TestRoundTripPrimitives(t *testing.T) {
	tests := []struct {
		label string
		value any
		want  any
	}{
		{label: "nil", value: nil, want: nil},
		{label: "true", value: true, want: true},
		{label: "false", value: false, want: false},
		{label: "uint8", value: uint8(200), want: uint8(200)},
		{label: "uint16", value: uint16(60000), want: uint16(60000)},
		{label: "uint32-zero", value: uint32(0), want: uint32(0)},
		{label: "uint32-small", value: uint32(255), want: uint32(255)},
		{label: "uint32", value: uint32(math.MaxUint32), want: uint32(math.MaxUint32)},
		{label: "uint64-zero", value: uint64(0), want: uint64(0)},
		{label: "uint64", value: uint64(math.MaxUint64), want: uint64(math.MaxUint64)},
		{label: "int8", value: int8(-100), want: int8(-100)},
		{label: "int16", value: int16(-30000), want: int16(-30000)},
		{label: "int32-small", value: int32(-100), want: int32(-100)},
		{label: "int32", value: int32(math.MinInt32), want: int32(math.MinInt32)},
		{label: "int64-small", value: int64(100), want: int64(100)},
		{label: "int64", value: int64(math.MinInt64), want: int64(math.MinInt64)},
		{label: "float32", value: float32(3.14159), want: float32(3.14159)},
		{label: "float64", value: float64(-2.71828), want: float64(-2.71828)},
		{label: "string-short", value: "hello", want: "hello"},
		{label: "binary", value: []byte{0xde, 0xad, 0xbe, 0xef}, want: []byte{0xde, 0xad, 0xbe, 0xef}},
		{label: "uuid", value: UUID{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}, want: UUID{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}},
	}
	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			got := roundTrip(t, tt.value)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRoundTripLongString(t *testing.T) {
	long := make([]byte, 300)
	for i := range long {
		long[i] = 'a' + byte(i%26)
	}
	got := roundTrip(t, string(long))
	require.Equal(t, string(long), got)
}

func TestRoundTripSymbol(t *testing.T) {
	buf := &buffer.Buffer{}
	require.NoError(t, Marshal(buf, Symbol("amqp:accepted:list")))
	require.EqualValues(t, TypeCodeSym8, buf.Bytes()[0])

	s, err := ReadString(buf)
	require.NoError(t, err)
	require.Equal(t, "amqp:accepted:list", s)
}

func TestRoundTripTimestamp(t *testing.T) {
	// wire precision is milliseconds
	now := time.Now().UTC().Truncate(time.Millisecond)
	got := roundTrip(t, now)
	require.Equal(t, now, got)
}

func TestRoundTripList(t *testing.T) {
	value := []any{"one", uint32(2), true}
	got := roundTrip(t, value)
	if diff := cmp.Diff(value, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestRoundTripMap(t *testing.T) {
	value := map[string]any{
		"color":  "red",
		"weight": int64(42),
	}
	got := roundTrip(t, value)
	if diff := cmp.Diff(value, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestMarshalArrayInt64AsLongArray(t *testing.T) {
	// 128 is larger than an int8 can contain. When marshaled it'll
	// have to use typeCodeLong (8 bytes, signed) vs typeCodeSmalllong
	// (1 byte, signed).
	ai := arrayInt64([]int64{math.MaxInt8 + 1})

	buf := &buffer.Buffer{}
	require.NoError(t, ai.Marshal(buf))
	require.EqualValues(t, amqpArrayHeaderLength+8, buf.Len(), "expected an AMQP array header (4 bytes) + 8 bytes for a long")

	unmarshalled := arrayInt64{}
	require.NoError(t, unmarshalled.Unmarshal(buf))

	require.EqualValues(t, arrayInt64([]int64{math.MaxInt8 + 1}), unmarshalled)
}

func TestMarshalArrayInt64AsSmallLongArray(t *testing.T) {
	// If the values are small enough for a typeCodeSmalllong (1 byte,
	// signed) we can save some space.
	ai := arrayInt64([]int64{math.MaxInt8, math.MinInt8})

	buf := &buffer.Buffer{}
	require.NoError(t, ai.Marshal(buf))
	require.EqualValues(t, amqpArrayHeaderLength+1+1, buf.Len(), "expected an AMQP array header (4 bytes) + 1 byte apiece for the two values")

	unmarshalled := arrayInt64{}
	require.NoError(t, unmarshalled.Unmarshal(buf))

	require.EqualValues(t, arrayInt64([]int64{math.MaxInt8, math.MinInt8}), unmarshalled)
}

func TestRoundTripArrays(t *testing.T) {
	tests := []struct {
		label string
		value any
	}{
		{label: "bools", value: []bool{true, false, true}},
		{label: "uint32s", value: []uint32{0, 255, 65536}},
		{label: "int32s", value: []int32{-1000, 0, 1000}},
		{label: "strings", value: []string{"a", "bb", "ccc"}},
		{label: "symbols", value: []Symbol{"x", "y"}},
		{label: "binaries", value: [][]byte{{1}, {2, 3}}},
	}
	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			buf := &buffer.Buffer{}
			require.NoError(t, Marshal(buf, tt.value))

			switch want := tt.value.(type) {
			case []bool:
				var got []bool
				require.NoError(t, Unmarshal(buf, &got))
				require.Equal(t, want, got)
			case []uint32:
				var got []uint32
				require.NoError(t, Unmarshal(buf, &got))
				require.Equal(t, want, got)
			case []int32:
				var got []int32
				require.NoError(t, Unmarshal(buf, &got))
				require.Equal(t, want, got)
			case []string:
				var got []string
				require.NoError(t, Unmarshal(buf, &got))
				require.Equal(t, want, got)
			case []Symbol:
				var got []Symbol
				require.NoError(t, Unmarshal(buf, &got))
				require.Equal(t, want, got)
			case [][]byte:
				var got [][]byte
				require.NoError(t, Unmarshal(buf, &got))
				require.Equal(t, want, got)
			}
		})
	}
}

func TestMultiSymbolSingleValue(t *testing.T) {
	// a single symbol may appear where an array of symbols is expected
	buf := &buffer.Buffer{}
	require.NoError(t, Symbol("PLAIN").Marshal(buf))

	var ms MultiSymbol
	require.NoError(t, ms.Unmarshal(buf))
	require.Equal(t, MultiSymbol{"PLAIN"}, ms)
}

func TestCompositeTruncation(t *testing.T) {
	// trailing null fields must be omitted from the encoded list
	e := &Error{Condition: "amqp:internal-error"}

	buf := &buffer.Buffer{}
	require.NoError(t, e.Marshal(buf))

	full := &Error{Condition: "amqp:internal-error", Description: "boom"}
	bufFull := &buffer.Buffer{}
	require.NoError(t, full.Marshal(bufFull))

	require.Less(t, buf.Len(), bufFull.Len())

	var decoded Error
	require.NoError(t, decoded.Unmarshal(buf))
	require.Equal(t, ErrCond("amqp:internal-error"), decoded.Condition)
	require.Empty(t, decoded.Description)
}

func TestCompositeEmptyList(t *testing.T) {
	sa := &StateAccepted{}
	buf := &buffer.Buffer{}
	require.NoError(t, sa.Marshal(buf))

	// descriptor constructor, smallulong descriptor, list0
	require.Equal(t, []byte{0x00, byte(TypeCodeSmallUlong), byte(TypeCodeStateAccepted), byte(TypeCodeList0)}, buf.Bytes())

	state, err := ReadAny(buf)
	require.NoError(t, err)
	require.IsType(t, &StateAccepted{}, state)
}

func TestUnknownDescriptorDecodesGenerically(t *testing.T) {
	dt := DescribedType{
		Descriptor: uint64(0x99),
		Value:      "mystery",
	}
	buf := &buffer.Buffer{}
	require.NoError(t, dt.Marshal(buf))

	got, err := ReadAny(buf)
	require.NoError(t, err)
	require.Equal(t, DescribedType{Descriptor: uint64(0x99), Value: "mystery"}, got)
}

func TestDeliveryStateRoundTrip(t *testing.T) {
	tests := []struct {
		label string
		state DeliveryState
	}{
		{label: "accepted", state: &StateAccepted{}},
		{label: "released", state: &StateReleased{}},
		{label: "rejected", state: &StateRejected{Error: &Error{Condition: "amqp:not-allowed"}}},
		{label: "modified", state: &StateModified{DeliveryFailed: true}},
		{label: "received", state: &StateReceived{SectionNumber: 1, SectionOffset: 2}},
	}
	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			buf := &buffer.Buffer{}
			require.NoError(t, Marshal(buf, tt.state))

			var got DeliveryState
			require.NoError(t, Unmarshal(buf, &got))
			if diff := cmp.Diff(tt.state, got); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestInvalidUTF8StringFails(t *testing.T) {
	buf := &buffer.Buffer{}
	require.Error(t, Marshal(buf, string([]byte{0xff, 0xfe, 0xfd})))
}

func TestDecodeInvalidCode(t *testing.T) {
	buf := buffer.New([]byte{0x3f, 0x00})
	_, err := ReadAny(buf)
	require.Error(t, err)
}

func TestDecodeTruncatedListFails(t *testing.T) {
	// list8 claiming a size larger than the remaining bytes
	buf := buffer.New([]byte{byte(TypeCodeList8), 0x20, 0x01})
	var l []any
	require.Error(t, Unmarshal(buf, &l))
}

func TestMillisecondsRoundTrip(t *testing.T) {
	buf := &buffer.Buffer{}
	ms := Milliseconds(1500 * time.Millisecond)
	require.NoError(t, ms.Marshal(buf))

	var got Milliseconds
	require.NoError(t, got.Unmarshal(buf))
	require.Equal(t, ms, got)
}
