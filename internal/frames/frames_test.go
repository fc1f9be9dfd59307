package frames

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/streambus/amqp/internal/buffer"
	"github.com/streambus/amqp/internal/encoding"
)

func writeReadFrame(t *testing.T, body FrameBody, channel uint16) FrameBody {
	t.Helper()

	buf := &buffer.Buffer{}
	require.NoError(t, Write(buf, Frame{
		Type:    TypeAMQP,
		Channel: channel,
		Body:    body,
	}))

	header, err := ParseHeader(buf)
	require.NoError(t, err)
	require.EqualValues(t, 2, header.DataOffset)
	require.EqualValues(t, TypeAMQP, header.FrameType)
	require.Equal(t, channel, header.Channel)

	decoded, err := ParseBody(buf)
	require.NoError(t, err)
	return decoded
}

func TestFrameHeaderRoundTrip(t *testing.T) {
	buf := &buffer.Buffer{}
	require.NoError(t, Write(buf, Frame{
		Type:    TypeAMQP,
		Channel: 42,
		Body:    &PerformClose{},
	}))

	size := buf.Len()
	header, err := ParseHeader(buf)
	require.NoError(t, err)
	require.EqualValues(t, size, header.Size)
	require.EqualValues(t, 42, header.Channel)
}

func TestParseHeaderMalformed(t *testing.T) {
	// size less than the 8 byte header is malformed
	buf := buffer.New([]byte{0, 0, 0, 4, 2, 0, 0, 0})
	_, err := ParseHeader(buf)
	require.Error(t, err)

	// data offset less than 2 is malformed
	buf = buffer.New([]byte{0, 0, 0, 8, 1, 0, 0, 0})
	_, err = ParseHeader(buf)
	require.Error(t, err)

	// short buffer
	buf = buffer.New([]byte{0, 0, 0})
	_, err = ParseHeader(buf)
	require.Error(t, err)
}

func TestOpenRoundTrip(t *testing.T) {
	open := &PerformOpen{
		ContainerID:  "container",
		Hostname:     "localhost",
		MaxFrameSize: 4096,
		ChannelMax:   10,
		IdleTimeout:  30 * time.Second,
		Properties: map[encoding.Symbol]any{
			"product": "streambus",
		},
	}

	decoded := writeReadFrame(t, open, 0)
	if diff := cmp.Diff(open, decoded); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestOpenDefaults(t *testing.T) {
	// max-frame-size and channel-max at their defaults are omitted
	// from the encoding and restored during decode
	open := &PerformOpen{
		ContainerID:  "container",
		MaxFrameSize: 4294967295,
		ChannelMax:   65535,
	}

	decoded := writeReadFrame(t, open, 0).(*PerformOpen)
	require.EqualValues(t, 4294967295, decoded.MaxFrameSize)
	require.EqualValues(t, 65535, decoded.ChannelMax)
}

func TestBeginRoundTrip(t *testing.T) {
	remoteChannel := uint16(3)
	begin := &PerformBegin{
		RemoteChannel:  &remoteChannel,
		NextOutgoingID: 1,
		IncomingWindow: 5000,
		OutgoingWindow: 1000,
		HandleMax:      32767,
	}

	decoded := writeReadFrame(t, begin, 1)
	if diff := cmp.Diff(begin, decoded); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestAttachRoundTrip(t *testing.T) {
	mode := encoding.SenderSettleModeUnsettled
	attach := &PerformAttach{
		Name:   "test-link",
		Handle: 2,
		Role:   encoding.RoleSender,
		Source: &Source{
			Address: "source-queue",
		},
		Target: &Target{
			Address: "target-queue",
		},
		SenderSettleMode:     &mode,
		InitialDeliveryCount: 0,
		MaxMessageSize:       1024,
	}

	decoded := writeReadFrame(t, attach, 0).(*PerformAttach)
	require.Equal(t, attach.Name, decoded.Name)
	require.Equal(t, attach.Handle, decoded.Handle)
	require.Equal(t, attach.Role, decoded.Role)
	require.Equal(t, attach.Source.Address, decoded.Source.Address)
	require.Equal(t, attach.Target.Address, decoded.Target.Address)
	require.Equal(t, *attach.SenderSettleMode, *decoded.SenderSettleMode)
	require.Equal(t, attach.MaxMessageSize, decoded.MaxMessageSize)
}

func TestFlowRoundTrip(t *testing.T) {
	nextIncomingID := uint32(10)
	handle := uint32(0)
	deliveryCount := uint32(5)
	linkCredit := uint32(100)
	flow := &PerformFlow{
		NextIncomingID: &nextIncomingID,
		IncomingWindow: 5000,
		NextOutgoingID: 12,
		OutgoingWindow: 5000,
		Handle:         &handle,
		DeliveryCount:  &deliveryCount,
		LinkCredit:     &linkCredit,
		Drain:          true,
	}

	decoded := writeReadFrame(t, flow, 2)
	if diff := cmp.Diff(flow, decoded); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestTransferRoundTrip(t *testing.T) {
	deliveryID := uint32(7)
	format := uint32(0)
	transfer := &PerformTransfer{
		Handle:        0,
		DeliveryID:    &deliveryID,
		DeliveryTag:   []byte("tag"),
		MessageFormat: &format,
		More:          true,
		Payload:       []byte("partial payload"),
	}

	decoded := writeReadFrame(t, transfer, 0).(*PerformTransfer)
	require.Equal(t, transfer.Handle, decoded.Handle)
	require.Equal(t, *transfer.DeliveryID, *decoded.DeliveryID)
	require.Equal(t, transfer.DeliveryTag, decoded.DeliveryTag)
	require.True(t, decoded.More)
	require.Equal(t, transfer.Payload, decoded.Payload)
}

func TestTransferAborted(t *testing.T) {
	transfer := &PerformTransfer{
		Handle:  1,
		Aborted: true,
	}

	decoded := writeReadFrame(t, transfer, 0).(*PerformTransfer)
	require.True(t, decoded.Aborted)
	require.False(t, decoded.More)
}

func TestDispositionRoundTrip(t *testing.T) {
	last := uint32(3)
	disposition := &PerformDisposition{
		Role:    encoding.RoleReceiver,
		First:   1,
		Last:    &last,
		Settled: true,
		State:   &encoding.StateAccepted{},
	}

	decoded := writeReadFrame(t, disposition, 0).(*PerformDisposition)
	require.Equal(t, disposition.Role, decoded.Role)
	require.Equal(t, disposition.First, decoded.First)
	require.Equal(t, *disposition.Last, *decoded.Last)
	require.True(t, decoded.Settled)
	require.IsType(t, &encoding.StateAccepted{}, decoded.State)
}

func TestDetachRoundTrip(t *testing.T) {
	detach := &PerformDetach{
		Handle: 4,
		Closed: true,
		Error: &encoding.Error{
			Condition:   "amqp:link:detach-forced",
			Description: "administrative action",
		},
	}

	decoded := writeReadFrame(t, detach, 0)
	if diff := cmp.Diff(detach, decoded); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestEndCloseRoundTrip(t *testing.T) {
	end := &PerformEnd{Error: &encoding.Error{Condition: "amqp:session:errant-link"}}
	decodedEnd := writeReadFrame(t, end, 5)
	if diff := cmp.Diff(end, decodedEnd); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}

	closePerf := &PerformClose{}
	decodedClose := writeReadFrame(t, closePerf, 0)
	if diff := cmp.Diff(closePerf, decodedClose); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestSASLFramesRoundTrip(t *testing.T) {
	buf := &buffer.Buffer{}
	require.NoError(t, Write(buf, Frame{
		Type: TypeSASL,
		Body: &SASLMechanisms{Mechanisms: []encoding.Symbol{"PLAIN", "ANONYMOUS"}},
	}))

	header, err := ParseHeader(buf)
	require.NoError(t, err)
	require.EqualValues(t, TypeSASL, header.FrameType)

	decoded, err := ParseBody(buf)
	require.NoError(t, err)
	mechs, ok := decoded.(*SASLMechanisms)
	require.True(t, ok)
	require.Equal(t, encoding.MultiSymbol{"PLAIN", "ANONYMOUS"}, mechs.Mechanisms)

	// outcome
	buf.Reset()
	require.NoError(t, Write(buf, Frame{
		Type: TypeSASL,
		Body: &SASLOutcome{Code: CodeSASLAuth},
	}))
	_, err = ParseHeader(buf)
	require.NoError(t, err)
	decoded, err = ParseBody(buf)
	require.NoError(t, err)
	outcome, ok := decoded.(*SASLOutcome)
	require.True(t, ok)
	require.Equal(t, CodeSASLAuth, outcome.Code)
}

func TestParseBodyUnknown(t *testing.T) {
	buf := &buffer.Buffer{}
	encoding.WriteDescriptor(buf, encoding.AMQPType(0x99))
	buf.AppendByte(0x45) // list0
	_, err := ParseBody(buf)
	require.Error(t, err)
}

func TestOpenForwardCompatibility(t *testing.T) {
	// an Open with extra trailing fields beyond those defined must
	// still decode, ignoring the extras
	buf := &buffer.Buffer{}
	require.NoError(t, encoding.MarshalComposite(buf, encoding.TypeCodeOpen, []encoding.MarshalField{
		{Value: strPtr("container")},
		{Value: strPtr("hostname")},
		{Value: uint32Ptr(512)},
		{Value: uint16Ptr(100)},
		{Value: nil, Omit: true},
		{Value: nil, Omit: true},
		{Value: nil, Omit: true},
		{Value: nil, Omit: true},
		{Value: nil, Omit: true},
		{Value: nil, Omit: true},
		{Value: strPtr("future-field")},
	}))

	var open PerformOpen
	require.NoError(t, open.Unmarshal(buf))
	require.Equal(t, "container", open.ContainerID)
	require.Equal(t, "hostname", open.Hostname)
	require.EqualValues(t, 512, open.MaxFrameSize)
	require.EqualValues(t, 100, open.ChannelMax)
}

func strPtr(s string) *string    { return &s }
func uint32Ptr(n uint32) *uint32 { return &n }
func uint16Ptr(n uint16) *uint16 { return &n }
