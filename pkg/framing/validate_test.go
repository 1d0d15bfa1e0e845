package framing

import (
	"testing"

	"github.com/samsamfire/soe/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateHeartbeatRoundTrip(t *testing.T) {
	p := Params{CRCSeed: 0xABCD, CRCLength: 2}
	packet := BuildContextual(wire.OpHeartbeat, nil, p)
	result, op := Validate(packet, p)
	assert.Equal(t, Valid, result)
	assert.Equal(t, wire.OpHeartbeat, op)
}

func TestValidateTooShort(t *testing.T) {
	p := Params{CRCSeed: 1, CRCLength: 2}
	packet := []byte{0x00, 0x05, 0x01} // disconnect, way too short
	result, op := Validate(packet, p)
	assert.Equal(t, TooShort, result)
	assert.Equal(t, wire.OpDisconnect, op)
}

func TestValidateCRCMismatch(t *testing.T) {
	p := Params{CRCSeed: 1, CRCLength: 2}
	packet := BuildContextual(wire.OpHeartbeat, nil, p)
	packet[len(packet)-1] ^= 0xFF
	result, _ := Validate(packet, p)
	assert.Equal(t, CRCMismatch, result)
}

func TestValidateInvalidOpCode(t *testing.T) {
	p := Params{}
	packet := []byte{0xFF, 0xFE}
	result, _ := Validate(packet, p)
	assert.Equal(t, InvalidOpCode, result)
}

func TestContextlessHasNoCRCOrFlag(t *testing.T) {
	req := &wire.SessionRequest{ProtocolVersion: 3, SessionID: 1, UDPLength: 512, ApplicationProtocol: "test"}
	packet := BuildContextless(wire.OpSessionRequest, req.Encode())
	p := Params{}
	result, op := Validate(packet, p)
	assert.Equal(t, Valid, result)
	assert.Equal(t, wire.OpSessionRequest, op)
}

func TestStripContextualWithCompressionFlag(t *testing.T) {
	p := Params{CRCSeed: 7, CRCLength: 2, CompressionEnabled: true}
	payload := []byte("hello")
	packet := BuildContextual(wire.OpReliableData, append([]byte{0, 1}, payload...), p)
	result, op := Validate(packet, p)
	require.Equal(t, Valid, result)
	require.Equal(t, wire.OpReliableData, op)

	body, compressed, err := StripContextual(packet, p)
	require.NoError(t, err)
	assert.False(t, compressed)
	assert.Equal(t, append([]byte{0, 1}, payload...), body)
}
