package wire

// OpCode identifies the 16-bit big-endian operation code at the start of
// every SOE packet (§6).
type OpCode uint16

// Op-code assignment. §6/§9 note the source material disagrees on whether
// 0x11 is Acknowledge or OutOfOrder, and whether 0x15 is Acknowledge or
// AcknowledgeAll. This implementation fixes the recommended pairing:
// 0x11 = Acknowledge, 0x15 = AcknowledgeAll. Traffic using the other
// historical pairing is not supported; see DESIGN.md.
const (
	OpSessionRequest    OpCode = 0x01
	OpSessionResponse   OpCode = 0x02
	OpMultiPacket       OpCode = 0x03
	OpDisconnect        OpCode = 0x05
	OpHeartbeat         OpCode = 0x06
	OpNetStatusRequest  OpCode = 0x07
	OpNetStatusResponse OpCode = 0x08
	OpReliableData      OpCode = 0x09
	OpReliableDataFrag  OpCode = 0x0D
	OpAcknowledge       OpCode = 0x11
	OpAcknowledgeAll    OpCode = 0x15
	OpUnknownSender     OpCode = 0x1D
	OpRemapConnection   OpCode = 0x1E
)

// Contextless reports whether op requires no established session, and
// therefore carries neither a compression flag nor a CRC trailer.
func (op OpCode) Contextless() bool {
	switch op {
	case OpSessionRequest, OpSessionResponse, OpUnknownSender, OpRemapConnection:
		return true
	default:
		return false
	}
}

// Known reports whether op is one of the op codes enumerated by §6.
func (op OpCode) Known() bool {
	switch op {
	case OpSessionRequest, OpSessionResponse, OpMultiPacket, OpDisconnect,
		OpHeartbeat, OpNetStatusRequest, OpNetStatusResponse, OpReliableData,
		OpReliableDataFrag, OpAcknowledge, OpAcknowledgeAll, OpUnknownSender,
		OpRemapConnection:
		return true
	default:
		return false
	}
}

func (op OpCode) String() string {
	switch op {
	case OpSessionRequest:
		return "SessionRequest"
	case OpSessionResponse:
		return "SessionResponse"
	case OpMultiPacket:
		return "MultiPacket"
	case OpDisconnect:
		return "Disconnect"
	case OpHeartbeat:
		return "Heartbeat"
	case OpNetStatusRequest:
		return "NetStatusRequest"
	case OpNetStatusResponse:
		return "NetStatusResponse"
	case OpReliableData:
		return "ReliableData"
	case OpReliableDataFrag:
		return "ReliableDataFragment"
	case OpAcknowledge:
		return "Acknowledge"
	case OpAcknowledgeAll:
		return "AcknowledgeAll"
	case OpUnknownSender:
		return "UnknownSender"
	case OpRemapConnection:
		return "RemapConnection"
	default:
		return "Unknown"
	}
}

// DisconnectReason is the 16-bit reason code carried by a Disconnect
// packet and by the session-closed callback (§6).
type DisconnectReason uint16

const (
	DisconnectNone                   DisconnectReason = 0
	DisconnectIcmpError              DisconnectReason = 1
	DisconnectTimeout                DisconnectReason = 2
	DisconnectOtherSideTerminated    DisconnectReason = 3
	DisconnectManagerDeleted         DisconnectReason = 4
	DisconnectConnectFail            DisconnectReason = 5
	DisconnectApplication            DisconnectReason = 6
	DisconnectUnreachableConnection  DisconnectReason = 7
	DisconnectUnacknowledgedTimeout  DisconnectReason = 8
	DisconnectNewConnectionAttempt   DisconnectReason = 9
	DisconnectConnectionRefused      DisconnectReason = 10
	DisconnectConnectError           DisconnectReason = 11
	DisconnectConnectingToSelf       DisconnectReason = 12
	DisconnectReliableOverflow       DisconnectReason = 13
	DisconnectApplicationReleased    DisconnectReason = 14
	DisconnectCorruptPacket          DisconnectReason = 15
	DisconnectProtocolMismatch       DisconnectReason = 16
)

var disconnectReasonNames = map[DisconnectReason]string{
	DisconnectNone:                  "none",
	DisconnectIcmpError:             "icmp-error",
	DisconnectTimeout:               "timeout",
	DisconnectOtherSideTerminated:   "other-side-terminated",
	DisconnectManagerDeleted:        "manager-deleted",
	DisconnectConnectFail:           "connect-fail",
	DisconnectApplication:           "application",
	DisconnectUnreachableConnection: "unreachable-connection",
	DisconnectUnacknowledgedTimeout: "unacknowledged-timeout",
	DisconnectNewConnectionAttempt:  "new-connection-attempt",
	DisconnectConnectionRefused:     "connection-refused",
	DisconnectConnectError:          "connect-error",
	DisconnectConnectingToSelf:      "connecting-to-self",
	DisconnectReliableOverflow:      "reliable-overflow",
	DisconnectApplicationReleased:   "application-released",
	DisconnectCorruptPacket:         "corrupt-packet",
	DisconnectProtocolMismatch:      "protocol-mismatch",
}

func (r DisconnectReason) String() string {
	if name, ok := disconnectReasonNames[r]; ok {
		return name
	}
	return "unknown"
}

// Error lets DisconnectReason satisfy the error interface for callers that
// treat termination as an error value (e.g. session-closed callbacks).
func (r DisconnectReason) Error() string {
	return r.String()
}
