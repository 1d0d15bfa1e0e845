package wire

// MultiDataMarker is the 2-byte prefix identifying a reliable-data payload
// as a coalesced multi-data envelope (§3, §4.4, GLOSSARY).
var MultiDataMarker = [2]byte{0x00, 0x19}

// SessionRequest is the contextless session-request packet body (§6).
type SessionRequest struct {
	ProtocolVersion     uint32
	SessionID           uint32
	UDPLength           uint32
	ApplicationProtocol string
}

// Encode serializes r into a fresh byte slice.
func (r *SessionRequest) Encode() []byte {
	w := NewWriter(make([]byte, 0, 4+4+4+len(r.ApplicationProtocol)+1))
	w.WriteUint32(r.ProtocolVersion)
	w.WriteUint32(r.SessionID)
	w.WriteUint32(r.UDPLength)
	w.WriteCString(r.ApplicationProtocol)
	return w.Bytes()
}

// DecodeSessionRequest parses a session-request body.
func DecodeSessionRequest(body []byte) (*SessionRequest, error) {
	r := NewReader(body)
	version, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	sessionID, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	udpLength, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	proto, err := r.ReadCString()
	if err != nil {
		return nil, err
	}
	return &SessionRequest{
		ProtocolVersion:     version,
		SessionID:           sessionID,
		UDPLength:           udpLength,
		ApplicationProtocol: proto,
	}, nil
}

// SessionResponse is the contextless session-response packet body (§6).
type SessionResponse struct {
	SessionID          uint32
	CRCSeed            uint32
	CRCLength          uint8
	CompressionEnabled bool
	UDPLength          uint32
	ProtocolVersion    uint32
}

// Encode serializes r into a fresh byte slice.
func (r *SessionResponse) Encode() []byte {
	w := NewWriter(make([]byte, 0, 4+4+1+1+1+4+4))
	w.WriteUint32(r.SessionID)
	w.WriteUint32(r.CRCSeed)
	w.WriteUint8(r.CRCLength)
	w.WriteUint8(boolByte(r.CompressionEnabled))
	w.WriteUint8(0) // unknown, reserved
	w.WriteUint32(r.UDPLength)
	w.WriteUint32(r.ProtocolVersion)
	return w.Bytes()
}

// DecodeSessionResponse parses a session-response body.
func DecodeSessionResponse(body []byte) (*SessionResponse, error) {
	r := NewReader(body)
	sessionID, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	seed, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	crcLength, err := r.ReadUint8()
	if err != nil {
		return nil, err
	}
	compressed, err := r.ReadUint8()
	if err != nil {
		return nil, err
	}
	if err := r.Skip(1); err != nil { // unknown byte
		return nil, err
	}
	udpLength, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	version, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	return &SessionResponse{
		SessionID:          sessionID,
		CRCSeed:            seed,
		CRCLength:          crcLength,
		CompressionEnabled: compressed != 0,
		UDPLength:          udpLength,
		ProtocolVersion:    version,
	}, nil
}

// Disconnect is the contextual disconnect packet body (§6).
type Disconnect struct {
	SessionID uint32
	Reason    DisconnectReason
}

// Encode serializes d into a fresh byte slice.
func (d *Disconnect) Encode() []byte {
	w := NewWriter(make([]byte, 0, 6))
	w.WriteUint32(d.SessionID)
	w.WriteUint16(uint16(d.Reason))
	return w.Bytes()
}

// DecodeDisconnect parses a disconnect body.
func DecodeDisconnect(body []byte) (*Disconnect, error) {
	r := NewReader(body)
	sessionID, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	reason, err := r.ReadUint16()
	if err != nil {
		return nil, err
	}
	return &Disconnect{SessionID: sessionID, Reason: DisconnectReason(reason)}, nil
}

// RemapConnection is the contextless remap-connection packet body (§6).
type RemapConnection struct {
	SessionID uint32
	CRCSeed   uint32
}

// Encode serializes r into a fresh byte slice.
func (r *RemapConnection) Encode() []byte {
	w := NewWriter(make([]byte, 0, 8))
	w.WriteUint32(r.SessionID)
	w.WriteUint32(r.CRCSeed)
	return w.Bytes()
}

// DecodeRemapConnection parses a remap-connection body.
func DecodeRemapConnection(body []byte) (*RemapConnection, error) {
	r := NewReader(body)
	sessionID, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	seed, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	return &RemapConnection{SessionID: sessionID, CRCSeed: seed}, nil
}

func boolByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
