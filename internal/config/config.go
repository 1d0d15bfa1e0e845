// Package config loads session and socket parameters from an INI file,
// the way pkg/od/parser_v1.go loads an EDS. SOE has no object dictionary
// of its own, so this package reuses the same ini.v1-backed section/key
// reading style for a flat configuration file with a single [session]
// section instead.
package config

import (
	"time"

	"github.com/samsamfire/soe/pkg/reliable"
	"github.com/samsamfire/soe/pkg/session"
	"gopkg.in/ini.v1"
)

// Parameters bundles every negotiated-or-configured value §6's external
// interfaces section lists as a default.
type Parameters struct {
	ProtocolVersion     uint32
	ApplicationProtocol string
	LocalUDPLength      int
	DefaultCRCLength    int

	WindowSizeIn  int // N_in
	WindowSizeOut int // N_out
	DataAckWindow int
	AckAllEnabled bool // §3 "acknowledge-all flag"; unset defaults to disabled
	OverflowCap   int

	CoalesceHold      time.Duration
	RetransmitTimeout time.Duration
	MaxAckDelay       time.Duration
	HeartbeatAfter    time.Duration
	InactivityTimeout time.Duration
}

// Defaults returns the parameter set §6 specifies: protocol version 3,
// UDP length 512, CRC length 2, N_in = N_out = 400, data-ack-window 32,
// coalesce hold 50ms, retransmit timeout 500ms, max-ack-delay 30ms,
// heartbeat-after 25s, inactivity-timeout 30s.
func Defaults() Parameters {
	return Parameters{
		ProtocolVersion:     3,
		ApplicationProtocol: "",
		LocalUDPLength:      512,
		DefaultCRCLength:    2,
		WindowSizeIn:        400,
		WindowSizeOut:       400,
		DataAckWindow:       32,
		AckAllEnabled:       false,
		OverflowCap:         400,
		CoalesceHold:        50 * time.Millisecond,
		RetransmitTimeout:   500 * time.Millisecond,
		MaxAckDelay:         30 * time.Millisecond,
		HeartbeatAfter:      25 * time.Second,
		InactivityTimeout:   30 * time.Second,
	}
}

// Load reads a [session] section from an INI file (path, []byte, or
// io.Reader, anything ini.Load accepts), overriding Defaults() field by
// field wherever the file provides a key. Unknown keys and missing
// sections are ignored, matching Parse's tolerant EDS reading.
func Load(source any) (Parameters, error) {
	params := Defaults()

	cfg, err := ini.Load(source)
	if err != nil {
		return params, err
	}

	if !cfg.HasSection("session") {
		return params, nil
	}
	section := cfg.Section("session")

	if key := section.Key("ProtocolVersion"); key.String() != "" {
		params.ProtocolVersion = uint32(key.MustUint(uint(params.ProtocolVersion)))
	}
	if key := section.Key("ApplicationProtocol"); key.String() != "" {
		params.ApplicationProtocol = key.String()
	}
	if key := section.Key("LocalUDPLength"); key.String() != "" {
		params.LocalUDPLength = key.MustInt(params.LocalUDPLength)
	}
	if key := section.Key("CRCLength"); key.String() != "" {
		params.DefaultCRCLength = key.MustInt(params.DefaultCRCLength)
	}
	if key := section.Key("WindowSizeIn"); key.String() != "" {
		params.WindowSizeIn = key.MustInt(params.WindowSizeIn)
	}
	if key := section.Key("WindowSizeOut"); key.String() != "" {
		params.WindowSizeOut = key.MustInt(params.WindowSizeOut)
	}
	if key := section.Key("DataAckWindow"); key.String() != "" {
		params.DataAckWindow = key.MustInt(params.DataAckWindow)
	}
	if key := section.Key("AckAllEnabled"); key.String() != "" {
		params.AckAllEnabled = key.MustBool(params.AckAllEnabled)
	}
	if key := section.Key("OverflowCap"); key.String() != "" {
		params.OverflowCap = key.MustInt(params.OverflowCap)
	}
	if key := section.Key("CoalesceHold"); key.String() != "" {
		params.CoalesceHold = key.MustDuration(params.CoalesceHold)
	}
	if key := section.Key("RetransmitTimeout"); key.String() != "" {
		params.RetransmitTimeout = key.MustDuration(params.RetransmitTimeout)
	}
	if key := section.Key("MaxAckDelay"); key.String() != "" {
		params.MaxAckDelay = key.MustDuration(params.MaxAckDelay)
	}
	if key := section.Key("HeartbeatAfter"); key.String() != "" {
		params.HeartbeatAfter = key.MustDuration(params.HeartbeatAfter)
	}
	if key := section.Key("InactivityTimeout"); key.String() != "" {
		params.InactivityTimeout = key.MustDuration(params.InactivityTimeout)
	}

	return params, nil
}

// SessionConfig builds the session.Config fields this parameter set
// controls. Callers still fill in Pool, ciphers, and the Deliver/OnOpened/
// OnClosed callbacks, which are per-socket or per-deployment, not
// configuration-file concerns.
func (p Parameters) SessionConfig() session.Config {
	return session.Config{
		ProtocolVersion:     p.ProtocolVersion,
		ApplicationProtocol: p.ApplicationProtocol,
		LocalUDPLength:      p.LocalUDPLength,
		DefaultCRCLength:    p.DefaultCRCLength,
		WindowSizeIn:        p.WindowSizeIn,
		WindowSizeOut:       p.WindowSizeOut,
		DataAckWindow:       p.DataAckWindow,
		AckAllEnabled:       p.AckAllEnabled,
		OverflowCap:         p.OverflowCap,
		CoalesceHold:        p.CoalesceHold,
		MaxAckDelay:         p.MaxAckDelay,
		HeartbeatAfter:      p.HeartbeatAfter,
		InactivityTimeout:   p.InactivityTimeout,
	}
}

// ApplyPackageDefaults overrides the package-level tuning knobs
// pkg/reliable exposes as vars (AckWait, MaxAckDelay) with whatever this
// Parameters set specifies, so a loaded config actually takes effect
// instead of only living in session.Config.
func (p Parameters) ApplyPackageDefaults() {
	reliable.AckWait = p.RetransmitTimeout
	reliable.MaxAckDelay = p.MaxAckDelay
}
