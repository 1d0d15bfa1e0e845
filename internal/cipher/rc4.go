// Package cipher wraps RC4 stream cipher state for SOE's per-direction
// encryption, cloning the initial key schedule so that the send and
// receive streams evolve independently (§3 "Cipher state").
package cipher

import "golang.org/x/crypto/rc4"

// State is a single direction's RC4 stream state. It is not safe for
// concurrent use; sessions own one per direction and never share one.
type State struct {
	c *rc4.Cipher
}

// NewState builds a cipher state from a key, matching the application
// parameters' "initial cipher key state".
func NewState(key []byte) (*State, error) {
	c, err := rc4.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return &State{c: c}, nil
}

// Clone produces an independent copy of s sharing no mutable state, used
// at session negotiation to fork the application-supplied initial key
// state into separate send and receive streams.
func (s *State) Clone() *State {
	clone := *s.c
	return &State{c: &clone}
}

// Transform XORs data with the keystream in place and advances the
// internal RC4 state, matching §4.3/§4.4's in-place encrypt/decrypt step.
func (s *State) Transform(data []byte) {
	s.c.XORKeyStream(data, data)
}
