package types

// RatchetHeader is sent alongside every ciphertext.
type RatchetHeader struct {
	DiffieHellmanPublicKey []byte `json:"dh_pub"`
	PreviousChainLength    uint32 `json:"pn"`
	MessageIndex           uint32 `json:"n"`
}

// RatchetState contains all fields the Double Ratchet needs to track.
type RatchetState struct {
	RootKey                 []byte            `json:"root_key"`
	DiffieHellmanPrivate    X25519Private     `json:"dh_priv"`
	DiffieHellmanPublic     X25519Public      `json:"dh_pub"`
	PeerDiffieHellmanPublic X25519Public      `json:"peer_dh_pub"`
	SendChainKey            []byte            `json:"send_ck,omitempty"`
	ReceiveChainKey         []byte            `json:"recv_ck,omitempty"`
	SendMessageIndex        uint32            `json:"ns"`
	ReceiveMessageIndex     uint32            `json:"nr"`
	PreviousChainLength     uint32            `json:"pn"`
	SkippedKeys             map[string][]byte `json:"skipped_keys"`
	// SkippedOrder lists SkippedKeys ids oldest first.
	SkippedOrder []string `json:"skipped_order,omitempty"`
	// RetiredPeerKeys are earlier peer ratchet keys, oldest first.
	RetiredPeerKeys []X25519Public `json:"retired_peer_keys,omitempty"`
}

// Clone returns a deep copy so a failed operation never leaks partial
// mutations into the stored state.
func (s RatchetState) Clone() RatchetState {
	out := s
	out.RootKey = append([]byte(nil), s.RootKey...)
	out.SendChainKey = append([]byte(nil), s.SendChainKey...)
	out.ReceiveChainKey = append([]byte(nil), s.ReceiveChainKey...)
	out.SkippedKeys = make(map[string][]byte, len(s.SkippedKeys))
	for k, v := range s.SkippedKeys {
		out.SkippedKeys[k] = append([]byte(nil), v...)
	}
	out.SkippedOrder = append([]string(nil), s.SkippedOrder...)
	out.RetiredPeerKeys = append([]X25519Public(nil), s.RetiredPeerKeys...)
	return out
}
