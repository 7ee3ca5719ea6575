package config

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/curve25519"
)

// TunnelKeys is one tunnel endpoint's WireGuard identity: its own keypair
// and the peers it trusts.
type TunnelKeys struct {
	OwnPrivateKey  string
	OwnPublicKey   string
	PeerPublicKeys []string
	PeerEndpoints  []string
}

// LoadTunnelKeys strictly loads one tunnel endpoint's key material from
// environment variables only — never from YAML or a flag — under
// prefix_OWN_PRIVATE, prefix_OWN_PUBLIC, prefix_PEER_PUBLIC, and the
// optional prefix_PEER_ENDPOINT. It fails fast if either key is missing,
// malformed, or the public key is not
// the X25519 derivation of the private key.
func LoadTunnelKeys(prefix string) (*TunnelKeys, error) {
	ownPrivate := os.Getenv(prefix + "_OWN_PRIVATE")
	ownPublic := os.Getenv(prefix + "_OWN_PUBLIC")
	peerPublic := os.Getenv(prefix + "_PEER_PUBLIC")
	peerEndpoint := os.Getenv(prefix + "_PEER_ENDPOINT")

	if ownPrivate == "" {
		return nil, fmt.Errorf("%s_OWN_PRIVATE is required", prefix)
	}
	if ownPublic == "" {
		return nil, fmt.Errorf("%s_OWN_PUBLIC is required", prefix)
	}
	if peerPublic == "" {
		return nil, fmt.Errorf("%s_PEER_PUBLIC is required", prefix)
	}

	if err := verifyKeypair(ownPrivate, ownPublic); err != nil {
		return nil, fmt.Errorf("%s_OWN_PUBLIC does not match %s_OWN_PRIVATE: %w", prefix, prefix, err)
	}

	peerPublicKeys := splitList(peerPublic)
	for _, pub := range peerPublicKeys {
		if _, err := decodeKey(pub); err != nil {
			return nil, fmt.Errorf("%s_PEER_PUBLIC contains an invalid key %q: %w", prefix, pub, err)
		}
	}

	var peerEndpoints []string
	if peerEndpoint != "" {
		peerEndpoints = splitList(peerEndpoint)
	}

	return &TunnelKeys{
		OwnPrivateKey:  ownPrivate,
		OwnPublicKey:   ownPublic,
		PeerPublicKeys: peerPublicKeys,
		PeerEndpoints:  peerEndpoints,
	}, nil
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func decodeKey(b64 string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("not valid base64: %w", err)
	}
	if len(key) != curve25519.PointSize {
		return nil, fmt.Errorf("decoded key is %d bytes, want %d", len(key), curve25519.PointSize)
	}
	return key, nil
}

// verifyKeypair checks that publicB64 is the X25519 public key derived
// from privateB64, the same relationship `wg pubkey` verifies.
func verifyKeypair(privateB64, publicB64 string) error {
	priv, err := decodeKey(privateB64)
	if err != nil {
		return fmt.Errorf("private key: %w", err)
	}
	want, err := decodeKey(publicB64)
	if err != nil {
		return fmt.Errorf("public key: %w", err)
	}

	got, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return fmt.Errorf("derive public key: %w", err)
	}

	if !bytes.Equal(got, want) {
		return fmt.Errorf("public key does not match private key's X25519 derivation")
	}
	return nil
}
