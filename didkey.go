package didwebvh

import (
	"crypto/ed25519"
	"fmt"
	"strings"

	"github.com/bluesky-social/indigo/atproto/atcrypto"
)

// PublicKey is the verification-side view of a key resolved from a did:key.
type PublicKey interface {
	// Verify checks a signature over the prepared hash data.
	Verify(data []byte, sig []byte) error
	// Multibase returns the public key in multibase multikey encoding.
	Multibase() string
}

type ed25519PublicKey struct {
	pub ed25519.PublicKey
}

func (k ed25519PublicKey) Verify(data []byte, sig []byte) error {
	if !ed25519.Verify(k.pub, data, sig) {
		return fmt.Errorf("%w: ed25519 verification failed", ErrSignature)
	}
	return nil
}

func (k ed25519PublicKey) Multibase() string {
	return encodeMultikey(mcEd25519Pub, k.pub)
}

type ecdsaPublicKey struct {
	pub atcrypto.PublicKey
}

func (k ecdsaPublicKey) Verify(data []byte, sig []byte) error {
	if err := k.pub.HashAndVerify(data, sig); err != nil {
		return fmt.Errorf("%w: %v", ErrSignature, err)
	}
	return nil
}

func (k ecdsaPublicKey) Multibase() string {
	return k.pub.Multibase()
}

// ResolveDIDKey resolves a did:key DID to its public key material. This is a
// pure function: did:key encodes the key directly, no lookup happens.
// Supports ed25519 plus the P-256 and K-256 curves handled by atcrypto.
func ResolveDIDKey(didKey string) (PublicKey, error) {
	id, _, _ := strings.Cut(didKey, "#")
	mk, ok := strings.CutPrefix(id, "did:key:")
	if !ok {
		return nil, fmt.Errorf("not a did:key: %s", didKey)
	}
	codec, raw, err := decodeMultikey(mk)
	if err != nil {
		return nil, fmt.Errorf("invalid did:key %s: %w", didKey, err)
	}
	if codec == mcEd25519Pub {
		if len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("invalid ed25519 public key length %d", len(raw))
		}
		return ed25519PublicKey{pub: ed25519.PublicKey(raw)}, nil
	}
	pub, err := atcrypto.ParsePublicDIDKey(id)
	if err != nil {
		return nil, err
	}
	return ecdsaPublicKey{pub: pub}, nil
}
