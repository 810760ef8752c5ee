package didwebvh

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bluesky-social/indigo/atproto/atcrypto"
	"github.com/gowebpki/jcs"
	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-varint"
)

const (
	CryptosuiteEddsaJcs = "eddsa-jcs-2022"
	CryptosuiteEcdsaJcs = "ecdsa-jcs-2019"

	ProofTypeDataIntegrity = "DataIntegrityProof"
	ProofPurposeAssertion  = "assertionMethod"
	ProofPurposeAuth       = "authentication"
)

// multicodec prefixes for ed25519 key material
const (
	mcEd25519Pub  = 0xed
	mcEd25519Priv = 0x1300
)

// Proof is a W3C Data Integrity proof over a JCS-canonicalized JSON document.
type Proof struct {
	Type               string `json:"type"`
	Cryptosuite        string `json:"cryptosuite"`
	VerificationMethod string `json:"verificationMethod"`
	Created            string `json:"created,omitempty"`
	ProofPurpose       string `json:"proofPurpose"`
	ProofValue         string `json:"proofValue,omitempty"`
}

// DIDKey extracts the did:key DID from the proof's verification method,
// dropping any fragment.
func (p Proof) DIDKey() (string, error) {
	if !strings.HasPrefix(p.VerificationMethod, "did:key:") {
		return "", fmt.Errorf("%w: verification method %q is not a did:key", ErrSignature, p.VerificationMethod)
	}
	id, _, _ := strings.Cut(p.VerificationMethod, "#")
	return id, nil
}

// SigningKey is a private key capable of producing Data Integrity proofs.
// Implementations exist for ed25519 (eddsa-jcs-2022) and for the P-256/K-256
// keys provided by atcrypto (ecdsa-jcs-2019).
type SigningKey interface {
	// DIDKey returns the public key as a did:key DID.
	DIDKey() string
	// Multibase returns the private key in multibase multikey encoding.
	Multibase() string
	// Sign signs the prepared hash data.
	Sign(data []byte) ([]byte, error)
	// Cryptosuite names the Data Integrity cryptosuite this key signs for.
	Cryptosuite() string
}

// ProofVerifier checks a Data Integrity proof against a did:key public key.
// Injected into validation so the core can be exercised with fakes.
type ProofVerifier interface {
	Verify(doc any, proof Proof, didKey string) error
}

// SecretsResolver supplies signing keys at entry-creation time. It is never
// consulted during validation.
type SecretsResolver interface {
	ResolveSigningKey(verificationMethod string) (SigningKey, error)
}

// hashData computes the cryptosuite signing input: the SHA-256 hash of the
// canonicalized proof options concatenated with the SHA-256 hash of the
// canonicalized document (which must not contain a proof).
func hashData(doc any, options Proof) ([]byte, error) {
	options.ProofValue = ""
	optBytes, err := canonicalize(options)
	if err != nil {
		return nil, fmt.Errorf("canonicalizing proof options: %w", err)
	}
	docBytes, err := canonicalize(doc)
	if err != nil {
		return nil, fmt.Errorf("canonicalizing document: %w", err)
	}
	optHash := sha256.Sum256(optBytes)
	docHash := sha256.Sum256(docBytes)
	return append(optHash[:], docHash[:]...), nil
}

func canonicalize(doc any) ([]byte, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	return jcs.Transform(raw)
}

// SignProof produces a Data Integrity proof over doc. The doc must not carry
// an embedded proof.
func SignProof(doc any, key SigningKey, purpose string, created string) (Proof, error) {
	didKey := key.DIDKey()
	proof := Proof{
		Type:               ProofTypeDataIntegrity,
		Cryptosuite:        key.Cryptosuite(),
		VerificationMethod: didKey + "#" + strings.TrimPrefix(didKey, "did:key:"),
		Created:            created,
		ProofPurpose:       purpose,
	}
	data, err := hashData(doc, proof)
	if err != nil {
		return Proof{}, err
	}
	sig, err := key.Sign(data)
	if err != nil {
		return Proof{}, err
	}
	proof.ProofValue, err = multibase.Encode(multibase.Base58BTC, sig)
	if err != nil {
		return Proof{}, err
	}
	return proof, nil
}

// VerifyProof checks the proof against the public key named by didKey.
func VerifyProof(doc any, proof Proof, didKey string) error {
	if proof.Type != ProofTypeDataIntegrity {
		return fmt.Errorf("%w: unexpected proof type %q", ErrSignature, proof.Type)
	}
	if proof.ProofValue == "" {
		return fmt.Errorf("%w: empty proofValue", ErrSignature)
	}
	enc, sig, err := multibase.Decode(proof.ProofValue)
	if err != nil {
		return fmt.Errorf("%w: bad proofValue encoding: %v", ErrSignature, err)
	}
	if enc != multibase.Base58BTC {
		return fmt.Errorf("%w: proofValue must be base58btc multibase", ErrSignature)
	}
	data, err := hashData(doc, proof)
	if err != nil {
		return err
	}
	pub, err := ResolveDIDKey(didKey)
	if err != nil {
		return err
	}
	return pub.Verify(data, sig)
}

// MultikeyVerifier is the default ProofVerifier, resolving did:key
// verification methods to public key material.
type MultikeyVerifier struct{}

var _ ProofVerifier = MultikeyVerifier{}

func (MultikeyVerifier) Verify(doc any, proof Proof, didKey string) error {
	pdk, err := proof.DIDKey()
	if err != nil {
		return err
	}
	if pdk != didKey {
		return fmt.Errorf("%w: proof signed by %s, expected %s", ErrSignature, pdk, didKey)
	}
	return VerifyProof(doc, proof, didKey)
}

// Ed25519Key signs with the eddsa-jcs-2022 cryptosuite.
type Ed25519Key struct {
	priv ed25519.PrivateKey
}

var _ SigningKey = (*Ed25519Key)(nil)

func GenerateEd25519Key() (*Ed25519Key, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Ed25519Key{priv: priv}, nil
}

func (k *Ed25519Key) DIDKey() string {
	pub := k.priv.Public().(ed25519.PublicKey)
	return "did:key:" + encodeMultikey(mcEd25519Pub, pub)
}

func (k *Ed25519Key) Multibase() string {
	return encodeMultikey(mcEd25519Priv, k.priv.Seed())
}

func (k *Ed25519Key) Sign(data []byte) ([]byte, error) {
	return ed25519.Sign(k.priv, data), nil
}

func (k *Ed25519Key) Cryptosuite() string {
	return CryptosuiteEddsaJcs
}

// ecdsaKey adapts an atcrypto private key (P-256 or K-256) to the
// ecdsa-jcs-2019 cryptosuite.
type ecdsaKey struct {
	priv atcrypto.PrivateKey
}

var _ SigningKey = (*ecdsaKey)(nil)

func NewECDSAKey(priv atcrypto.PrivateKey) SigningKey {
	return &ecdsaKey{priv: priv}
}

func (k *ecdsaKey) DIDKey() string {
	pub, err := k.priv.PublicKey()
	if err != nil {
		return ""
	}
	return pub.DIDKey()
}

func (k *ecdsaKey) Multibase() string {
	if exp, ok := k.priv.(atcrypto.PrivateKeyExportable); ok {
		return exp.Multibase()
	}
	return ""
}

func (k *ecdsaKey) Sign(data []byte) ([]byte, error) {
	return k.priv.HashAndSign(data)
}

func (k *ecdsaKey) Cryptosuite() string {
	return CryptosuiteEcdsaJcs
}

func encodeMultikey(codec uint64, raw []byte) string {
	buf := varint.ToUvarint(codec)
	buf = append(buf, raw...)
	s, err := multibase.Encode(multibase.Base58BTC, buf)
	if err != nil {
		return ""
	}
	return s
}

func decodeMultikey(s string) (uint64, []byte, error) {
	enc, raw, err := multibase.Decode(s)
	if err != nil {
		return 0, nil, err
	}
	if enc != multibase.Base58BTC {
		return 0, nil, fmt.Errorf("multikey must be base58btc multibase")
	}
	codec, n, err := varint.FromUvarint(raw)
	if err != nil {
		return 0, nil, err
	}
	return codec, raw[n:], nil
}

// ParsePrivateMultikey parses a multibase-encoded private key. Ed25519 keys
// use the 0x1300 multicodec prefix; anything else is handed to atcrypto,
// which covers P-256 and K-256.
func ParsePrivateMultikey(s string) (SigningKey, error) {
	codec, raw, err := decodeMultikey(s)
	if err != nil {
		return nil, fmt.Errorf("invalid private multikey: %w", err)
	}
	if codec == mcEd25519Priv {
		if len(raw) != ed25519.SeedSize {
			return nil, fmt.Errorf("invalid ed25519 seed length %d", len(raw))
		}
		return &Ed25519Key{priv: ed25519.NewKeyFromSeed(raw)}, nil
	}
	priv, err := atcrypto.ParsePrivateMultibase(s)
	if err != nil {
		return nil, err
	}
	return NewECDSAKey(priv), nil
}
