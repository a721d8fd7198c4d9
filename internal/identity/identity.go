// Package identity verifies the signed envelopes workers wrap every request
// in. The scheduler never sees an unverified identity: transports unwrap
// here first and pass the (did, payload) pair on. Identities are did:key
// ed25519 DIDs and envelopes are compact JWS strings.
package identity

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidSignature covers every way an envelope can fail verification:
// malformed compact serialization, unsupported algorithm, unknown DID
// encoding, or a signature that does not check out.
var ErrInvalidSignature = errors.New("identity: invalid signature")

const didKeyPrefix = "did:key:z"

// ed25519 multicodec prefix used by did:key.
var ed25519Codec = []byte{0xed, 0x01}

type jwsHeader struct {
	Alg string `json:"alg"`
	Kid string `json:"kid"`
}

// Unwrap verifies a compact JWS envelope and returns the signer's DID and
// the raw payload bytes. The key is recovered from the header's kid, so
// verification needs no key registry: a did:key carries its own public key.
func Unwrap(envelope string) (string, []byte, error) {
	parts := strings.Split(envelope, ".")
	if len(parts) != 3 {
		return "", nil, fmt.Errorf("%w: not a compact JWS", ErrInvalidSignature)
	}

	headerRaw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return "", nil, fmt.Errorf("%w: bad header encoding", ErrInvalidSignature)
	}
	var header jwsHeader
	if err := json.Unmarshal(headerRaw, &header); err != nil {
		return "", nil, fmt.Errorf("%w: bad header", ErrInvalidSignature)
	}
	if header.Alg != "EdDSA" {
		return "", nil, fmt.Errorf("%w: unsupported alg %q", ErrInvalidSignature, header.Alg)
	}

	did := header.Kid
	if i := strings.IndexByte(did, '#'); i >= 0 {
		did = did[:i]
	}
	pub, err := publicKeyFromDID(did)
	if err != nil {
		return "", nil, err
	}

	signature, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return "", nil, fmt.Errorf("%w: bad signature encoding", ErrInvalidSignature)
	}
	signingInput := []byte(parts[0] + "." + parts[1])
	if !ed25519.Verify(pub, signingInput, signature) {
		return "", nil, ErrInvalidSignature
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return "", nil, fmt.Errorf("%w: bad payload encoding", ErrInvalidSignature)
	}
	return did, payload, nil
}

// UnwrapInto verifies the envelope and decodes its JSON payload into v.
func UnwrapInto(envelope string, v interface{}) (string, error) {
	did, payload, err := Unwrap(envelope)
	if err != nil {
		return "", err
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return "", fmt.Errorf("%w: payload is not valid JSON", ErrInvalidSignature)
	}
	return did, nil
}

func publicKeyFromDID(did string) (ed25519.PublicKey, error) {
	if !strings.HasPrefix(did, didKeyPrefix) {
		return nil, fmt.Errorf("%w: not a did:key identity", ErrInvalidSignature)
	}
	decoded, err := base58Decode(strings.TrimPrefix(did, didKeyPrefix))
	if err != nil {
		return nil, fmt.Errorf("%w: bad did:key encoding", ErrInvalidSignature)
	}
	if len(decoded) != len(ed25519Codec)+ed25519.PublicKeySize ||
		decoded[0] != ed25519Codec[0] || decoded[1] != ed25519Codec[1] {
		return nil, fmt.Errorf("%w: not an ed25519 did:key", ErrInvalidSignature)
	}
	return ed25519.PublicKey(decoded[len(ed25519Codec):]), nil
}

// Signer produces envelopes Unwrap accepts. Workers hold one; the gateway
// only ever verifies.
type Signer struct {
	priv ed25519.PrivateKey
	did  string
}

func NewSigner(priv ed25519.PrivateKey) *Signer {
	pub := priv.Public().(ed25519.PublicKey)
	raw := append(append([]byte{}, ed25519Codec...), pub...)
	return &Signer{
		priv: priv,
		did:  didKeyPrefix + base58Encode(raw),
	}
}

// DID returns the signer's did:key identity string.
func (s *Signer) DID() string { return s.did }

// Sign marshals payload to JSON and wraps it in a compact JWS.
func (s *Signer) Sign(payload interface{}) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	headerRaw, err := json.Marshal(jwsHeader{Alg: "EdDSA", Kid: s.did + "#" + s.did[len(didKeyPrefix)-1:]})
	if err != nil {
		return "", fmt.Errorf("marshal header: %w", err)
	}
	signingInput := base64.RawURLEncoding.EncodeToString(headerRaw) +
		"." + base64.RawURLEncoding.EncodeToString(body)
	signature := ed25519.Sign(s.priv, []byte(signingInput))
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(signature), nil
}

const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

func base58Encode(input []byte) string {
	zeros := 0
	for zeros < len(input) && input[zeros] == 0 {
		zeros++
	}

	var digits []byte // little-endian base58 accumulator
	for _, b := range input[zeros:] {
		carry := int(b)
		for i := range digits {
			carry += int(digits[i]) << 8
			digits[i] = byte(carry % 58)
			carry /= 58
		}
		for carry > 0 {
			digits = append(digits, byte(carry%58))
			carry /= 58
		}
	}

	var out strings.Builder
	for i := 0; i < zeros; i++ {
		out.WriteByte(base58Alphabet[0])
	}
	for i := len(digits) - 1; i >= 0; i-- {
		out.WriteByte(base58Alphabet[digits[i]])
	}
	return out.String()
}

func base58Decode(input string) ([]byte, error) {
	zeros := 0
	for zeros < len(input) && input[zeros] == base58Alphabet[0] {
		zeros++
	}

	var bytes []byte // little-endian accumulator
	for _, r := range input {
		idx := strings.IndexRune(base58Alphabet, r)
		if idx < 0 {
			return nil, fmt.Errorf("invalid base58 character %q", r)
		}
		carry := idx
		for i := range bytes {
			carry += int(bytes[i]) * 58
			bytes[i] = byte(carry & 0xff)
			carry >>= 8
		}
		for carry > 0 {
			bytes = append(bytes, byte(carry&0xff))
			carry >>= 8
		}
	}

	out := make([]byte, 0, zeros+len(bytes))
	for i := 0; i < zeros; i++ {
		out = append(out, 0)
	}
	for i := len(bytes) - 1; i >= 0; i-- {
		out = append(out, bytes[i])
	}
	return out, nil
}
