package dispatch

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/box"

	"github.com/courier-ops/courier/internal/shared"
)

// PublicKey is an agent's X25519 public key.
type PublicKey = [32]byte

// KeyDirectory resolves the registered public key of an agent.
type KeyDirectory interface {
	PublicKey(ctx context.Context, agent shared.AgentID) (*PublicKey, error)
}

// paddingBuckets are the plaintext sizes a message is padded up to. Messages
// larger than the last bucket are padded to a multiple of it.
var paddingBuckets = []int{512, 2048, 8192, 32768}

const lengthPrefix = 4

// BoxEncrypter seals instructions with NaCl anonymous boxes. Every message
// uses a fresh ephemeral key.
type BoxEncrypter struct {
	keys KeyDirectory
	rand io.Reader
}

// NewBoxEncrypter constructs BoxEncrypter.
func NewBoxEncrypter(keys KeyDirectory) *BoxEncrypter {
	return &BoxEncrypter{keys: keys, rand: rand.Reader}
}

// Encrypt pads plaintext to its bucket and seals it for recipient.
func (e *BoxEncrypter) Encrypt(ctx context.Context, plaintext []byte, recipient shared.AgentID) ([]byte, error) {
	pub, err := e.keys.PublicKey(ctx, recipient)
	if err != nil {
		return nil, err
	}
	sealed, err := box.SealAnonymous(nil, pad(plaintext), pub, e.rand)
	if err != nil {
		return nil, fmt.Errorf("dispatch: seal for %s: %w", recipient, err)
	}
	return sealed, nil
}

// Keypair is the agent side of the envelope contract.
type Keypair struct {
	Public  *PublicKey
	Private *[32]byte
}

// GenerateKeypair creates a fresh agent keypair.
func GenerateKeypair() (Keypair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return Keypair{}, fmt.Errorf("dispatch: generate key: %w", err)
	}
	return Keypair{Public: pub, Private: priv}, nil
}

// Open decrypts an envelope addressed to this keypair and returns its padded
// plaintext stripped back to the original bytes.
func (k Keypair) Open(ciphertext []byte) ([]byte, error) {
	padded, ok := box.OpenAnonymous(nil, ciphertext, k.Public, k.Private)
	if !ok {
		return nil, ErrMalformedEnvelope
	}
	return unpad(padded)
}

func pad(plaintext []byte) []byte {
	need := len(plaintext) + lengthPrefix
	size := 0
	for _, bucket := range paddingBuckets {
		if need <= bucket {
			size = bucket
			break
		}
	}
	if size == 0 {
		last := paddingBuckets[len(paddingBuckets)-1]
		size = ((need + last - 1) / last) * last
	}
	out := make([]byte, size)
	binary.BigEndian.PutUint32(out, uint32(len(plaintext)))
	copy(out[lengthPrefix:], plaintext)
	return out
}

func unpad(padded []byte) ([]byte, error) {
	if len(padded) < lengthPrefix {
		return nil, ErrMalformedEnvelope
	}
	n := int(binary.BigEndian.Uint32(padded))
	if n > len(padded)-lengthPrefix {
		return nil, ErrMalformedEnvelope
	}
	return padded[lengthPrefix : lengthPrefix+n], nil
}
