package chronochat

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"
	"sync"

	"github.com/mr-tron/base58"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/hkdf"

	"github.com/eljojo/chronochat/types"
)

// Keypair holds the Ed25519 keypair used to sign published chat data
type Keypair struct {
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
}

// DeriveKeypair deterministically derives a keypair from a secret and a username.
// Same secret + same username = same keypair, so restarts keep their identity.
func DeriveKeypair(secret []byte, username types.Username) (Keypair, error) {
	if len(secret) == 0 {
		return Keypair{}, errors.New("empty secret")
	}
	seed := make([]byte, ed25519.SeedSize)
	kdf := hkdf.New(sha256.New, secret, []byte(username), []byte("chronochat:signing:v1"))
	if _, err := io.ReadFull(kdf, seed); err != nil {
		return Keypair{}, err
	}
	privateKey := ed25519.NewKeyFromSeed(seed)
	return Keypair{
		PrivateKey: privateKey,
		PublicKey:  privateKey.Public().(ed25519.PublicKey),
	}, nil
}

// GenerateKeypair creates a random keypair for a throwaway session
func GenerateKeypair() (Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Keypair{}, err
	}
	return Keypair{PrivateKey: priv, PublicKey: pub}, nil
}

// Sign attaches the public key and a signature over d's signable content
func (kp Keypair) Sign(d *Data) {
	d.PublicKey = append([]byte(nil), kp.PublicKey...)
	d.Signature = ed25519.Sign(kp.PrivateKey, d.SignableContent())
}

// Fingerprint is a short, human friendly id for a public key
func Fingerprint(pub []byte) string {
	h := sha256.Sum256(pub)
	return base58.Encode(h[:])[:12]
}

// Verifier decides whether fetched data is authentic.
type Verifier interface {
	Verify(d Data) bool
}

// PinningVerifier checks the Ed25519 signature against the key carried in
// the data and pins the first key seen for every username (trust on first use).
type PinningVerifier struct {
	mu     sync.Mutex
	pinned map[types.Username][]byte
}

func NewPinningVerifier() *PinningVerifier {
	return &PinningVerifier{pinned: make(map[types.Username][]byte)}
}

// Pin trusts pub for username ahead of time (e.g. our own key).
func (v *PinningVerifier) Pin(username types.Username, pub ed25519.PublicKey) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.pinned[username] = append([]byte(nil), pub...)
}

func (v *PinningVerifier) Verify(d Data) bool {
	if len(d.PublicKey) != ed25519.PublicKeySize {
		logrus.Debugf("❌ %s carries no usable public key", d.Name)
		return false
	}
	if len(d.Signature) != ed25519.SignatureSize {
		logrus.Debugf("❌ %s carries no usable signature", d.Name)
		return false
	}
	if !ed25519.Verify(d.PublicKey, d.SignableContent(), d.Signature) {
		logrus.Debugf("❌ signature verification failed for %s (key %s)", d.Name, Fingerprint(d.PublicKey))
		return false
	}

	cn, err := ParseChatName(d.Name)
	if err != nil {
		return false
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	pinned, ok := v.pinned[cn.Participant.Username]
	if !ok {
		v.pinned[cn.Participant.Username] = append([]byte(nil), d.PublicKey...)
		logrus.Debugf("📌 pinned key %s for %s", Fingerprint(d.PublicKey), cn.Participant.Username)
		return true
	}
	if !bytes.Equal(pinned, d.PublicKey) {
		logrus.Warnf("⚠️  %s signed with key %s, expected %s", cn.Participant.Username, Fingerprint(d.PublicKey), Fingerprint(pinned))
		return false
	}
	return true
}

// acceptAll is used when no verifier is configured
type acceptAll struct{}

func (acceptAll) Verify(Data) bool { return true }
