package gossip

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/pbft/core/role"
)

// Identity is the ed25519 key pair a node signs its frames with. The hex
// encoded public key is the node's PeerID.
type Identity struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewIdentity derives a key pair from seed, or generates a random one when the
// seed is empty.
func NewIdentity(seed string) (Identity, error) {
	if seed == "" {
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return Identity{}, errors.Wrap(err, "failed to generate identity")
		}
		return Identity{priv: priv, pub: pub}, nil
	}

	sum := sha256.Sum256([]byte(seed))
	priv := ed25519.NewKeyFromSeed(sum[:])
	return Identity{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
}

// PeerIDFromSeed returns the PeerID NewIdentity(seed) would have.
func PeerIDFromSeed(seed string) (role.PeerID, error) {
	if seed == "" {
		return "", errors.New("empty seed")
	}
	id, err := NewIdentity(seed)
	if err != nil {
		return "", err
	}
	return id.PeerID(), nil
}

func (i Identity) PeerID() role.PeerID {
	return role.PeerID(hex.EncodeToString(i.pub))
}

func (i Identity) sign(msg []byte) []byte {
	return ed25519.Sign(i.priv, msg)
}

func verify(pub, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}
