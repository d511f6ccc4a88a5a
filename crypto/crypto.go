/*
Signature service used by the consensus core.

The core only depends on the Signer/Verifier interfaces; the default
implementation signs with ed25519 and fingerprints with sha256.
*/
package crypto

import (
	"bufio"
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"

	"github.com/pkg/errors"

	"github.com/kestreldb/kestrel/node"
	"github.com/kestreldb/kestrel/serializer"
)

// a signature together with the id of the signer
type Signature struct {
	NodeId node.NodeId
	Sign   []byte
}

func (s *Signature) IsEmpty() bool {
	return len(s.Sign) == 0
}

func (s *Signature) Serialize(buf *bufio.Writer) error {
	if err := serializer.WriteUint32(buf, uint32(s.NodeId)); err != nil {
		return err
	}
	return serializer.WriteFieldBytes(buf, s.Sign)
}

func (s *Signature) Deserialize(buf *bufio.Reader) error {
	id, err := serializer.ReadUint32(buf)
	if err != nil {
		return err
	}
	s.NodeId = node.NodeId(id)
	s.Sign, err = serializer.ReadFieldBytes(buf)
	return err
}

func (s *Signature) Equal(o *Signature) bool {
	return s.NodeId == o.NodeId && bytes.Equal(s.Sign, o.Sign)
}

// Signer signs on behalf of the local replica.
type Signer interface {
	Sign(data []byte) (*Signature, error)
	NodeId() node.NodeId
}

// Verifier checks signatures from any replica.
type Verifier interface {
	Verify(data []byte, signature *Signature) bool
}

type SignerVerifier interface {
	Signer
	Verifier
}

// content fingerprint of a payload
func Hash(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// chained digest: H(a || b)
func ChainHash(a []byte, b []byte) []byte {
	joined := make([]byte, 0, len(a)+len(b))
	joined = append(joined, a...)
	joined = append(joined, b...)
	return Hash(joined)
}

// Ed25519Signer signs with the local private key and verifies against
// the public keys from the replica configuration.
type Ed25519Signer struct {
	id      node.NodeId
	private ed25519.PrivateKey
	public  map[node.NodeId]ed25519.PublicKey
}

var _ = SignerVerifier(&Ed25519Signer{})

func NewEd25519Signer(id node.NodeId, private ed25519.PrivateKey, replicas []node.ReplicaInfo) *Ed25519Signer {
	public := make(map[node.NodeId]ed25519.PublicKey, len(replicas))
	for _, replica := range replicas {
		public[replica.Id] = ed25519.PublicKey(replica.PublicKey)
	}
	return &Ed25519Signer{id: id, private: private, public: public}
}

func (s *Ed25519Signer) NodeId() node.NodeId { return s.id }

// registers a non-replica signer, typically a client proxy
func (s *Ed25519Signer) AddPublicKey(id node.NodeId, public []byte) {
	s.public[id] = ed25519.PublicKey(public)
}

func (s *Ed25519Signer) Sign(data []byte) (*Signature, error) {
	if len(s.private) != ed25519.PrivateKeySize {
		return nil, errors.New("signer has no private key")
	}
	return &Signature{NodeId: s.id, Sign: ed25519.Sign(s.private, data)}, nil
}

func (s *Ed25519Signer) Verify(data []byte, signature *Signature) bool {
	if signature == nil || signature.IsEmpty() {
		return false
	}
	public, ok := s.public[signature.NodeId]
	if !ok || len(public) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(public, data, signature.Sign)
}
