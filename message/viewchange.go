package message

import (
	"bufio"

	"github.com/kestreldb/kestrel/crypto"
	"github.com/kestreldb/kestrel/serializer"
)

// one pre-prepare/prepare vote retained as proof that a request
// prepared at this replica
type PreparedProof struct {
	Request   *Request
	Signature crypto.Signature
}

func (p *PreparedProof) Serialize(buf *bufio.Writer) error {
	if err := p.Request.Serialize(buf); err != nil {
		return err
	}
	return p.Signature.Serialize(buf)
}

func (p *PreparedProof) Deserialize(buf *bufio.Reader) error {
	p.Request = &Request{}
	if err := p.Request.Deserialize(buf); err != nil {
		return err
	}
	return p.Signature.Deserialize(buf)
}

// the P-set entry for one sequence number
type PreparedMsg struct {
	Seq    uint64
	Proofs []PreparedProof
}

func (p *PreparedMsg) Serialize(buf *bufio.Writer) error {
	if err := serializer.WriteUint64(buf, p.Seq); err != nil {
		return err
	}
	if err := serializer.WriteUint32(buf, uint32(len(p.Proofs))); err != nil {
		return err
	}
	for i := range p.Proofs {
		if err := p.Proofs[i].Serialize(buf); err != nil {
			return err
		}
	}
	return nil
}

func (p *PreparedMsg) Deserialize(buf *bufio.Reader) error {
	var err error
	if p.Seq, err = serializer.ReadUint64(buf); err != nil {
		return err
	}
	num, err := serializer.ReadUint32(buf)
	if err != nil {
		return err
	}
	p.Proofs = make([]PreparedProof, num)
	for i := range p.Proofs {
		if err := p.Proofs[i].Deserialize(buf); err != nil {
			return err
		}
	}
	return nil
}

// payload of VIEW_CHANGE messages
type ViewChangeMessage struct {
	ViewNumber   uint64
	StableCkpt   StableCheckpoint
	PreparedMsgs []PreparedMsg
}

func (v *ViewChangeMessage) Serialize(buf *bufio.Writer) error {
	if err := serializer.WriteUint64(buf, v.ViewNumber); err != nil {
		return err
	}
	if err := v.StableCkpt.Serialize(buf); err != nil {
		return err
	}
	if err := serializer.WriteUint32(buf, uint32(len(v.PreparedMsgs))); err != nil {
		return err
	}
	for i := range v.PreparedMsgs {
		if err := v.PreparedMsgs[i].Serialize(buf); err != nil {
			return err
		}
	}
	return nil
}

func (v *ViewChangeMessage) Deserialize(buf *bufio.Reader) error {
	var err error
	if v.ViewNumber, err = serializer.ReadUint64(buf); err != nil {
		return err
	}
	if err = v.StableCkpt.Deserialize(buf); err != nil {
		return err
	}
	num, err := serializer.ReadUint32(buf)
	if err != nil {
		return err
	}
	v.PreparedMsgs = make([]PreparedMsg, num)
	for i := range v.PreparedMsgs {
		if err := v.PreparedMsgs[i].Deserialize(buf); err != nil {
			return err
		}
	}
	return nil
}

func (v *ViewChangeMessage) Marshal() ([]byte, error) { return marshal(v) }

func UnmarshalViewChangeMessage(data []byte) (*ViewChangeMessage, error) {
	v := &ViewChangeMessage{}
	if err := unmarshal(data, v); err != nil {
		return nil, err
	}
	return v, nil
}

// payload of NEW_VIEW messages
type NewViewMessage struct {
	ViewNumber         uint64
	ViewchangeMessages []ViewChangeMessage

	// pre-prepare re-proposals or null placeholders, plus
	// commit-aware replays, in seq order
	Requests []*Request
}

func (n *NewViewMessage) Serialize(buf *bufio.Writer) error {
	if err := serializer.WriteUint64(buf, n.ViewNumber); err != nil {
		return err
	}
	if err := serializer.WriteUint32(buf, uint32(len(n.ViewchangeMessages))); err != nil {
		return err
	}
	for i := range n.ViewchangeMessages {
		if err := n.ViewchangeMessages[i].Serialize(buf); err != nil {
			return err
		}
	}
	if err := serializer.WriteUint32(buf, uint32(len(n.Requests))); err != nil {
		return err
	}
	for _, req := range n.Requests {
		if err := req.Serialize(buf); err != nil {
			return err
		}
	}
	return nil
}

func (n *NewViewMessage) Deserialize(buf *bufio.Reader) error {
	var err error
	if n.ViewNumber, err = serializer.ReadUint64(buf); err != nil {
		return err
	}
	num, err := serializer.ReadUint32(buf)
	if err != nil {
		return err
	}
	n.ViewchangeMessages = make([]ViewChangeMessage, num)
	for i := range n.ViewchangeMessages {
		if err := n.ViewchangeMessages[i].Deserialize(buf); err != nil {
			return err
		}
	}
	if num, err = serializer.ReadUint32(buf); err != nil {
		return err
	}
	n.Requests = make([]*Request, num)
	for i := range n.Requests {
		n.Requests[i] = &Request{}
		if err := n.Requests[i].Deserialize(buf); err != nil {
			return err
		}
	}
	return nil
}

func (n *NewViewMessage) Marshal() ([]byte, error) { return marshal(n) }

func UnmarshalNewViewMessage(data []byte) (*NewViewMessage, error) {
	n := &NewViewMessage{}
	if err := unmarshal(data, n); err != nil {
		return nil, err
	}
	return n, nil
}

// a committed request and its commit certificate, the unit of
// RECOVERY_DATA replies
type RequestWithProof struct {
	Seq     uint64
	Request *Request
	Proofs  []PreparedProof
}

func (r *RequestWithProof) Serialize(buf *bufio.Writer) error {
	if err := serializer.WriteUint64(buf, r.Seq); err != nil {
		return err
	}
	if err := r.Request.Serialize(buf); err != nil {
		return err
	}
	if err := serializer.WriteUint32(buf, uint32(len(r.Proofs))); err != nil {
		return err
	}
	for i := range r.Proofs {
		if err := r.Proofs[i].Serialize(buf); err != nil {
			return err
		}
	}
	return nil
}

func (r *RequestWithProof) Deserialize(buf *bufio.Reader) error {
	var err error
	if r.Seq, err = serializer.ReadUint64(buf); err != nil {
		return err
	}
	r.Request = &Request{}
	if err = r.Request.Deserialize(buf); err != nil {
		return err
	}
	num, err := serializer.ReadUint32(buf)
	if err != nil {
		return err
	}
	r.Proofs = make([]PreparedProof, num)
	for i := range r.Proofs {
		if err := r.Proofs[i].Deserialize(buf); err != nil {
			return err
		}
	}
	return nil
}

type RequestSet struct {
	Requests []RequestWithProof
}

func (r *RequestSet) Serialize(buf *bufio.Writer) error {
	if err := serializer.WriteUint32(buf, uint32(len(r.Requests))); err != nil {
		return err
	}
	for i := range r.Requests {
		if err := r.Requests[i].Serialize(buf); err != nil {
			return err
		}
	}
	return nil
}

func (r *RequestSet) Deserialize(buf *bufio.Reader) error {
	num, err := serializer.ReadUint32(buf)
	if err != nil {
		return err
	}
	r.Requests = make([]RequestWithProof, num)
	for i := range r.Requests {
		if err := r.Requests[i].Deserialize(buf); err != nil {
			return err
		}
	}
	return nil
}

func (r *RequestSet) Marshal() ([]byte, error) { return marshal(r) }

func UnmarshalRequestSet(data []byte) (*RequestSet, error) {
	r := &RequestSet{}
	if err := unmarshal(data, r); err != nil {
		return nil, err
	}
	return r, nil
}
