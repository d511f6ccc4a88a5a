package message

import (
	"bufio"

	"github.com/kestreldb/kestrel/crypto"
	"github.com/kestreldb/kestrel/node"
	"github.com/kestreldb/kestrel/serializer"
)

// payload of CHECKPOINT and STATUS_SYNC messages
type CheckpointData struct {
	Seq           uint64
	Hash          []byte
	HashSignature crypto.Signature

	// filled on status sync only
	View      uint64
	PrimaryId node.NodeId
}

func (c *CheckpointData) Serialize(buf *bufio.Writer) error {
	if err := serializer.WriteUint64(buf, c.Seq); err != nil {
		return err
	}
	if err := serializer.WriteFieldBytes(buf, c.Hash); err != nil {
		return err
	}
	if err := c.HashSignature.Serialize(buf); err != nil {
		return err
	}
	if err := serializer.WriteUint64(buf, c.View); err != nil {
		return err
	}
	return serializer.WriteUint32(buf, uint32(c.PrimaryId))
}

func (c *CheckpointData) Deserialize(buf *bufio.Reader) error {
	var err error
	if c.Seq, err = serializer.ReadUint64(buf); err != nil {
		return err
	}
	if c.Hash, err = serializer.ReadFieldBytes(buf); err != nil {
		return err
	}
	if err = c.HashSignature.Deserialize(buf); err != nil {
		return err
	}
	if c.View, err = serializer.ReadUint64(buf); err != nil {
		return err
	}
	primary, err := serializer.ReadUint32(buf)
	if err != nil {
		return err
	}
	c.PrimaryId = node.NodeId(primary)
	return nil
}

func (c *CheckpointData) Marshal() ([]byte, error) { return marshal(c) }

func UnmarshalCheckpointData(data []byte) (*CheckpointData, error) {
	c := &CheckpointData{}
	if err := unmarshal(data, c); err != nil {
		return nil, err
	}
	return c, nil
}

// a stable checkpoint with its quorum of signatures
type StableCheckpoint struct {
	Seq        uint64
	Hash       []byte
	Signatures []crypto.Signature
}

func (s *StableCheckpoint) Serialize(buf *bufio.Writer) error {
	if err := serializer.WriteUint64(buf, s.Seq); err != nil {
		return err
	}
	if err := serializer.WriteFieldBytes(buf, s.Hash); err != nil {
		return err
	}
	if err := serializer.WriteUint32(buf, uint32(len(s.Signatures))); err != nil {
		return err
	}
	for i := range s.Signatures {
		if err := s.Signatures[i].Serialize(buf); err != nil {
			return err
		}
	}
	return nil
}

func (s *StableCheckpoint) Deserialize(buf *bufio.Reader) error {
	var err error
	if s.Seq, err = serializer.ReadUint64(buf); err != nil {
		return err
	}
	if s.Hash, err = serializer.ReadFieldBytes(buf); err != nil {
		return err
	}
	num, err := serializer.ReadUint32(buf)
	if err != nil {
		return err
	}
	s.Signatures = make([]crypto.Signature, num)
	for i := range s.Signatures {
		if err := s.Signatures[i].Deserialize(buf); err != nil {
			return err
		}
	}
	return nil
}

func (s *StableCheckpoint) Marshal() ([]byte, error) { return marshal(s) }

// payload of RECOVERY_DATA messages
type RecoveryRequest struct {
	MinSeq uint64
	MaxSeq uint64
}

func (r *RecoveryRequest) Serialize(buf *bufio.Writer) error {
	if err := serializer.WriteUint64(buf, r.MinSeq); err != nil {
		return err
	}
	return serializer.WriteUint64(buf, r.MaxSeq)
}

func (r *RecoveryRequest) Deserialize(buf *bufio.Reader) error {
	var err error
	if r.MinSeq, err = serializer.ReadUint64(buf); err != nil {
		return err
	}
	r.MaxSeq, err = serializer.ReadUint64(buf)
	return err
}

func (r *RecoveryRequest) Marshal() ([]byte, error) { return marshal(r) }

func UnmarshalRecoveryRequest(data []byte) (*RecoveryRequest, error) {
	r := &RecoveryRequest{}
	if err := unmarshal(data, r); err != nil {
		return nil, err
	}
	return r, nil
}

// payload of QUERY messages: fetch executed requests in a seq range
type QueryRequest struct {
	MinSeq uint64
	MaxSeq uint64
}

func (q *QueryRequest) Serialize(buf *bufio.Writer) error {
	if err := serializer.WriteUint64(buf, q.MinSeq); err != nil {
		return err
	}
	return serializer.WriteUint64(buf, q.MaxSeq)
}

func (q *QueryRequest) Deserialize(buf *bufio.Reader) error {
	var err error
	if q.MinSeq, err = serializer.ReadUint64(buf); err != nil {
		return err
	}
	q.MaxSeq, err = serializer.ReadUint64(buf)
	return err
}

func (q *QueryRequest) Marshal() ([]byte, error) { return marshal(q) }

func UnmarshalQueryRequest(data []byte) (*QueryRequest, error) {
	q := &QueryRequest{}
	if err := unmarshal(data, q); err != nil {
		return nil, err
	}
	return q, nil
}

// QUERY response: the executed requests found in the range
type QueryResponse struct {
	Requests []*Request
}

func (q *QueryResponse) Serialize(buf *bufio.Writer) error {
	if err := serializer.WriteUint32(buf, uint32(len(q.Requests))); err != nil {
		return err
	}
	for _, req := range q.Requests {
		if err := req.Serialize(buf); err != nil {
			return err
		}
	}
	return nil
}

func (q *QueryResponse) Deserialize(buf *bufio.Reader) error {
	num, err := serializer.ReadUint32(buf)
	if err != nil {
		return err
	}
	q.Requests = make([]*Request, num)
	for i := range q.Requests {
		q.Requests[i] = &Request{}
		if err := q.Requests[i].Deserialize(buf); err != nil {
			return err
		}
	}
	return nil
}

func (q *QueryResponse) Marshal() ([]byte, error) { return marshal(q) }

func UnmarshalQueryResponse(data []byte) (*QueryResponse, error) {
	q := &QueryResponse{}
	if err := unmarshal(data, q); err != nil {
		return nil, err
	}
	return q, nil
}
