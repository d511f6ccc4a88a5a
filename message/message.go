/*
Wire types exchanged between replicas and clients.

Every unit of protocol traffic travels as a Request envelope. The
payload (Data) is an opaque byte string whose meaning depends on the
message type: a serialized transaction batch for the ordering types, a
CheckpointData for CHECKPOINT/STATUS_SYNC, a ViewChangeMessage or
NewViewMessage for the view change types.
*/
package message

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"

	"github.com/kestreldb/kestrel/crypto"
	"github.com/kestreldb/kestrel/node"
	"github.com/kestreldb/kestrel/serializer"
)

type MsgType uint32

const (
	TYPE_NONE MsgType = iota
	TYPE_NEW_REQUEST
	TYPE_PRE_PREPARE
	TYPE_PREPARE
	TYPE_COMMIT
	TYPE_CHECKPOINT
	TYPE_VIEWCHANGE
	TYPE_NEWVIEW
	TYPE_RECOVERY_DATA
	TYPE_QUERY
	TYPE_RESPONSE
	TYPE_STATUS_SYNC
)

func (t MsgType) String() string {
	switch t {
	case TYPE_NEW_REQUEST:
		return "NEW_REQUEST"
	case TYPE_PRE_PREPARE:
		return "PRE_PREPARE"
	case TYPE_PREPARE:
		return "PREPARE"
	case TYPE_COMMIT:
		return "COMMIT"
	case TYPE_CHECKPOINT:
		return "CHECKPOINT"
	case TYPE_VIEWCHANGE:
		return "VIEW_CHANGE"
	case TYPE_NEWVIEW:
		return "NEW_VIEW"
	case TYPE_RECOVERY_DATA:
		return "RECOVERY_DATA"
	case TYPE_QUERY:
		return "QUERY"
	case TYPE_RESPONSE:
		return "RESPONSE"
	case TYPE_STATUS_SYNC:
		return "STATUS_SYNC"
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint32(t))
}

// Request is the envelope for all protocol traffic.
type Request struct {
	Type      MsgType
	View      uint64
	Seq       uint64
	SenderId  node.NodeId
	PrimaryId node.NodeId
	ProxyId   node.NodeId

	// content fingerprint of Data, or the synthetic null fill
	// produced by view change
	Hash []byte

	Data          []byte
	DataSignature crypto.Signature

	NeedResponse bool
	IsRecovery   bool

	// non-zero on negative responses
	Ret int64
}

// builds a request of the given type carrying over the ordering
// fields of an existing request
func NewRequest(msgType MsgType, from *Request, sender node.NodeId) *Request {
	req := &Request{
		Type:     msgType,
		SenderId: sender,
	}
	if from != nil {
		req.View = from.View
		req.Seq = from.Seq
		req.PrimaryId = from.PrimaryId
		req.ProxyId = from.ProxyId
		req.Hash = from.Hash
		req.Data = from.Data
		req.DataSignature = from.DataSignature
		req.NeedResponse = from.NeedResponse
		req.IsRecovery = from.IsRecovery
	}
	return req
}

// the hash assigned to a sequence hole re-proposed by a new view
func NullRequestHash(seq uint64) []byte {
	return []byte("null" + strconv.FormatUint(seq, 10))
}

func (r *Request) IsNullRequest() bool {
	return bytes.Equal(r.Hash, NullRequestHash(r.Seq))
}

func (r *Request) Serialize(buf *bufio.Writer) error {
	if err := serializer.WriteUint32(buf, uint32(r.Type)); err != nil {
		return err
	}
	if err := serializer.WriteUint64(buf, r.View); err != nil {
		return err
	}
	if err := serializer.WriteUint64(buf, r.Seq); err != nil {
		return err
	}
	if err := serializer.WriteUint32(buf, uint32(r.SenderId)); err != nil {
		return err
	}
	if err := serializer.WriteUint32(buf, uint32(r.PrimaryId)); err != nil {
		return err
	}
	if err := serializer.WriteUint32(buf, uint32(r.ProxyId)); err != nil {
		return err
	}
	if err := serializer.WriteFieldBytes(buf, r.Hash); err != nil {
		return err
	}
	if err := serializer.WriteFieldBytes(buf, r.Data); err != nil {
		return err
	}
	if err := r.DataSignature.Serialize(buf); err != nil {
		return err
	}
	if err := serializer.WriteBool(buf, r.NeedResponse); err != nil {
		return err
	}
	if err := serializer.WriteBool(buf, r.IsRecovery); err != nil {
		return err
	}
	return serializer.WriteInt64(buf, r.Ret)
}

func (r *Request) Deserialize(buf *bufio.Reader) error {
	msgType, err := serializer.ReadUint32(buf)
	if err != nil {
		return err
	}
	r.Type = MsgType(msgType)
	if r.View, err = serializer.ReadUint64(buf); err != nil {
		return err
	}
	if r.Seq, err = serializer.ReadUint64(buf); err != nil {
		return err
	}
	sender, err := serializer.ReadUint32(buf)
	if err != nil {
		return err
	}
	r.SenderId = node.NodeId(sender)
	primary, err := serializer.ReadUint32(buf)
	if err != nil {
		return err
	}
	r.PrimaryId = node.NodeId(primary)
	proxy, err := serializer.ReadUint32(buf)
	if err != nil {
		return err
	}
	r.ProxyId = node.NodeId(proxy)
	if r.Hash, err = serializer.ReadFieldBytes(buf); err != nil {
		return err
	}
	if r.Data, err = serializer.ReadFieldBytes(buf); err != nil {
		return err
	}
	if err = r.DataSignature.Deserialize(buf); err != nil {
		return err
	}
	if r.NeedResponse, err = serializer.ReadBool(buf); err != nil {
		return err
	}
	if r.IsRecovery, err = serializer.ReadBool(buf); err != nil {
		return err
	}
	r.Ret, err = serializer.ReadInt64(buf)
	return err
}

// serializes the request for signing or fingerprinting
func (r *Request) Marshal() ([]byte, error) {
	b := &bytes.Buffer{}
	writer := bufio.NewWriter(b)
	if err := r.Serialize(writer); err != nil {
		return nil, err
	}
	if err := writer.Flush(); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func UnmarshalRequest(data []byte) (*Request, error) {
	req := &Request{}
	if err := req.Deserialize(bufio.NewReader(bytes.NewReader(data))); err != nil {
		return nil, err
	}
	return req, nil
}

// writes a request to the wire
func WriteMessage(writer io.Writer, req *Request) error {
	buf := bufio.NewWriter(writer)
	if err := req.Serialize(buf); err != nil {
		return err
	}
	return buf.Flush()
}

// reads a request off the wire. The reader must be the connection's
// own buffered reader so no bytes are lost between messages.
func ReadMessage(reader *bufio.Reader) (*Request, error) {
	req := &Request{}
	if err := req.Deserialize(reader); err != nil {
		return nil, err
	}
	return req, nil
}
