package message

import (
	"bufio"
	"bytes"

	"github.com/kestreldb/kestrel/node"
	"github.com/kestreldb/kestrel/serializer"
)

// one smart contract invocation inside a batch
type Transaction struct {
	Caller   string
	Contract string
	Func     string
	Params   []string
}

func (t *Transaction) Serialize(buf *bufio.Writer) error {
	if err := serializer.WriteFieldString(buf, t.Caller); err != nil {
		return err
	}
	if err := serializer.WriteFieldString(buf, t.Contract); err != nil {
		return err
	}
	if err := serializer.WriteFieldString(buf, t.Func); err != nil {
		return err
	}
	if err := serializer.WriteUint32(buf, uint32(len(t.Params))); err != nil {
		return err
	}
	for _, param := range t.Params {
		if err := serializer.WriteFieldString(buf, param); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transaction) Deserialize(buf *bufio.Reader) error {
	var err error
	if t.Caller, err = serializer.ReadFieldString(buf); err != nil {
		return err
	}
	if t.Contract, err = serializer.ReadFieldString(buf); err != nil {
		return err
	}
	if t.Func, err = serializer.ReadFieldString(buf); err != nil {
		return err
	}
	num, err := serializer.ReadUint32(buf)
	if err != nil {
		return err
	}
	t.Params = make([]string, num)
	for i := range t.Params {
		if t.Params[i], err = serializer.ReadFieldString(buf); err != nil {
			return err
		}
	}
	return nil
}

// a batch of client transactions, the payload of the ordering types
type BatchUserRequest struct {
	LocalId    []byte
	CreateTime int64
	Txns       []Transaction
}

func (b *BatchUserRequest) Serialize(buf *bufio.Writer) error {
	if err := serializer.WriteFieldBytes(buf, b.LocalId); err != nil {
		return err
	}
	if err := serializer.WriteInt64(buf, b.CreateTime); err != nil {
		return err
	}
	if err := serializer.WriteUint32(buf, uint32(len(b.Txns))); err != nil {
		return err
	}
	for i := range b.Txns {
		if err := b.Txns[i].Serialize(buf); err != nil {
			return err
		}
	}
	return nil
}

func (b *BatchUserRequest) Deserialize(buf *bufio.Reader) error {
	var err error
	if b.LocalId, err = serializer.ReadFieldBytes(buf); err != nil {
		return err
	}
	if b.CreateTime, err = serializer.ReadInt64(buf); err != nil {
		return err
	}
	num, err := serializer.ReadUint32(buf)
	if err != nil {
		return err
	}
	b.Txns = make([]Transaction, num)
	for i := range b.Txns {
		if err := b.Txns[i].Deserialize(buf); err != nil {
			return err
		}
	}
	return nil
}

func (b *BatchUserRequest) Marshal() ([]byte, error) {
	return marshal(b)
}

func UnmarshalBatchUserRequest(data []byte) (*BatchUserRequest, error) {
	b := &BatchUserRequest{}
	if err := unmarshal(data, b); err != nil {
		return nil, err
	}
	return b, nil
}

// per-batch response returned to the originating proxy
type BatchUserResponse struct {
	ProxyId    node.NodeId
	PrimaryId  node.NodeId
	Seq        uint64
	View       uint64
	Hash       []byte
	CreateTime int64
	Ret        int64
	Results    [][]byte
}

func (b *BatchUserResponse) Serialize(buf *bufio.Writer) error {
	if err := serializer.WriteUint32(buf, uint32(b.ProxyId)); err != nil {
		return err
	}
	if err := serializer.WriteUint32(buf, uint32(b.PrimaryId)); err != nil {
		return err
	}
	if err := serializer.WriteUint64(buf, b.Seq); err != nil {
		return err
	}
	if err := serializer.WriteUint64(buf, b.View); err != nil {
		return err
	}
	if err := serializer.WriteFieldBytes(buf, b.Hash); err != nil {
		return err
	}
	if err := serializer.WriteInt64(buf, b.CreateTime); err != nil {
		return err
	}
	if err := serializer.WriteInt64(buf, b.Ret); err != nil {
		return err
	}
	if err := serializer.WriteUint32(buf, uint32(len(b.Results))); err != nil {
		return err
	}
	for _, result := range b.Results {
		if err := serializer.WriteFieldBytes(buf, result); err != nil {
			return err
		}
	}
	return nil
}

func (b *BatchUserResponse) Deserialize(buf *bufio.Reader) error {
	proxy, err := serializer.ReadUint32(buf)
	if err != nil {
		return err
	}
	b.ProxyId = node.NodeId(proxy)
	primary, err := serializer.ReadUint32(buf)
	if err != nil {
		return err
	}
	b.PrimaryId = node.NodeId(primary)
	if b.Seq, err = serializer.ReadUint64(buf); err != nil {
		return err
	}
	if b.View, err = serializer.ReadUint64(buf); err != nil {
		return err
	}
	if b.Hash, err = serializer.ReadFieldBytes(buf); err != nil {
		return err
	}
	if b.CreateTime, err = serializer.ReadInt64(buf); err != nil {
		return err
	}
	if b.Ret, err = serializer.ReadInt64(buf); err != nil {
		return err
	}
	num, err := serializer.ReadUint32(buf)
	if err != nil {
		return err
	}
	b.Results = make([][]byte, num)
	for i := range b.Results {
		if b.Results[i], err = serializer.ReadFieldBytes(buf); err != nil {
			return err
		}
	}
	return nil
}

func (b *BatchUserResponse) Marshal() ([]byte, error) {
	return marshal(b)
}

func UnmarshalBatchUserResponse(data []byte) (*BatchUserResponse, error) {
	b := &BatchUserResponse{}
	if err := unmarshal(data, b); err != nil {
		return nil, err
	}
	return b, nil
}

type serializable interface {
	Serialize(buf *bufio.Writer) error
	Deserialize(buf *bufio.Reader) error
}

func marshal(v serializable) ([]byte, error) {
	b := &bytes.Buffer{}
	writer := bufio.NewWriter(b)
	if err := v.Serialize(writer); err != nil {
		return nil, err
	}
	if err := writer.Flush(); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func unmarshal(data []byte, v serializable) error {
	return v.Deserialize(bufio.NewReader(bytes.NewReader(data)))
}
