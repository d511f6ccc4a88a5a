/*
Replica to replica transport: signed frames over pooled TCP
connections. The core assumes nothing about ordering or delivery.
*/
package comm

import (
	"bufio"
	"net"
	"time"

	logging "github.com/op/go-logging"

	"github.com/kestreldb/kestrel/crypto"
	"github.com/kestreldb/kestrel/message"
	"github.com/kestreldb/kestrel/serializer"
)

var logger = logging.MustGetLogger("comm")

// Connection wraps a socket with its buffered reader so partial
// frames survive between reads
type Connection struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
}

func NewConnection(conn net.Conn) *Connection {
	return &Connection{
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
	}
}

func (c *Connection) Close() error {
	return c.conn.Close()
}

// one frame: the transport signature over the marshalled request,
// then the request bytes
func (c *Connection) WriteSigned(req *message.Request, signer crypto.Signer) error {
	data, err := req.Marshal()
	if err != nil {
		return err
	}
	signature, err := signer.Sign(data)
	if err != nil {
		return err
	}
	if err := signature.Serialize(c.writer); err != nil {
		return err
	}
	if err := serializer.WriteFieldBytes(c.writer, data); err != nil {
		return err
	}
	return c.writer.Flush()
}

func (c *Connection) ReadSigned() (*message.Request, crypto.Signature, error) {
	var signature crypto.Signature
	if err := signature.Deserialize(c.reader); err != nil {
		return nil, signature, err
	}
	data, err := serializer.ReadFieldBytes(c.reader)
	if err != nil {
		return nil, signature, err
	}
	req, err := message.UnmarshalRequest(data)
	if err != nil {
		return nil, signature, err
	}
	return req, signature, nil
}

// the raw request bytes of the last frame are needed by callers that
// verify the transport signature themselves
func (c *Connection) ReadSignedRaw() (*message.Request, crypto.Signature, []byte, error) {
	var signature crypto.Signature
	if err := signature.Deserialize(c.reader); err != nil {
		return nil, signature, nil, err
	}
	data, err := serializer.ReadFieldBytes(c.reader)
	if err != nil {
		return nil, signature, nil, err
	}
	req, err := message.UnmarshalRequest(data)
	if err != nil {
		return nil, signature, nil, err
	}
	return req, signature, data, nil
}

// ConnectionPool hands out connections to one peer address, keeping
// up to size of them alive between sends
type ConnectionPool struct {
	addr    string
	pool    chan *Connection
	timeout time.Duration
}

func NewConnectionPool(addr string, size int, timeoutMs int) *ConnectionPool {
	if size < 1 {
		size = 1
	}
	return &ConnectionPool{
		addr:    addr,
		pool:    make(chan *Connection, size),
		timeout: time.Duration(timeoutMs) * time.Millisecond,
	}
}

func (p *ConnectionPool) Get() (*Connection, error) {
	select {
	case conn := <-p.pool:
		return conn, nil
	default:
	}
	conn, err := net.DialTimeout("tcp", p.addr, p.timeout)
	if err != nil {
		return nil, err
	}
	return NewConnection(conn), nil
}

func (p *ConnectionPool) Put(conn *Connection) {
	select {
	case p.pool <- conn:
	default:
		conn.Close()
	}
}
