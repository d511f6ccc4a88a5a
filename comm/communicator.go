package comm

import (
	"sync"

	"github.com/kestreldb/kestrel/crypto"
	"github.com/kestreldb/kestrel/message"
	"github.com/kestreldb/kestrel/node"
)

// delivery of a locally addressed message, bypassing the network
type LocalHandler func(ctx *message.Context, req *message.Request)

// TCPCommunicator implements the Communicator surface the consensus
// core depends on: best effort broadcast and unicast over pooled
// connections. Messages to the local replica are dispatched in
// process.
type TCPCommunicator struct {
	selfId node.NodeId
	signer crypto.Signer

	// the fixed replica set broadcasts go to; proxies registered
	// later only ever receive unicasts
	replicaIds []node.NodeId

	lock  sync.Mutex
	addrs map[node.NodeId]string
	pools map[node.NodeId]*ConnectionPool

	localHandler LocalHandler
}

func NewTCPCommunicator(selfId node.NodeId, replicas []node.ReplicaInfo, signer crypto.Signer) *TCPCommunicator {
	c := &TCPCommunicator{
		selfId: selfId,
		signer: signer,
		addrs:  make(map[node.NodeId]string),
		pools:  make(map[node.NodeId]*ConnectionPool),
	}
	for _, replica := range replicas {
		c.replicaIds = append(c.replicaIds, replica.Id)
		c.addrs[replica.Id] = replica.Addr
	}
	return c
}

func (c *TCPCommunicator) SetLocalHandler(handler LocalHandler) {
	c.localHandler = handler
}

// registers an address outside the replica set, typically a proxy
// reply endpoint
func (c *TCPCommunicator) RegisterAddr(id node.NodeId, addr string) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.addrs[id] = addr
}

func (c *TCPCommunicator) poolFor(id node.NodeId) *ConnectionPool {
	c.lock.Lock()
	defer c.lock.Unlock()
	pool, ok := c.pools[id]
	if !ok {
		addr, known := c.addrs[id]
		if !known {
			return nil
		}
		pool = NewConnectionPool(addr, 4, 10000)
		c.pools[id] = pool
	}
	return pool
}

// best effort delivery to every replica, the local one included
func (c *TCPCommunicator) Broadcast(req *message.Request) {
	for _, id := range c.replicaIds {
		c.Send(req, id)
	}
}

func (c *TCPCommunicator) Send(req *message.Request, id node.NodeId) {
	if id == c.selfId && c.localHandler != nil {
		data, err := req.Marshal()
		if err != nil {
			logger.Errorf("cannot marshal local message: %v", err)
			return
		}
		signature, err := c.signer.Sign(data)
		if err != nil {
			logger.Errorf("cannot sign local message: %v", err)
			return
		}
		// deliver off the caller's goroutine, like the network would
		clone := *req
		go c.localHandler(&message.Context{Signature: *signature}, &clone)
		return
	}

	pool := c.poolFor(id)
	if pool == nil {
		logger.Debugf("no address for node %v", id)
		return
	}
	go func() {
		conn, err := pool.Get()
		if err != nil {
			logger.Debugf("cannot reach node %v: %v", id, err)
			return
		}
		if err := conn.WriteSigned(req, c.signer); err != nil {
			logger.Debugf("send to node %v failed: %v", id, err)
			conn.Close()
			return
		}
		pool.Put(conn)
	}()
}
