package consensus

import (
	"sync"

	"github.com/kestreldb/kestrel/message"
)

// ChainState is the ordered log of executed requests, pruned below
// the stable watermark. QUERY and RECOVERY_DATA are answered from
// here.
type ChainState struct {
	lock   sync.RWMutex
	data   map[uint64]*message.Request
	maxSeq uint64
	minSeq uint64
}

func NewChainState() *ChainState {
	return &ChainState{
		data:   make(map[uint64]*message.Request),
		minSeq: 1,
	}
}

func (c *ChainState) Put(req *message.Request) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.data[req.Seq] = req
	if req.Seq > c.maxSeq {
		c.maxSeq = req.Seq
	}
}

func (c *ChainState) Get(seq uint64) *message.Request {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.data[seq]
}

func (c *ChainState) GetRange(minSeq uint64, maxSeq uint64) []*message.Request {
	c.lock.RLock()
	defer c.lock.RUnlock()
	requests := make([]*message.Request, 0, maxSeq-minSeq+1)
	for seq := minSeq; seq <= maxSeq; seq++ {
		if req, ok := c.data[seq]; ok {
			requests = append(requests, req)
		}
	}
	return requests
}

func (c *ChainState) MaxSeq() uint64 {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.maxSeq
}

// drops everything at or below seq; the stable checkpoint proof
// stands in for the pruned prefix
func (c *ChainState) Prune(seq uint64) {
	c.lock.Lock()
	defer c.lock.Unlock()
	for s := c.minSeq; s <= seq; s++ {
		delete(c.data, s)
	}
	if seq >= c.minSeq {
		c.minSeq = seq + 1
	}
}
