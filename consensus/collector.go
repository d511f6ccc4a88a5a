/*
The consensus core: three-phase commitment, collectors, checkpoint
and watermark management, view change, and duplicate tracking.
*/
package consensus

import (
	"bytes"
	"sync"
	"sync/atomic"

	logging "github.com/op/go-logging"

	"github.com/kestreldb/kestrel/crypto"
	"github.com/kestreldb/kestrel/message"
	"github.com/kestreldb/kestrel/node"
)

var logger = logging.MustGetLogger("consensus")

type TransactionStatus int32

const (
	TXN_NONE TransactionStatus = iota
	TXN_READY_PREPARE
	TXN_READY_COMMIT
	TXN_READY_EXECUTE
	TXN_EXECUTED
)

func (s TransactionStatus) String() string {
	switch s {
	case TXN_NONE:
		return "None"
	case TXN_READY_PREPARE:
		return "ReadyPrepare"
	case TXN_READY_COMMIT:
		return "ReadyCommit"
	case TXN_READY_EXECUTE:
		return "ReadyExecute"
	case TXN_EXECUTED:
		return "Executed"
	}
	return "Unknown"
}

// a vote retained with the transport signature that authenticated it
type RequestInfo struct {
	Request   *message.Request
	Signature crypto.Signature
}

// TransactionCollector aggregates the pre-prepare and the prepare
// and commit votes for one sequence number. Status only moves
// forward, and each transition fires exactly once: transitions go
// through compare-and-swap so a single caller observes the change.
type TransactionCollector struct {
	seq uint64

	lock       sync.Mutex
	status     int32
	prePrepare *RequestInfo
	prepares   map[node.NodeId]*RequestInfo
	commits    map[node.NodeId]*RequestInfo
}

func NewTransactionCollector(seq uint64) *TransactionCollector {
	return &TransactionCollector{
		seq:      seq,
		prepares: make(map[node.NodeId]*RequestInfo),
		commits:  make(map[node.NodeId]*RequestInfo),
	}
}

func (c *TransactionCollector) Seq() uint64 { return c.seq }

func (c *TransactionCollector) Status() TransactionStatus {
	return TransactionStatus(atomic.LoadInt32(&c.status))
}

func (c *TransactionCollector) casStatus(from TransactionStatus, to TransactionStatus) bool {
	return atomic.CompareAndSwapInt32(&c.status, int32(from), int32(to))
}

func (c *TransactionCollector) SetExecuted() {
	atomic.StoreInt32(&c.status, int32(TXN_EXECUTED))
}

func (c *TransactionCollector) IsPrepared() bool {
	return c.Status() >= TXN_READY_COMMIT
}

// the request being ordered at this seq, nil before the pre-prepare
// arrives
func (c *TransactionCollector) MainRequest() *message.Request {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.prePrepare == nil {
		return nil
	}
	return c.prePrepare.Request
}

// AddRequest accepts one consensus message for this seq and returns
// the status the collector transitioned to, or TXN_NONE when nothing
// changed. quorum is Q = 2f+1. Duplicate votes per sender are
// idempotent; a second pre-prepare with a different hash is an error.
func (c *TransactionCollector) AddRequest(req *message.Request, signature crypto.Signature, quorum int) (TransactionStatus, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	switch req.Type {
	case message.TYPE_NEW_REQUEST, message.TYPE_PRE_PREPARE:
		if c.prePrepare != nil {
			if !bytes.Equal(c.prePrepare.Request.Hash, req.Hash) {
				return TXN_NONE, NewConflictingPrePrepareError(c.seq)
			}
			return TXN_NONE, nil
		}
		c.prePrepare = &RequestInfo{Request: req, Signature: signature}
		if !c.casStatus(TXN_NONE, TXN_READY_PREPARE) {
			return TXN_NONE, nil
		}
		// prepares may have arrived ahead of a delayed pre-prepare;
		// if they already form a quorum, move straight on
		if c.matchingPrepares(req.Hash) >= quorum {
			if c.casStatus(TXN_READY_PREPARE, TXN_READY_COMMIT) {
				return TXN_READY_COMMIT, nil
			}
		}
		return TXN_READY_PREPARE, nil

	case message.TYPE_PREPARE:
		if _, ok := c.prepares[req.SenderId]; ok {
			return TXN_NONE, nil
		}
		c.prepares[req.SenderId] = &RequestInfo{Request: req, Signature: signature}
		if c.Status() == TXN_READY_PREPARE && c.matchingPrepares(c.prePrepare.Request.Hash) >= quorum {
			if c.casStatus(TXN_READY_PREPARE, TXN_READY_COMMIT) {
				return TXN_READY_COMMIT, nil
			}
		}
		return TXN_NONE, nil

	case message.TYPE_COMMIT:
		if _, ok := c.commits[req.SenderId]; ok {
			return TXN_NONE, nil
		}
		c.commits[req.SenderId] = &RequestInfo{Request: req, Signature: signature}
		if c.Status() == TXN_READY_COMMIT && c.matchingCommits(c.prePrepare.Request.Hash) >= quorum {
			if c.casStatus(TXN_READY_COMMIT, TXN_READY_EXECUTE) {
				return TXN_READY_EXECUTE, nil
			}
		}
		return TXN_NONE, nil
	}
	return TXN_NONE, NewMalformedMessageError("unexpected type for collector")
}

func (c *TransactionCollector) matchingPrepares(hash []byte) int {
	count := 0
	for _, info := range c.prepares {
		if bytes.Equal(info.Request.Hash, hash) {
			count++
		}
	}
	return count
}

func (c *TransactionCollector) matchingCommits(hash []byte) int {
	count := 0
	for _, info := range c.commits {
		if bytes.Equal(info.Request.Hash, hash) {
			count++
		}
	}
	return count
}

// the prepared certificate: the pre-prepare plus the prepare votes
func (c *TransactionCollector) GetPreparedProof() []RequestInfo {
	c.lock.Lock()
	defer c.lock.Unlock()
	proofs := make([]RequestInfo, 0, len(c.prepares)+1)
	if c.prePrepare != nil {
		proofs = append(proofs, *c.prePrepare)
	}
	for _, info := range c.prepares {
		proofs = append(proofs, *info)
	}
	return proofs
}

// the commit certificate
func (c *TransactionCollector) GetCommitProof() []RequestInfo {
	c.lock.Lock()
	defer c.lock.Unlock()
	proofs := make([]RequestInfo, 0, len(c.commits))
	for _, info := range c.commits {
		proofs = append(proofs, *info)
	}
	return proofs
}

// every hash this collector has seen proposed; used to clear
// duplicate-proposal marks when a view change re-proposes
func (c *TransactionCollector) GetAllStoredHash() [][]byte {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.prePrepare == nil {
		return nil
	}
	return [][]byte{c.prePrepare.Request.Hash}
}

// reset recycles the collector for a new sequence number
func (c *TransactionCollector) reset(seq uint64) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.seq = seq
	atomic.StoreInt32(&c.status, int32(TXN_NONE))
	c.prePrepare = nil
	c.prepares = make(map[node.NodeId]*RequestInfo)
	c.commits = make(map[node.NodeId]*RequestInfo)
}

// CollectorPool keeps a fixed ring of collectors covering the
// sequence window. Collectors are created lazily on first touch and
// recycled once their seq falls out of the window.
type CollectorPool struct {
	lock     sync.Mutex
	capacity uint64
	slots    []*TransactionCollector
}

func NewCollectorPool(windowSize uint64) *CollectorPool {
	// twice the window so in-flight seqs never collide with
	// recycled ones
	capacity := windowSize * 2
	if capacity == 0 {
		capacity = 2
	}
	return &CollectorPool{
		capacity: capacity,
		slots:    make([]*TransactionCollector, capacity),
	}
}

func (p *CollectorPool) GetCollector(seq uint64) *TransactionCollector {
	p.lock.Lock()
	defer p.lock.Unlock()
	idx := seq % p.capacity
	collector := p.slots[idx]
	if collector == nil {
		collector = NewTransactionCollector(seq)
		p.slots[idx] = collector
		return collector
	}
	if collector.Seq() < seq {
		collector.reset(seq)
	}
	return collector
}

// Update marks the collector of an executed seq Executed; the slot is
// reset by GetCollector when seq+capacity comes around
func (p *CollectorPool) Update(seq uint64) {
	p.lock.Lock()
	defer p.lock.Unlock()
	idx := seq % p.capacity
	if p.slots[idx] != nil && p.slots[idx].Seq() == seq {
		p.slots[idx].SetExecuted()
	}
}
