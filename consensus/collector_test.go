package consensus

import (
	gocheck "gopkg.in/check.v1"

	"github.com/kestreldb/kestrel/crypto"
	"github.com/kestreldb/kestrel/message"
	"github.com/kestreldb/kestrel/node"
)

type CollectorTest struct{}

var _ = gocheck.Suite(&CollectorTest{})

const testQuorum = 3

func vote(msgType message.MsgType, seq uint64, sender node.NodeId, hash []byte) *message.Request {
	req := message.NewRequest(msgType, nil, sender)
	req.Seq = seq
	req.View = 1
	req.Hash = hash
	return req
}

func sig(sender node.NodeId) crypto.Signature {
	return crypto.Signature{NodeId: sender, Sign: []byte{byte(sender)}}
}

func (t *CollectorTest) TestStatusAdvancesInOrder(c *gocheck.C) {
	collector := NewTransactionCollector(1)
	hash := []byte("h1")

	changed, err := collector.AddRequest(vote(message.TYPE_PRE_PREPARE, 1, 1, hash), sig(1), testQuorum)
	c.Assert(err, gocheck.IsNil)
	c.Check(changed, gocheck.Equals, TXN_READY_PREPARE)
	c.Check(collector.Status(), gocheck.Equals, TXN_READY_PREPARE)

	// two prepares are one short of the quorum
	for _, sender := range []node.NodeId{1, 2} {
		changed, err = collector.AddRequest(vote(message.TYPE_PREPARE, 1, sender, hash), sig(sender), testQuorum)
		c.Assert(err, gocheck.IsNil)
		c.Check(changed, gocheck.Equals, TXN_NONE)
	}
	c.Check(collector.Status(), gocheck.Equals, TXN_READY_PREPARE)

	// the third completes it
	changed, err = collector.AddRequest(vote(message.TYPE_PREPARE, 1, 3, hash), sig(3), testQuorum)
	c.Assert(err, gocheck.IsNil)
	c.Check(changed, gocheck.Equals, TXN_READY_COMMIT)

	for _, sender := range []node.NodeId{1, 2} {
		changed, err = collector.AddRequest(vote(message.TYPE_COMMIT, 1, sender, hash), sig(sender), testQuorum)
		c.Assert(err, gocheck.IsNil)
		c.Check(changed, gocheck.Equals, TXN_NONE)
	}
	changed, err = collector.AddRequest(vote(message.TYPE_COMMIT, 1, 3, hash), sig(3), testQuorum)
	c.Assert(err, gocheck.IsNil)
	c.Check(changed, gocheck.Equals, TXN_READY_EXECUTE)
}

func (t *CollectorTest) TestDuplicateVotesAreIdempotent(c *gocheck.C) {
	collector := NewTransactionCollector(1)
	hash := []byte("h1")
	collector.AddRequest(vote(message.TYPE_PRE_PREPARE, 1, 1, hash), sig(1), testQuorum)

	for i := 0; i < 5; i++ {
		changed, err := collector.AddRequest(vote(message.TYPE_PREPARE, 1, 2, hash), sig(2), testQuorum)
		c.Assert(err, gocheck.IsNil)
		c.Check(changed, gocheck.Equals, TXN_NONE)
	}
	c.Check(collector.Status(), gocheck.Equals, TXN_READY_PREPARE)
}

func (t *CollectorTest) TestPrepareBeforePrePrepare(c *gocheck.C) {
	collector := NewTransactionCollector(1)
	hash := []byte("h1")

	// prepares buffered while the pre-prepare is delayed
	for _, sender := range []node.NodeId{2, 3, 4} {
		changed, err := collector.AddRequest(vote(message.TYPE_PREPARE, 1, sender, hash), sig(sender), testQuorum)
		c.Assert(err, gocheck.IsNil)
		c.Check(changed, gocheck.Equals, TXN_NONE)
	}
	c.Check(collector.Status(), gocheck.Equals, TXN_NONE)

	// the pre-prepare lands and the buffered quorum fires at once
	changed, err := collector.AddRequest(vote(message.TYPE_PRE_PREPARE, 1, 1, hash), sig(1), testQuorum)
	c.Assert(err, gocheck.IsNil)
	c.Check(changed, gocheck.Equals, TXN_READY_COMMIT)
}

func (t *CollectorTest) TestConflictingPrePrepareRejected(c *gocheck.C) {
	collector := NewTransactionCollector(1)
	_, err := collector.AddRequest(vote(message.TYPE_PRE_PREPARE, 1, 1, []byte("h1")), sig(1), testQuorum)
	c.Assert(err, gocheck.IsNil)

	_, err = collector.AddRequest(vote(message.TYPE_PRE_PREPARE, 1, 1, []byte("h2")), sig(1), testQuorum)
	c.Assert(err, gocheck.NotNil)

	// the same pre-prepare again is a no-op, not an error
	changed, err := collector.AddRequest(vote(message.TYPE_PRE_PREPARE, 1, 1, []byte("h1")), sig(1), testQuorum)
	c.Assert(err, gocheck.IsNil)
	c.Check(changed, gocheck.Equals, TXN_NONE)
}

func (t *CollectorTest) TestVotesOnOtherHashesDoNotCount(c *gocheck.C) {
	collector := NewTransactionCollector(1)
	hash := []byte("h1")
	collector.AddRequest(vote(message.TYPE_PRE_PREPARE, 1, 1, hash), sig(1), testQuorum)

	collector.AddRequest(vote(message.TYPE_PREPARE, 1, 2, hash), sig(2), testQuorum)
	collector.AddRequest(vote(message.TYPE_PREPARE, 1, 3, []byte("other")), sig(3), testQuorum)
	changed, err := collector.AddRequest(vote(message.TYPE_PREPARE, 1, 4, []byte("other")), sig(4), testQuorum)
	c.Assert(err, gocheck.IsNil)
	c.Check(changed, gocheck.Equals, TXN_NONE)
	c.Check(collector.Status(), gocheck.Equals, TXN_READY_PREPARE)
}

func (t *CollectorTest) TestPreparedProof(c *gocheck.C) {
	collector := NewTransactionCollector(1)
	hash := []byte("h1")
	collector.AddRequest(vote(message.TYPE_PRE_PREPARE, 1, 1, hash), sig(1), testQuorum)
	for _, sender := range []node.NodeId{1, 2, 3} {
		collector.AddRequest(vote(message.TYPE_PREPARE, 1, sender, hash), sig(sender), testQuorum)
	}
	proofs := collector.GetPreparedProof()
	// the pre-prepare plus three prepares
	c.Check(len(proofs), gocheck.Equals, 4)
}

func (t *CollectorTest) TestPoolRecycles(c *gocheck.C) {
	pool := NewCollectorPool(4)
	first := pool.GetCollector(1)
	c.Check(first.Seq(), gocheck.Equals, uint64(1))

	// the same slot eight seqs later holds a fresh collector
	first.AddRequest(vote(message.TYPE_PRE_PREPARE, 1, 1, []byte("h1")), sig(1), testQuorum)
	later := pool.GetCollector(9)
	c.Check(later.Seq(), gocheck.Equals, uint64(9))
	c.Check(later.Status(), gocheck.Equals, TXN_NONE)
	c.Check(later.MainRequest(), gocheck.IsNil)
}
