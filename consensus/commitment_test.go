package consensus

import (
	"time"

	gocheck "gopkg.in/check.v1"

	"github.com/kestreldb/kestrel/message"
	"github.com/kestreldb/kestrel/node"
)

type CommitmentTest struct {
	group *testGroup
}

var _ = gocheck.Suite(&CommitmentTest{})

func (t *CommitmentTest) SetUpSuite(c *gocheck.C) {
	t.group = newTestGroup()
}

func waitFor(c *gocheck.C, what string, cond func() bool) {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	c.Fatalf("timed out waiting for %v", what)
}

// the primary turns a client request into a PRE_PREPARE broadcast
func (t *CommitmentTest) TestPrimaryProposesNewRequest(c *gocheck.C) {
	r := newTestReplica(t.group, 1)
	defer r.stop()

	req := r.clientRequest(9, message.Transaction{Contract: "kv", Func: "set", Params: []string{"k", "v"}})
	err := r.commitment.ProcessNewRequest(r.contextFrom(1, req), req)
	c.Assert(err, gocheck.IsNil)

	proposes := r.comm.broadcastsOfType(message.TYPE_PRE_PREPARE)
	c.Assert(len(proposes), gocheck.Equals, 1)
	c.Check(proposes[0].Seq, gocheck.Equals, uint64(1))
	c.Check(proposes[0].View, gocheck.Equals, uint64(1))
	c.Check(proposes[0].PrimaryId, gocheck.Equals, node.NodeId(1))
}

func (t *CommitmentTest) TestRequestWithoutSignatureRejected(c *gocheck.C) {
	r := newTestReplica(t.group, 1)
	defer r.stop()

	req := r.clientRequest(9, message.Transaction{Contract: "kv", Func: "set", Params: []string{"k", "v"}})
	err := r.commitment.ProcessNewRequest(nil, req)
	c.Check(err, gocheck.NotNil)
	err = r.commitment.ProcessNewRequest(&message.Context{}, req)
	c.Check(err, gocheck.NotNil)
	c.Check(len(r.comm.broadcastsOfType(message.TYPE_PRE_PREPARE)), gocheck.Equals, 0)
}

// a non-primary forwards to the primary and starts a complaint timer
func (t *CommitmentTest) TestNonPrimaryRedirects(c *gocheck.C) {
	r := newTestReplica(t.group, 2)
	defer r.stop()

	req := r.clientRequest(9, message.Transaction{Contract: "kv", Func: "set", Params: []string{"k", "v"}})
	err := r.commitment.ProcessNewRequest(r.contextFrom(2, req), req)
	c.Assert(err, gocheck.IsNil)

	forwarded := r.comm.sendsOfType(message.TYPE_NEW_REQUEST)
	c.Assert(len(forwarded), gocheck.Equals, 1)
	c.Check(forwarded[0].to, gocheck.Equals, node.NodeId(1))

	r.viewchange.complaintLock.Lock()
	complaints := len(r.viewchange.complaining[node.NodeId(9)])
	r.viewchange.complaintLock.Unlock()
	c.Check(complaints, gocheck.Equals, 1)
}

// scenario: the full three phases on one replica, ending in an
// executed batch and a response to the proxy
func (t *CommitmentTest) TestThreePhaseTrace(c *gocheck.C) {
	r := newTestReplica(t.group, 1)
	defer r.stop()

	req := r.clientRequest(9, message.Transaction{Contract: "kv", Func: "add", Params: []string{"n", "1"}})
	c.Assert(r.commitment.ProcessNewRequest(r.contextFrom(1, req), req), gocheck.IsNil)

	propose := r.comm.broadcastsOfType(message.TYPE_PRE_PREPARE)[0]
	c.Assert(r.commitment.ProcessProposeMsg(r.contextFrom(1, propose), propose), gocheck.IsNil)

	// our own prepare goes out
	prepares := r.comm.broadcastsOfType(message.TYPE_PREPARE)
	c.Assert(len(prepares), gocheck.Equals, 1)
	c.Check(len(prepares[0].Data), gocheck.Equals, 0)

	// echo prepares from a quorum
	for _, sender := range []node.NodeId{1, 2, 3} {
		prepare := message.NewRequest(message.TYPE_PREPARE, prepares[0], sender)
		c.Assert(r.commitment.ProcessPrepareMsg(r.contextFrom(sender, prepare), prepare), gocheck.IsNil)
	}
	commits := r.comm.broadcastsOfType(message.TYPE_COMMIT)
	c.Assert(len(commits), gocheck.Equals, 1)
	c.Check(r.mm.GetTransactionState(1) >= TXN_READY_COMMIT, gocheck.Equals, true)

	for _, sender := range []node.NodeId{1, 2, 3} {
		commit := message.NewRequest(message.TYPE_COMMIT, commits[0], sender)
		c.Assert(r.commitment.ProcessCommitMsg(r.contextFrom(sender, commit), commit), gocheck.IsNil)
	}

	// execution is asynchronous; the response loop sends to proxy 9
	waitFor(c, "response to proxy", func() bool {
		for _, sent := range r.comm.sendsOfType(message.TYPE_RESPONSE) {
			if sent.to == node.NodeId(9) {
				return true
			}
		}
		return false
	})
	c.Check(r.mm.GetTransactionState(1) >= TXN_READY_EXECUTE, gocheck.Equals, true)
	c.Check(r.mm.GetRequest(1), gocheck.NotNil)
}

// a replayed request resends the cached response instead of
// re-proposing
func (t *CommitmentTest) TestDuplicateReplayResendsResponse(c *gocheck.C) {
	r := newTestReplica(t.group, 1)
	defer r.stop()

	req := r.clientRequest(9, message.Transaction{Contract: "kv", Func: "set", Params: []string{"dup", "v"}})
	c.Assert(r.commitment.ProcessNewRequest(r.contextFrom(1, req), req), gocheck.IsNil)
	propose := r.comm.broadcastsOfType(message.TYPE_PRE_PREPARE)[0]
	c.Assert(r.commitment.ProcessProposeMsg(r.contextFrom(1, propose), propose), gocheck.IsNil)
	prepare := r.comm.broadcastsOfType(message.TYPE_PREPARE)[0]
	for _, sender := range []node.NodeId{1, 2, 3} {
		echo := message.NewRequest(message.TYPE_PREPARE, prepare, sender)
		r.commitment.ProcessPrepareMsg(r.contextFrom(sender, echo), echo)
	}
	commit := r.comm.broadcastsOfType(message.TYPE_COMMIT)[0]
	for _, sender := range []node.NodeId{1, 2, 3} {
		echo := message.NewRequest(message.TYPE_COMMIT, commit, sender)
		r.commitment.ProcessCommitMsg(r.contextFrom(sender, echo), echo)
	}
	waitFor(c, "execution", func() bool {
		return r.commitment.DuplicateManager().CheckIfExecuted(req.Hash) != 0
	})

	r.comm.reset()
	replay := *req
	c.Assert(r.commitment.ProcessNewRequest(r.contextFrom(1, &replay), &replay), gocheck.IsNil)
	c.Check(len(r.comm.broadcastsOfType(message.TYPE_PRE_PREPARE)), gocheck.Equals, 0)
	responses := r.comm.sendsOfType(message.TYPE_RESPONSE)
	c.Assert(len(responses), gocheck.Equals, 1)
	c.Check(responses[0].to, gocheck.Equals, node.NodeId(9))
}

// an exhausted sequence window yields a structured negative response
func (t *CommitmentTest) TestWindowExhaustion(c *gocheck.C) {
	conf := t.group.config(1)
	conf.MaxProcessTxn = 1
	r := newTestReplicaWithConfig(t.group, conf)
	defer r.stop()

	first := r.clientRequest(9, message.Transaction{Contract: "kv", Func: "set", Params: []string{"a", "1"}})
	c.Assert(r.commitment.ProcessNewRequest(r.contextFrom(1, first), first), gocheck.IsNil)

	second := r.clientRequest(9, message.Transaction{Contract: "kv", Func: "set", Params: []string{"b", "2"}})
	err := r.commitment.ProcessNewRequest(r.contextFrom(1, second), second)
	c.Assert(err, gocheck.NotNil)
	_, isWindow := err.(*WindowExhaustedError)
	c.Check(isWindow, gocheck.Equals, true)

	responses := r.comm.sendsOfType(message.TYPE_RESPONSE)
	c.Assert(len(responses), gocheck.Equals, 1)
	c.Check(responses[0].req.Ret, gocheck.Equals, int64(-2))

	// the proposal mark was rolled back; the request is proposable
	// again once the window frees up
	c.Check(r.commitment.DuplicateManager().CheckAndAddProposed(second.Hash), gocheck.Equals, false)
}

// a pre-prepare from anyone but the primary is dropped
func (t *CommitmentTest) TestProposeFromNonPrimaryRejected(c *gocheck.C) {
	r := newTestReplica(t.group, 2)
	defer r.stop()

	req := r.clientRequest(9, message.Transaction{Contract: "kv", Func: "set", Params: []string{"k", "v"}})
	req.Type = message.TYPE_PRE_PREPARE
	req.View = 1
	req.Seq = 1
	req.SenderId = 3
	req.PrimaryId = 3
	err := r.commitment.ProcessProposeMsg(r.contextFrom(3, req), req)
	c.Check(err, gocheck.NotNil)
	c.Check(len(r.comm.broadcastsOfType(message.TYPE_PREPARE)), gocheck.Equals, 0)
}

// a foreign-view message never reaches the collector
func (t *CommitmentTest) TestForeignViewDropped(c *gocheck.C) {
	r := newTestReplica(t.group, 2)
	defer r.stop()

	req := r.clientRequest(9, message.Transaction{Contract: "kv", Func: "set", Params: []string{"k", "v"}})
	req.Type = message.TYPE_PRE_PREPARE
	req.View = 7
	req.Seq = 1
	req.SenderId = 1
	req.PrimaryId = 1
	err := r.commitment.ProcessProposeMsg(r.contextFrom(1, req), req)
	c.Check(err, gocheck.NotNil)
	c.Check(r.mm.GetTransactionState(1), gocheck.Equals, TXN_NONE)
}
