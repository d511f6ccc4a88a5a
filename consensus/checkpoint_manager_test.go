package consensus

import (
	gocheck "gopkg.in/check.v1"

	"github.com/kestreldb/kestrel/crypto"
	"github.com/kestreldb/kestrel/message"
	"github.com/kestreldb/kestrel/node"
)

type CheckpointTest struct {
	group *testGroup
}

var _ = gocheck.Suite(&CheckpointTest{})

func (t *CheckpointTest) SetUpSuite(c *gocheck.C) {
	t.group = newTestGroup()
}

func commitData(seq uint64) *message.Request {
	req := message.NewRequest(message.TYPE_PRE_PREPARE, nil, 1)
	req.Seq = seq
	req.View = 1
	req.Hash = crypto.Hash([]byte{byte(seq)})
	return req
}

// a vote from sender over the given checkpoint hash
func (t *CheckpointTest) checkpointVote(c *gocheck.C, sender node.NodeId, seq uint64, hash []byte) *message.Request {
	signature, err := t.group.signer(sender).Sign(hash)
	c.Assert(err, gocheck.IsNil)
	data := &message.CheckpointData{Seq: seq, Hash: hash, HashSignature: *signature}
	payload, err := data.Marshal()
	c.Assert(err, gocheck.IsNil)
	req := message.NewRequest(message.TYPE_CHECKPOINT, nil, sender)
	req.Seq = seq
	req.Data = payload
	return req
}

// seqs 1..5 with watermark 5: exactly one CHECKPOINT, at seq 5
func (t *CheckpointTest) TestCheckpointEmittedOnWatermark(c *gocheck.C) {
	r := newTestReplica(t.group, 1)
	defer r.stop()

	for seq := uint64(1); seq <= 5; seq++ {
		r.checkpoint.AddCommitData(commitData(seq))
	}
	waitFor(c, "checkpoint broadcast", func() bool {
		return len(r.comm.broadcastsOfType(message.TYPE_CHECKPOINT)) > 0
	})
	checkpoints := r.comm.broadcastsOfType(message.TYPE_CHECKPOINT)
	c.Assert(len(checkpoints), gocheck.Equals, 1)
	data, err := message.UnmarshalCheckpointData(checkpoints[0].Data)
	c.Assert(err, gocheck.IsNil)
	c.Check(data.Seq, gocheck.Equals, uint64(5))
	c.Check(len(data.Hash) > 0, gocheck.Equals, true)
}

// out of order commit data still folds into the digest in seq order
func (t *CheckpointTest) TestCommitDataReordered(c *gocheck.C) {
	r := newTestReplica(t.group, 1)
	defer r.stop()

	for _, seq := range []uint64{2, 1, 4, 3, 5} {
		r.checkpoint.AddCommitData(commitData(seq))
	}
	waitFor(c, "checkpoint broadcast", func() bool {
		return len(r.comm.broadcastsOfType(message.TYPE_CHECKPOINT)) > 0
	})
	c.Check(r.checkpoint.GetMaxTxnSeq(), gocheck.Equals, uint64(5))
}

// scenario: three matching votes make seq 5 stable and the proof
// verifies from then on
func (t *CheckpointTest) TestStableWatermarkAdvances(c *gocheck.C) {
	r := newTestReplica(t.group, 1)
	defer r.stop()

	for seq := uint64(1); seq <= 5; seq++ {
		r.checkpoint.GetTxnDB().Put(commitData(seq))
		r.checkpoint.AddCommitData(commitData(seq))
	}
	waitFor(c, "checkpoint broadcast", func() bool {
		return len(r.comm.broadcastsOfType(message.TYPE_CHECKPOINT)) > 0
	})
	own, err := message.UnmarshalCheckpointData(r.comm.broadcastsOfType(message.TYPE_CHECKPOINT)[0].Data)
	c.Assert(err, gocheck.IsNil)

	for _, sender := range []node.NodeId{1, 2, 3} {
		vote := t.checkpointVote(c, sender, 5, own.Hash)
		c.Assert(r.checkpoint.ProcessCheckPoint(r.contextFrom(sender, vote), vote), gocheck.IsNil)
	}
	waitFor(c, "stable watermark", func() bool {
		return r.checkpoint.GetStableCheckpoint() == 5
	})

	stable := r.checkpoint.GetStableCheckpointWithVotes()
	c.Check(stable.Seq, gocheck.Equals, uint64(5))
	c.Check(len(stable.Signatures) >= 3, gocheck.Equals, true)
	c.Check(r.checkpoint.IsValidCheckpointProof(&stable), gocheck.Equals, true)

	// the log below the watermark is pruned
	waitFor(c, "prune", func() bool {
		return r.checkpoint.GetTxnDB().Get(3) == nil
	})
}

func (t *CheckpointTest) TestTwoVotesAreNotStable(c *gocheck.C) {
	r := newTestReplica(t.group, 1)
	defer r.stop()

	hash := crypto.Hash([]byte("ckpt"))
	for _, sender := range []node.NodeId{1, 2} {
		vote := t.checkpointVote(c, sender, 5, hash)
		c.Assert(r.checkpoint.ProcessCheckPoint(r.contextFrom(sender, vote), vote), gocheck.IsNil)
	}
	// two votes reach committable (f+1) but never stable (Q)
	waitFor(c, "committable seq", func() bool {
		return r.checkpoint.GetCommittableSeq() == 5
	})
	c.Check(r.checkpoint.GetStableCheckpoint(), gocheck.Equals, uint64(0))
}

func (t *CheckpointTest) TestOffWatermarkCheckpointRejected(c *gocheck.C) {
	r := newTestReplica(t.group, 1)
	defer r.stop()

	vote := t.checkpointVote(c, 2, 3, crypto.Hash([]byte("x")))
	c.Check(r.checkpoint.ProcessCheckPoint(r.contextFrom(2, vote), vote), gocheck.NotNil)
}

func (t *CheckpointTest) TestBadSignatureRejected(c *gocheck.C) {
	r := newTestReplica(t.group, 1)
	defer r.stop()

	hash := crypto.Hash([]byte("ckpt"))
	signature, err := t.group.signer(2).Sign([]byte("something else"))
	c.Assert(err, gocheck.IsNil)
	data := &message.CheckpointData{Seq: 5, Hash: hash, HashSignature: *signature}
	payload, err := data.Marshal()
	c.Assert(err, gocheck.IsNil)
	req := message.NewRequest(message.TYPE_CHECKPOINT, nil, 2)
	req.Data = payload
	c.Check(r.checkpoint.ProcessCheckPoint(r.contextFrom(2, req), req), gocheck.NotNil)
}

func (t *CheckpointTest) TestProofValidation(c *gocheck.C) {
	r := newTestReplica(t.group, 1)
	defer r.stop()

	hash := crypto.Hash([]byte("proof"))
	proof := &message.StableCheckpoint{Seq: 5, Hash: hash}
	for _, sender := range []node.NodeId{1, 2, 3} {
		signature, err := t.group.signer(sender).Sign(hash)
		c.Assert(err, gocheck.IsNil)
		proof.Signatures = append(proof.Signatures, *signature)
	}
	c.Check(r.checkpoint.IsValidCheckpointProof(proof), gocheck.Equals, true)

	// distinct signers are required
	duplicated := &message.StableCheckpoint{Seq: 5, Hash: hash}
	one, _ := t.group.signer(1).Sign(hash)
	duplicated.Signatures = []crypto.Signature{*one, *one, *one}
	c.Check(r.checkpoint.IsValidCheckpointProof(duplicated), gocheck.Equals, false)

	// Q-1 signatures are not a proof
	short := &message.StableCheckpoint{Seq: 5, Hash: hash, Signatures: proof.Signatures[:2]}
	c.Check(r.checkpoint.IsValidCheckpointProof(short), gocheck.Equals, false)

	// genesis admits the empty proof
	genesis := &message.StableCheckpoint{Seq: 0}
	c.Check(r.checkpoint.IsValidCheckpointProof(genesis), gocheck.Equals, true)
}

func (t *CheckpointTest) TestStatusSyncUpdatesPeerTable(c *gocheck.C) {
	r := newTestReplica(t.group, 1)
	defer r.stop()

	data := &message.CheckpointData{Seq: 40, View: 1, PrimaryId: 1}
	payload, err := data.Marshal()
	c.Assert(err, gocheck.IsNil)
	req := message.NewRequest(message.TYPE_STATUS_SYNC, nil, 3)
	req.Data = payload
	c.Assert(r.checkpoint.ProcessStatusSync(r.contextFrom(3, req), req), gocheck.IsNil)

	r.checkpoint.statusLock.Lock()
	seq := r.checkpoint.status[node.NodeId(3)]
	r.checkpoint.statusLock.Unlock()
	c.Check(seq, gocheck.Equals, uint64(40))
}

// >= Q peers reporting a newer primary/view flips the local belief
func (t *CheckpointTest) TestSysStatusAdoptsQuorumView(c *gocheck.C) {
	r := newTestReplica(t.group, 1)
	defer r.stop()

	for _, sender := range []node.NodeId{2, 3, 4} {
		data := &message.CheckpointData{Seq: 1, View: 3, PrimaryId: 3}
		payload, err := data.Marshal()
		c.Assert(err, gocheck.IsNil)
		req := message.NewRequest(message.TYPE_STATUS_SYNC, nil, sender)
		req.Data = payload
		c.Assert(r.checkpoint.ProcessStatusSync(r.contextFrom(sender, req), req), gocheck.IsNil)
	}
	r.checkpoint.checkSysStatus()
	c.Check(r.sysInfo.GetCurrentView(), gocheck.Equals, uint64(3))
	c.Check(r.sysInfo.GetPrimaryId(), gocheck.Equals, node.NodeId(3))
}
