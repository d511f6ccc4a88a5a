package consensus

import (
	"bytes"
	"time"

	gocheck "gopkg.in/check.v1"

	"github.com/kestreldb/kestrel/crypto"
	"github.com/kestreldb/kestrel/message"
	"github.com/kestreldb/kestrel/node"
)

type ViewChangeTest struct {
	group *testGroup
}

var _ = gocheck.Suite(&ViewChangeTest{})

func (t *ViewChangeTest) SetUpSuite(c *gocheck.C) {
	t.group = newTestGroup()
}

// a minimal valid VIEW_CHANGE: genesis stable checkpoint, no P-set
func (t *ViewChangeTest) viewChangeFrom(c *gocheck.C, sender node.NodeId, targetView uint64) *message.Request {
	vcm := &message.ViewChangeMessage{ViewNumber: targetView}
	payload, err := vcm.Marshal()
	c.Assert(err, gocheck.IsNil)
	req := message.NewRequest(message.TYPE_VIEWCHANGE, nil, sender)
	req.Data = payload
	return req
}

func (t *ViewChangeTest) TestStaleViewChangeRejected(c *gocheck.C) {
	r := newTestReplica(t.group, 2)
	defer r.stop()

	vcm := &message.ViewChangeMessage{ViewNumber: 1} // not newer than current
	c.Check(r.viewchange.IsValidViewChangeMsg(vcm), gocheck.Equals, false)
}

func (t *ViewChangeTest) TestPSetWithoutQuorumRejected(c *gocheck.C) {
	r := newTestReplica(t.group, 2)
	defer r.stop()

	prepared := message.PreparedMsg{Seq: 3}
	req := message.NewRequest(message.TYPE_PRE_PREPARE, nil, 1)
	req.Seq = 3
	req.Hash = crypto.Hash([]byte("rho"))
	data, err := req.Marshal()
	c.Assert(err, gocheck.IsNil)
	signature, err := t.group.signer(1).Sign(data)
	c.Assert(err, gocheck.IsNil)
	prepared.Proofs = []message.PreparedProof{{Request: req, Signature: *signature}}

	vcm := &message.ViewChangeMessage{ViewNumber: 2, PreparedMsgs: []message.PreparedMsg{prepared}}
	c.Check(r.viewchange.IsValidViewChangeMsg(vcm), gocheck.Equals, false)
}

// scenario: seq 3 is covered by a P-set, seq 4 is a hole; the redo
// list must replay rho at 3 and synthesise null4 -- never anything
// else
func (t *ViewChangeTest) TestPrepareMsgReconstruction(c *gocheck.C) {
	r := newTestReplica(t.group, 2)
	defer r.stop()

	rho := message.NewRequest(message.TYPE_PRE_PREPARE, nil, 1)
	rho.Seq = 3
	rho.View = 1
	rho.Hash = crypto.Hash([]byte("rho"))
	rho.Data = []byte("rho-payload")

	nvm := &message.NewViewMessage{
		ViewNumber: 2,
		ViewchangeMessages: []message.ViewChangeMessage{
			{
				ViewNumber: 2,
				StableCkpt: message.StableCheckpoint{Seq: 2},
				PreparedMsgs: []message.PreparedMsg{
					{Seq: 3, Proofs: []message.PreparedProof{{Request: rho}}},
				},
			},
			{
				ViewNumber: 2,
				StableCkpt: message.StableCheckpoint{Seq: 2},
				PreparedMsgs: []message.PreparedMsg{
					{Seq: 5, Proofs: []message.PreparedProof{{Request: rho}}},
				},
			},
		},
	}

	redo := r.viewchange.getPrepareMsg(nvm, true)
	c.Assert(len(redo), gocheck.Equals, 3)

	// seq 3: the covered request replayed
	c.Check(redo[0].Seq, gocheck.Equals, uint64(3))
	c.Check(bytes.Equal(redo[0].Data, rho.Data), gocheck.Equals, true)
	c.Check(redo[0].View, gocheck.Equals, uint64(2))

	// seq 4: the hole becomes a signed null pre-prepare
	c.Check(redo[1].Seq, gocheck.Equals, uint64(4))
	c.Check(redo[1].Type, gocheck.Equals, message.TYPE_PRE_PREPARE)
	c.Check(bytes.Equal(redo[1].Hash, []byte("null4")), gocheck.Equals, true)
	c.Check(len(redo[1].Data), gocheck.Equals, 0)

	c.Check(redo[2].Seq, gocheck.Equals, uint64(5))

	// reconstruction is deterministic across replicas
	other := newTestReplica(t.group, 3)
	defer other.stop()
	redoOther := other.viewchange.getPrepareMsg(nvm, false)
	c.Assert(len(redoOther), gocheck.Equals, len(redo))
	for i := range redo {
		c.Check(bytes.Equal(redo[i].Data, redoOther[i].Data), gocheck.Equals, true)
		c.Check(bytes.Equal(redo[i].Hash, redoOther[i].Hash), gocheck.Equals, true)
	}
}

// the next primary assembles NEW_VIEW after Q view change messages
func (t *ViewChangeTest) TestQuorumTriggersNewView(c *gocheck.C) {
	r := newTestReplica(t.group, 2) // replica 2 is the primary of view 2
	defer r.stop()

	for _, sender := range []node.NodeId{1, 3, 4} {
		vc := t.viewChangeFrom(c, sender, 2)
		c.Assert(r.viewchange.ProcessViewChange(r.contextFrom(sender, vc), vc), gocheck.IsNil)
	}

	newViews := r.comm.broadcastsOfType(message.TYPE_NEWVIEW)
	c.Assert(len(newViews), gocheck.Equals, 1)
	nvm, err := message.UnmarshalNewViewMessage(newViews[0].Data)
	c.Assert(err, gocheck.IsNil)
	c.Check(nvm.ViewNumber, gocheck.Equals, uint64(2))
	c.Check(len(nvm.ViewchangeMessages), gocheck.Equals, 3)
	c.Check(r.viewchange.Status(), gocheck.Equals, VC_READY_NEW_VIEW)

	// a fourth message must not re-send NEW_VIEW
	vc := t.viewChangeFrom(c, 2, 2)
	c.Assert(r.viewchange.ProcessViewChange(r.contextFrom(2, vc), vc), gocheck.IsNil)
	c.Check(len(r.comm.broadcastsOfType(message.TYPE_NEWVIEW)), gocheck.Equals, 1)
}

// a non-primary receiving NEW_VIEW installs the view and resumes
func (t *ViewChangeTest) TestInstallNewView(c *gocheck.C) {
	primary := newTestReplica(t.group, 2)
	defer primary.stop()
	for _, sender := range []node.NodeId{1, 3, 4} {
		vc := t.viewChangeFrom(c, sender, 2)
		c.Assert(primary.viewchange.ProcessViewChange(primary.contextFrom(sender, vc), vc), gocheck.IsNil)
	}
	newView := primary.comm.broadcastsOfType(message.TYPE_NEWVIEW)[0]

	r := newTestReplica(t.group, 3)
	defer r.stop()
	c.Assert(r.viewchange.ProcessNewView(r.contextFrom(2, newView), newView), gocheck.IsNil)
	c.Check(r.sysInfo.GetCurrentView(), gocheck.Equals, uint64(2))
	c.Check(r.sysInfo.GetPrimaryId(), gocheck.Equals, node.NodeId(2))
	c.Check(r.viewchange.Status(), gocheck.Equals, VC_NONE)
	c.Check(r.mm.GetNextSeq(), gocheck.Equals, uint64(1))
}

func (t *ViewChangeTest) TestNewViewWithWrongNumberRejected(c *gocheck.C) {
	r := newTestReplica(t.group, 3)
	defer r.stop()

	nvm := &message.NewViewMessage{ViewNumber: 5}
	payload, err := nvm.Marshal()
	c.Assert(err, gocheck.IsNil)
	req := message.NewRequest(message.TYPE_NEWVIEW, nil, 2)
	req.Data = payload
	c.Check(r.viewchange.ProcessNewView(r.contextFrom(2, req), req), gocheck.NotNil)
	c.Check(r.sysInfo.GetCurrentView(), gocheck.Equals, uint64(1))
}

// scenario: the primary is silent; the client complaint expires and
// the replica broadcasts VIEW_CHANGE for view 2
func (t *ViewChangeTest) TestComplaintEscalatesToViewChange(c *gocheck.C) {
	conf := t.group.config(2)
	conf.ViewchangeCommitTimeoutMs = 20
	r := newTestReplicaWithConfig(t.group, conf)
	defer r.stop()

	r.viewchange.MayStart()
	r.viewchange.AddComplaintTimer(9, crypto.Hash([]byte("stalled")))

	waitFor(c, "view change broadcast", func() bool {
		return len(r.comm.broadcastsOfType(message.TYPE_VIEWCHANGE)) > 0
	})
	vc := r.comm.broadcastsOfType(message.TYPE_VIEWCHANGE)[0]
	vcm, err := message.UnmarshalViewChangeMessage(vc.Data)
	c.Assert(err, gocheck.IsNil)
	c.Check(vcm.ViewNumber, gocheck.Equals, uint64(2))
	c.Check(r.viewchange.Status(), gocheck.Equals, VC_READY_VIEW_CHANGE)
}

// committed progress for the complaining client cancels escalation
func (t *ViewChangeTest) TestComplaintReleasedByProgress(c *gocheck.C) {
	conf := t.group.config(2)
	conf.ViewchangeCommitTimeoutMs = 30
	r := newTestReplicaWithConfig(t.group, conf)
	defer r.stop()

	r.viewchange.MayStart()
	r.viewchange.AddComplaintTimer(9, crypto.Hash([]byte("will-commit")))
	r.mm.SetLastCommittedTime(9)

	time.Sleep(150 * time.Millisecond)
	c.Check(len(r.comm.broadcastsOfType(message.TYPE_VIEWCHANGE)), gocheck.Equals, 0)
	c.Check(r.viewchange.Status(), gocheck.Equals, VC_NONE)
}

func (t *ViewChangeTest) TestCounterIsBounded(c *gocheck.C) {
	r := newTestReplica(t.group, 2)
	defer r.stop()

	r.viewchange.changeStatus(VC_READY_NEW_VIEW)
	for i := 0; i < maxViewChangeCounter+5; i++ {
		r.viewchange.onTimeout(0)
		r.viewchange.changeStatus(VC_READY_NEW_VIEW)
	}
	r.viewchange.counterLock.Lock()
	counter := r.viewchange.viewChangeCounter
	r.viewchange.counterLock.Unlock()
	c.Check(counter <= maxViewChangeCounter, gocheck.Equals, true)
}
