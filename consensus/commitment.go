package consensus

import (
	"sync"
	"time"

	"github.com/kestreldb/kestrel/config"
	"github.com/kestreldb/kestrel/crypto"
	"github.com/kestreldb/kestrel/message"
	"github.com/kestreldb/kestrel/node"
	"github.com/kestreldb/kestrel/stats"
)

// registers a complaint timer for a client request that was
// forwarded to the primary
type complaintRegistrar interface {
	AddComplaintTimer(proxyId node.NodeId, hash []byte)
}

// Commitment drives the three phases: it turns client requests into
// pre-prepares as primary, echoes prepares and commits as the quorum
// builds, and returns executed responses to the originating proxy.
type Commitment struct {
	conf      *config.Config
	mm        *MessageManager
	comm      Communicator
	verifier  crypto.SignerVerifier
	duplicate *DuplicateManager
	registrar complaintRegistrar
	stats     *stats.Stats

	preVerifyFunc func(req *message.Request) bool
	needCommitQC  bool

	stop chan struct{}
	done sync.WaitGroup
}

func NewCommitment(conf *config.Config, mm *MessageManager, comm Communicator, verifier crypto.SignerVerifier, st *stats.Stats) *Commitment {
	c := &Commitment{
		conf:      conf,
		mm:        mm,
		comm:      comm,
		verifier:  verifier,
		duplicate: NewDuplicateManager(conf),
		stats:     st,
		stop:      make(chan struct{}),
	}
	mm.SetDuplicateManager(c.duplicate)
	c.done.Add(1)
	go c.postProcessExecutedMsg()
	return c
}

func (c *Commitment) Stop() {
	close(c.stop)
	c.done.Wait()
	c.duplicate.Stop()
}

func (c *Commitment) DuplicateManager() *DuplicateManager { return c.duplicate }

func (c *Commitment) SetComplaintRegistrar(registrar complaintRegistrar) {
	c.registrar = registrar
}

// optional application hook run before a request is proposed
func (c *Commitment) SetPreVerifyFunc(fn func(req *message.Request) bool) {
	c.preVerifyFunc = fn
}

// when set, commits carry a signature over the digest so executed
// seqs have an externally checkable quorum certificate
func (c *Commitment) SetNeedCommitQC(need bool) {
	c.needCommitQC = need
}

func validContext(ctx *message.Context) bool {
	return ctx != nil && !ctx.Signature.IsEmpty()
}

// entry point for client submitted requests
func (c *Commitment) ProcessNewRequest(ctx *message.Context, req *message.Request) error {
	if !validContext(ctx) {
		logger.Errorf("client request without signature, reject")
		return NewMalformedMessageError("missing signature")
	}

	if seq := c.duplicate.CheckIfExecuted(req.Hash); seq != 0 {
		logger.Debugf("request already executed at seq %v, resending response", seq)
		req.Seq = seq
		c.mm.SendResponse(req, c.comm)
		return nil
	}

	primary := c.mm.GetCurrentPrimary()
	if c.conf.SelfId != primary {
		logger.Debugf("not primary, forwarding to %v", primary)
		c.comm.Send(req, primary)
		if c.registrar != nil {
			c.registrar.AddComplaintTimer(req.ProxyId, req.Hash)
		}
		return nil
	}

	if !c.verifier.Verify(req.Data, &req.DataSignature) {
		logger.Errorf("client request payload signature invalid, reject")
		return NewMalformedMessageError("payload signature invalid")
	}
	if c.preVerifyFunc != nil && !c.preVerifyFunc(req) {
		return NewMalformedMessageError("pre-verification rejected the request")
	}

	if c.stats != nil {
		c.stats.IncClientRequest()
	}
	if c.duplicate.CheckAndAddProposed(req.Hash) {
		return NewDuplicateProposalError(req.Hash)
	}

	seq, err := c.mm.AssignNextSeq()
	if err != nil {
		c.duplicate.EraseProposed(req.Hash)
		if c.stats != nil {
			c.stats.SeqFail()
		}
		c.sendBackpressureResponse(req)
		return err
	}

	req.Type = message.TYPE_PRE_PREPARE
	req.View = c.mm.GetCurrentView()
	req.Seq = seq
	req.SenderId = c.conf.SelfId
	req.PrimaryId = c.conf.SelfId
	c.comm.Broadcast(req)
	return nil
}

// the structured negative response on an exhausted window
func (c *Commitment) sendBackpressureResponse(req *message.Request) {
	resp := message.NewRequest(message.TYPE_RESPONSE, nil, c.conf.SelfId)
	resp.ProxyId = req.ProxyId
	resp.Hash = req.Hash
	resp.Ret = -2
	c.comm.Send(resp, req.ProxyId)
}

// PRE_PREPARE from the primary
func (c *Commitment) ProcessProposeMsg(ctx *message.Context, req *message.Request) error {
	if !validContext(ctx) {
		logger.Errorf("propose without signature, reject")
		return NewMalformedMessageError("missing signature")
	}

	if req.IsRecovery {
		return c.processRecoveryPropose(ctx, req)
	}

	if req.SenderId != c.mm.GetCurrentPrimary() {
		logger.Errorf("propose not from primary, sender %v seq %v", req.SenderId, req.Seq)
		return NewMalformedMessageError("propose not from primary")
	}

	if req.SenderId != c.conf.SelfId {
		if c.preVerifyFunc != nil && !c.preVerifyFunc(req) {
			return NewMalformedMessageError("pre-verification rejected the request")
		}
		if !c.verifier.Verify(req.Data, &req.DataSignature) {
			logger.Errorf("propose payload signature invalid, seq %v", req.Seq)
			return NewMalformedMessageError("payload signature invalid")
		}
		if c.duplicate.CheckAndAddProposed(req.Hash) {
			logger.Debugf("request already proposed, reject")
			return NewDuplicateProposalError(req.Hash)
		}
	}

	if c.stats != nil {
		c.stats.IncPropose()
	}
	prepare := message.NewRequest(message.TYPE_PREPARE, req, c.conf.SelfId)
	prepare.Data = nil
	prepare.DataSignature = crypto.Signature{}

	changedTo, code := c.mm.AddConsensusMsg(ctx.Signature, req)
	if code == COLLECTOR_INVALID {
		return NewMalformedMessageError("propose rejected by collector")
	}
	if code == COLLECTOR_STATE_CHANGED {
		c.comm.Broadcast(prepare)
		if changedTo >= TXN_READY_COMMIT {
			// buffered prepares already formed a quorum
			c.broadcastCommit(prepare)
		}
	}
	return nil
}

// a recovery fill replays an already ordered request; it bypasses
// proposal bookkeeping and fast-forwards the sequence counter
func (c *Commitment) processRecoveryPropose(ctx *message.Context, req *message.Request) error {
	next := c.mm.GetNextSeq()
	if next == 1 || req.Seq == next {
		c.mm.SetNextSeq(req.Seq + 1)
	} else if req.Seq > next {
		logger.Errorf("recovery propose out of order: next %v, got %v", next, req.Seq)
		return nil
	}
	_, code := c.mm.AddConsensusMsg(ctx.Signature, req)
	if code == COLLECTOR_INVALID {
		return NewMalformedMessageError("recovery propose rejected")
	}
	return nil
}

// PREPARE votes; a completed quorum broadcasts our COMMIT
func (c *Commitment) ProcessPrepareMsg(ctx *message.Context, req *message.Request) error {
	if !validContext(ctx) {
		logger.Errorf("prepare without signature, reject")
		return NewMalformedMessageError("missing signature")
	}
	if req.IsRecovery {
		_, code := c.mm.AddConsensusMsg(ctx.Signature, req)
		if code == COLLECTOR_INVALID {
			return NewMalformedMessageError("recovery prepare rejected")
		}
		return nil
	}

	commit := message.NewRequest(message.TYPE_COMMIT, req, c.conf.SelfId)
	commit.Data = nil
	commit.DataSignature = crypto.Signature{}

	changedTo, code := c.mm.AddConsensusMsg(ctx.Signature, req)
	if code == COLLECTOR_INVALID {
		return NewMalformedMessageError("prepare rejected by collector")
	}
	if code == COLLECTOR_STATE_CHANGED && changedTo == TXN_READY_COMMIT {
		if c.stats != nil {
			c.stats.IncPrepare()
		}
		c.broadcastCommit(commit)
	}
	return nil
}

func (c *Commitment) broadcastCommit(commit *message.Request) {
	c.mm.SetHighestPreparedSeq(commit.Seq)
	if c.needCommitQC {
		signature, err := c.verifier.Sign(commit.Hash)
		if err != nil {
			logger.Errorf("cannot sign commit digest: %v", err)
			return
		}
		commit.DataSignature = *signature
	}
	c.comm.Broadcast(commit)
}

// COMMIT votes; a completed quorum releases the seq for execution
func (c *Commitment) ProcessCommitMsg(ctx *message.Context, req *message.Request) error {
	if !validContext(ctx) {
		logger.Errorf("commit without signature, reject")
		return NewMalformedMessageError("missing signature")
	}
	if req.IsRecovery {
		_, code := c.mm.AddConsensusMsg(ctx.Signature, req)
		if code == COLLECTOR_INVALID {
			return NewMalformedMessageError("recovery commit rejected")
		}
		return nil
	}

	changedTo, code := c.mm.AddConsensusMsg(ctx.Signature, req)
	if code == COLLECTOR_INVALID {
		return NewMalformedMessageError("commit rejected by collector")
	}
	if code == COLLECTOR_STATE_CHANGED && changedTo == TXN_READY_EXECUTE {
		if c.stats != nil {
			c.stats.IncCommit()
		}
	}
	return nil
}

// returns executed responses to their proxies
func (c *Commitment) postProcessExecutedMsg() {
	defer c.done.Done()
	for {
		select {
		case <-c.stop:
			return
		default:
		}
		resp := c.mm.GetResponseMsg(100 * time.Millisecond)
		if resp == nil {
			continue
		}
		data, err := resp.Marshal()
		if err != nil {
			logger.Errorf("cannot marshal batch response: %v", err)
			continue
		}
		out := message.NewRequest(message.TYPE_RESPONSE, nil, c.conf.SelfId)
		out.Seq = resp.Seq
		out.View = resp.View
		out.ProxyId = resp.ProxyId
		out.Hash = resp.Hash
		out.Data = data
		c.comm.Send(out, resp.ProxyId)
	}
}
