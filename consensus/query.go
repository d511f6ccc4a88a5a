package consensus

import (
	"github.com/kestreldb/kestrel/config"
	"github.com/kestreldb/kestrel/message"
)

// Query answers client reads over the executed log. Requests below
// the stable watermark have been pruned from memory and come back
// empty; clients fall back to the checkpoint proof for those.
type Query struct {
	conf *config.Config
	mm   *MessageManager
}

func NewQuery(conf *config.Config, mm *MessageManager) *Query {
	return &Query{conf: conf, mm: mm}
}

func (q *Query) ProcessQuery(ctx *message.Context, req *message.Request) error {
	if ctx == nil || ctx.Client == nil {
		return NewMalformedMessageError("query without reply channel")
	}
	query, err := message.UnmarshalQueryRequest(req.Data)
	if err != nil {
		return NewMalformedMessageError("cannot parse query")
	}
	resp := &message.QueryResponse{}
	for seq := query.MinSeq; seq <= query.MaxSeq; seq++ {
		if found := q.mm.GetRequest(seq); found != nil {
			resp.Requests = append(resp.Requests, found)
		}
	}
	payload, err := resp.Marshal()
	if err != nil {
		return err
	}
	out := message.NewRequest(message.TYPE_RESPONSE, nil, q.conf.SelfId)
	out.ProxyId = req.ProxyId
	out.Data = payload
	return ctx.Client.SendRawMessage(out)
}

// builds the reply to a RECOVERY_DATA fetch: every committed request
// in range together with its retained certificate
func (q *Query) BuildRecoveryReply(minSeq uint64, maxSeq uint64) (*message.Request, error) {
	set := q.mm.GetRequestSet(minSeq, maxSeq)
	payload, err := set.Marshal()
	if err != nil {
		return nil, err
	}
	reply := message.NewRequest(message.TYPE_RECOVERY_DATA, nil, q.conf.SelfId)
	reply.Data = payload
	reply.Ret = 1
	return reply, nil
}

// replays a recovery reply through the commitment paths: every
// retained vote is fed back with the recovery flag so collectors
// rebuild their quorums and execution catches up
func (q *Query) ApplyRecoveryReply(commitment *Commitment, req *message.Request) error {
	set, err := message.UnmarshalRequestSet(req.Data)
	if err != nil {
		return NewMalformedMessageError("cannot parse recovery data")
	}
	currentView := q.mm.GetCurrentView()
	for i := range set.Requests {
		entry := &set.Requests[i]
		for j := range entry.Proofs {
			proof := &entry.Proofs[j]
			replay := *proof.Request
			replay.IsRecovery = true
			replay.View = currentView
			ctx := &message.Context{Signature: proof.Signature}
			switch replay.Type {
			case message.TYPE_PRE_PREPARE, message.TYPE_NEW_REQUEST:
				err = commitment.ProcessProposeMsg(ctx, &replay)
			case message.TYPE_PREPARE:
				err = commitment.ProcessPrepareMsg(ctx, &replay)
			case message.TYPE_COMMIT:
				err = commitment.ProcessCommitMsg(ctx, &replay)
			}
			if err != nil {
				logger.Debugf("recovery replay for seq %v: %v", entry.Seq, err)
			}
		}
	}
	return nil
}
