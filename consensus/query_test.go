package consensus

import (
	"sync"

	gocheck "gopkg.in/check.v1"

	"github.com/kestreldb/kestrel/crypto"
	"github.com/kestreldb/kestrel/message"
)

type QueryTest struct {
	group *testGroup
}

var _ = gocheck.Suite(&QueryTest{})

func (t *QueryTest) SetUpSuite(c *gocheck.C) {
	t.group = newTestGroup()
}

type mockReplyClient struct {
	lock    sync.Mutex
	replies []*message.Request
}

func (m *mockReplyClient) SendRawMessage(req *message.Request) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.replies = append(m.replies, req)
	return nil
}

func executedRequest(seq uint64) *message.Request {
	req := message.NewRequest(message.TYPE_PRE_PREPARE, nil, 1)
	req.Seq = seq
	req.View = 1
	req.Hash = crypto.Hash([]byte{byte(seq)})
	return req
}

func (t *QueryTest) TestQueryReturnsExecutedRange(c *gocheck.C) {
	r := newTestReplica(t.group, 1)
	defer r.stop()

	for seq := uint64(1); seq <= 4; seq++ {
		r.checkpoint.GetTxnDB().Put(executedRequest(seq))
	}

	query := &message.QueryRequest{MinSeq: 2, MaxSeq: 3}
	payload, err := query.Marshal()
	c.Assert(err, gocheck.IsNil)
	req := message.NewRequest(message.TYPE_QUERY, nil, 9)
	req.ProxyId = 9
	req.Data = payload

	client := &mockReplyClient{}
	ctx := r.contextFrom(1, req)
	ctx.Client = client
	c.Assert(r.query.ProcessQuery(ctx, req), gocheck.IsNil)

	c.Assert(len(client.replies), gocheck.Equals, 1)
	resp, err := message.UnmarshalQueryResponse(client.replies[0].Data)
	c.Assert(err, gocheck.IsNil)
	c.Assert(len(resp.Requests), gocheck.Equals, 2)
	c.Check(resp.Requests[0].Seq, gocheck.Equals, uint64(2))
	c.Check(resp.Requests[1].Seq, gocheck.Equals, uint64(3))
}

func (t *QueryTest) TestQueryWithoutReplyChannelRejected(c *gocheck.C) {
	r := newTestReplica(t.group, 1)
	defer r.stop()

	req := message.NewRequest(message.TYPE_QUERY, nil, 9)
	c.Check(r.query.ProcessQuery(&message.Context{}, req), gocheck.NotNil)
}

func (t *QueryTest) TestRecoveryReplyRoundTrip(c *gocheck.C) {
	r := newTestReplica(t.group, 1)
	defer r.stop()

	// a committed seq; no certificate was retained for it
	req := executedRequest(1)
	r.checkpoint.GetTxnDB().Put(req)

	reply, err := r.query.BuildRecoveryReply(1, 1)
	c.Assert(err, gocheck.IsNil)
	c.Check(reply.Ret, gocheck.Equals, int64(1))

	set, err := message.UnmarshalRequestSet(reply.Data)
	c.Assert(err, gocheck.IsNil)
	c.Assert(len(set.Requests), gocheck.Equals, 1)
	c.Check(set.Requests[0].Seq, gocheck.Equals, uint64(1))
}
