package consensus

import (
	"crypto/ed25519"
	"crypto/rand"
	"sync"

	"github.com/kestreldb/kestrel/config"
	"github.com/kestreldb/kestrel/crypto"
	"github.com/kestreldb/kestrel/message"
	"github.com/kestreldb/kestrel/node"
	"github.com/kestreldb/kestrel/stats"
	"github.com/kestreldb/kestrel/storage"
)

// mockComm records everything the core tries to put on the wire
type mockComm struct {
	lock       sync.Mutex
	broadcasts []*message.Request
	sends      []sentMessage
}

type sentMessage struct {
	req *message.Request
	to  node.NodeId
}

var _ = Communicator(&mockComm{})

func newMockComm() *mockComm {
	return &mockComm{}
}

func (c *mockComm) Broadcast(req *message.Request) {
	clone := *req
	c.lock.Lock()
	defer c.lock.Unlock()
	c.broadcasts = append(c.broadcasts, &clone)
}

func (c *mockComm) Send(req *message.Request, id node.NodeId) {
	clone := *req
	c.lock.Lock()
	defer c.lock.Unlock()
	c.sends = append(c.sends, sentMessage{req: &clone, to: id})
}

func (c *mockComm) broadcastsOfType(msgType message.MsgType) []*message.Request {
	c.lock.Lock()
	defer c.lock.Unlock()
	var out []*message.Request
	for _, req := range c.broadcasts {
		if req.Type == msgType {
			out = append(out, req)
		}
	}
	return out
}

func (c *mockComm) sendsOfType(msgType message.MsgType) []sentMessage {
	c.lock.Lock()
	defer c.lock.Unlock()
	var out []sentMessage
	for _, sent := range c.sends {
		if sent.req.Type == msgType {
			out = append(out, sent)
		}
	}
	return out
}

func (c *mockComm) reset() {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.broadcasts = nil
	c.sends = nil
}

// a four replica group sharing one key ring
type testGroup struct {
	replicas []node.ReplicaInfo
	privates map[node.NodeId]ed25519.PrivateKey
}

func newTestGroup() *testGroup {
	g := &testGroup{privates: make(map[node.NodeId]ed25519.PrivateKey)}
	for i := 1; i <= 4; i++ {
		public, private, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			panic(err)
		}
		g.replicas = append(g.replicas, node.ReplicaInfo{Id: node.NodeId(i), PublicKey: public})
		g.privates[node.NodeId(i)] = private
	}
	return g
}

func (g *testGroup) signer(id node.NodeId) *crypto.Ed25519Signer {
	return crypto.NewEd25519Signer(id, g.privates[id], g.replicas)
}

func (g *testGroup) config(selfId node.NodeId) *config.Config {
	conf := config.New(selfId, g.replicas)
	conf.CheckpointWaterMark = 5
	conf.EnableCheckpoint = true
	conf.EnableViewchange = true
	return conf
}

// one wired replica under test, talking to a mock network
type testReplica struct {
	conf       *config.Config
	group      *testGroup
	comm       *mockComm
	signer     *crypto.Ed25519Signer
	sysInfo    *node.SystemInfo
	checkpoint *CheckPointManager
	mm         *MessageManager
	commitment *Commitment
	viewchange *ViewChangeManager
	query      *Query
}

func newTestReplica(group *testGroup, selfId node.NodeId) *testReplica {
	return newTestReplicaWithConfig(group, group.config(selfId))
}

func newTestReplicaWithConfig(group *testGroup, conf *config.Config) *testReplica {
	selfId := conf.SelfId
	r := &testReplica{
		conf:    conf,
		group:   group,
		comm:    newMockComm(),
		signer:  group.signer(selfId),
		sysInfo: node.NewSystemInfo(group.replicas),
	}
	st := stats.New("", "test")
	r.checkpoint = NewCheckPointManager(conf, r.comm, r.signer, r.sysInfo)
	r.mm = NewMessageManager(conf, storage.NewMemStorage(), r.checkpoint, r.sysInfo, st)
	r.viewchange = NewViewChangeManager(conf, r.checkpoint, r.mm, r.sysInfo, r.comm, r.signer, st)
	r.commitment = NewCommitment(conf, r.mm, r.comm, r.signer, st)
	r.commitment.SetComplaintRegistrar(r.viewchange)
	r.query = NewQuery(conf, r.mm)
	return r
}

func (r *testReplica) stop() {
	r.commitment.Stop()
	r.viewchange.Stop()
	r.checkpoint.Stop()
	r.mm.Stop()
}

// the transport context a frame from sender would carry
func (r *testReplica) contextFrom(sender node.NodeId, req *message.Request) *message.Context {
	data, err := req.Marshal()
	if err != nil {
		panic(err)
	}
	signature, err := r.group.signer(sender).Sign(data)
	if err != nil {
		panic(err)
	}
	return &message.Context{Signature: *signature}
}

// a signed client batch carrying the given transactions
func (r *testReplica) clientRequest(proxyId node.NodeId, txns ...message.Transaction) *message.Request {
	batch := &message.BatchUserRequest{Txns: txns}
	data, err := batch.Marshal()
	if err != nil {
		panic(err)
	}
	signature, err := r.group.signer(1).Sign(data)
	if err != nil {
		panic(err)
	}
	req := message.NewRequest(message.TYPE_NEW_REQUEST, nil, proxyId)
	req.ProxyId = proxyId
	req.Hash = crypto.Hash(data)
	req.Data = data
	req.DataSignature = *signature
	req.NeedResponse = true
	return req
}
