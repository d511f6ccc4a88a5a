/*
Replica daemon wiring: dispatches authenticated traffic to the
consensus components and owns their lifecycle.
*/
package server

import (
	logging "github.com/op/go-logging"

	"github.com/kestreldb/kestrel/comm"
	"github.com/kestreldb/kestrel/config"
	"github.com/kestreldb/kestrel/consensus"
	"github.com/kestreldb/kestrel/crypto"
	"github.com/kestreldb/kestrel/message"
	"github.com/kestreldb/kestrel/node"
	"github.com/kestreldb/kestrel/stats"
	"github.com/kestreldb/kestrel/storage"
)

var logger = logging.MustGetLogger("server")

type ReplicaServer struct {
	conf    *config.Config
	signer  *crypto.Ed25519Signer
	stats   *stats.Stats
	sysInfo *node.SystemInfo

	comm       *comm.TCPCommunicator
	peerServer *comm.PeerServer

	checkpoint *consensus.CheckPointManager
	mm         *consensus.MessageManager
	viewChange *consensus.ViewChangeManager
	commitment *consensus.Commitment
	query      *consensus.Query
}

func NewReplicaServer(conf *config.Config) (*ReplicaServer, error) {
	signer := crypto.NewEd25519Signer(conf.SelfId, conf.PrivateKey, conf.Replicas)
	for _, proxy := range conf.Proxies {
		signer.AddPublicKey(proxy.Id, proxy.PublicKey)
	}

	s := &ReplicaServer{
		conf:    conf,
		signer:  signer,
		stats:   stats.New(conf.StatsdAddr, "kestrel"),
		sysInfo: node.NewSystemInfo(conf.Replicas),
	}
	s.comm = comm.NewTCPCommunicator(conf.SelfId, conf.Replicas, signer)
	for _, proxy := range conf.Proxies {
		s.comm.RegisterAddr(proxy.Id, proxy.Addr)
	}
	s.comm.SetLocalHandler(s.Dispatch)

	store := storage.NewMemStorage()
	s.checkpoint = consensus.NewCheckPointManager(conf, s.comm, signer, s.sysInfo)
	s.mm = consensus.NewMessageManager(conf, store, s.checkpoint, s.sysInfo, s.stats)
	s.viewChange = consensus.NewViewChangeManager(conf, s.checkpoint, s.mm, s.sysInfo, s.comm, signer, s.stats)
	s.commitment = consensus.NewCommitment(conf, s.mm, s.comm, signer, s.stats)
	s.commitment.SetComplaintRegistrar(s.viewChange)
	s.query = consensus.NewQuery(conf, s.mm)

	s.peerServer = comm.NewPeerServer(conf.SelfInfo().Addr, signer, s.Dispatch)
	return s, nil
}

func (s *ReplicaServer) Start() error {
	if err := s.peerServer.Start(); err != nil {
		return err
	}
	s.viewChange.MayStart()
	logger.Noticef("replica %v listening on %v", s.conf.SelfId, s.peerServer.Addr())
	return nil
}

func (s *ReplicaServer) Stop() {
	s.peerServer.Stop()
	s.commitment.Stop()
	s.viewChange.Stop()
	s.checkpoint.Stop()
	s.mm.Stop()
}

// Dispatch routes one authenticated request to its handler. Errors
// are dropped here: every rejection class is internal except the
// negative responses the handlers send themselves.
func (s *ReplicaServer) Dispatch(ctx *message.Context, req *message.Request) {
	var err error
	switch req.Type {
	case message.TYPE_NEW_REQUEST:
		err = s.commitment.ProcessNewRequest(ctx, req)
	case message.TYPE_PRE_PREPARE:
		err = s.commitment.ProcessProposeMsg(ctx, req)
	case message.TYPE_PREPARE:
		err = s.commitment.ProcessPrepareMsg(ctx, req)
	case message.TYPE_COMMIT:
		err = s.commitment.ProcessCommitMsg(ctx, req)
	case message.TYPE_CHECKPOINT:
		err = s.checkpoint.ProcessCheckPoint(ctx, req)
	case message.TYPE_STATUS_SYNC:
		err = s.checkpoint.ProcessStatusSync(ctx, req)
	case message.TYPE_VIEWCHANGE:
		err = s.viewChange.ProcessViewChange(ctx, req)
	case message.TYPE_NEWVIEW:
		err = s.viewChange.ProcessNewView(ctx, req)
	case message.TYPE_QUERY:
		err = s.query.ProcessQuery(ctx, req)
	case message.TYPE_RECOVERY_DATA:
		err = s.handleRecovery(ctx, req)
	case message.TYPE_RESPONSE:
		// responses are for proxies; a replica can ignore them
	default:
		logger.Debugf("unknown message type %v from %v", req.Type, req.SenderId)
	}
	if err != nil {
		logger.Debugf("%v from %v rejected: %v", req.Type, req.SenderId, err)
	}
}

func (s *ReplicaServer) handleRecovery(ctx *message.Context, req *message.Request) error {
	if req.Ret == 1 {
		// a peer answered our fetch; replay it
		return s.query.ApplyRecoveryReply(s.commitment, req)
	}
	fetch, err := message.UnmarshalRecoveryRequest(req.Data)
	if err != nil {
		return err
	}
	reply, err := s.query.BuildRecoveryReply(fetch.MinSeq, fetch.MaxSeq)
	if err != nil {
		return err
	}
	s.comm.Send(reply, req.SenderId)
	return nil
}
