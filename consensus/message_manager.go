package consensus

import (
	"sync"
	"time"

	"github.com/kestreldb/kestrel/config"
	"github.com/kestreldb/kestrel/crypto"
	"github.com/kestreldb/kestrel/execution"
	"github.com/kestreldb/kestrel/message"
	"github.com/kestreldb/kestrel/node"
	"github.com/kestreldb/kestrel/stats"
	"github.com/kestreldb/kestrel/storage"
)

// Communicator is the transport surface the core depends on. No
// ordering or delivery guarantees are assumed.
type Communicator interface {
	Broadcast(req *message.Request)
	Send(req *message.Request, id node.NodeId)
}

type CollectorResultCode int

const (
	COLLECTOR_OK CollectorResultCode = iota
	COLLECTOR_STATE_CHANGED
	COLLECTOR_INVALID
)

// MessageManager owns the collector pool and the transaction status
// machine, hands committed batches to the execution engine in
// sequence order, and keeps the artefacts view change and recovery
// need: prepared proofs, commit certificates and per-proxy progress.
type MessageManager struct {
	conf       *config.Config
	sysInfo    *node.SystemInfo
	checkpoint *CheckPointManager
	duplicate  *DuplicateManager
	stats      *stats.Stats

	pool     *CollectorPool
	executor *execution.TransactionExecutor

	queue chan *message.BatchUserResponse

	seqLock sync.Mutex
	nextSeq uint64

	proofLock      sync.Mutex
	committedProof map[uint64][]RequestInfo

	lctLock           sync.Mutex
	lastCommittedTime map[node.NodeId]time.Time
}

func NewMessageManager(conf *config.Config, store storage.Storage, checkpoint *CheckPointManager, sysInfo *node.SystemInfo, st *stats.Stats) *MessageManager {
	m := &MessageManager{
		conf:              conf,
		sysInfo:           sysInfo,
		checkpoint:        checkpoint,
		stats:             st,
		pool:              NewCollectorPool(conf.MaxProcessTxn),
		queue:             make(chan *message.BatchUserResponse, conf.MaxProcessTxn),
		nextSeq:           1,
		committedProof:    make(map[uint64][]RequestInfo),
		lastCommittedTime: make(map[node.NodeId]time.Time),
	}
	m.executor = execution.NewTransactionExecutor(conf, store, m.onExecuted)
	m.executor.SetSeqUpdateNotifyFunc(func(seq uint64) {
		m.pool.Update(seq - 1)
	})
	checkpoint.SetResetExecute(m.executor.Reset)
	checkpoint.AddStableCallback(m.pruneProofs)
	return m
}

func (m *MessageManager) Stop() {
	m.executor.Stop()
}

func (m *MessageManager) SetDuplicateManager(duplicate *DuplicateManager) {
	m.duplicate = duplicate
}

func (m *MessageManager) onExecuted(req *message.Request, resp *message.BatchUserResponse) {
	if req.IsRecovery {
		m.checkpoint.AddCommitData(req)
		return
	}
	resp.PrimaryId = m.GetCurrentPrimary()

	// retain the full certificate: pre-prepare, prepare and commit
	// votes, so recovery can replay the three phases
	collector := m.pool.GetCollector(req.Seq)
	certificate := append(collector.GetPreparedProof(), collector.GetCommitProof()...)
	m.proofLock.Lock()
	m.committedProof[req.Seq] = certificate
	m.proofLock.Unlock()

	m.checkpoint.GetTxnDB().Put(req)
	if m.duplicate != nil && !req.IsNullRequest() {
		m.duplicate.MarkExecuted(req.Hash, req.Seq)
	}
	m.SetLastCommittedTime(req.ProxyId)
	if m.stats != nil {
		m.stats.IncExecuted()
	}

	if m.executor.NeedResponse() && resp.ProxyId != 0 {
		select {
		case m.queue <- resp:
		default:
			logger.Warningf("response queue full, dropping response for seq %v", resp.Seq)
		}
	}
	m.checkpoint.AddCommitData(req)
}

// pops the next executed response, or nil after the timeout
func (m *MessageManager) GetResponseMsg(timeout time.Duration) *message.BatchUserResponse {
	select {
	case resp := <-m.queue:
		return resp
	case <-time.After(timeout):
		return nil
	}
}

func (m *MessageManager) GetCurrentPrimary() node.NodeId {
	return m.sysInfo.GetPrimaryId()
}

func (m *MessageManager) GetCurrentView() uint64 {
	return m.sysInfo.GetCurrentView()
}

func (m *MessageManager) GetReplicas() []node.ReplicaInfo {
	return m.sysInfo.GetReplicas()
}

func (m *MessageManager) SetNextSeq(seq uint64) {
	m.seqLock.Lock()
	defer m.seqLock.Unlock()
	m.nextSeq = seq
}

func (m *MessageManager) GetNextSeq() uint64 {
	m.seqLock.Lock()
	defer m.seqLock.Unlock()
	return m.nextSeq
}

// hands out the next sequence number, refusing once the window over
// the last executed seq is exhausted
func (m *MessageManager) AssignNextSeq() (uint64, error) {
	m.seqLock.Lock()
	defer m.seqLock.Unlock()
	maxExecuted := m.executor.GetMaxExecutedSeq()
	if m.stats != nil {
		m.stats.SeqGap(m.nextSeq - maxExecuted)
	}
	if m.nextSeq-maxExecuted > m.conf.MaxProcessTxn {
		return 0, NewWindowExhaustedError()
	}
	seq := m.nextSeq
	m.nextSeq++
	return seq, nil
}

// a consensus message is valid when it is in the current view and
// its seq is inside the active watermark window
func (m *MessageManager) IsValidMsg(req *message.Request) bool {
	if req.Type == message.TYPE_RESPONSE {
		return true
	}
	if req.View != m.GetCurrentView() {
		logger.Debugf("message view %v does not match current view %v", req.View, m.GetCurrentView())
		return false
	}
	stable := m.checkpoint.GetStableCheckpoint()
	if req.Seq <= stable || req.Seq > stable+m.conf.MaxProcessTxn {
		logger.Debugf("seq %v outside watermark window (%v, %v]", req.Seq, stable, stable+m.conf.MaxProcessTxn)
		return false
	}
	if req.Seq < m.executor.GetNextExecuteSeq() {
		return false
	}
	return true
}

// AddConsensusMsg feeds a pre-prepare, prepare or commit message
// into the collector for its seq. When the quorum of the target
// phase completes, the collector advances and, on ReadyExecute, the
// batch is released to the executor.
func (m *MessageManager) AddConsensusMsg(signature crypto.Signature, req *message.Request) (TransactionStatus, CollectorResultCode) {
	if req == nil || !m.IsValidMsg(req) {
		if m.stats != nil {
			m.stats.IncDropped()
		}
		return TXN_NONE, COLLECTOR_INVALID
	}
	collector := m.pool.GetCollector(req.Seq)
	changedTo, err := collector.AddRequest(req, signature, m.conf.MinDataReceiveNum())
	if err != nil {
		logger.Debugf("collector rejected message: %v", err)
		if m.stats != nil {
			m.stats.IncDropped()
		}
		return TXN_NONE, COLLECTOR_INVALID
	}
	if changedTo == TXN_NONE {
		return TXN_NONE, COLLECTOR_OK
	}
	if changedTo == TXN_READY_EXECUTE {
		main := collector.MainRequest()
		if main != nil {
			m.executor.AddExecuteMessage(main)
		}
	}
	return changedTo, COLLECTOR_STATE_CHANGED
}

// committed requests with their commit certificates, for recovery
func (m *MessageManager) GetRequestSet(minSeq uint64, maxSeq uint64) *message.RequestSet {
	set := &message.RequestSet{}
	db := m.checkpoint.GetTxnDB()
	m.proofLock.Lock()
	defer m.proofLock.Unlock()
	for seq := minSeq; seq <= maxSeq; seq++ {
		req := db.Get(seq)
		if req == nil {
			logger.Debugf("seq %v not committed here", seq)
			continue
		}
		entry := message.RequestWithProof{Seq: seq, Request: req}
		for _, info := range m.committedProof[seq] {
			entry.Proofs = append(entry.Proofs, message.PreparedProof{
				Request:   info.Request,
				Signature: info.Signature,
			})
		}
		set.Requests = append(set.Requests, entry)
	}
	return set
}

func (m *MessageManager) GetRequest(seq uint64) *message.Request {
	return m.checkpoint.GetTxnDB().Get(seq)
}

func (m *MessageManager) GetPreparedProof(seq uint64) []RequestInfo {
	return m.pool.GetCollector(seq).GetPreparedProof()
}

func (m *MessageManager) GetTransactionState(seq uint64) TransactionStatus {
	return m.pool.GetCollector(seq).Status()
}

func (m *MessageManager) IsPrepared(seq uint64) bool {
	return m.pool.GetCollector(seq).IsPrepared()
}

func (m *MessageManager) GetCollectorPool() *CollectorPool {
	return m.pool
}

func (m *MessageManager) GetHighestPreparedSeq() uint64 {
	return m.checkpoint.GetHighestPreparedSeq()
}

func (m *MessageManager) SetHighestPreparedSeq(seq uint64) {
	m.checkpoint.SetHighestPreparedSeq(seq)
}

func (m *MessageManager) SetLastCommittedTime(proxyId node.NodeId) {
	m.lctLock.Lock()
	defer m.lctLock.Unlock()
	m.lastCommittedTime[proxyId] = time.Now()
}

func (m *MessageManager) GetLastCommittedTime(proxyId node.NodeId) time.Time {
	m.lctLock.Lock()
	defer m.lctLock.Unlock()
	return m.lastCommittedTime[proxyId]
}

// resends the cached outcome of an already executed request
func (m *MessageManager) SendResponse(req *message.Request, comm Communicator) {
	resp := &message.BatchUserResponse{
		ProxyId:    req.ProxyId,
		PrimaryId:  m.GetCurrentPrimary(),
		Seq:        req.Seq,
		View:       m.GetCurrentView(),
		Hash:       req.Hash,
		CreateTime: time.Now().UnixMicro(),
	}
	data, err := resp.Marshal()
	if err != nil {
		logger.Errorf("cannot marshal response: %v", err)
		return
	}
	out := message.NewRequest(message.TYPE_RESPONSE, nil, m.conf.SelfId)
	out.Seq = req.Seq
	out.View = m.GetCurrentView()
	out.ProxyId = req.ProxyId
	out.Hash = req.Hash
	out.Data = data
	comm.Send(out, req.ProxyId)
}

// prunes commit certificates below the stable watermark
func (m *MessageManager) pruneProofs(stableSeq uint64) {
	m.proofLock.Lock()
	defer m.proofLock.Unlock()
	for seq := range m.committedProof {
		if seq <= stableSeq {
			delete(m.committedProof, seq)
		}
	}
}
