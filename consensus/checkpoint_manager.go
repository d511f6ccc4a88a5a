package consensus

import (
	"bufio"
	"bytes"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kestreldb/kestrel/config"
	"github.com/kestreldb/kestrel/crypto"
	"github.com/kestreldb/kestrel/message"
	"github.com/kestreldb/kestrel/node"
)

type ckptKey struct {
	seq  uint64
	hash string
}

// CheckPointManager maintains the rolling digest over the committed
// log, aggregates checkpoint votes into the stable watermark and its
// signed proof, monitors peer liveness, and triggers recovery when
// this replica falls behind.
type CheckPointManager struct {
	conf     *config.Config
	comm     Communicator
	verifier crypto.SignerVerifier
	sysInfo  *node.SystemInfo

	txnDB *ChainState

	dataQueue chan *message.Request

	lock       sync.Mutex
	senderCkpt map[ckptKey]map[node.NodeId]bool
	signCkpt   map[ckptKey][]crypto.Signature
	newData    int
	notifyCh   chan struct{}

	currentStableSeq uint64
	stableCkpt       message.StableCheckpoint

	committableSeq    uint64
	committableSignal chan struct{}

	ltLock             sync.Mutex
	lastSeq            uint64
	lastHash           []byte
	highestPreparedSeq uint64

	// peer status from STATUS_SYNC
	statusLock     sync.Mutex
	status         map[node.NodeId]uint64
	lastUpdateTime map[node.NodeId]time.Time
	viewStatus     map[node.NodeId][2]uint64 // primary, view

	timeoutHandler  func(replica node.NodeId)
	resetExecute    func(seq uint64)
	stableCallbacks []func(seq uint64)

	stop uint32
	done sync.WaitGroup
}

func NewCheckPointManager(conf *config.Config, comm Communicator, verifier crypto.SignerVerifier, sysInfo *node.SystemInfo) *CheckPointManager {
	c := &CheckPointManager{
		conf:              conf,
		comm:              comm,
		verifier:          verifier,
		sysInfo:           sysInfo,
		txnDB:             NewChainState(),
		dataQueue:         make(chan *message.Request, conf.MaxProcessTxn),
		senderCkpt:        make(map[ckptKey]map[node.NodeId]bool),
		signCkpt:          make(map[ckptKey][]crypto.Signature),
		notifyCh:          make(chan struct{}, 1),
		committableSignal: make(chan struct{}, 1),
		status:            make(map[node.NodeId]uint64),
		lastUpdateTime:    make(map[node.NodeId]time.Time),
		viewStatus:        make(map[node.NodeId][2]uint64),
	}
	if conf.EnableCheckpoint {
		c.done.Add(3)
		go c.updateCheckpointStatus()
		go c.updateStableCheckpointStatus()
		go c.syncStatus()
	}
	return c
}

func (c *CheckPointManager) Stop() {
	if !atomic.CompareAndSwapUint32(&c.stop, 0, 1) {
		return
	}
	c.done.Wait()
}

func (c *CheckPointManager) stopped() bool {
	return atomic.LoadUint32(&c.stop) == 1
}

func (c *CheckPointManager) GetTxnDB() *ChainState { return c.txnDB }

func (c *CheckPointManager) SetTimeoutHandler(handler func(replica node.NodeId)) {
	c.timeoutHandler = handler
}

func (c *CheckPointManager) fireTimeout(replica node.NodeId) {
	if c.timeoutHandler != nil {
		c.timeoutHandler(replica)
	}
}

// TimeoutHandler escalates a suspected primary; replica 0 stands for
// "the primary itself".
func (c *CheckPointManager) TimeoutHandler() {
	c.fireTimeout(0)
}

func (c *CheckPointManager) SetResetExecute(fn func(seq uint64)) {
	c.resetExecute = fn
}

// registered callbacks run whenever the stable watermark advances
func (c *CheckPointManager) AddStableCallback(fn func(seq uint64)) {
	c.stableCallbacks = append(c.stableCallbacks, fn)
}

func (c *CheckPointManager) GetStableCheckpoint() uint64 {
	return atomic.LoadUint64(&c.currentStableSeq)
}

func (c *CheckPointManager) GetStableCheckpointWithVotes() message.StableCheckpoint {
	c.lock.Lock()
	defer c.lock.Unlock()
	ckpt := c.stableCkpt
	ckpt.Signatures = make([]crypto.Signature, len(c.stableCkpt.Signatures))
	copy(ckpt.Signatures, c.stableCkpt.Signatures)
	return ckpt
}

func (c *CheckPointManager) GetHighestPreparedSeq() uint64 {
	c.ltLock.Lock()
	defer c.ltLock.Unlock()
	return c.highestPreparedSeq
}

func (c *CheckPointManager) SetHighestPreparedSeq(seq uint64) {
	c.ltLock.Lock()
	defer c.ltLock.Unlock()
	if seq > c.highestPreparedSeq {
		c.highestPreparedSeq = seq
	}
}

func (c *CheckPointManager) GetMaxTxnSeq() uint64 {
	c.ltLock.Lock()
	defer c.ltLock.Unlock()
	return c.lastSeq
}

// blocks until a committable seq (>= f+1 votes) is signalled
func (c *CheckPointManager) CommittableSeqSignal() <-chan struct{} {
	return c.committableSignal
}

func (c *CheckPointManager) GetCommittableSeq() uint64 {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.committableSeq
}

// feeds the next committed request into the rolling digest
func (c *CheckPointManager) AddCommitData(req *message.Request) {
	if !c.conf.EnableCheckpoint {
		return
	}
	select {
	case c.dataQueue <- req:
	default:
		logger.Warningf("checkpoint data queue full, dropping seq %v", req.Seq)
	}
}

// IsValidCheckpointProof checks every signature verifies over the
// checkpoint hash, signers are distinct and number at least Q. The
// genesis checkpoint (seq 0) admits an empty proof.
func (c *CheckPointManager) IsValidCheckpointProof(ckpt *message.StableCheckpoint) bool {
	senders := make(map[node.NodeId]bool)
	for i := range ckpt.Signatures {
		if !c.verifier.Verify(ckpt.Hash, &ckpt.Signatures[i]) {
			return false
		}
		senders[ckpt.Signatures[i].NodeId] = true
	}
	return len(senders) >= c.conf.MinDataReceiveNum() ||
		(ckpt.Seq == 0 && len(senders) == 0)
}

// handles a CHECKPOINT vote from a peer
func (c *CheckPointManager) ProcessCheckPoint(ctx *message.Context, req *message.Request) error {
	data, err := message.UnmarshalCheckpointData(req.Data)
	if err != nil {
		return NewMalformedMessageError("cannot parse checkpoint data")
	}
	if data.Seq%c.conf.CheckpointWaterMark != 0 {
		return NewMalformedMessageError("checkpoint seq not on the watermark")
	}
	if !c.verifier.Verify(data.Hash, &data.HashSignature) {
		return NewMalformedMessageError("checkpoint signature invalid")
	}

	key := ckptKey{seq: data.Seq, hash: string(data.Hash)}
	c.lock.Lock()
	defer c.lock.Unlock()
	senders, ok := c.senderCkpt[key]
	if !ok {
		senders = make(map[node.NodeId]bool)
		c.senderCkpt[key] = senders
	}
	if !senders[req.SenderId] {
		senders[req.SenderId] = true
		c.signCkpt[key] = append(c.signCkpt[key], data.HashSignature)
		c.newData++
		c.notify()
	}
	return nil
}

func (c *CheckPointManager) notify() {
	select {
	case c.notifyCh <- struct{}{}:
	default:
	}
}

func (c *CheckPointManager) wait() bool {
	select {
	case <-c.notifyCh:
		return true
	case <-time.After(time.Second):
		return false
	}
}

// worker: consumes committed requests in seq order, extends the
// rolling digest, and emits a CHECKPOINT on every watermark multiple
func (c *CheckPointManager) updateCheckpointStatus() {
	defer c.done.Done()
	waterMark := c.conf.CheckpointWaterMark
	pendings := make(map[uint64]*message.Request)
	for !c.stopped() {
		var req *message.Request
		c.ltLock.Lock()
		lastSeq := c.lastSeq
		c.ltLock.Unlock()
		if pending, ok := pendings[lastSeq+1]; ok {
			req = pending
			delete(pendings, lastSeq+1)
		} else {
			select {
			case req = <-c.dataQueue:
			case <-time.After(100 * time.Millisecond):
				continue
			}
		}
		if req.Seq != lastSeq+1 {
			if req.Seq > lastSeq+1 {
				pendings[req.Seq] = req
			}
			continue
		}
		c.ltLock.Lock()
		c.lastHash = crypto.ChainHash(c.lastHash, req.Hash)
		c.lastSeq = req.Seq
		currentSeq := c.lastSeq
		currentHash := c.lastHash
		c.ltLock.Unlock()

		if currentSeq > 0 && currentSeq%waterMark == 0 {
			c.broadcastCheckpoint(currentSeq, currentHash)
		}
	}
}

func (c *CheckPointManager) broadcastCheckpoint(seq uint64, hash []byte) {
	data := &message.CheckpointData{Seq: seq, Hash: hash}
	signature, err := c.verifier.Sign(hash)
	if err != nil {
		logger.Errorf("cannot sign checkpoint: %v", err)
		return
	}
	data.HashSignature = *signature
	payload, err := data.Marshal()
	if err != nil {
		logger.Errorf("cannot marshal checkpoint: %v", err)
		return
	}
	req := message.NewRequest(message.TYPE_CHECKPOINT, nil, c.conf.SelfId)
	req.Seq = seq
	req.Data = payload
	c.comm.Broadcast(req)
}

// worker: folds received votes into the committable and stable seqs
func (c *CheckPointManager) updateStableCheckpointStatus() {
	defer c.done.Done()
	for !c.stopped() {
		if !c.wait() {
			continue
		}
		var stableSeq uint64
		var stableHash string
		var votes []crypto.Signature

		c.lock.Lock()
		for key, senders := range c.senderCkpt {
			if len(senders) >= c.conf.MinCheckpointReceiveNum() && key.seq > c.committableSeq {
				c.committableSeq = key.seq
				select {
				case c.committableSignal <- struct{}{}:
				default:
				}
			}
			if len(senders) >= c.conf.MinDataReceiveNum() && key.seq > stableSeq {
				stableSeq = key.seq
				stableHash = key.hash
			}
		}
		c.newData = 0

		if stableSeq == 0 || c.currentStableSeq >= stableSeq {
			c.lock.Unlock()
			continue
		}
		votes = append(votes, c.signCkpt[ckptKey{seq: stableSeq, hash: stableHash}]...)
		for key := range c.senderCkpt {
			if key.seq <= stableSeq {
				delete(c.senderCkpt, key)
				delete(c.signCkpt, key)
			}
		}
		c.stableCkpt = message.StableCheckpoint{
			Seq:        stableSeq,
			Hash:       []byte(stableHash),
			Signatures: votes,
		}
		atomic.StoreUint64(&c.currentStableSeq, stableSeq)
		c.lock.Unlock()

		logger.Debugf("stable watermark advanced to %v with %v votes", stableSeq, len(votes))
		c.persistStableCheckpoint()
		c.txnDB.Prune(stableSeq)
		for _, fn := range c.stableCallbacks {
			fn(stableSeq)
		}
	}
}

// appends the stable checkpoint and its quorum signatures to the
// checkpoint log
func (c *CheckPointManager) persistStableCheckpoint() {
	if c.conf.CheckpointLogPath == "" {
		return
	}
	ckpt := c.GetStableCheckpointWithVotes()
	b := &bytes.Buffer{}
	writer := bufio.NewWriter(b)
	if err := ckpt.Serialize(writer); err != nil {
		logger.Errorf("cannot serialize stable checkpoint: %v", err)
		return
	}
	writer.Flush()
	f, err := os.OpenFile(c.conf.CheckpointLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		logger.Errorf("cannot open checkpoint log: %v", err)
		return
	}
	defer f.Close()
	if _, err := f.Write(b.Bytes()); err != nil {
		logger.Errorf("cannot append checkpoint log: %v", err)
	}
}

// handles a STATUS_SYNC report from a peer
func (c *CheckPointManager) ProcessStatusSync(ctx *message.Context, req *message.Request) error {
	data, err := message.UnmarshalCheckpointData(req.Data)
	if err != nil {
		return NewMalformedMessageError("cannot parse status sync data")
	}
	c.statusLock.Lock()
	c.status[req.SenderId] = data.Seq
	c.lastUpdateTime[req.SenderId] = time.Now()
	c.viewStatus[req.SenderId] = [2]uint64{uint64(data.PrimaryId), data.View}
	c.statusLock.Unlock()
	return nil
}

// worker: periodically reports local progress and checks whether the
// replica lags behind its peers or a peer stalled
func (c *CheckPointManager) syncStatus() {
	defer c.done.Done()
	var lastCheckSeq uint64
	var stuckRounds int
	for !c.stopped() {
		c.ltLock.Lock()
		lastSeq := c.lastSeq
		c.ltLock.Unlock()

		data := &message.CheckpointData{
			Seq:       lastSeq,
			View:      c.sysInfo.GetCurrentView(),
			PrimaryId: c.sysInfo.GetPrimaryId(),
		}
		if payload, err := data.Marshal(); err == nil {
			req := message.NewRequest(message.TYPE_STATUS_SYNC, nil, c.conf.SelfId)
			req.Data = payload
			c.comm.Broadcast(req)
		}

		if lastSeq == lastCheckSeq {
			stuckRounds++
			if stuckRounds > 5 {
				c.checkStatus(lastSeq)
				stuckRounds = 0
			}
		} else {
			lastCheckSeq = lastSeq
			stuckRounds = 0
		}
		c.checkSysStatus()
		c.checkHealthy()

		for i := 0; i < 100 && !c.stopped(); i++ {
			time.Sleep(100 * time.Millisecond)
		}
	}
}

// triggers recovery when >= f+1 peers report a seq ahead of ours
func (c *CheckPointManager) checkStatus(lastSeq uint64) {
	c.statusLock.Lock()
	seqs := make([]uint64, 0, len(c.status))
	for _, seq := range c.status {
		seqs = append(seqs, seq)
	}
	c.statusLock.Unlock()

	f := c.conf.MaxMaliciousReplicaNum()
	if len(seqs) < f+1 {
		return
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] > seqs[j] })
	// the highest seq at least f+1 replicas claim to have reached
	peerMax := seqs[f]

	if lastSeq >= peerMax {
		return
	}
	logger.Warningf("lagging behind: local %v, peers %v; requesting recovery", lastSeq, peerMax)
	if c.resetExecute != nil {
		c.resetExecute(lastSeq + 1)
	}
	maxSeq := peerMax
	if maxSeq > lastSeq+500 {
		maxSeq = lastSeq + 500
	}
	c.broadcastRecovery(lastSeq+1, maxSeq)
}

func (c *CheckPointManager) broadcastRecovery(minSeq uint64, maxSeq uint64) {
	data := &message.RecoveryRequest{MinSeq: minSeq, MaxSeq: maxSeq}
	payload, err := data.Marshal()
	if err != nil {
		return
	}
	req := message.NewRequest(message.TYPE_RECOVERY_DATA, nil, c.conf.SelfId)
	req.Data = payload
	c.comm.Broadcast(req)
}

// adopts a newer view once >= Q peers report the same primary/view
func (c *CheckPointManager) checkSysStatus() {
	c.statusLock.Lock()
	counts := make(map[[2]uint64]int)
	var adopted [2]uint64
	for _, pv := range c.viewStatus {
		counts[pv]++
		if counts[pv] >= c.conf.MinDataReceiveNum() {
			adopted = pv
		}
	}
	c.statusLock.Unlock()

	if adopted[0] == 0 {
		return
	}
	if node.NodeId(adopted[0]) != c.sysInfo.GetPrimaryId() && adopted[1] > c.sysInfo.GetCurrentView() {
		logger.Warningf("adopting primary %v view %v from peer reports", adopted[0], adopted[1])
		c.sysInfo.SetCurrentView(adopted[1])
		c.sysInfo.SetPrimary(node.NodeId(adopted[0]))
	}
}

// fires the timeout handler for replicas that stopped reporting
func (c *CheckPointManager) checkHealthy() {
	timeout := c.conf.ReplicaTimeout()
	now := time.Now()
	var timedOut []node.NodeId
	c.statusLock.Lock()
	for _, replica := range c.conf.Replicas {
		last, ok := c.lastUpdateTime[replica.Id]
		if !ok || last.IsZero() {
			continue
		}
		if now.Sub(last) > timeout {
			timedOut = append(timedOut, replica.Id)
		}
	}
	c.statusLock.Unlock()
	for _, id := range timedOut {
		logger.Warningf("replica %v silent beyond the timeout", id)
		c.fireTimeout(id)
	}
}
