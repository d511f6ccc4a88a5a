package consensus

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kestreldb/kestrel/config"
	"github.com/kestreldb/kestrel/crypto"
	"github.com/kestreldb/kestrel/message"
	"github.com/kestreldb/kestrel/node"
	"github.com/kestreldb/kestrel/stats"
)

type ViewChangeStatus int32

const (
	VC_NONE ViewChangeStatus = iota
	VC_READY_VIEW_CHANGE
	VC_READY_NEW_VIEW
	VC_VIEW_CHANGE_FAIL
)

type ViewChangeTimerType int

const (
	TIMER_COMPLAINT ViewChangeTimerType = iota
	TIMER_VIEWCHANGE
	TIMER_NEWVIEW
)

// one pending expiry; stale fires no-op by comparing the captured
// view against the current one
type ViewChangeTimeout struct {
	Type      ViewChangeTimerType
	View      uint64
	ProxyId   node.NodeId
	Hash      []byte
	StartTime time.Time
	Expiry    time.Time
}

type timeoutHeap []*ViewChangeTimeout

func (h timeoutHeap) Len() int            { return len(h) }
func (h timeoutHeap) Less(i, j int) bool  { return h[i].Expiry.Before(h[j].Expiry) }
func (h timeoutHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *timeoutHeap) Push(x interface{}) { *h = append(*h, x.(*ViewChangeTimeout)) }
func (h *timeoutHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// bound on consecutive candidate primaries tried in one epoch
const maxViewChangeCounter = 16

// ViewChangeManager replaces a suspected primary: it emits
// VIEW_CHANGE carrying the stable checkpoint proof and the P-set,
// assembles NEW_VIEW as next primary, and installs new views.
type ViewChangeManager struct {
	conf     *config.Config
	ckpt     *CheckPointManager
	mm       *MessageManager
	sysInfo  *node.SystemInfo
	comm     Communicator
	verifier crypto.SignerVerifier
	stats    *stats.Stats

	status  int32
	started bool

	counterLock       sync.Mutex
	viewChangeCounter uint64
	backoff           *backoff.ExponentialBackOff
	timeoutLength     time.Duration

	vcLock            sync.Mutex
	viewchangeRequest map[uint64]map[node.NodeId]*message.ViewChangeMessage
	newViewSent       map[uint64]bool

	timerLock   sync.Mutex
	timers      timeoutHeap
	timerSignal chan struct{}

	complaintLock sync.Mutex
	complaining   map[node.NodeId]map[string]bool

	stop chan struct{}
	done sync.WaitGroup
}

func NewViewChangeManager(conf *config.Config, ckpt *CheckPointManager, mm *MessageManager, sysInfo *node.SystemInfo, comm Communicator, verifier crypto.SignerVerifier, st *stats.Stats) *ViewChangeManager {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = conf.ViewchangeCommitTimeout()
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = 8 * conf.ViewchangeCommitTimeout()
	bo.MaxElapsedTime = 0
	bo.Reset()

	v := &ViewChangeManager{
		conf:              conf,
		ckpt:              ckpt,
		mm:                mm,
		sysInfo:           sysInfo,
		comm:              comm,
		verifier:          verifier,
		stats:             st,
		viewChangeCounter: 1,
		backoff:           bo,
		timeoutLength:     conf.ViewchangeCommitTimeout(),
		viewchangeRequest: make(map[uint64]map[node.NodeId]*message.ViewChangeMessage),
		newViewSent:       make(map[uint64]bool),
		timerSignal:       make(chan struct{}, 1),
		complaining:       make(map[node.NodeId]map[string]bool),
		stop:              make(chan struct{}),
	}
	if conf.EnableViewchange {
		v.done.Add(2)
		go v.monitoringViewChangeTimeout()
		go v.monitoringCheckpointState()
	}
	return v
}

func (v *ViewChangeManager) Stop() {
	select {
	case <-v.stop:
	default:
		close(v.stop)
	}
	v.done.Wait()
}

// wires the checkpoint timeout into the view change trigger
func (v *ViewChangeManager) MayStart() {
	if v.started || !v.conf.EnableViewchange {
		return
	}
	v.started = true
	v.ckpt.SetTimeoutHandler(func(replica node.NodeId) {
		v.onTimeout(replica)
	})
}

func (v *ViewChangeManager) Status() ViewChangeStatus {
	return ViewChangeStatus(atomic.LoadInt32(&v.status))
}

func (v *ViewChangeManager) IsInViewChange() bool {
	return v.Status() != VC_NONE
}

func (v *ViewChangeManager) changeStatus(status ViewChangeStatus) bool {
	if status == VC_READY_VIEW_CHANGE {
		atomic.CompareAndSwapInt32(&v.status, int32(VC_NONE), int32(VC_READY_VIEW_CHANGE))
		atomic.CompareAndSwapInt32(&v.status, int32(VC_READY_NEW_VIEW), int32(VC_READY_VIEW_CHANGE))
		atomic.CompareAndSwapInt32(&v.status, int32(VC_VIEW_CHANGE_FAIL), int32(VC_READY_VIEW_CHANGE))
	} else {
		atomic.StoreInt32(&v.status, int32(status))
	}
	return v.Status() == status
}

// a suspected primary, reported by the checkpoint liveness monitor
// or an expired timer
func (v *ViewChangeManager) onTimeout(replica node.NodeId) {
	v.counterLock.Lock()
	switch v.Status() {
	case VC_NONE:
		v.viewChangeCounter = 1
		v.backoff.Reset()
		v.timeoutLength = v.backoff.NextBackOff()
	case VC_READY_NEW_VIEW, VC_VIEW_CHANGE_FAIL:
		// a stalled new view advances to the next candidate primary
		// with exponentially longer patience, up to the bound
		if v.viewChangeCounter >= maxViewChangeCounter {
			logger.Errorf("view change counter exhausted, staying failed until checkpoint progress")
			v.counterLock.Unlock()
			return
		}
		v.viewChangeCounter++
		v.timeoutLength = v.backoff.NextBackOff()
	}
	counter := v.viewChangeCounter
	timeout := v.timeoutLength
	v.counterLock.Unlock()

	logger.Warningf("suspecting replica %v, moving for view %v", replica, v.sysInfo.GetCurrentView()+counter)
	if !v.changeStatus(VC_READY_VIEW_CHANGE) {
		return
	}
	if v.stats != nil {
		v.stats.IncViewChange()
	}
	v.sendViewChangeMsg(v.sysInfo.GetCurrentView() + counter)
	v.pushTimer(&ViewChangeTimeout{
		Type:      TIMER_VIEWCHANGE,
		View:      v.sysInfo.GetCurrentView(),
		ProxyId:   node.NodeId(v.conf.SelfId),
		StartTime: time.Now(),
		Expiry:    time.Now().Add(timeout),
	})
}

// builds and broadcasts VIEW_CHANGE for the target view
func (v *ViewChangeManager) sendViewChangeMsg(targetView uint64) {
	vcm := &message.ViewChangeMessage{
		ViewNumber: targetView,
		StableCkpt: v.ckpt.GetStableCheckpointWithVotes(),
	}

	maxSeq := v.ckpt.GetHighestPreparedSeq()
	for seq := vcm.StableCkpt.Seq + 1; seq <= maxSeq; seq++ {
		if v.mm.GetTransactionState(seq) < TXN_READY_COMMIT {
			continue
		}
		prepared := message.PreparedMsg{Seq: seq}
		for _, info := range v.mm.GetPreparedProof(seq) {
			prepared.Proofs = append(prepared.Proofs, message.PreparedProof{
				Request:   info.Request,
				Signature: info.Signature,
			})
		}
		vcm.PreparedMsgs = append(vcm.PreparedMsgs, prepared)
	}

	payload, err := vcm.Marshal()
	if err != nil {
		logger.Errorf("cannot marshal view change message: %v", err)
		return
	}
	req := message.NewRequest(message.TYPE_VIEWCHANGE, nil, v.conf.SelfId)
	req.Data = payload
	v.comm.Broadcast(req)
}

// checks an incoming VIEW_CHANGE: newer view, valid stable proof,
// and >= Q verifying proofs on every P-set entry
func (v *ViewChangeManager) IsValidViewChangeMsg(vcm *message.ViewChangeMessage) bool {
	if vcm.ViewNumber <= v.sysInfo.GetCurrentView() {
		logger.Debugf("view %v not newer than current %v", vcm.ViewNumber, v.sysInfo.GetCurrentView())
		return false
	}
	if !v.ckpt.IsValidCheckpointProof(&vcm.StableCkpt) {
		logger.Debugf("stable checkpoint proof invalid")
		return false
	}
	stableSeq := vcm.StableCkpt.Seq
	for i := range vcm.PreparedMsgs {
		prepared := &vcm.PreparedMsgs[i]
		if prepared.Seq <= stableSeq {
			continue
		}
		if len(prepared.Proofs) < v.conf.MinDataReceiveNum() {
			logger.Debugf("P-set for seq %v has %v proofs, need %v", prepared.Seq, len(prepared.Proofs), v.conf.MinDataReceiveNum())
			return false
		}
		for j := range prepared.Proofs {
			proof := &prepared.Proofs[j]
			if proof.Request.Seq != prepared.Seq {
				return false
			}
			data, err := proof.Request.Marshal()
			if err != nil {
				return false
			}
			if !v.verifier.Verify(data, &proof.Signature) {
				logger.Debugf("P-set proof signature invalid for seq %v", prepared.Seq)
				return false
			}
		}
	}
	return true
}

func (v *ViewChangeManager) addRequest(vcm *message.ViewChangeMessage, sender node.NodeId) int {
	v.vcLock.Lock()
	defer v.vcLock.Unlock()
	byView, ok := v.viewchangeRequest[vcm.ViewNumber]
	if !ok {
		byView = make(map[node.NodeId]*message.ViewChangeMessage)
		v.viewchangeRequest[vcm.ViewNumber] = byView
	}
	byView[sender] = vcm
	return len(byView)
}

func (v *ViewChangeManager) isNextPrimary(viewNumber uint64) bool {
	return node.PrimaryForView(v.conf.Replicas, viewNumber) == v.conf.SelfId
}

func (v *ViewChangeManager) setCurrentViewAndNewPrimary(viewNumber uint64) {
	v.sysInfo.SetCurrentView(viewNumber)
	v.sysInfo.SetPrimary(node.PrimaryForView(v.conf.Replicas, viewNumber))
	logger.Warningf("installed view %v with primary %v", viewNumber, v.sysInfo.GetPrimaryId())
}

func (v *ViewChangeManager) ProcessViewChange(ctx *message.Context, req *message.Request) error {
	vcm, err := message.UnmarshalViewChangeMessage(req.Data)
	if err != nil {
		return NewMalformedMessageError("cannot parse view change data")
	}
	if !v.IsValidViewChangeMsg(vcm) {
		return NewQuorumMissingError("view change message invalid")
	}
	logger.Debugf("view change for %v from %v", vcm.ViewNumber, req.SenderId)

	size := v.addRequest(vcm, req.SenderId)
	if size >= v.conf.MinDataReceiveNum() {
		if v.isNextPrimary(vcm.ViewNumber) {
			v.sendNewViewMsg(vcm.ViewNumber)
		} else {
			v.counterLock.Lock()
			timeout := v.timeoutLength
			v.counterLock.Unlock()
			v.pushTimer(&ViewChangeTimeout{
				Type:      TIMER_NEWVIEW,
				View:      v.sysInfo.GetCurrentView(),
				StartTime: time.Now(),
				Expiry:    time.Now().Add(timeout),
			})
		}
		v.changeStatus(VC_READY_NEW_VIEW)
	}
	return nil
}

// reconstructs the ordered request list a NEW_VIEW for this set of
// view change messages must carry: covered seqs replay their
// prepared request, holes get a signed null pre-prepare
func (v *ViewChangeManager) getPrepareMsg(nvm *message.NewViewMessage, needSign bool) []*message.Request {
	prepared := make(map[uint64]*message.Request)
	minS := uint64(0)
	first := true
	maxS := uint64(0)
	for i := range nvm.ViewchangeMessages {
		vcm := &nvm.ViewchangeMessages[i]
		if first || vcm.StableCkpt.Seq < minS {
			minS = vcm.StableCkpt.Seq
			first = false
		}
		for j := range vcm.PreparedMsgs {
			pm := &vcm.PreparedMsgs[j]
			if len(pm.Proofs) == 0 {
				continue
			}
			prepared[pm.Seq] = pm.Proofs[0].Request
			if pm.Seq > maxS {
				maxS = pm.Seq
			}
		}
	}

	var redo []*message.Request
	for seq := minS + 1; seq <= maxS; seq++ {
		if covered, ok := prepared[seq]; ok {
			replay := message.NewRequest(message.TYPE_COMMIT, covered, v.conf.SelfId)
			replay.Seq = seq
			replay.View = nvm.ViewNumber
			redo = append(redo, replay)
			continue
		}
		// sequence hole: a null request every honest replica will
		// order identically
		null := message.NewRequest(message.TYPE_PRE_PREPARE, nil, v.conf.SelfId)
		null.Seq = seq
		null.View = nvm.ViewNumber
		null.PrimaryId = v.conf.SelfId
		null.Hash = message.NullRequestHash(seq)
		if needSign {
			signature, err := v.verifier.Sign(nil)
			if err == nil {
				null.DataSignature = *signature
			}
		}
		redo = append(redo, null)
	}
	return redo
}

// assembles and broadcasts NEW_VIEW once as the next primary
func (v *ViewChangeManager) sendNewViewMsg(viewNumber uint64) {
	v.vcLock.Lock()
	if v.newViewSent[viewNumber] {
		v.vcLock.Unlock()
		return
	}
	v.newViewSent[viewNumber] = true

	nvm := &message.NewViewMessage{ViewNumber: viewNumber}
	for _, vcm := range v.viewchangeRequest[viewNumber] {
		withView := *vcm
		withView.ViewNumber = viewNumber
		nvm.ViewchangeMessages = append(nvm.ViewchangeMessages, withView)
	}
	v.vcLock.Unlock()

	// only the primary signs the null fills
	nvm.Requests = v.getPrepareMsg(nvm, true)

	payload, err := nvm.Marshal()
	if err != nil {
		logger.Errorf("cannot marshal new view message: %v", err)
		return
	}
	req := message.NewRequest(message.TYPE_NEWVIEW, nil, v.conf.SelfId)
	req.Data = payload
	v.comm.Broadcast(req)
}

func (v *ViewChangeManager) ProcessNewView(ctx *message.Context, req *message.Request) error {
	nvm, err := message.UnmarshalNewViewMessage(req.Data)
	if err != nil {
		return NewMalformedMessageError("cannot parse new view data")
	}
	logger.Debugf("received new view for %v", nvm.ViewNumber)

	v.counterLock.Lock()
	expected := v.sysInfo.GetCurrentView() + v.viewChangeCounter
	v.counterLock.Unlock()
	if nvm.ViewNumber != expected {
		logger.Errorf("new view %v does not match expected %v", nvm.ViewNumber, expected)
		return NewMalformedMessageError("unexpected view number")
	}

	minS := uint64(0)
	maxS := uint64(0)
	first := true
	for i := range nvm.ViewchangeMessages {
		vcm := &nvm.ViewchangeMessages[i]
		if !v.IsValidViewChangeMsg(vcm) {
			return NewQuorumMissingError("view change message inside new view invalid")
		}
		if first || vcm.StableCkpt.Seq < minS {
			minS = vcm.StableCkpt.Seq
		}
		if first || vcm.StableCkpt.Seq > maxS {
			maxS = vcm.StableCkpt.Seq
		}
		first = false
	}

	// re-derive the expected request list and compare payloads
	expectedList := v.getPrepareMsg(nvm, false)
	if len(expectedList) != len(nvm.Requests) {
		logger.Errorf("redo request list size mismatch: %v vs %v", len(expectedList), len(nvm.Requests))
		return NewMalformedMessageError("redo list mismatch")
	}
	seqSet := make(map[uint64]bool)
	var maxSeq uint64
	for i := range expectedList {
		if string(expectedList[i].Data) != string(nvm.Requests[i].Data) {
			logger.Errorf("redo request data mismatch at index %v", i)
			return NewMalformedMessageError("redo data mismatch")
		}
		seqSet[expectedList[i].Seq] = true
		if expectedList[i].Seq > maxSeq {
			maxSeq = expectedList[i].Seq
		}
	}
	for seq := minS + 1; seq <= maxS; seq++ {
		if !seqSet[seq] {
			logger.Errorf("redo request for seq %v missing", seq)
			return NewMalformedMessageError("redo seq missing")
		}
	}
	if len(seqSet) == 0 {
		maxSeq = maxS
	}

	v.setCurrentViewAndNewPrimary(nvm.ViewNumber)
	v.mm.SetNextSeq(maxSeq + 1)

	duplicate := v.mm.duplicate
	for _, redo := range nvm.Requests {
		if redo.Type == message.TYPE_PRE_PREPARE {
			// clear proposal marks so the re-proposal is accepted
			if duplicate != nil {
				for _, hash := range v.mm.GetCollectorPool().GetCollector(redo.Seq).GetAllStoredHash() {
					duplicate.EraseProposed(hash)
				}
			}
			v.comm.Send(redo, v.conf.SelfId)
		} else {
			if redo.Seq > v.ckpt.GetHighestPreparedSeq() {
				v.ckpt.SetHighestPreparedSeq(redo.Seq)
			}
			v.comm.Broadcast(redo)
		}
	}

	v.changeStatus(VC_NONE)
	return nil
}

// registers a per-client complaint: if the complained request is not
// committed before expiry while the primary shows no progress for
// that client, the replica escalates to view change
func (v *ViewChangeManager) AddComplaintTimer(proxyId node.NodeId, hash []byte) {
	if !v.conf.EnableViewchange {
		return
	}
	v.complaintLock.Lock()
	byProxy, ok := v.complaining[proxyId]
	if !ok {
		byProxy = make(map[string]bool)
		v.complaining[proxyId] = byProxy
	}
	count := 0
	for _, perProxy := range v.complaining {
		count += len(perProxy)
	}
	if count >= v.conf.MaxClientComplaintNum {
		v.complaintLock.Unlock()
		return
	}
	byProxy[string(hash)] = true
	v.complaintLock.Unlock()

	v.counterLock.Lock()
	timeout := v.timeoutLength
	v.counterLock.Unlock()
	v.pushTimer(&ViewChangeTimeout{
		Type:      TIMER_COMPLAINT,
		View:      v.sysInfo.GetCurrentView(),
		ProxyId:   proxyId,
		Hash:      hash,
		StartTime: time.Now(),
		Expiry:    time.Now().Add(timeout),
	})
}

func (v *ViewChangeManager) releaseComplaint(proxyId node.NodeId, hash []byte) {
	v.complaintLock.Lock()
	defer v.complaintLock.Unlock()
	if byProxy, ok := v.complaining[proxyId]; ok {
		delete(byProxy, string(hash))
	}
}

func (v *ViewChangeManager) pushTimer(timer *ViewChangeTimeout) {
	v.timerLock.Lock()
	heap.Push(&v.timers, timer)
	v.timerLock.Unlock()
	select {
	case v.timerSignal <- struct{}{}:
	default:
	}
}

func (v *ViewChangeManager) popTimer() *ViewChangeTimeout {
	v.timerLock.Lock()
	defer v.timerLock.Unlock()
	if v.timers.Len() == 0 {
		return nil
	}
	return heap.Pop(&v.timers).(*ViewChangeTimeout)
}

// worker: expires complaint / view change / new view timers
func (v *ViewChangeManager) monitoringViewChangeTimeout() {
	defer v.done.Done()
	for {
		timer := v.popTimer()
		if timer == nil {
			select {
			case <-v.stop:
				return
			case <-v.timerSignal:
				continue
			}
		}
		if wait := time.Until(timer.Expiry); wait > 0 {
			select {
			case <-v.stop:
				return
			case <-time.After(wait):
			}
		}
		v.handleExpiredTimer(timer)
	}
}

func (v *ViewChangeManager) handleExpiredTimer(timer *ViewChangeTimeout) {
	currentView := v.sysInfo.GetCurrentView()
	switch timer.Type {
	case TIMER_NEWVIEW:
		if v.Status() == VC_READY_NEW_VIEW && timer.View == currentView {
			logger.Warningf("new view stalled, escalating")
			v.ckpt.TimeoutHandler()
		}
	case TIMER_VIEWCHANGE:
		if v.Status() == VC_READY_VIEW_CHANGE && timer.View == currentView {
			logger.Warningf("view change did not gather a quorum, retrying")
			v.changeStatus(VC_VIEW_CHANGE_FAIL)
			v.ckpt.TimeoutHandler()
		}
	case TIMER_COMPLAINT:
		v.releaseComplaint(timer.ProxyId, timer.Hash)
		if v.Status() == VC_NONE && timer.View == currentView {
			lastCommitted := v.mm.GetLastCommittedTime(timer.ProxyId)
			if !lastCommitted.After(timer.StartTime) {
				logger.Warningf("client %v complaint expired without progress, escalating", timer.ProxyId)
				v.ckpt.TimeoutHandler()
			}
		}
	}
}

// worker: checkpoint progress during a view change means the old
// primary is alive after all; fall back to normal operation
func (v *ViewChangeManager) monitoringCheckpointState() {
	defer v.done.Done()
	var lastSeq uint64
	for {
		select {
		case <-v.stop:
			return
		case <-v.ckpt.CommittableSeqSignal():
		}
		seq := v.ckpt.GetCommittableSeq()
		if seq != lastSeq {
			lastSeq = seq
			if v.IsInViewChange() {
				logger.Debugf("checkpoint progressed to %v during view change, resetting", seq)
				v.changeStatus(VC_NONE)
			}
		}
	}
}
