package execution

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/kestreldb/kestrel/config"
	"github.com/kestreldb/kestrel/message"
	"github.com/kestreldb/kestrel/storage"
)

// invoked for every executed batch, in sequence order
type ExecutedCallback func(req *message.Request, resp *message.BatchUserResponse)

// TransactionExecutor releases committed batches to the committer in
// strict sequence order. Parallelism lives inside the committer; the
// executor's own loop is the single place sequence order is decided.
type TransactionExecutor struct {
	conf      *config.Config
	committer ContractCommitter
	storage   storage.Storage
	callback  ExecutedCallback

	executeQueue chan *message.Request

	lock    sync.Mutex
	pending map[uint64]*message.Request

	nextExecuteSeq  uint64
	lastExecutedSeq uint64

	seqUpdateNotify func(seq uint64)

	needResponse bool
	stop         chan struct{}
	done         sync.WaitGroup
}

func NewTransactionExecutor(conf *config.Config, store storage.Storage, callback ExecutedCallback) *TransactionExecutor {
	e := &TransactionExecutor{
		conf:         conf,
		committer:    NewCommitter(conf, store),
		storage:      store,
		callback:     callback,
		executeQueue: make(chan *message.Request, conf.MaxProcessTxn),
		pending:      make(map[uint64]*message.Request),
		stop:         make(chan struct{}),
	}
	atomic.StoreUint64(&e.nextExecuteSeq, 1)
	e.needResponse = true
	e.done.Add(1)
	go e.executeLoop()
	return e
}

// picks the committer for the configured concurrency mode
func NewCommitter(conf *config.Config, store storage.Storage) ContractCommitter {
	switch conf.ConcurrencyMode {
	case config.CC_SEQUENTIAL:
		return NewSeqCommitter(store)
	case config.CC_TWO_PL:
		return NewTwoPLCommitter(store, conf.WorkerNum, conf.MaxRetry)
	case config.CC_FX:
		return NewFXCommitter(store, conf.WorkerNum)
	default:
		return NewStreamingCommitter(store, conf.WorkerNum, conf.MaxRetry)
	}
}

func (e *TransactionExecutor) Stop() {
	close(e.stop)
	e.done.Wait()
}

func (e *TransactionExecutor) SetSeqUpdateNotifyFunc(fn func(seq uint64)) {
	e.seqUpdateNotify = fn
}

func (e *TransactionExecutor) NeedResponse() bool { return e.needResponse }

// the highest sequence the executor has applied
func (e *TransactionExecutor) GetMaxExecutedSeq() uint64 {
	return atomic.LoadUint64(&e.lastExecutedSeq)
}

func (e *TransactionExecutor) GetNextExecuteSeq() uint64 {
	return atomic.LoadUint64(&e.nextExecuteSeq)
}

// enqueues a committed batch for execution
func (e *TransactionExecutor) AddExecuteMessage(req *message.Request) {
	select {
	case e.executeQueue <- req:
	case <-e.stop:
	}
}

// rewinds the executor so recovered batches can be reapplied from
// seq onward
func (e *TransactionExecutor) Reset(seq uint64) {
	e.lock.Lock()
	defer e.lock.Unlock()
	for s := range e.pending {
		if s >= seq {
			delete(e.pending, s)
		}
	}
	atomic.StoreUint64(&e.nextExecuteSeq, seq)
	if last := atomic.LoadUint64(&e.lastExecutedSeq); last >= seq {
		atomic.StoreUint64(&e.lastExecutedSeq, seq-1)
	}
	e.storage.Flush()
}

func (e *TransactionExecutor) executeLoop() {
	defer e.done.Done()
	for {
		select {
		case <-e.stop:
			return
		case req := <-e.executeQueue:
			e.park(req)
		case <-time.After(100 * time.Millisecond):
		}
		e.drainReady()
	}
}

func (e *TransactionExecutor) park(req *message.Request) {
	next := atomic.LoadUint64(&e.nextExecuteSeq)
	if req.Seq < next {
		logger.Debugf("dropping already executed seq %v", req.Seq)
		return
	}
	e.lock.Lock()
	e.pending[req.Seq] = req
	e.lock.Unlock()
}

func (e *TransactionExecutor) drainReady() {
	for {
		next := atomic.LoadUint64(&e.nextExecuteSeq)
		e.lock.Lock()
		req, ok := e.pending[next]
		if ok {
			delete(e.pending, next)
		}
		e.lock.Unlock()
		if !ok {
			return
		}
		e.execute(req)
		atomic.StoreUint64(&e.lastExecutedSeq, next)
		atomic.StoreUint64(&e.nextExecuteSeq, next+1)
		if e.seqUpdateNotify != nil {
			e.seqUpdateNotify(next + 1)
		}
	}
}

func (e *TransactionExecutor) execute(req *message.Request) {
	resp := &message.BatchUserResponse{
		ProxyId:   req.ProxyId,
		PrimaryId: req.PrimaryId,
		Seq:       req.Seq,
		View:      req.View,
		Hash:      req.Hash,
	}

	// sequence holes re-proposed by view change execute as no-ops
	if !req.IsNullRequest() {
		batch, err := message.UnmarshalBatchUserRequest(req.Data)
		if err != nil {
			logger.Errorf("cannot parse batch at seq %v: %v", req.Seq, err)
			resp.Ret = -1
		} else {
			infos := make([]ExecuteInfo, len(batch.Txns))
			for i, txn := range batch.Txns {
				infos[i] = ExecuteInfo{
					Caller:   txn.Caller,
					Contract: txn.Contract,
					Func:     txn.Func,
					Params:   txn.Params,
					CommitId: int64(i),
				}
			}
			results := e.committer.ExecContract(infos)
			resp.Results = make([][]byte, len(results))
			for i, result := range results {
				if result == nil || result.Ret != 0 {
					resp.Results[i] = nil
					continue
				}
				resp.Results[i] = []byte(result.Result)
			}
		}
	}

	if e.callback != nil {
		e.callback(req, resp)
	}
}
