package execution

import (
	"github.com/kestreldb/kestrel/storage"
)

// TwoPLCommitter executes transactions under two phase locking. A
// transaction commits as soon as it finishes executing: the locks it
// held guarantee serialisability, so commits are not gated on batch
// position. Transactions that die in wait-die redo after the
// conflicting holder commits.
type TwoPLCommitter struct {
	storage   storage.Storage
	workerNum int
	maxRetry  int
}

var _ = ContractCommitter(&TwoPLCommitter{})

func NewTwoPLCommitter(store storage.Storage, workerNum int, maxRetry int) *TwoPLCommitter {
	if workerNum < 1 {
		workerNum = 1
	}
	if maxRetry < 1 {
		maxRetry = 1
	}
	return &TwoPLCommitter{
		storage:   store,
		workerNum: workerNum,
		maxRetry:  maxRetry,
	}
}

type twoplResult struct {
	commitId  int64
	result    string
	retryTime int
	died      bool
	err       error
}

func (c *TwoPLCommitter) ExecContract(requests []ExecuteInfo) []*ExecuteResp {
	controller := NewTwoPLController(c.storage)
	resps := make([]*ExecuteResp, len(requests))
	if len(requests) == 0 {
		return resps
	}

	capacity := len(requests) * (c.maxRetry + 1)
	taskQueue := make(chan execTask, capacity)
	resultQueue := make(chan twoplResult, capacity)

	for w := 0; w < c.workerNum; w++ {
		go func() {
			for task := range taskQueue {
				view := NewLockingView(controller, task.info.CommitId)
				result, err := ExecContract(task.info, view)
				if view.Died() {
					view.Abort()
					resultQueue <- twoplResult{commitId: task.info.CommitId, retryTime: task.retryTime, died: true}
					continue
				}
				if err != nil {
					view.Abort()
					resultQueue <- twoplResult{commitId: task.info.CommitId, retryTime: task.retryTime, err: err}
					continue
				}
				view.Flesh()
				controller.Commit(task.info.CommitId)
				resultQueue <- twoplResult{commitId: task.info.CommitId, result: result, retryTime: task.retryTime}
			}
		}()
	}

	for i := range requests {
		taskQueue <- execTask{info: &requests[i]}
	}

	// transactions that died in wait-die park here and resubmit once
	// their conflicting holder has committed; that bounds retries by
	// the batch size instead of burning them in a tight loop
	var parked []execTask
	inFlight := len(requests)
	remaining := len(requests)
	for remaining > 0 {
		res := <-resultQueue
		inFlight--
		idx := res.commitId
		finished := true
		if res.died {
			if res.retryTime+1 > c.maxRetry {
				logger.Warningf("txn %v exceeded retry bound %v", idx, c.maxRetry)
				resps[idx] = &ExecuteResp{Ret: -1, CommitId: idx, RetryTime: res.retryTime, UserId: requests[idx].UserId}
				remaining--
			} else {
				parked = append(parked, execTask{info: &requests[idx], retryTime: res.retryTime + 1})
				finished = false
			}
		} else if res.err != nil {
			logger.Debugf("txn %v failed: %v", idx, res.err)
			resps[idx] = &ExecuteResp{Ret: -1, CommitId: idx, RetryTime: res.retryTime, UserId: requests[idx].UserId}
			remaining--
		} else {
			resps[idx] = &ExecuteResp{CommitId: idx, Result: res.result, RetryTime: res.retryTime, UserId: requests[idx].UserId}
			remaining--
		}
		if len(parked) > 0 && (finished || inFlight == 0) {
			for _, task := range parked {
				taskQueue <- task
				inFlight++
			}
			parked = nil
		}
	}
	close(taskQueue)
	return resps
}
