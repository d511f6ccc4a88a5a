package execution

import (
	"github.com/kestreldb/kestrel/storage"
)

// StreamingCommitter is the optimistic executor: a worker pool runs
// every transaction of the batch against its own snapshot view, and
// a single commit loop validates read sets in ascending commit id
// order. A conflicting transaction rolls back and re-executes with
// its retry counter bumped; beyond maxRetry it fails visibly and the
// batch still advances.
type StreamingCommitter struct {
	storage   storage.Storage
	workerNum int
	maxRetry  int
}

var _ = ContractCommitter(&StreamingCommitter{})

func NewStreamingCommitter(store storage.Storage, workerNum int, maxRetry int) *StreamingCommitter {
	if workerNum < 1 {
		workerNum = 1
	}
	if maxRetry < 1 {
		maxRetry = 1
	}
	return &StreamingCommitter{
		storage:   store,
		workerNum: workerNum,
		maxRetry:  maxRetry,
	}
}

type execTask struct {
	info      *ExecuteInfo
	retryTime int
}

type execResult struct {
	commitId  int64
	result    string
	retryTime int
	err       error
}

func (c *StreamingCommitter) ExecContract(requests []ExecuteInfo) []*ExecuteResp {
	controller := NewStreamingController(c.storage)
	resps := make([]*ExecuteResp, len(requests))
	if len(requests) == 0 {
		return resps
	}

	// big enough that neither workers nor the commit loop ever block
	capacity := len(requests) * (c.maxRetry + 1)
	taskQueue := make(chan execTask, capacity)
	resultQueue := make(chan execResult, capacity)

	for w := 0; w < c.workerNum; w++ {
		go func() {
			for task := range taskQueue {
				view := NewLocalView(controller, task.info.CommitId)
				result, err := ExecContract(task.info, view)
				if err == nil {
					view.Flesh(task.info.CommitId)
				}
				resultQueue <- execResult{
					commitId:  task.info.CommitId,
					result:    result,
					retryTime: task.retryTime,
					err:       err,
				}
			}
		}()
	}

	for i := range requests {
		taskQueue <- execTask{info: &requests[i]}
	}

	// commit strictly in commit id order; executed-but-not-yet-due
	// results park in pending
	pending := make(map[int64]execResult)
	var next int64
	remaining := len(requests)
	for remaining > 0 {
		res := <-resultQueue
		pending[res.commitId] = res

		for {
			res, ok := pending[next]
			if !ok {
				break
			}
			if res.err != nil {
				logger.Debugf("txn %v failed: %v", next, res.err)
				resps[next] = &ExecuteResp{Ret: -1, CommitId: next, RetryTime: res.retryTime, UserId: requests[next].UserId}
				delete(pending, next)
				next++
				remaining--
				continue
			}
			outcome := controller.Commit(next)
			if outcome == OUTCOME_DONE {
				resps[next] = &ExecuteResp{CommitId: next, Result: res.result, RetryTime: res.retryTime, UserId: requests[next].UserId}
				delete(pending, next)
				next++
				remaining--
				continue
			}
			// conflict: roll back and re-execute
			delete(pending, next)
			if res.retryTime+1 > c.maxRetry {
				logger.Warningf("txn %v exceeded retry bound %v", next, c.maxRetry)
				resps[next] = &ExecuteResp{Ret: -1, CommitId: next, RetryTime: res.retryTime, UserId: requests[next].UserId}
				next++
				remaining--
				continue
			}
			taskQueue <- execTask{info: &requests[next], retryTime: res.retryTime + 1}
			break
		}
	}
	close(taskQueue)
	return resps
}
