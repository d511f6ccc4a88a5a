package execution

import (
	"hash/fnv"

	"github.com/kestreldb/kestrel/storage"
)

// FXCommitter schedules transactions along a group dependency DAG.
// Every transaction declares the groups it touches (derived from the
// contract and caller accounts); transactions sharing a group run
// serially in commit id order, independent ones run concurrently.
type FXCommitter struct {
	storage   storage.Storage
	workerNum int
}

var _ = ContractCommitter(&FXCommitter{})

func NewFXCommitter(store storage.Storage, workerNum int) *FXCommitter {
	if workerNum < 1 {
		workerNum = 1
	}
	return &FXCommitter{storage: store, workerNum: workerNum}
}

const groupNum = 64

func groupBit(name string) uint64 {
	h := fnv.New32a()
	h.Write([]byte(name))
	return 1 << (h.Sum32() % groupNum)
}

// the declared group mask of a transaction
func GroupsOf(info *ExecuteInfo) uint64 {
	groups := groupBit(info.Contract)
	if info.Func == "transfer" {
		groups |= groupBit(info.Contract + "/acct/" + info.Caller)
		if len(info.Params) > 0 {
			groups |= groupBit(info.Contract + "/acct/" + info.Params[0])
		}
	}
	return groups
}

func (c *FXCommitter) ExecContract(requests []ExecuteInfo) []*ExecuteResp {
	controller := NewStreamingController(c.storage)
	resps := make([]*ExecuteResp, len(requests))
	if len(requests) == 0 {
		return resps
	}

	// group tails chain consecutive members of a group; edges only
	// point from lower to higher commit ids, so the graph is acyclic
	// by construction
	graph := make(map[int64][]int64)
	din := make(map[int64]int)
	tail := make(map[int]int64)
	for i := range requests {
		id := requests[i].CommitId
		groups := GroupsOf(&requests[i])
		for g := 0; g < groupNum; g++ {
			if groups&(1<<uint(g)) == 0 {
				continue
			}
			if prev, ok := tail[g]; ok {
				graph[prev] = append(graph[prev], id)
				din[id]++
			}
			tail[g] = id
		}
	}

	taskQueue := make(chan execTask, len(requests))
	resultQueue := make(chan execResult, len(requests))

	for w := 0; w < c.workerNum; w++ {
		go func() {
			for task := range taskQueue {
				view := NewLocalView(controller, task.info.CommitId)
				result, err := ExecContract(task.info, view)
				if err == nil {
					view.Flesh(task.info.CommitId)
				}
				resultQueue <- execResult{commitId: task.info.CommitId, result: result, err: err}
			}
		}()
	}

	for i := range requests {
		if din[requests[i].CommitId] == 0 {
			taskQueue <- execTask{info: &requests[i]}
		}
	}

	remaining := len(requests)
	for remaining > 0 {
		res := <-resultQueue
		idx := res.commitId
		if res.err != nil {
			logger.Debugf("txn %v failed: %v", idx, res.err)
			resps[idx] = &ExecuteResp{Ret: -1, CommitId: idx, UserId: requests[idx].UserId}
		} else if controller.Commit(idx) != OUTCOME_DONE {
			// groups serialise every conflict, so a failed commit
			// means the declared groups were wrong
			logger.Warningf("txn %v conflicted outside its groups", idx)
			resps[idx] = &ExecuteResp{Ret: -1, CommitId: idx, UserId: requests[idx].UserId}
		} else {
			resps[idx] = &ExecuteResp{CommitId: idx, Result: res.result, UserId: requests[idx].UserId}
		}
		remaining--

		for _, successor := range graph[idx] {
			din[successor]--
			if din[successor] == 0 {
				taskQueue <- execTask{info: &requests[successor]}
			}
		}
	}
	close(taskQueue)
	return resps
}
