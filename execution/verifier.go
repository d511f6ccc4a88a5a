package execution

import (
	"golang.org/x/sync/errgroup"

	"github.com/kestreldb/kestrel/storage"
)

// XVerifier audits a claimed execution: given the ordered
// transactions of a batch and the read-write set the executor claims
// for each, it replays them along the key dependency graph and
// checks the observed write sets match the claimed ones.
type XVerifier struct {
	storage   storage.Storage
	workerNum int
}

func NewXVerifier(store storage.Storage, workerNum int) *XVerifier {
	if workerNum < 1 {
		workerNum = 1
	}
	return &XVerifier{storage: store, workerNum: workerNum}
}

func (v *XVerifier) VerifyContract(requests []ExecuteInfo, claimed []ModifyMap) bool {
	if len(requests) != len(claimed) {
		return false
	}
	if len(requests) == 0 {
		return true
	}

	controller := NewVController(v.storage)

	// dependency graph over keys: an edge from the previous
	// transaction touching a key to the next one
	graph := make(map[int64][]int64)
	din := make(map[int64]int)
	lastTouched := make(map[string]int64)
	for i := range requests {
		id := int64(i)
		for key := range claimed[i] {
			prev, ok := lastTouched[key]
			if ok && prev != id {
				graph[prev] = append(graph[prev], id)
				din[id]++
			}
			lastTouched[key] = id
		}
	}

	resultQueue := make(chan execResult, len(requests))

	group := &errgroup.Group{}
	group.SetLimit(v.workerNum)
	run := func(id int64) {
		group.Go(func() error {
			view := NewLocalView(controller, id)
			_, err := ExecContract(&requests[id], view)
			if err == nil {
				view.Flesh(id)
			}
			resultQueue <- execResult{commitId: id, err: err}
			return nil
		})
	}

	for i := range requests {
		if din[int64(i)] == 0 {
			run(int64(i))
		}
	}

	failed := false
	remaining := len(requests)
	for remaining > 0 {
		res := <-resultQueue
		remaining--
		id := res.commitId
		if res.err != nil || controller.Commit(id) != OUTCOME_DONE {
			failed = true
		} else if !RWSEqual(controller.GetChangeList(id), claimed[id]) {
			logger.Debugf("rws mismatch on txn %v", id)
			failed = true
		}
		for _, successor := range graph[id] {
			din[successor]--
			if din[successor] == 0 {
				run(successor)
			}
		}
	}
	group.Wait()
	return !failed
}

// compares two read-write sets: same key set, same final written
// value per key. Reads are not compared, their validity is already
// covered by the version check at commit.
func RWSEqual(a ModifyMap, b ModifyMap) bool {
	if len(a) != len(b) {
		return false
	}
	for key, opsA := range a {
		opsB, ok := b[key]
		if !ok {
			return false
		}
		lastA, okA := lastStore(opsA)
		lastB, okB := lastStore(opsB)
		if okA != okB {
			return false
		}
		if okA && lastA.Data != lastB.Data {
			return false
		}
	}
	return true
}

func lastStore(ops []Op) (Op, bool) {
	for i := len(ops) - 1; i >= 0; i-- {
		if ops[i].State == OP_STORE {
			return ops[i], true
		}
	}
	return Op{}, false
}
