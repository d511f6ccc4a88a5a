package execution

import (
	"sync"

	"github.com/kestreldb/kestrel/storage"
)

// StreamingController implements optimistic concurrency control.
// Transactions execute against local views; at commit time, taken in
// ascending commit id order, every read's version must still match
// the committed version. A mismatch rolls the transaction back for
// redo.
type StreamingController struct {
	storage storage.Storage

	lock    sync.Mutex
	changes map[int64]ModifyMap
}

var _ = ConcurrencyController(&StreamingController{})

func NewStreamingController(store storage.Storage) *StreamingController {
	return &StreamingController{
		storage: store,
		changes: make(map[int64]ModifyMap),
	}
}

func (c *StreamingController) LoadGlobal(key string) (string, int64) {
	return c.storage.Load(key, false)
}

func (c *StreamingController) PushCommit(commitId int64, changes ModifyMap) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.changes[commitId] = changes
}

func (c *StreamingController) GetChangeList(commitId int64) ModifyMap {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.changes[commitId]
}

func (c *StreamingController) Clear() {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.changes = make(map[int64]ModifyMap)
}

func (c *StreamingController) Commit(commitId int64) Outcome {
	c.lock.Lock()
	changes, ok := c.changes[commitId]
	delete(c.changes, commitId)
	c.lock.Unlock()
	if !ok {
		logger.Warningf("no change list for commit id %v", commitId)
		return OUTCOME_ABORT
	}

	if !c.validate(changes) {
		return OUTCOME_REDO
	}
	c.writeThrough(changes)
	return OUTCOME_DONE
}

func (c *StreamingController) validate(changes ModifyMap) bool {
	for key, ops := range changes {
		for _, op := range ops {
			if op.State != OP_LOAD {
				continue
			}
			if c.storage.GetVersion(key, false) != op.Version {
				return false
			}
		}
	}
	return true
}

func (c *StreamingController) writeThrough(changes ModifyMap) {
	for key, ops := range changes {
		for i := len(ops) - 1; i >= 0; i-- {
			op := ops[i]
			if op.State == OP_STORE {
				c.storage.Store(key, op.Data, false)
				break
			}
			if op.State == OP_REMOVE {
				c.storage.Remove(key, false)
				break
			}
		}
	}
}
