package execution

import (
	"sync"

	"github.com/kestreldb/kestrel/storage"
)

// VController is the validation-only controller used when replaying
// a batch to audit a claimed execution. It commits like the
// streaming controller but keeps change lists around for comparison
// and never redoes: a validation failure is a verification failure.
type VController struct {
	storage storage.Storage

	lock    sync.Mutex
	changes map[int64]ModifyMap
}

var _ = ConcurrencyController(&VController{})

func NewVController(store storage.Storage) *VController {
	return &VController{
		storage: store,
		changes: make(map[int64]ModifyMap),
	}
}

func (c *VController) LoadGlobal(key string) (string, int64) {
	return c.storage.Load(key, false)
}

func (c *VController) PushCommit(commitId int64, changes ModifyMap) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.changes[commitId] = changes
}

func (c *VController) GetChangeList(commitId int64) ModifyMap {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.changes[commitId]
}

func (c *VController) Clear() {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.changes = make(map[int64]ModifyMap)
}

func (c *VController) Commit(commitId int64) Outcome {
	c.lock.Lock()
	changes, ok := c.changes[commitId]
	c.lock.Unlock()
	if !ok || len(changes) == 0 {
		logger.Warningf("no change list for commit id %v", commitId)
		return OUTCOME_ABORT
	}

	for key, ops := range changes {
		for _, op := range ops {
			if op.State != OP_LOAD {
				continue
			}
			if c.storage.GetVersion(key, false) != op.Version {
				return OUTCOME_ABORT
			}
		}
	}

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
	return OUTCOME_DONE
}
