package execution

import (
	"sync"

	"github.com/kestreldb/kestrel/storage"
)

// TwoPLController serialises conflicting transactions with per-key
// read/write locks. Deadlock freedom comes from wait-die ordering on
// commit id: an older transaction (smaller id) waits for the holder,
// a younger one gives up and redoes after the holder commits.
type TwoPLController struct {
	storage storage.Storage

	lock    sync.Mutex
	keyLock map[string]*keyLock
	held    map[int64][]string
	changes map[int64]ModifyMap
	cond    *sync.Cond
}

type keyLock struct {
	writer  int64 // commit id holding the write lock, -1 if none
	readers map[int64]bool
}

var _ = ConcurrencyController(&TwoPLController{})

func NewTwoPLController(store storage.Storage) *TwoPLController {
	c := &TwoPLController{
		storage: store,
		keyLock: make(map[string]*keyLock),
		held:    make(map[int64][]string),
		changes: make(map[int64]ModifyMap),
	}
	c.cond = sync.NewCond(&c.lock)
	return c
}

func (c *TwoPLController) LoadGlobal(key string) (string, int64) {
	return c.storage.Load(key, false)
}

func (c *TwoPLController) lockFor(key string) *keyLock {
	kl, ok := c.keyLock[key]
	if !ok {
		kl = &keyLock{writer: -1, readers: make(map[int64]bool)}
		c.keyLock[key] = kl
	}
	return kl
}

// acquires a read lock. Returns false if the transaction must die
// and redo after the conflicting holder commits.
func (c *TwoPLController) LockRead(key string, commitId int64) bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	for {
		kl := c.lockFor(key)
		if kl.writer == -1 || kl.writer == commitId {
			if !kl.readers[commitId] {
				kl.readers[commitId] = true
				c.held[commitId] = append(c.held[commitId], key)
			}
			return true
		}
		if commitId > kl.writer {
			return false
		}
		c.cond.Wait()
	}
}

// acquires (or upgrades to) a write lock
func (c *TwoPLController) LockWrite(key string, commitId int64) bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	for {
		kl := c.lockFor(key)
		blocked := int64(-1)
		if kl.writer != -1 && kl.writer != commitId {
			blocked = kl.writer
		} else {
			for reader := range kl.readers {
				if reader != commitId {
					blocked = reader
					break
				}
			}
		}
		if blocked == -1 {
			if kl.writer != commitId {
				kl.writer = commitId
				if !kl.readers[commitId] {
					c.held[commitId] = append(c.held[commitId], key)
				}
			}
			return true
		}
		if commitId > blocked {
			return false
		}
		c.cond.Wait()
	}
}

// releases every lock the transaction holds and wakes waiters
func (c *TwoPLController) ReleaseLocks(commitId int64) {
	c.lock.Lock()
	defer c.lock.Unlock()
	for _, key := range c.held[commitId] {
		kl := c.keyLock[key]
		if kl == nil {
			continue
		}
		if kl.writer == commitId {
			kl.writer = -1
		}
		delete(kl.readers, commitId)
	}
	delete(c.held, commitId)
	c.cond.Broadcast()
}

func (c *TwoPLController) PushCommit(commitId int64, changes ModifyMap) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.changes[commitId] = changes
}

func (c *TwoPLController) GetChangeList(commitId int64) ModifyMap {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.changes[commitId]
}

func (c *TwoPLController) Clear() {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.keyLock = make(map[string]*keyLock)
	c.held = make(map[int64][]string)
	c.changes = make(map[int64]ModifyMap)
	c.cond.Broadcast()
}

// writes through the recorded changes. Locks guarantee validity, no
// version check is needed.
func (c *TwoPLController) Commit(commitId int64) Outcome {
	c.lock.Lock()
	changes, ok := c.changes[commitId]
	delete(c.changes, commitId)
	c.lock.Unlock()
	if !ok {
		return OUTCOME_ABORT
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
	c.ReleaseLocks(commitId)
	return OUTCOME_DONE
}
