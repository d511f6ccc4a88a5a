package execution

// LockingView runs a transaction under the two phase locking
// controller. When a lock acquisition dies (wait-die), the view goes
// inert: remaining accesses no-op and the committer redoes the
// transaction once the conflicting holder commits.
type LockingView struct {
	controller *TwoPLController
	commitId   int64
	changes    ModifyMap
	died       bool
}

var _ = StateView(&LockingView{})

func NewLockingView(controller *TwoPLController, commitId int64) *LockingView {
	return &LockingView{
		controller: controller,
		commitId:   commitId,
		changes:    make(ModifyMap),
	}
}

func (v *LockingView) Died() bool { return v.died }

func (v *LockingView) Load(key string) string {
	if v.died {
		return ""
	}
	if ops, ok := v.changes[key]; ok {
		return ops[len(ops)-1].Data
	}
	if !v.controller.LockRead(key, v.commitId) {
		v.died = true
		return ""
	}
	value, version := v.controller.LoadGlobal(key)
	v.changes[key] = append(v.changes[key], Op{State: OP_LOAD, Data: value, Version: version})
	return value
}

func (v *LockingView) Store(key string, value string) {
	if v.died {
		return
	}
	if !v.controller.LockWrite(key, v.commitId) {
		v.died = true
		return
	}
	ops := v.changes[key]
	if len(ops) > 0 && ops[len(ops)-1].State == OP_STORE {
		ops[len(ops)-1].Data = value
		return
	}
	var version int64
	if len(ops) > 0 {
		version = ops[len(ops)-1].Version
	} else {
		_, version = v.controller.LoadGlobal(key)
	}
	v.changes[key] = append(ops, Op{State: OP_STORE, Data: value, Version: version + 1})
}

func (v *LockingView) Remove(key string) {
	if v.died {
		return
	}
	if !v.controller.LockWrite(key, v.commitId) {
		v.died = true
		return
	}
	v.changes[key] = append(v.changes[key], Op{State: OP_REMOVE})
}

// hands the change list to the controller. The controller applies it
// and releases the locks when the transaction commits.
func (v *LockingView) Flesh() {
	v.controller.PushCommit(v.commitId, v.changes)
	v.changes = make(ModifyMap)
}

// drops buffered changes and releases locks after a death
func (v *LockingView) Abort() {
	v.changes = make(ModifyMap)
	v.controller.ReleaseLocks(v.commitId)
}
