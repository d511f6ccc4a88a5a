package execution

// LocalView buffers one transaction's reads and writes against the
// controller's storage. Nothing touches global state until the
// controller commits the recorded change list.
type LocalView struct {
	controller ConcurrencyController
	commitId   int64
	changes    ModifyMap
}

var _ = StateView(&LocalView{})

func NewLocalView(controller ConcurrencyController, commitId int64) *LocalView {
	return &LocalView{
		controller: controller,
		commitId:   commitId,
		changes:    make(ModifyMap),
	}
}

func (v *LocalView) Load(key string) string {
	ops, ok := v.changes[key]
	if !ok {
		value, version := v.controller.LoadGlobal(key)
		v.changes[key] = append(v.changes[key], Op{State: OP_LOAD, Data: value, Version: version})
		return value
	}
	return ops[len(ops)-1].Data
}

func (v *LocalView) Store(key string, value string) {
	ops, ok := v.changes[key]
	if !ok {
		_, version := v.controller.LoadGlobal(key)
		v.changes[key] = append(v.changes[key], Op{State: OP_STORE, Data: value, Version: version + 1})
		return
	}
	last := ops[len(ops)-1]
	if last.State == OP_LOAD {
		v.changes[key] = append(ops, Op{State: OP_STORE, Data: value, Version: last.Version + 1})
	} else {
		// collapse consecutive stores, keep the version
		ops[len(ops)-1] = Op{State: OP_STORE, Data: value, Version: last.Version}
	}
}

func (v *LocalView) Remove(key string) {
	ops := v.changes[key]
	if len(ops) > 0 && ops[len(ops)-1].State != OP_LOAD {
		// the remove supersedes a buffered store
		ops = ops[:len(ops)-1]
	}
	v.changes[key] = append(ops, Op{State: OP_REMOVE})
}

// hands the recorded change list to the controller under the given
// commit id and resets the view
func (v *LocalView) Flesh(commitId int64) {
	v.commitId = commitId
	v.controller.PushCommit(commitId, v.changes)
	v.changes = make(ModifyMap)
}
