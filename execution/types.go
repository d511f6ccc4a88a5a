/*
Parallel deterministic execution of committed batches.

A batch decomposes into transactions; each transaction executes
against a per-transaction view over the versioned store, and a
concurrency controller decides, in commit id order, whether its
read/write set may commit or must redo.
*/
package execution

import (
	logging "github.com/op/go-logging"
)

var logger = logging.MustGetLogger("execution")

type OpState int

const (
	OP_LOAD OpState = iota
	OP_STORE
	OP_REMOVE
)

// one access recorded in a transaction's read-write set
type Op struct {
	State   OpState
	Data    string
	Version int64
	OldData string
}

func (o Op) Equal(other Op) bool {
	return o.State == other.State && o.Data == other.Data && o.Version == other.Version
}

// read-write set of a transaction, keyed by storage key
type ModifyMap map[string][]Op

// everything the workers need to run one transaction
type ExecuteInfo struct {
	Caller   string
	Contract string
	Func     string
	Params   []string

	// position of the transaction in its batch; the externally
	// observable commit order
	CommitId int64

	UserId uint64
}

type ExecuteResp struct {
	Ret       int
	CommitId  int64
	Result    string
	RetryTime int
	UserId    uint64
}

type Outcome int

const (
	OUTCOME_DONE Outcome = iota
	OUTCOME_REDO
	OUTCOME_ABORT
)

// ConcurrencyController arbitrates commits between concurrently
// executed transactions of one batch.
type ConcurrencyController interface {
	// storage read used by views before the transaction commits
	LoadGlobal(key string) (string, int64)

	// records the read-write set of an executed transaction
	PushCommit(commitId int64, changes ModifyMap)

	// validates and publishes the transaction's writes; the
	// sequential and streaming committers call it in ascending commit
	// id order, the 2PL and FX committers and the verifier as each
	// transaction completes
	Commit(commitId int64) Outcome

	GetChangeList(commitId int64) ModifyMap

	// drops all per-batch state
	Clear()
}

// ContractCommitter executes one committed batch and returns the
// responses in commit id order.
type ContractCommitter interface {
	ExecContract(requests []ExecuteInfo) []*ExecuteResp
}
