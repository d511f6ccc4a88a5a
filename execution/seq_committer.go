package execution

import (
	"github.com/kestreldb/kestrel/storage"
)

// SeqCommitter executes transactions one at a time. It never
// aborts; it exists as the baseline and for deterministic debugging.
type SeqCommitter struct {
	storage    storage.Storage
	controller *StreamingController
}

var _ = ContractCommitter(&SeqCommitter{})

func NewSeqCommitter(store storage.Storage) *SeqCommitter {
	return &SeqCommitter{
		storage:    store,
		controller: NewStreamingController(store),
	}
}

func (c *SeqCommitter) ExecContract(requests []ExecuteInfo) []*ExecuteResp {
	resps := make([]*ExecuteResp, len(requests))
	for i := range requests {
		info := &requests[i]
		view := NewLocalView(c.controller, info.CommitId)
		result, err := ExecContract(info, view)
		resp := &ExecuteResp{CommitId: info.CommitId, UserId: info.UserId}
		if err != nil {
			logger.Debugf("txn %v failed: %v", info.CommitId, err)
			resp.Ret = -1
		} else {
			view.Flesh(info.CommitId)
			if c.controller.Commit(info.CommitId) != OUTCOME_DONE {
				resp.Ret = -1
			} else {
				resp.Result = result
			}
		}
		resps[i] = resp
	}
	return resps
}
