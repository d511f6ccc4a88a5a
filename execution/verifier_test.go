package execution

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestreldb/kestrel/storage"
)

// runs the batch serially, capturing the read-write set of each
// transaction; this is the claim an executor would publish
func claimedSets(t *testing.T, infos []ExecuteInfo) []ModifyMap {
	store := storage.NewMemStorage()
	controller := NewVController(store)
	claimed := make([]ModifyMap, len(infos))
	for i := range infos {
		view := NewLocalView(controller, int64(i))
		_, err := ExecContract(&infos[i], view)
		require.NoError(t, err)
		view.Flesh(int64(i))
		require.Equal(t, OUTCOME_DONE, controller.Commit(int64(i)))
		claimed[i] = controller.GetChangeList(int64(i))
	}
	return claimed
}

func TestVerifierAcceptsHonestClaim(t *testing.T) {
	infos := withCommitIds([]ExecuteInfo{
		addTxn("bal", 5),
		addTxn("bal", 7),
		addTxn("other", 1),
	})
	claimed := claimedSets(t, infos)

	verifier := NewXVerifier(storage.NewMemStorage(), 3)
	assert.True(t, verifier.VerifyContract(infos, claimed))
}

func TestVerifierRejectsTamperedWrite(t *testing.T) {
	infos := withCommitIds([]ExecuteInfo{
		addTxn("bal", 5),
		addTxn("bal", 7),
	})
	claimed := claimedSets(t, infos)

	// claim a different final value for the second write
	for key, ops := range claimed[1] {
		for i := range ops {
			if ops[i].State == OP_STORE {
				ops[i].Data = "999"
			}
		}
		claimed[1][key] = ops
	}

	verifier := NewXVerifier(storage.NewMemStorage(), 2)
	assert.False(t, verifier.VerifyContract(infos, claimed))
}

func TestVerifierRejectsLengthMismatch(t *testing.T) {
	infos := withCommitIds([]ExecuteInfo{addTxn("bal", 5)})
	verifier := NewXVerifier(storage.NewMemStorage(), 1)
	assert.False(t, verifier.VerifyContract(infos, nil))
}

func TestRWSEqual(t *testing.T) {
	a := ModifyMap{"k": {{State: OP_LOAD, Data: "", Version: 0}, {State: OP_STORE, Data: "5", Version: 1}}}
	b := ModifyMap{"k": {{State: OP_STORE, Data: "5", Version: 1}}}
	assert.True(t, RWSEqual(a, b))

	c := ModifyMap{"k": {{State: OP_STORE, Data: "6", Version: 1}}}
	assert.False(t, RWSEqual(a, c))

	d := ModifyMap{"other": {{State: OP_STORE, Data: "5", Version: 1}}}
	assert.False(t, RWSEqual(a, d))
}
