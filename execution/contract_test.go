package execution

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestreldb/kestrel/storage"
)

func newTestView() (*LocalView, *StreamingController) {
	controller := NewStreamingController(storage.NewMemStorage())
	return NewLocalView(controller, 0), controller
}

func TestContractSetGet(t *testing.T) {
	view, _ := newTestView()
	result, err := ExecContract(&ExecuteInfo{Contract: "kv", Func: "set", Params: []string{"k", "v"}}, view)
	require.NoError(t, err)
	assert.Equal(t, "v", result)

	result, err = ExecContract(&ExecuteInfo{Contract: "kv", Func: "get", Params: []string{"k"}}, view)
	require.NoError(t, err)
	assert.Equal(t, "v", result)
}

func TestContractAdd(t *testing.T) {
	view, _ := newTestView()
	result, err := ExecContract(&ExecuteInfo{Contract: "kv", Func: "add", Params: []string{"n", "5"}}, view)
	require.NoError(t, err)
	assert.Equal(t, "5", result)
	result, err = ExecContract(&ExecuteInfo{Contract: "kv", Func: "add", Params: []string{"n", "-2"}}, view)
	require.NoError(t, err)
	assert.Equal(t, "3", result)
}

func TestContractTransfer(t *testing.T) {
	view, _ := newTestView()
	_, err := ExecContract(&ExecuteInfo{Caller: "alice", Contract: "bank", Func: "add", Params: []string{"acct/alice", "100"}}, view)
	require.NoError(t, err)

	result, err := ExecContract(&ExecuteInfo{Caller: "alice", Contract: "bank", Func: "transfer", Params: []string{"bob", "30"}}, view)
	require.NoError(t, err)
	assert.Equal(t, "70", result)

	balance, err := ExecContract(&ExecuteInfo{Contract: "bank", Func: "get", Params: []string{"acct/bob"}}, view)
	require.NoError(t, err)
	assert.Equal(t, "30", balance)
}

func TestContractTransferInsufficient(t *testing.T) {
	view, _ := newTestView()
	_, err := ExecContract(&ExecuteInfo{Caller: "poor", Contract: "bank", Func: "transfer", Params: []string{"bob", "1"}}, view)
	assert.ErrorIs(t, err, ErrContract)
}

func TestContractUnknownFunction(t *testing.T) {
	view, _ := newTestView()
	_, err := ExecContract(&ExecuteInfo{Contract: "kv", Func: "nope"}, view)
	assert.ErrorIs(t, err, ErrContract)
}

func TestContractBadParams(t *testing.T) {
	view, _ := newTestView()
	_, err := ExecContract(&ExecuteInfo{Contract: "kv", Func: "set", Params: []string{"only-key"}}, view)
	assert.ErrorIs(t, err, ErrContract)
	_, err = ExecContract(&ExecuteInfo{Contract: "kv", Func: "add", Params: []string{"k", "NaN"}}, view)
	assert.ErrorIs(t, err, ErrContract)
}
