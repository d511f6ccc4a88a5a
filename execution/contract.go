package execution

import (
	"strconv"

	"github.com/pkg/errors"
)

// StateView is the storage surface a contract invocation runs
// against. Views record accesses for the concurrency controllers.
type StateView interface {
	Load(key string) string
	Store(key string, value string)
	Remove(key string)
}

// raised by the interpreter, reported as an execution failure and
// never as a protocol failure
var ErrContract = errors.New("contract execution failed")

func contractKey(contract string, key string) string {
	return contract + "/" + key
}

// ExecContract interprets one transaction. The contract model is a
// deterministic key/value machine with balance arithmetic:
//
//	set <key> <value>
//	get <key>
//	add <key> <delta>
//	transfer <to> <amount>   moves balance from the caller account
//
// Account balances live under the "acct" namespace of the contract.
func ExecContract(info *ExecuteInfo, view StateView) (string, error) {
	switch info.Func {
	case "set":
		if len(info.Params) != 2 {
			return "", errors.Wrap(ErrContract, "set needs key and value")
		}
		view.Store(contractKey(info.Contract, info.Params[0]), info.Params[1])
		return info.Params[1], nil
	case "get":
		if len(info.Params) != 1 {
			return "", errors.Wrap(ErrContract, "get needs key")
		}
		return view.Load(contractKey(info.Contract, info.Params[0])), nil
	case "add":
		if len(info.Params) != 2 {
			return "", errors.Wrap(ErrContract, "add needs key and delta")
		}
		delta, err := strconv.ParseInt(info.Params[1], 10, 64)
		if err != nil {
			return "", errors.Wrap(ErrContract, "delta not a number")
		}
		key := contractKey(info.Contract, info.Params[0])
		current := parseBalance(view.Load(key))
		next := strconv.FormatInt(current+delta, 10)
		view.Store(key, next)
		return next, nil
	case "transfer":
		if len(info.Params) != 2 {
			return "", errors.Wrap(ErrContract, "transfer needs account and amount")
		}
		amount, err := strconv.ParseInt(info.Params[1], 10, 64)
		if err != nil || amount < 0 {
			return "", errors.Wrap(ErrContract, "bad amount")
		}
		fromKey := contractKey(info.Contract, "acct/"+info.Caller)
		toKey := contractKey(info.Contract, "acct/"+info.Params[0])
		fromBalance := parseBalance(view.Load(fromKey))
		if fromBalance < amount {
			return "", errors.Wrap(ErrContract, "insufficient balance")
		}
		toBalance := parseBalance(view.Load(toKey))
		view.Store(fromKey, strconv.FormatInt(fromBalance-amount, 10))
		view.Store(toKey, strconv.FormatInt(toBalance+amount, 10))
		return strconv.FormatInt(fromBalance-amount, 10), nil
	}
	return "", errors.Wrapf(ErrContract, "unknown function %q", info.Func)
}

func parseBalance(value string) int64 {
	if value == "" {
		return 0
	}
	v, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0
	}
	return v
}
