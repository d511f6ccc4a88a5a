package message

import (
	"github.com/kestreldb/kestrel/crypto"
)

// ReplyClient is the unit-level reply channel back to the sender of
// a request, typically the accepted transport connection.
type ReplyClient interface {
	SendRawMessage(req *Request) error
}

// Context pairs an inbound request with the transport signature over
// its envelope and the channel to reply on.
type Context struct {
	Signature crypto.Signature
	Client    ReplyClient
}
