package proxy

import (
	"time"

	"github.com/google/uuid"

	"github.com/kestreldb/kestrel/comm"
	"github.com/kestreldb/kestrel/config"
	"github.com/kestreldb/kestrel/crypto"
	"github.com/kestreldb/kestrel/message"
	"github.com/kestreldb/kestrel/node"
)

// Client signs transaction batches and submits them to the replica
// group on behalf of one proxy id.
type Client struct {
	conf    *config.Config
	proxyId node.NodeId
	signer  crypto.Signer
	comm    *comm.TCPCommunicator
	queue   *BatchQueue
	stopCh  chan struct{}
}

func NewClient(conf *config.Config, proxyId node.NodeId, signer crypto.Signer) *Client {
	c := &Client{
		conf:    conf,
		proxyId: proxyId,
		signer:  signer,
		comm:    comm.NewTCPCommunicator(proxyId, conf.Replicas, signer),
		queue:   NewBatchQueue(conf.BatchSize, conf.BatchTimeout()),
		stopCh:  make(chan struct{}),
	}
	go c.submitLoop()
	return c
}

func (c *Client) Stop() {
	close(c.stopCh)
	c.queue.Stop()
}

// queues one transaction; it travels with the next batch
func (c *Client) Submit(txn message.Transaction) {
	c.queue.Push(txn)
}

func (c *Client) submitLoop() {
	for {
		select {
		case <-c.stopCh:
			return
		case txns := <-c.queue.Batches():
			if err := c.sendBatch(txns); err != nil {
				logger.Warningf("batch submit failed: %v", err)
			}
		}
	}
}

func (c *Client) sendBatch(txns []message.Transaction) error {
	localId, err := uuid.New().MarshalBinary()
	if err != nil {
		return err
	}
	batch := &message.BatchUserRequest{
		LocalId:    localId,
		CreateTime: time.Now().UnixMicro(),
		Txns:       txns,
	}
	data, err := batch.Marshal()
	if err != nil {
		return err
	}
	signature, err := c.signer.Sign(data)
	if err != nil {
		return err
	}

	req := message.NewRequest(message.TYPE_NEW_REQUEST, nil, c.proxyId)
	req.ProxyId = c.proxyId
	req.Hash = crypto.Hash(data)
	req.Data = data
	req.DataSignature = *signature
	req.NeedResponse = true

	// submit to the first replica; a non-primary forwards to the
	// primary and keeps a complaint timer on our behalf
	c.comm.Send(req, c.conf.Replicas[0].Id)
	return nil
}
