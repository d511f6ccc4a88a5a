package comm

import (
	"net"
	"sync"

	"github.com/kestreldb/kestrel/crypto"
	"github.com/kestreldb/kestrel/message"
)

// routes one authenticated inbound request
type Handler func(ctx *message.Context, req *message.Request)

// PeerServer accepts connections from replicas and proxies, checks
// the transport signature on every frame, and hands the request with
// its context to the dispatcher.
type PeerServer struct {
	addr     string
	verifier crypto.Verifier
	handler  Handler

	lock     sync.Mutex
	listener net.Listener
	stopped  bool
	done     sync.WaitGroup
}

func NewPeerServer(addr string, verifier crypto.Verifier, handler Handler) *PeerServer {
	return &PeerServer{
		addr:     addr,
		verifier: verifier,
		handler:  handler,
	}
}

func (s *PeerServer) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.lock.Lock()
	s.listener = listener
	s.lock.Unlock()
	s.done.Add(1)
	go s.acceptLoop()
	return nil
}

func (s *PeerServer) Stop() {
	s.lock.Lock()
	s.stopped = true
	if s.listener != nil {
		s.listener.Close()
	}
	s.lock.Unlock()
	s.done.Wait()
}

func (s *PeerServer) Addr() string {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func (s *PeerServer) acceptLoop() {
	defer s.done.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.lock.Lock()
			stopped := s.stopped
			s.lock.Unlock()
			if stopped {
				return
			}
			logger.Warningf("accept failed: %v", err)
			continue
		}
		s.done.Add(1)
		go s.serveConn(NewConnection(conn))
	}
}

// replyClient lets handlers answer on the same connection
type replyClient struct {
	conn *Connection
	lock sync.Mutex
}

func (r *replyClient) SendRawMessage(req *message.Request) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	return message.WriteMessage(r.conn.conn, req)
}

func (s *PeerServer) serveConn(conn *Connection) {
	defer s.done.Done()
	defer conn.Close()
	client := &replyClient{conn: conn}
	for {
		req, signature, data, err := conn.ReadSignedRaw()
		if err != nil {
			return
		}
		if !s.verifier.Verify(data, &signature) {
			logger.Debugf("transport signature invalid from %v, dropping", signature.NodeId)
			continue
		}
		ctx := &message.Context{Signature: signature, Client: client}
		s.handler(ctx, req)
	}
}
