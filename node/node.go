/*
Replica identity and cluster membership
*/
package node

import (
	"sync"
)

// stable identifier of a replica, in [1, N]
type NodeId uint32

type NodeStatus string

const (
	NODE_INITIALIZING = NodeStatus("")
	NODE_UP           = NodeStatus("UP")
	NODE_DOWN         = NodeStatus("DOWN")
)

// static info about one replica from the configuration
type ReplicaInfo struct {
	Id        NodeId `yaml:"id"`
	Addr      string `yaml:"addr"`
	PublicKey []byte `yaml:"public_key"`
}

// SystemInfo tracks the view and primary the replica currently
// believes in, plus the replica list. Reads and writes are
// concurrent across the consensus components.
type SystemInfo struct {
	lock     sync.RWMutex
	view     uint64
	primary  NodeId
	replicas []ReplicaInfo
}

func NewSystemInfo(replicas []ReplicaInfo) *SystemInfo {
	s := &SystemInfo{
		view:     1,
		replicas: replicas,
	}
	if len(replicas) > 0 {
		s.primary = replicas[0].Id
	}
	return s
}

func (s *SystemInfo) GetCurrentView() uint64 {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.view
}

func (s *SystemInfo) SetCurrentView(view uint64) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.view = view
}

func (s *SystemInfo) GetPrimaryId() NodeId {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.primary
}

func (s *SystemInfo) SetPrimary(id NodeId) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.primary = id
}

func (s *SystemInfo) GetReplicas() []ReplicaInfo {
	s.lock.RLock()
	defer s.lock.RUnlock()
	replicas := make([]ReplicaInfo, len(s.replicas))
	copy(replicas, s.replicas)
	return replicas
}

// the primary for a view is the replica at index (view-1) mod N
func PrimaryForView(replicas []ReplicaInfo, view uint64) NodeId {
	return replicas[int((view-1)%uint64(len(replicas)))].Id
}
