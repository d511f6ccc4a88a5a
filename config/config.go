/*
Replica configuration
*/
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/kestreldb/kestrel/node"
)

// concurrency control mode used by the execution engine
type CCMode string

const (
	CC_SEQUENTIAL = CCMode("sequential")
	CC_TWO_PL     = CCMode("2pl")
	CC_STREAMING  = CCMode("streaming")
	CC_FX         = CCMode("fx")
)

type Config struct {
	SelfId   node.NodeId        `yaml:"self_id"`
	Replicas []node.ReplicaInfo `yaml:"replicas"`

	// client proxies allowed to submit requests
	Proxies []node.ReplicaInfo `yaml:"proxies"`

	// private signing key of the local replica
	PrivateKey []byte `yaml:"private_key"`

	// sequence window W: next_seq may not run more than this far
	// ahead of the last executed seq
	MaxProcessTxn uint64 `yaml:"max_process_txn"`

	// a CHECKPOINT is emitted every CheckpointWaterMark seqs
	CheckpointWaterMark uint64 `yaml:"checkpoint_water_mark"`

	EnableCheckpoint bool `yaml:"enable_checkpoint"`
	EnableViewchange bool `yaml:"enable_viewchange"`

	// sign the commit digest so commits carry a quorum certificate
	NeedCommitQC bool `yaml:"need_commit_qc"`

	// timeouts, all in milliseconds
	ViewchangeCommitTimeoutMs uint64 `yaml:"viewchange_commit_timeout_ms"`
	ReplicaTimeoutMs          uint64 `yaml:"replica_timeout_ms"`
	DuplicateCheckFrequencyMs uint64 `yaml:"duplicate_check_frequency_ms"`

	// upper bound on concurrently tracked client complaints
	MaxClientComplaintNum int `yaml:"max_client_complaint_num"`

	// execution engine
	WorkerNum       int    `yaml:"worker_num"`
	ConcurrencyMode CCMode `yaml:"concurrency_mode"`

	// per-transaction redo bound for the occ committers
	MaxRetry int `yaml:"max_retry"`

	// batching on the client facing side
	BatchSize      int    `yaml:"batch_size"`
	BatchTimeoutMs uint64 `yaml:"batch_timeout_ms"`

	// address of the statsd collector, empty for a noop statter
	StatsdAddr string `yaml:"statsd_addr"`

	// append-only log of stable checkpoints, empty to disable
	CheckpointLogPath string `yaml:"checkpoint_log_path"`
}

// loads a config from a yaml file and fills in defaults
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading config")
	}
	conf := &Config{}
	if err := yaml.Unmarshal(data, conf); err != nil {
		return nil, errors.Wrap(err, "parsing config")
	}
	conf.FillDefaults()
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func New(selfId node.NodeId, replicas []node.ReplicaInfo) *Config {
	conf := &Config{
		SelfId:   selfId,
		Replicas: replicas,
	}
	conf.FillDefaults()
	return conf
}

func (c *Config) FillDefaults() {
	if c.MaxProcessTxn == 0 {
		c.MaxProcessTxn = 2048
	}
	if c.CheckpointWaterMark == 0 {
		c.CheckpointWaterMark = 5
	}
	if c.ViewchangeCommitTimeoutMs == 0 {
		c.ViewchangeCommitTimeoutMs = 60000
	}
	if c.ReplicaTimeoutMs == 0 {
		c.ReplicaTimeoutMs = 30000
	}
	if c.DuplicateCheckFrequencyMs == 0 {
		c.DuplicateCheckFrequencyMs = 60000
	}
	if c.MaxClientComplaintNum == 0 {
		c.MaxClientComplaintNum = 1024
	}
	if c.WorkerNum == 0 {
		c.WorkerNum = 4
	}
	if c.ConcurrencyMode == "" {
		c.ConcurrencyMode = CC_STREAMING
	}
	if c.MaxRetry == 0 {
		c.MaxRetry = 16
	}
	if c.BatchSize == 0 {
		c.BatchSize = 100
	}
	if c.BatchTimeoutMs == 0 {
		c.BatchTimeoutMs = 50
	}
	if c.EnableViewchange {
		// view change relies on checkpoint progress
		c.EnableCheckpoint = true
	}
}

func (c *Config) Validate() error {
	if len(c.Replicas) < 4 {
		return fmt.Errorf("replica num %v too small, need at least 4", len(c.Replicas))
	}
	found := false
	for _, replica := range c.Replicas {
		if replica.Id == c.SelfId {
			found = true
		}
	}
	if !found {
		return fmt.Errorf("self id %v not in the replica list", c.SelfId)
	}
	return nil
}

func (c *Config) ReplicaNum() int { return len(c.Replicas) }

// f = (n-1)/3
func (c *Config) MaxMaliciousReplicaNum() int {
	return (c.ReplicaNum() - 1) / 3
}

// quorum size Q = 2f+1
func (c *Config) MinDataReceiveNum() int {
	return 2*c.MaxMaliciousReplicaNum() + 1
}

// f+1, enough to contain one honest replica
func (c *Config) MinCheckpointReceiveNum() int {
	return c.MaxMaliciousReplicaNum() + 1
}

func (c *Config) SelfInfo() node.ReplicaInfo {
	for _, replica := range c.Replicas {
		if replica.Id == c.SelfId {
			return replica
		}
	}
	return node.ReplicaInfo{}
}

func (c *Config) ViewchangeCommitTimeout() time.Duration {
	return time.Duration(c.ViewchangeCommitTimeoutMs) * time.Millisecond
}

func (c *Config) ReplicaTimeout() time.Duration {
	return time.Duration(c.ReplicaTimeoutMs) * time.Millisecond
}

func (c *Config) DuplicateCheckFrequency() time.Duration {
	return time.Duration(c.DuplicateCheckFrequencyMs) * time.Millisecond
}

func (c *Config) BatchTimeout() time.Duration {
	return time.Duration(c.BatchTimeoutMs) * time.Millisecond
}
