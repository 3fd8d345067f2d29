package raft

import (
	"encoding/json"

	hraft "github.com/hashicorp/raft"

	"github.com/phonghmnguyen/ke0lock/container"
)

var _ hraft.FSMSnapshot = (*Snapshot)(nil)

// Snapshot is a point in time copy of the live store records
type Snapshot struct {
	records []container.Record
}

// Persist streams the records to sink as a JSON array, the sink is cancelled on any failure
func (s *Snapshot) Persist(sink hraft.SnapshotSink) error {
	if err := json.NewEncoder(sink).Encode(s.records); err != nil {
		sink.Cancel()
		return err
	}

	return sink.Close()
}

func (s *Snapshot) Release() {}
