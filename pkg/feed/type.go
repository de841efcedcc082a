package feed

import (
	"encoding/json"

	log "github.com/sirupsen/logrus"

	"github.com/opticalmeter/iec62056_reader/pkg/obis"
)

// Snapshot is one broadcast poll result: the registers read in one session,
// in block order, plus the soft partial-parse count.
type Snapshot struct {
	Timestamp string          `json:"timestamp"`
	Identity  string          `json:"identity,omitempty"`
	Registers []obis.Register `json:"registers"`
	Skipped   int             `json:"skipped,omitempty"`
}

func (s *Snapshot) ToJsonBytes() []byte {
	data, err := json.Marshal(s)
	if err != nil {
		log.Errorf("Failed to marshal snapshot: %v", err)
		return nil
	}
	return data
}

func SnapshotFromJsonBytes(data []byte) *Snapshot {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil
	}
	return &s
}
