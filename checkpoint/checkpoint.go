// Package checkpoint saves and loads optimization checkpoints in a
// bolt database.
package checkpoint

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/op/go-logging"

	bolt "go.etcd.io/bbolt"
)

// log is the global logging variable.
var log = logging.MustGetLogger("checkpoint")

// MAIN is the bucket name for all checkpoints.
var MAIN = []byte("main")

// namespace is the UUID namespace of run keys.
var namespace = uuid.MustParse("5c4f5d0e-7a7b-4c52-9d2e-3a8f6b1e9c11")

// Key returns a run key derived from the run inputs: the same inputs
// give the same key, so a restarted run finds its checkpoint.
func Key(inputs ...[]byte) []byte {
	var all []byte
	for _, in := range inputs {
		all = append(all, in...)
		all = append(all, 0)
	}
	return []byte(uuid.NewSHA1(namespace, all).String())
}

// CheckpointData is the optimizer state. Parameters are keyed by
// element names, e.g. "variance[0,1]".
type CheckpointData struct {
	Method     string             `json:"method"`
	Parameters map[string]float64 `json:"parameters"`
	Likelihood float64            `json:"lnL"`
	Iter       int                `json:"iter"`
	Final      bool               `json:"final"`
}

// CheckpointIO saves and loads checkpoints of one run.
type CheckpointIO struct {
	db      *bolt.DB
	key     []byte
	last    time.Time
	seconds float64
}

// NewCheckpointIO creates a new CheckpointIO. Checkpoints are saved
// not more often than every given number of seconds.
func NewCheckpointIO(db *bolt.DB, key []byte, seconds float64) *CheckpointIO {
	return &CheckpointIO{
		db:      db,
		key:     key,
		seconds: seconds,
		last:    time.Now(),
	}
}

// Save saves checkpoint to the database.
func (s *CheckpointIO) Save(data *CheckpointData) error {
	// Even if saving fails, we do not want to run this code too often.
	s.SetNow()
	dataB, err := json.Marshal(data)
	if err != nil {
		log.Error("Error serializing checkpoint", err)
		return err
	}
	err = SaveData(s.db, s.key, dataB)
	if err != nil {
		log.Error("Error saving checkpoint", err)
	}
	return err
}

// GetParameters returns the last checkpoint, nil if there is none.
func (s *CheckpointIO) GetParameters() (*CheckpointData, error) {
	var data *CheckpointData

	b, err := LoadData(s.db, s.key)
	if err != nil || b == nil {
		return nil, err
	}

	if err := json.Unmarshal(b, &data); err != nil {
		return nil, err
	}

	if data == nil || len(data.Parameters) == 0 {
		return nil, nil
	}

	if data.Final {
		log.Noticef("Found finished %s checkpoint (iter=%v, lnL=%v)", data.Method, data.Iter, data.Likelihood)
	} else {
		log.Noticef("Found unfinished %s checkpoint (iter=%v, lnL=%v)", data.Method, data.Iter, data.Likelihood)
	}

	return data, nil
}

// Old returns true if last checkpoint save time too long ago.
func (s *CheckpointIO) Old() bool {
	return time.Since(s.last).Seconds() > s.seconds
}

// SetNow sets last checkpoint time to now.
func (s *CheckpointIO) SetNow() {
	s.last = time.Now()
}

// SaveData saves values in bolt database.
func SaveData(db *bolt.DB, key []byte, data []byte) error {
	if db == nil {
		return nil
	}
	return db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(MAIN)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

// LoadData loads data from bolt database.
func LoadData(db *bolt.DB, key []byte) ([]byte, error) {
	var data []byte
	if db == nil {
		return nil, nil
	}
	err := db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(MAIN)
		if b == nil {
			return nil
		}
		// the value is only valid inside the transaction
		if v := b.Get(key); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}
