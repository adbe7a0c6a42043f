package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/cuemby/weir/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketJobGraphs      = []byte("job_graphs")
	bucketJobRegistry    = []byte("job_registry")
	bucketCheckpointSeq  = []byte("checkpoint_seq")
	bucketCheckpointMeta = []byte("checkpoint_meta")
	bucketArchivedGraphs = []byte("archived_execution_graphs")
	bucketJobMasterLease = []byte("job_master_leases")
)

// BoltStore implements Store on top of a single bbolt database file.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if necessary) the weir HA database under
// dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "weir.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketJobGraphs,
			bucketJobRegistry,
			bucketCheckpointSeq,
			bucketCheckpointMeta,
			bucketArchivedGraphs,
			bucketJobMasterLease,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func jobKey(jobId types.JobId) []byte {
	return []byte(jobId.String())
}

func (s *BoltStore) PutJobGraph(jobId types.JobId, graph []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobGraphs).Put(jobKey(jobId), graph)
	})
}

func (s *BoltStore) GetJobGraph(jobId types.JobId) ([]byte, error) {
	var graph []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketJobGraphs).Get(jobKey(jobId))
		if data == nil {
			return types.ErrNotFound
		}
		graph = append([]byte(nil), data...)
		return nil
	})
	return graph, err
}

func (s *BoltStore) ListJobGraphs() (map[types.JobId][]byte, error) {
	graphs := make(map[types.JobId][]byte)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobGraphs).ForEach(func(k, v []byte) error {
			id, err := types.ParseJobId(string(k))
			if err != nil {
				return err
			}
			graphs[id] = append([]byte(nil), v...)
			return nil
		})
	})
	return graphs, err
}

func (s *BoltStore) DeleteJobGraph(jobId types.JobId) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobGraphs).Delete(jobKey(jobId))
	})
}

func (s *BoltStore) SetJobRegistryState(jobId types.JobId, state JobRegistryState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobRegistry).Put(jobKey(jobId), []byte(state))
	})
}

func (s *BoltStore) GetJobRegistryState(jobId types.JobId) (JobRegistryState, bool, error) {
	var state JobRegistryState
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketJobRegistry).Get(jobKey(jobId))
		if data == nil {
			return nil
		}
		found = true
		state = JobRegistryState(data)
		return nil
	})
	return state, found, err
}

func (s *BoltStore) ListJobRegistry() (map[types.JobId]JobRegistryState, error) {
	registry := make(map[types.JobId]JobRegistryState)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobRegistry).ForEach(func(k, v []byte) error {
			id, err := types.ParseJobId(string(k))
			if err != nil {
				return err
			}
			registry[id] = JobRegistryState(v)
			return nil
		})
	})
	return registry, err
}

// NextCheckpointId returns the next monotonic checkpoint id for jobId,
// persisting the new counter value before returning it.
func (s *BoltStore) NextCheckpointId(jobId types.JobId) (types.CheckpointId, error) {
	var next uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCheckpointSeq)
		key := jobKey(jobId)
		data := b.Get(key)
		var current uint64
		if data != nil {
			current = binary.BigEndian.Uint64(data)
		}
		next = current + 1

		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, next)
		return b.Put(key, buf)
	})
	return types.CheckpointId(next), err
}

func checkpointMetaKey(jobId types.JobId, checkpointId types.CheckpointId) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(checkpointId))
	return append([]byte(jobId.String()+"/"), buf...)
}

func (s *BoltStore) PutCheckpointMetadata(meta CheckpointMetadata) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketCheckpointMeta).Put(checkpointMetaKey(meta.JobId, meta.CheckpointId), data)
	})
}

func (s *BoltStore) LatestCheckpointMetadata(jobId types.JobId) (CheckpointMetadata, bool, error) {
	all, err := s.ListCheckpointMetadata(jobId)
	if err != nil || len(all) == 0 {
		return CheckpointMetadata{}, false, err
	}
	latest := all[0]
	for _, m := range all[1:] {
		if m.CheckpointId > latest.CheckpointId {
			latest = m
		}
	}
	return latest, true, nil
}

func (s *BoltStore) ListCheckpointMetadata(jobId types.JobId) ([]CheckpointMetadata, error) {
	prefix := []byte(jobId.String() + "/")
	var metas []CheckpointMetadata
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketCheckpointMeta).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var meta CheckpointMetadata
			if err := json.Unmarshal(v, &meta); err != nil {
				return err
			}
			metas = append(metas, meta)
		}
		return nil
	})
	return metas, err
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

func (s *BoltStore) PutArchivedExecutionGraph(graph ArchivedExecutionGraph) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(graph)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketArchivedGraphs).Put(jobKey(graph.JobId), data)
	})
}

func (s *BoltStore) GetArchivedExecutionGraph(jobId types.JobId) (ArchivedExecutionGraph, bool, error) {
	var graph ArchivedExecutionGraph
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketArchivedGraphs).Get(jobKey(jobId))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &graph)
	})
	return graph, found, err
}

func (s *BoltStore) PutJobMasterLease(jobId types.JobId, holder types.JobMasterId) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobMasterLease).Put(jobKey(jobId), []byte(holder.String()))
	})
}

func (s *BoltStore) GetJobMasterLease(jobId types.JobId) (types.JobMasterId, bool, error) {
	var holder types.JobMasterId
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketJobMasterLease).Get(jobKey(jobId))
		if data == nil {
			return nil
		}
		id, err := types.ParseJobMasterId(string(data))
		if err != nil {
			return err
		}
		holder = id
		found = true
		return nil
	})
	return holder, found, err
}
