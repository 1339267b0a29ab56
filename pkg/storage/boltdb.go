package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/cuemby/botfleet/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketNodes       = []byte("nodes")
	bucketTransitions = []byte("node_transitions")
	bucketEvents      = []byte("recovery_events")
	bucketItems       = []byte("recovery_items")
	bucketAssignments = []byte("assignments")
)

// BoltStore implements Store using BoltDB. bbolt runs one read-write
// transaction at a time, so a check and a write inside the same Update are atomic.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store in dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	return openBolt(filepath.Join(dataDir, "botfleet.db"), &bolt.Options{Timeout: 2 * time.Second})
}

// OpenBoltReadOnly opens an existing database for inspection
func OpenBoltReadOnly(dataDir string) (*BoltStore, error) {
	return openBolt(filepath.Join(dataDir, "botfleet.db"), &bolt.Options{Timeout: 2 * time.Second, ReadOnly: true})
}

func openBolt(dbPath string, opts *bolt.Options) (*BoltStore, error) {
	db, err := bolt.Open(dbPath, 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if opts.ReadOnly {
		return &BoltStore{db: db}, nil
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketNodes,
			bucketTransitions,
			bucketEvents,
			bucketItems,
			bucketAssignments,
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

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func put(b *bolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

func getNode(tx *bolt.Tx, id string) (*types.Node, error) {
	data := tx.Bucket(bucketNodes).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	var node types.Node
	if err := json.Unmarshal(data, &node); err != nil {
		return nil, err
	}
	return &node, nil
}

// updateNode loads a node, applies fn and writes it back in one transaction
func (s *BoltStore) updateNode(id string, fn func(tx *bolt.Tx, node *types.Node) error) (*types.Node, error) {
	var out *types.Node
	err := s.db.Update(func(tx *bolt.Tx) error {
		node, err := getNode(tx, id)
		if err != nil {
			return err
		}
		if err := fn(tx, node); err != nil {
			return err
		}
		out = node
		return put(tx.Bucket(bucketNodes), node.ID, node)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Node operations

func (s *BoltStore) CreateNode(_ context.Context, node *types.Node) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		if b.Get([]byte(node.ID)) != nil {
			return fmt.Errorf("%w: %s", ErrNodeExists, node.ID)
		}
		return put(b, node.ID, node)
	})
}

func (s *BoltStore) GetNode(_ context.Context, id string) (*types.Node, error) {
	var node *types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		node, err = getNode(tx, id)
		return err
	})
	return node, err
}

func (s *BoltStore) ListNodes(_ context.Context) ([]*types.Node, error) {
	var nodes []*types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		return b.ForEach(func(k, v []byte) error {
			var node types.Node
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			nodes = append(nodes, &node)
			return nil
		})
	})
	return nodes, err
}

func (s *BoltStore) UpdateNodeMetadata(_ context.Context, id, host, agentVersion string, capacityMB int64, at time.Time) (*types.Node, error) {
	return s.updateNode(id, func(_ *bolt.Tx, node *types.Node) error {
		node.Host = host
		node.AgentVersion = agentVersion
		node.CapacityMB = capacityMB
		node.UpdatedAt = at
		return nil
	})
}

func (s *BoltStore) CompareAndSwapStatus(_ context.Context, tr *types.NodeTransition) (*types.Node, error) {
	return s.updateNode(tr.NodeID, func(tx *bolt.Tx, node *types.Node) error {
		if node.Status != tr.FromStatus {
			return &ConcurrentTransitionError{NodeID: node.ID, Expected: tr.FromStatus, Actual: node.Status}
		}
		node.Status = tr.ToStatus
		node.UpdatedAt = tr.CreatedAt
		b := tx.Bucket(bucketTransitions)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return put(b, transitionKey(tr, int64(seq)), tr)
	})
}

func (s *BoltStore) UpdateHeartbeat(_ context.Context, id string, usedMB int64, at time.Time) (*types.Node, error) {
	return s.updateNode(id, func(_ *bolt.Tx, node *types.Node) error {
		hb := at
		node.LastHeartbeatAt = &hb
		node.UsedMB = clampUsed(usedMB, 0)
		node.UpdatedAt = at
		return nil
	})
}

func (s *BoltStore) AddUsedMemory(_ context.Context, id string, deltaMB int64) (*types.Node, error) {
	return s.updateNode(id, func(_ *bolt.Tx, node *types.Node) error {
		node.UsedMB = clampUsed(node.UsedMB, deltaMB)
		return nil
	})
}

func (s *BoltStore) ListTransitions(_ context.Context, nodeID string, limit int) ([]*types.NodeTransition, error) {
	var out []*types.NodeTransition
	prefix := []byte(nodeID + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketTransitions).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var tr types.NodeTransition
			if err := json.Unmarshal(v, &tr); err != nil {
				return err
			}
			out = append(out, &tr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Keys ascend by time; callers want newest first
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Recovery operations

func getEvent(tx *bolt.Tx, id string) (*types.RecoveryEvent, error) {
	data := tx.Bucket(bucketEvents).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("%w: %s", ErrEventNotFound, id)
	}
	var event types.RecoveryEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, err
	}
	return &event, nil
}

func getItem(tx *bolt.Tx, id string) (*types.RecoveryItem, error) {
	data := tx.Bucket(bucketItems).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	var item types.RecoveryItem
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *BoltStore) CreateEvent(_ context.Context, event *types.RecoveryEvent) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx.Bucket(bucketEvents), event.ID, event)
	})
}

func (s *BoltStore) UpdateEvent(_ context.Context, id string, patch EventPatch) (*types.RecoveryEvent, error) {
	var out *types.RecoveryEvent
	err := s.db.Update(func(tx *bolt.Tx) error {
		event, err := getEvent(tx, id)
		if err != nil {
			return err
		}
		patch.apply(event)
		out = event
		return put(tx.Bucket(bucketEvents), event.ID, event)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltStore) GetEvent(_ context.Context, id string) (*types.RecoveryEvent, error) {
	var event *types.RecoveryEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		event, err = getEvent(tx, id)
		return err
	})
	return event, err
}

func (s *BoltStore) listEvents(filter func(*types.RecoveryEvent) bool) ([]*types.RecoveryEvent, error) {
	var events []*types.RecoveryEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEvents).ForEach(func(k, v []byte) error {
			var event types.RecoveryEvent
			if err := json.Unmarshal(v, &event); err != nil {
				return err
			}
			if filter(&event) {
				events = append(events, &event)
			}
			return nil
		})
	})
	sortEventsNewestFirst(events)
	return events, err
}

func (s *BoltStore) ListEvents(_ context.Context, limit int) ([]*types.RecoveryEvent, error) {
	events, err := s.listEvents(func(*types.RecoveryEvent) bool { return true })
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

func (s *BoltStore) ListOpenEvents(_ context.Context) ([]*types.RecoveryEvent, error) {
	return s.listEvents(func(e *types.RecoveryEvent) bool { return e.IsOpen() })
}

func (s *BoltStore) CreateItem(_ context.Context, item *types.RecoveryItem) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		event, err := getEvent(tx, item.RecoveryEventID)
		if err != nil {
			return err
		}
		if event.Status != types.RecoveryStatusInProgress {
			return fmt.Errorf("%w: %s is %s", ErrEventNotInProgress, event.ID, event.Status)
		}
		return put(tx.Bucket(bucketItems), item.ID, item)
	})
}

func (s *BoltStore) UpdateItem(_ context.Context, id string, patch ItemPatch) (*types.RecoveryItem, error) {
	var out *types.RecoveryItem
	err := s.db.Update(func(tx *bolt.Tx) error {
		item, err := getItem(tx, id)
		if err != nil {
			return err
		}
		patch.apply(item)
		out = item
		return put(tx.Bucket(bucketItems), item.ID, item)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltStore) GetItem(_ context.Context, id string) (*types.RecoveryItem, error) {
	var item *types.RecoveryItem
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		item, err = getItem(tx, id)
		return err
	})
	return item, err
}

func (s *BoltStore) listItems(eventID string, filter func(*types.RecoveryItem) bool) ([]*types.RecoveryItem, error) {
	var items []*types.RecoveryItem
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketItems).ForEach(func(k, v []byte) error {
			var item types.RecoveryItem
			if err := json.Unmarshal(v, &item); err != nil {
				return err
			}
			if item.RecoveryEventID == eventID && filter(&item) {
				items = append(items, &item)
			}
			return nil
		})
	})
	sortItems(items)
	return items, err
}

func (s *BoltStore) ListItems(_ context.Context, eventID string) ([]*types.RecoveryItem, error) {
	return s.listItems(eventID, func(*types.RecoveryItem) bool { return true })
}

func (s *BoltStore) GetWaitingItems(_ context.Context, eventID string) ([]*types.RecoveryItem, error) {
	return s.listItems(eventID, func(i *types.RecoveryItem) bool { return i.Status == types.RecoveryItemWaiting })
}

func (s *BoltStore) IncrementRetryCount(_ context.Context, itemID string) (int, error) {
	var count int
	err := s.db.Update(func(tx *bolt.Tx) error {
		item, err := getItem(tx, itemID)
		if err != nil {
			return err
		}
		item.RetryCount++
		count = item.RetryCount
		return put(tx.Bucket(bucketItems), item.ID, item)
	})
	return count, err
}

// Assignment operations

func getAssignment(tx *bolt.Tx, tenant string) (*types.Assignment, error) {
	data := tx.Bucket(bucketAssignments).Get([]byte(tenant))
	if data == nil {
		return nil, fmt.Errorf("%w: %s", ErrAssignmentNotFound, tenant)
	}
	var a types.Assignment
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *BoltStore) PutAssignment(_ context.Context, a *types.Assignment) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx.Bucket(bucketAssignments), a.Tenant, a)
	})
}

func (s *BoltStore) GetAssignment(_ context.Context, tenant string) (*types.Assignment, error) {
	var a *types.Assignment
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		a, err = getAssignment(tx, tenant)
		return err
	})
	return a, err
}

func (s *BoltStore) DeleteAssignment(_ context.Context, tenant string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAssignments)
		if b.Get([]byte(tenant)) == nil {
			return fmt.Errorf("%w: %s", ErrAssignmentNotFound, tenant)
		}
		return b.Delete([]byte(tenant))
	})
}

func (s *BoltStore) ListByNode(_ context.Context, nodeID string) ([]*types.Assignment, error) {
	var out []*types.Assignment
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAssignments).ForEach(func(k, v []byte) error {
			var a types.Assignment
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			if a.NodeID == nodeID {
				out = append(out, &a)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) Reassign(_ context.Context, tenant, nodeID string) (*types.Assignment, error) {
	var out *types.Assignment
	err := s.db.Update(func(tx *bolt.Tx) error {
		a, err := getAssignment(tx, tenant)
		if err != nil {
			return err
		}
		a.NodeID = nodeID
		a.UpdatedAt = time.Now()
		out = a
		return put(tx.Bucket(bucketAssignments), a.Tenant, a)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func sortEventsNewestFirst(events []*types.RecoveryEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].StartedAt.After(events[j].StartedAt)
	})
}

func sortItems(items []*types.RecoveryItem) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].StartedAt.Equal(items[j].StartedAt) {
			return items[i].Tenant < items[j].Tenant
		}
		return items[i].StartedAt.Before(items[j].StartedAt)
	})
}
