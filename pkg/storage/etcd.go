package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuemby/botfleet/pkg/types"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// Key layout
const (
	etcdNodePrefix       = "/botfleet/nodes/"
	etcdTransitionPrefix = "/botfleet/transitions/"
	etcdEventPrefix      = "/botfleet/recovery/events/"
	etcdItemPrefix       = "/botfleet/recovery/items/"
	etcdAssignmentPrefix = "/botfleet/assignments/"
)

// EtcdStore implements Store on etcd. Every read-modify-write is a
// transaction guarded by the key's ModRevision, so several control-plane
// processes can share one cluster.
type EtcdStore struct {
	client *clientv3.Client
}

// NewEtcdStore connects to the given etcd endpoints
func NewEtcdStore(endpoints []string, dialTimeout time.Duration) (*EtcdStore, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	return &EtcdStore{client: cli}, nil
}

// Close closes the etcd client
func (s *EtcdStore) Close() error {
	return s.client.Close()
}

func (s *EtcdStore) getJSON(ctx context.Context, key string, v any) (int64, bool, error) {
	resp, err := s.client.Get(ctx, key)
	if err != nil {
		return 0, false, err
	}
	if len(resp.Kvs) == 0 {
		return 0, false, nil
	}
	kv := resp.Kvs[0]
	if err := json.Unmarshal(kv.Value, v); err != nil {
		return 0, false, err
	}
	return kv.ModRevision, true, nil
}

// updateJSON applies fn to the value at key and writes it back only if the key
// has not changed since it was read, retrying on revision races. fn may return
// extra ops to commit in the same transaction.
func updateJSON[T any](ctx context.Context, s *EtcdStore, key string, notFound error, fn func(*T) ([]clientv3.Op, error)) (*T, error) {
	return updateJSONAt(ctx, s, key, notFound, func(v *T, _ int64) ([]clientv3.Op, error) {
		return fn(v)
	})
}

// updateJSONAt is updateJSON with the mod revision the value was read at
func updateJSONAt[T any](ctx context.Context, s *EtcdStore, key string, notFound error, fn func(*T, int64) ([]clientv3.Op, error)) (*T, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var v T
		rev, ok, err := s.getJSON(ctx, key, &v)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, notFound
		}

		extra, err := fn(&v, rev)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(&v)
		if err != nil {
			return nil, err
		}

		ops := append([]clientv3.Op{clientv3.OpPut(key, string(data))}, extra...)
		txn, err := s.client.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(key), "=", rev)).
			Then(ops...).
			Commit()
		if err != nil {
			return nil, err
		}
		if txn.Succeeded {
			return &v, nil
		}
	}
}

func listJSON[T any](ctx context.Context, s *EtcdStore, prefix string, opts ...clientv3.OpOption) ([]*T, error) {
	opts = append(opts, clientv3.WithPrefix())
	resp, err := s.client.Get(ctx, prefix, opts...)
	if err != nil {
		return nil, err
	}
	out := make([]*T, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var v T
		if err := json.Unmarshal(kv.Value, &v); err != nil {
			return nil, err
		}
		out = append(out, &v)
	}
	return out, nil
}

// createJSON writes v at key only if the key does not exist
func (s *EtcdStore) createJSON(ctx context.Context, key string, v any, exists error) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	txn, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, string(data))).
		Commit()
	if err != nil {
		return err
	}
	if !txn.Succeeded {
		return exists
	}
	return nil
}

func (s *EtcdStore) putJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = s.client.Put(ctx, key, string(data))
	return err
}

// Node operations

func (s *EtcdStore) CreateNode(ctx context.Context, node *types.Node) error {
	return s.createJSON(ctx, etcdNodePrefix+node.ID, node, fmt.Errorf("%w: %s", ErrNodeExists, node.ID))
}

func (s *EtcdStore) GetNode(ctx context.Context, id string) (*types.Node, error) {
	var node types.Node
	_, ok, err := s.getJSON(ctx, etcdNodePrefix+id, &node)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	return &node, nil
}

func (s *EtcdStore) ListNodes(ctx context.Context) ([]*types.Node, error) {
	return listJSON[types.Node](ctx, s, etcdNodePrefix)
}

func (s *EtcdStore) updateNode(ctx context.Context, id string, fn func(*types.Node, int64) ([]clientv3.Op, error)) (*types.Node, error) {
	return updateJSONAt(ctx, s, etcdNodePrefix+id, fmt.Errorf("%w: %s", ErrNodeNotFound, id), fn)
}

func (s *EtcdStore) UpdateNodeMetadata(ctx context.Context, id, host, agentVersion string, capacityMB int64, at time.Time) (*types.Node, error) {
	return s.updateNode(ctx, id, func(node *types.Node, _ int64) ([]clientv3.Op, error) {
		node.Host = host
		node.AgentVersion = agentVersion
		node.CapacityMB = capacityMB
		node.UpdatedAt = at
		return nil, nil
	})
}

// CompareAndSwapStatus retries only while the status still matches; a
// revision bump from a heartbeat is not a conflict, a status change is.
func (s *EtcdStore) CompareAndSwapStatus(ctx context.Context, tr *types.NodeTransition) (*types.Node, error) {
	data, err := json.Marshal(tr)
	if err != nil {
		return nil, err
	}
	return s.updateNode(ctx, tr.NodeID, func(node *types.Node, rev int64) ([]clientv3.Op, error) {
		if node.Status != tr.FromStatus {
			return nil, &ConcurrentTransitionError{NodeID: node.ID, Expected: tr.FromStatus, Actual: node.Status}
		}
		node.Status = tr.ToStatus
		node.UpdatedAt = tr.CreatedAt
		// the node's revision only grows, so it orders transitions sharing a timestamp
		return []clientv3.Op{clientv3.OpPut(etcdTransitionPrefix+transitionKey(tr, rev), string(data))}, nil
	})
}

func (s *EtcdStore) UpdateHeartbeat(ctx context.Context, id string, usedMB int64, at time.Time) (*types.Node, error) {
	return s.updateNode(ctx, id, func(node *types.Node, _ int64) ([]clientv3.Op, error) {
		hb := at
		node.LastHeartbeatAt = &hb
		node.UsedMB = clampUsed(usedMB, 0)
		node.UpdatedAt = at
		return nil, nil
	})
}

func (s *EtcdStore) AddUsedMemory(ctx context.Context, id string, deltaMB int64) (*types.Node, error) {
	return s.updateNode(ctx, id, func(node *types.Node, _ int64) ([]clientv3.Op, error) {
		node.UsedMB = clampUsed(node.UsedMB, deltaMB)
		return nil, nil
	})
}

func (s *EtcdStore) ListTransitions(ctx context.Context, nodeID string, limit int) ([]*types.NodeTransition, error) {
	opts := []clientv3.OpOption{clientv3.WithSort(clientv3.SortByKey, clientv3.SortDescend)}
	if limit > 0 {
		opts = append(opts, clientv3.WithLimit(int64(limit)))
	}
	return listJSON[types.NodeTransition](ctx, s, etcdTransitionPrefix+nodeID+"/", opts...)
}

// Recovery operations

func (s *EtcdStore) CreateEvent(ctx context.Context, event *types.RecoveryEvent) error {
	return s.putJSON(ctx, etcdEventPrefix+event.ID, event)
}

func (s *EtcdStore) UpdateEvent(ctx context.Context, id string, patch EventPatch) (*types.RecoveryEvent, error) {
	return updateJSON(ctx, s, etcdEventPrefix+id, fmt.Errorf("%w: %s", ErrEventNotFound, id),
		func(event *types.RecoveryEvent) ([]clientv3.Op, error) {
			patch.apply(event)
			return nil, nil
		})
}

func (s *EtcdStore) GetEvent(ctx context.Context, id string) (*types.RecoveryEvent, error) {
	var event types.RecoveryEvent
	_, ok, err := s.getJSON(ctx, etcdEventPrefix+id, &event)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEventNotFound, id)
	}
	return &event, nil
}

func (s *EtcdStore) ListEvents(ctx context.Context, limit int) ([]*types.RecoveryEvent, error) {
	events, err := listJSON[types.RecoveryEvent](ctx, s, etcdEventPrefix)
	if err != nil {
		return nil, err
	}
	sortEventsNewestFirst(events)
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

func (s *EtcdStore) ListOpenEvents(ctx context.Context) ([]*types.RecoveryEvent, error) {
	events, err := listJSON[types.RecoveryEvent](ctx, s, etcdEventPrefix)
	if err != nil {
		return nil, err
	}
	open := events[:0]
	for _, e := range events {
		if e.IsOpen() {
			open = append(open, e)
		}
	}
	sortEventsNewestFirst(open)
	return open, nil
}

// CreateItem commits the item only if the parent event is unchanged and in progress
func (s *EtcdStore) CreateItem(ctx context.Context, item *types.RecoveryItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return err
	}
	eventKey := etcdEventPrefix + item.RecoveryEventID
	for {
		var event types.RecoveryEvent
		rev, ok, err := s.getJSON(ctx, eventKey, &event)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrEventNotFound, item.RecoveryEventID)
		}
		if event.Status != types.RecoveryStatusInProgress {
			return fmt.Errorf("%w: %s is %s", ErrEventNotInProgress, event.ID, event.Status)
		}
		txn, err := s.client.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(eventKey), "=", rev)).
			Then(clientv3.OpPut(etcdItemPrefix+item.ID, string(data))).
			Commit()
		if err != nil {
			return err
		}
		if txn.Succeeded {
			return nil
		}
	}
}

func (s *EtcdStore) UpdateItem(ctx context.Context, id string, patch ItemPatch) (*types.RecoveryItem, error) {
	return updateJSON(ctx, s, etcdItemPrefix+id, fmt.Errorf("%w: %s", ErrItemNotFound, id),
		func(item *types.RecoveryItem) ([]clientv3.Op, error) {
			patch.apply(item)
			return nil, nil
		})
}

func (s *EtcdStore) GetItem(ctx context.Context, id string) (*types.RecoveryItem, error) {
	var item types.RecoveryItem
	_, ok, err := s.getJSON(ctx, etcdItemPrefix+id, &item)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	return &item, nil
}

func (s *EtcdStore) listItems(ctx context.Context, eventID string, status types.RecoveryItemStatus) ([]*types.RecoveryItem, error) {
	items, err := listJSON[types.RecoveryItem](ctx, s, etcdItemPrefix)
	if err != nil {
		return nil, err
	}
	out := items[:0]
	for _, item := range items {
		if item.RecoveryEventID != eventID {
			continue
		}
		if status != "" && item.Status != status {
			continue
		}
		out = append(out, item)
	}
	sortItems(out)
	return out, nil
}

func (s *EtcdStore) ListItems(ctx context.Context, eventID string) ([]*types.RecoveryItem, error) {
	return s.listItems(ctx, eventID, "")
}

func (s *EtcdStore) GetWaitingItems(ctx context.Context, eventID string) ([]*types.RecoveryItem, error) {
	return s.listItems(ctx, eventID, types.RecoveryItemWaiting)
}

func (s *EtcdStore) IncrementRetryCount(ctx context.Context, itemID string) (int, error) {
	item, err := updateJSON(ctx, s, etcdItemPrefix+itemID, fmt.Errorf("%w: %s", ErrItemNotFound, itemID),
		func(item *types.RecoveryItem) ([]clientv3.Op, error) {
			item.RetryCount++
			return nil, nil
		})
	if err != nil {
		return 0, err
	}
	return item.RetryCount, nil
}

// Assignment operations

func (s *EtcdStore) PutAssignment(ctx context.Context, a *types.Assignment) error {
	return s.putJSON(ctx, etcdAssignmentPrefix+a.Tenant, a)
}

func (s *EtcdStore) GetAssignment(ctx context.Context, tenant string) (*types.Assignment, error) {
	var a types.Assignment
	_, ok, err := s.getJSON(ctx, etcdAssignmentPrefix+tenant, &a)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAssignmentNotFound, tenant)
	}
	return &a, nil
}

func (s *EtcdStore) DeleteAssignment(ctx context.Context, tenant string) error {
	resp, err := s.client.Delete(ctx, etcdAssignmentPrefix+tenant)
	if err != nil {
		return err
	}
	if resp.Deleted == 0 {
		return fmt.Errorf("%w: %s", ErrAssignmentNotFound, tenant)
	}
	return nil
}

func (s *EtcdStore) ListByNode(ctx context.Context, nodeID string) ([]*types.Assignment, error) {
	all, err := listJSON[types.Assignment](ctx, s, etcdAssignmentPrefix)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, a := range all {
		if a.NodeID == nodeID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *EtcdStore) Reassign(ctx context.Context, tenant, nodeID string) (*types.Assignment, error) {
	return updateJSON(ctx, s, etcdAssignmentPrefix+tenant, fmt.Errorf("%w: %s", ErrAssignmentNotFound, tenant),
		func(a *types.Assignment) ([]clientv3.Op, error) {
			a.NodeID = nodeID
			a.UpdatedAt = time.Now()
			return nil, nil
		})
}
