package store

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/boltdb/bolt"
	jsoniter "github.com/json-iterator/go"

	"github.com/capitalize-ai/operator-relay/internal/model"
)

const (
	bucketVisitors      = "visitors"
	bucketVisitorIndex  = "visitor_index"
	bucketMessages      = "messages"
	bucketDedup         = "dedup"
	bucketBans          = "bans"
	bucketOperators     = "operators"
	bucketOperatorIndex = "operator_index"
	bucketForwards      = "forwards"
)

var allBuckets = []string{
	bucketVisitors,
	bucketVisitorIndex,
	bucketMessages,
	bucketDedup,
	bucketBans,
	bucketOperators,
	bucketOperatorIndex,
	bucketForwards,
}

// BoltStore implements Store on a single bolt database file.
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt opens (or creates) the bolt database at path.
func OpenBolt(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func btoi(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

func putJSON(bkt *bolt.Bucket, key []byte, v interface{}) error {
	b, err := jsoniter.Marshal(v)
	if err != nil {
		return err
	}
	return bkt.Put(key, b)
}

func getVisitor(tx *bolt.Tx, id uint64) (*model.Visitor, error) {
	val := tx.Bucket([]byte(bucketVisitors)).Get(itob(id))
	if val == nil {
		return nil, ErrNotFound
	}
	var v model.Visitor
	if err := jsoniter.Unmarshal(val, &v); err != nil {
		return nil, fmt.Errorf("failed to decode visitor %d: %w", id, err)
	}
	return &v, nil
}

// GetOrCreateVisitor returns the visitor for (channel, nativeID), creating it
// if needed. Bolt serializes writers, so concurrent first contact yields one
// visitor and the losers read the winner's record.
func (s *BoltStore) GetOrCreateVisitor(ctx context.Context, channel model.ChannelKind, nativeID, label string, now time.Time) (*model.Visitor, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	var (
		visitor *model.Visitor
		created bool
	)
	err := s.db.Update(func(tx *bolt.Tx) error {
		index := tx.Bucket([]byte(bucketVisitorIndex))
		key := []byte(model.NativeKey(channel, nativeID))
		if raw := index.Get(key); raw != nil {
			v, err := getVisitor(tx, btoi(raw))
			if err != nil {
				return err
			}
			visitor = v
			return nil
		}

		visitors := tx.Bucket([]byte(bucketVisitors))
		id, err := visitors.NextSequence()
		if err != nil {
			return err
		}
		visitor = &model.Visitor{
			ID:        id,
			Channel:   channel,
			NativeID:  nativeID,
			Label:     label,
			State:     model.StateUnverified,
			Thread:    model.ThreadOpen,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := putJSON(visitors, itob(id), visitor); err != nil {
			return err
		}
		created = true
		return index.Put(key, itob(id))
	})
	if err != nil {
		return nil, false, err
	}
	return visitor, created, nil
}

// GetVisitor returns the visitor with the given id.
func (s *BoltStore) GetVisitor(ctx context.Context, id uint64) (*model.Visitor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var visitor *model.Visitor
	err := s.db.View(func(tx *bolt.Tx) error {
		v, err := getVisitor(tx, id)
		visitor = v
		return err
	})
	return visitor, err
}

// FindVisitor looks a visitor up by its channel-native identity.
func (s *BoltStore) FindVisitor(ctx context.Context, channel model.ChannelKind, nativeID string) (*model.Visitor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var visitor *model.Visitor
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(bucketVisitorIndex)).Get([]byte(model.NativeKey(channel, nativeID)))
		if raw == nil {
			return ErrNotFound
		}
		v, err := getVisitor(tx, btoi(raw))
		visitor = v
		return err
	})
	return visitor, err
}

// UpdateVisitor writes the visitor's mutable state. Thread counters are owned
// by AppendMessage and are kept from the stored record.
func (s *BoltStore) UpdateVisitor(ctx context.Context, v *model.Visitor) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		stored, err := getVisitor(tx, v.ID)
		if err != nil {
			return err
		}
		v.Channel = stored.Channel
		v.NativeID = stored.NativeID
		v.CreatedAt = stored.CreatedAt
		v.MessageCount = stored.MessageCount
		v.LastMessageAt = stored.LastMessageAt
		return putJSON(tx.Bucket([]byte(bucketVisitors)), itob(v.ID), v)
	})
}

// ListVisitors returns every visitor in id order.
func (s *BoltStore) ListVisitors(ctx context.Context) ([]model.Visitor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []model.Visitor
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketVisitors)).ForEach(func(k, val []byte) error {
			var v model.Visitor
			if err := jsoniter.Unmarshal(val, &v); err != nil {
				return fmt.Errorf("failed to decode visitor %d: %w", btoi(k), err)
			}
			out = append(out, v)
			return nil
		})
	})
	return out, err
}

// AppendMessage assigns the next thread sequence to m and persists it. The
// timestamp is clamped so it never goes backwards within a thread.
func (s *BoltStore) AppendMessage(ctx context.Context, m *model.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		visitor, err := getVisitor(tx, m.VisitorID)
		if err != nil {
			return err
		}
		thread, err := tx.Bucket([]byte(bucketMessages)).CreateBucketIfNotExists(itob(m.VisitorID))
		if err != nil {
			return err
		}
		if _, last := thread.Cursor().Last(); last != nil {
			var prev model.Message
			if err := jsoniter.Unmarshal(last, &prev); err == nil && m.CreatedAt.Before(prev.CreatedAt) {
				m.CreatedAt = prev.CreatedAt
			}
		}
		seq, err := thread.NextSequence()
		if err != nil {
			return err
		}
		m.Seq = seq
		if err := putJSON(thread, itob(seq), m); err != nil {
			return err
		}
		if m.DedupKey != "" {
			ref := strconv.FormatUint(m.VisitorID, 10) + ":" + strconv.FormatUint(seq, 10)
			if err := tx.Bucket([]byte(bucketDedup)).Put([]byte(m.DedupKey), []byte(ref)); err != nil {
				return err
			}
		}

		visitor.MessageCount++
		at := m.CreatedAt
		visitor.LastMessageAt = &at
		return putJSON(tx.Bucket([]byte(bucketVisitors)), itob(visitor.ID), visitor)
	})
}

// ListMessages returns up to limit messages of a thread with Seq > afterSeq.
func (s *BoltStore) ListMessages(ctx context.Context, visitorID, afterSeq uint64, limit int) ([]model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []model.Message
	err := s.db.View(func(tx *bolt.Tx) error {
		thread := tx.Bucket([]byte(bucketMessages)).Bucket(itob(visitorID))
		if thread == nil {
			return nil
		}
		c := thread.Cursor()
		for k, val := c.Seek(itob(afterSeq + 1)); k != nil; k, val = c.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var m model.Message
			if err := jsoniter.Unmarshal(val, &m); err != nil {
				return fmt.Errorf("failed to decode message: %w", err)
			}
			out = append(out, m)
		}
		return nil
	})
	return out, err
}

// FindMessageByDedupKey returns the message persisted under key.
func (s *BoltStore) FindMessageByDedupKey(ctx context.Context, key string) (*model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var msg *model.Message
	err := s.db.View(func(tx *bolt.Tx) error {
		ref := tx.Bucket([]byte(bucketDedup)).Get([]byte(key))
		if ref == nil {
			return ErrNotFound
		}
		visitorID, seq, err := parseMessageRef(string(ref))
		if err != nil {
			return err
		}
		thread := tx.Bucket([]byte(bucketMessages)).Bucket(itob(visitorID))
		if thread == nil {
			return ErrNotFound
		}
		val := thread.Get(itob(seq))
		if val == nil {
			return ErrNotFound
		}
		var m model.Message
		if err := jsoniter.Unmarshal(val, &m); err != nil {
			return fmt.Errorf("failed to decode message: %w", err)
		}
		msg = &m
		return nil
	})
	return msg, err
}

func parseMessageRef(ref string) (uint64, uint64, error) {
	for i := 0; i < len(ref); i++ {
		if ref[i] != ':' {
			continue
		}
		visitorID, err := strconv.ParseUint(ref[:i], 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid message ref %q", ref)
		}
		seq, err := strconv.ParseUint(ref[i+1:], 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid message ref %q", ref)
		}
		return visitorID, seq, nil
	}
	return 0, 0, fmt.Errorf("invalid message ref %q", ref)
}

// RecordBan appends a ban record to the visitor's ban history.
func (s *BoltStore) RecordBan(ctx context.Context, rec model.BanRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bans, err := tx.Bucket([]byte(bucketBans)).CreateBucketIfNotExists(itob(rec.VisitorID))
		if err != nil {
			return err
		}
		seq, err := bans.NextSequence()
		if err != nil {
			return err
		}
		return putJSON(bans, itob(seq), rec)
	})
}

// ListBans returns a visitor's ban history, oldest first.
func (s *BoltStore) ListBans(ctx context.Context, visitorID uint64) ([]model.BanRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []model.BanRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		bans := tx.Bucket([]byte(bucketBans)).Bucket(itob(visitorID))
		if bans == nil {
			return nil
		}
		return bans.ForEach(func(_, val []byte) error {
			var rec model.BanRecord
			if err := jsoniter.Unmarshal(val, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

func getOperator(tx *bolt.Tx, id uint64) (*model.Operator, error) {
	val := tx.Bucket([]byte(bucketOperators)).Get(itob(id))
	if val == nil {
		return nil, ErrNotFound
	}
	var op model.Operator
	if err := jsoniter.Unmarshal(val, &op); err != nil {
		return nil, fmt.Errorf("failed to decode operator %d: %w", id, err)
	}
	return &op, nil
}

// UpsertOperator registers an operator by native id. New operators start
// reachable; an existing operator keeps its reachability.
func (s *BoltStore) UpsertOperator(ctx context.Context, nativeID, name string, now time.Time) (*model.Operator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var op *model.Operator
	err := s.db.Update(func(tx *bolt.Tx) error {
		index := tx.Bucket([]byte(bucketOperatorIndex))
		operators := tx.Bucket([]byte(bucketOperators))
		if raw := index.Get([]byte(nativeID)); raw != nil {
			existing, err := getOperator(tx, btoi(raw))
			if err != nil {
				return err
			}
			if name != "" {
				existing.Name = name
			}
			op = existing
			return putJSON(operators, itob(existing.ID), existing)
		}
		id, err := operators.NextSequence()
		if err != nil {
			return err
		}
		op = &model.Operator{
			ID:        id,
			NativeID:  nativeID,
			Name:      name,
			Reachable: true,
			CreatedAt: now,
		}
		if err := putJSON(operators, itob(id), op); err != nil {
			return err
		}
		return index.Put([]byte(nativeID), itob(id))
	})
	return op, err
}

// GetOperator returns the operator with the given id.
func (s *BoltStore) GetOperator(ctx context.Context, id uint64) (*model.Operator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var op *model.Operator
	err := s.db.View(func(tx *bolt.Tx) error {
		o, err := getOperator(tx, id)
		op = o
		return err
	})
	return op, err
}

// GetOperatorByNative returns the operator registered under nativeID.
func (s *BoltStore) GetOperatorByNative(ctx context.Context, nativeID string) (*model.Operator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var op *model.Operator
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(bucketOperatorIndex)).Get([]byte(nativeID))
		if raw == nil {
			return ErrNotFound
		}
		o, err := getOperator(tx, btoi(raw))
		op = o
		return err
	})
	return op, err
}

// ListReachableOperators returns every operator currently accepting
// notifications.
func (s *BoltStore) ListReachableOperators(ctx context.Context) ([]model.Operator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []model.Operator
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketOperators)).ForEach(func(_, val []byte) error {
			var op model.Operator
			if err := jsoniter.Unmarshal(val, &op); err != nil {
				return err
			}
			if op.Reachable {
				out = append(out, op)
			}
			return nil
		})
	})
	return out, err
}

// SetOperatorReachable toggles whether an operator receives notifications.
func (s *BoltStore) SetOperatorReachable(ctx context.Context, id uint64, reachable bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		op, err := getOperator(tx, id)
		if err != nil {
			return err
		}
		op.Reachable = reachable
		return putJSON(tx.Bucket([]byte(bucketOperators)), itob(id), op)
	})
}

func forwardKey(operatorID uint64, ref string) []byte {
	return []byte(strconv.FormatUint(operatorID, 10) + ":" + ref)
}

// LinkForward records which visitor thread a notification belongs to.
func (s *BoltStore) LinkForward(ctx context.Context, link model.ForwardLink) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket([]byte(bucketForwards)), forwardKey(link.OperatorID, link.Ref), link)
	})
}

// ResolveForward finds the link for a notification an operator replied to.
func (s *BoltStore) ResolveForward(ctx context.Context, operatorID uint64, ref string) (*model.ForwardLink, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var link *model.ForwardLink
	err := s.db.View(func(tx *bolt.Tx) error {
		val := tx.Bucket([]byte(bucketForwards)).Get(forwardKey(operatorID, ref))
		if val == nil {
			return ErrNotFound
		}
		var l model.ForwardLink
		if err := jsoniter.Unmarshal(val, &l); err != nil {
			return err
		}
		link = &l
		return nil
	})
	return link, err
}

// Ping checks that the database is usable.
func (s *BoltStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(bucketVisitors)) == nil {
			return fmt.Errorf("bucket %v does not exist", bucketVisitors)
		}
		return nil
	})
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
