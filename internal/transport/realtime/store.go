package realtime

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/park285/cheese-roomsync/internal/room"
	"github.com/park285/cheese-roomsync/internal/transport"
	"github.com/park285/cheese-roomsync/pkg/roomwire"
)

const (
	ttlState    = 24 * time.Hour
	ttlPresence = 24 * time.Hour
)

// Store wraps the Redis keys of one room family.
type Store struct{ rdb *redis.Client }

func NewStore(rdb *redis.Client) *Store { return &Store{rdb: rdb} }

func (s *Store) keyRoom(id string) string     { return "rs:room:" + strings.TrimSpace(id) }
func (s *Store) keyState(id string) string    { return s.keyRoom(id) + ":state" }
func (s *Store) keyPresence(id string) string { return s.keyRoom(id) + ":presence" }
func (s *Store) channel(id string) string     { return s.keyRoom(id) + ":bus" }

type presenceEntry struct {
	DisplayName string `json:"displayName"`
	SeenAt      int64  `json:"seenAt"` // unix ms
}

// SaveState writes the snapshot unless a newer one is already stored.
func (s *Store) SaveState(ctx context.Context, st room.State) error {
	key := s.keyState(st.RoomID)
	raw, err := json.Marshal(transport.StateToWire(st))
	if err != nil {
		return err
	}
	return s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, key).Bytes()
		if err != nil && err != redis.Nil {
			return err
		}
		if err == nil {
			var prev roomwire.RoomState
			if jerr := json.Unmarshal(cur, &prev); jerr == nil && prev.Version >= st.Version {
				return nil
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, raw, ttlState)
			return nil
		})
		return err
	}, key)
}

// LoadState returns ok=false when no snapshot is stored.
func (s *Store) LoadState(ctx context.Context, roomID string) (room.State, bool, error) {
	raw, err := s.rdb.Get(ctx, s.keyState(roomID)).Bytes()
	if err == redis.Nil {
		return room.State{}, false, nil
	}
	if err != nil {
		return room.State{}, false, err
	}
	var w roomwire.RoomState
	if err := json.Unmarshal(raw, &w); err != nil {
		return room.State{}, false, err
	}
	st, err := transport.StateFromWire(w)
	if err != nil {
		return room.State{}, false, err
	}
	return st, true, nil
}

func (s *Store) TouchPresence(ctx context.Context, roomID, peerID, displayName string, at time.Time) error {
	raw, err := json.Marshal(presenceEntry{DisplayName: displayName, SeenAt: at.UnixMilli()})
	if err != nil {
		return err
	}
	key := s.keyPresence(roomID)
	if err := s.rdb.HSet(ctx, key, peerID, raw).Err(); err != nil {
		return err
	}
	_ = s.rdb.Expire(ctx, key, ttlPresence).Err()
	return nil
}

func (s *Store) RemovePresence(ctx context.Context, roomID string, peerIDs ...string) error {
	if len(peerIDs) == 0 {
		return nil
	}
	return s.rdb.HDel(ctx, s.keyPresence(roomID), peerIDs...).Err()
}

// Present lists peers seen within ttl, sorted by id, and the ids of entries
// that are older than expireAfter.
func (s *Store) Present(ctx context.Context, roomID string, now time.Time, ttl, expireAfter time.Duration) ([]room.Member, []string, error) {
	all, err := s.rdb.HGetAll(ctx, s.keyPresence(roomID)).Result()
	if err != nil {
		return nil, nil, err
	}
	var (
		present []room.Member
		expired []string
	)
	for peer, raw := range all {
		var e presenceEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			expired = append(expired, peer)
			continue
		}
		age := now.Sub(time.UnixMilli(e.SeenAt))
		if age <= ttl {
			present = append(present, room.Member{PeerID: peer, DisplayName: e.DisplayName})
		} else if expireAfter > 0 && age > expireAfter {
			expired = append(expired, peer)
		}
	}
	sort.Slice(present, func(i, j int) bool { return present[i].PeerID < present[j].PeerID })
	sort.Strings(expired)
	return present, expired, nil
}

func (s *Store) Publish(ctx context.Context, roomID string, t roomwire.Type, payload any) error {
	raw, err := roomwire.Encode(t, roomID, payload)
	if err != nil {
		return err
	}
	return s.rdb.Publish(ctx, s.channel(roomID), raw).Err()
}

func (s *Store) Subscribe(ctx context.Context, roomID string) (*redis.PubSub, error) {
	sub := s.rdb.Subscribe(ctx, s.channel(roomID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}
	return sub, nil
}
