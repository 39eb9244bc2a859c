package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// MirrorPrefix is the Redis key prefix for mirrored client state hashes.
	MirrorPrefix = "rtclient:"

	// MirrorTTL is the time-to-live for mirrored state keys in Redis.
	MirrorTTL = 1 * time.Hour
)

// Snapshot is the flattened view of a State stored in Redis.
type Snapshot struct {
	UserID          string `redis:"user_id"`
	ClientID        string `redis:"client_id"`
	Connection      string `redis:"connection"` // disconnected | connecting | open | reconnecting
	Match           string `redis:"match"`      // idle | waiting | matched
	PartnerID       string `redis:"partner_id"` // empty unless matched
	PartnerTyping   bool   `redis:"partner_typing"`
	Messages        int    `redis:"messages"`
	OnlineCount     int    `redis:"online_count"`
	AvailableCount  int    `redis:"available_count"`
	Friends         int    `redis:"friends"`
	PendingRequests int    `redis:"pending_requests"`
	LastActive      int64  `redis:"last_active"` // unix timestamp
}

// Store mirrors client state into Redis so operators can see what headless
// clients are doing without attaching to them.
type Store struct {
	client   *redis.Client
	clientID string
	log      *slog.Logger
}

// NewStore creates a new mirror store connected to Redis.
func NewStore(redisAddr string, clientID string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return NewStoreWithClient(client, clientID), nil
}

// NewStoreWithClient wraps an existing Redis client.
func NewStoreWithClient(client *redis.Client, clientID string) *Store {
	return &Store{client: client, clientID: clientID, log: slog.Default()}
}

// Client returns the underlying Redis client for components that share
// the connection.
func (s *Store) Client() *redis.Client {
	return s.client
}

// Save writes the snapshot of st for userID and refreshes the TTL.
func (s *Store) Save(ctx context.Context, userID string, st State) error {
	key := MirrorPrefix + userID

	partnerID := ""
	if st.Partner != nil {
		partnerID = st.Partner.ID
	}

	fields := map[string]interface{}{
		"user_id":          userID,
		"client_id":        s.clientID,
		"connection":       st.Connection.String(),
		"match":            st.Match.String(),
		"partner_id":       partnerID,
		"partner_typing":   st.PartnerTyping,
		"messages":         len(st.Messages),
		"online_count":     st.OnlineCount,
		"available_count":  st.AvailableCount,
		"friends":          len(st.Friends),
		"pending_requests": len(st.FriendRequests),
		"last_active":      time.Now().Unix(),
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, MirrorTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Get retrieves a mirrored snapshot. Returns nil if not found.
func (s *Store) Get(ctx context.Context, userID string) (*Snapshot, error) {
	key := MirrorPrefix + userID
	var snap Snapshot
	if err := s.client.HGetAll(ctx, key).Scan(&snap); err != nil {
		return nil, err
	}
	if snap.UserID == "" {
		return nil, nil // not found
	}
	return &snap, nil
}

// Delete removes a mirrored snapshot.
func (s *Store) Delete(ctx context.Context, userID string) error {
	return s.client.Del(ctx, MirrorPrefix+userID).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Follow returns an observer that hands states to a background writer. Only
// the most recent unsaved state is kept, so a slow Redis never stalls the
// caller. The writer exits when ctx is cancelled.
func (s *Store) Follow(ctx context.Context, userID string) func(State) {
	latest := make(chan State, 1)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case st := <-latest:
				wctx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if err := s.Save(wctx, userID, st); err != nil {
					s.log.Warn("session: mirror save failed", "user", userID, "err", err)
				}
				cancel()
			}
		}
	}()

	return func(st State) {
		for {
			select {
			case latest <- st:
				return
			default:
			}
			select {
			case <-latest:
			default:
			}
		}
	}
}
