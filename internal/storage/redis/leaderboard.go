package redis

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/Coali-Network/trust_engine/internal/domain/leaderboard"
)

// Mirror writes ranked boards into Redis sorted sets so other services can
// read ranks without calling the engine. Each publish builds the set under a
// temporary key and renames it into place, so readers never see a half
// written board.
type Mirror struct {
	client    *redis.Client
	keyPrefix string
}

// NewMirror creates a board mirror. An empty prefix defaults to
// "trust_engine".
func NewMirror(client *redis.Client, keyPrefix string) *Mirror {
	if keyPrefix == "" {
		keyPrefix = "trust_engine"
	}
	return &Mirror{client: client, keyPrefix: keyPrefix}
}

func (m *Mirror) key(w leaderboard.Window) string {
	return fmt.Sprintf("%s:leaderboard:%s", m.keyPrefix, w)
}

// Publish replaces the window's sorted set with the board's entries. Scores
// are the sort key; rank ties are resolved by the engine before publishing,
// so the mirror is advisory for exact rank reads.
func (m *Mirror) Publish(ctx context.Context, board *leaderboard.Board) error {
	if board == nil {
		return nil
	}
	if board.Size() == 0 {
		return m.client.Del(ctx, m.key(board.Window)).Err()
	}

	key := m.key(board.Window)
	tmp := key + ":next"

	members := make([]*redis.Z, 0, board.Size())
	for _, e := range board.Entries {
		members = append(members, &redis.Z{Score: e.Score, Member: e.UserID})
	}

	pipe := m.client.TxPipeline()
	pipe.Del(ctx, tmp)
	pipe.ZAdd(ctx, tmp, members...)
	pipe.Rename(ctx, tmp, key)
	_, err := pipe.Exec(ctx)
	return err
}
