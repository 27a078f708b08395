package journal

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/edirooss/cubed/internal/cube"
	"go.uber.org/zap"
)

// wireCommand is JournalCommand flattened to plain data: CellPath carries
// unexported fields and a live Dimension reference, so only the id tuples
// round-trip through the log (a replayer reconstructs CellPaths against
// its own Dimension implementation).
type wireCommand struct {
	Kind     cube.JournalKind `json:"kind"`
	IDs      []uint32         `json:"ids"`
	Numeric  float64          `json:"numeric,omitempty"`
	String   string           `json:"string,omitempty"`
	ExtraIDs [][]uint32       `json:"extra_ids,omitempty"`
}

// RedisJournal implements cube.Journal by RPUSHing one JSON record per
// command onto a per-cube list key.
type RedisJournal struct {
	client *Client
	log    *zap.Logger
	cubeID uint32
}

func NewRedisJournal(client *Client, log *zap.Logger, cubeID uint32) *RedisJournal {
	return &RedisJournal{client: client, log: log.Named("journal"), cubeID: cubeID}
}

func journalKey(cubeID uint32) string { return fmt.Sprintf("cubed:journal:%d", cubeID) }

func (j *RedisJournal) Append(ctx context.Context, cmd cube.JournalCommand) error {
	wc := wireCommand{Kind: cmd.Kind, Numeric: cmd.Numeric, String: cmd.String}
	if cmd.Path != nil {
		wc.IDs = cmd.Path.IDs()
	}
	for _, p := range cmd.ExtraPaths {
		wc.ExtraIDs = append(wc.ExtraIDs, p.IDs())
	}

	payload, err := json.Marshal(wc)
	if err != nil {
		return fmt.Errorf("encode journal command: %w", err)
	}
	if err := j.client.RPush(ctx, journalKey(j.cubeID), payload).Err(); err != nil {
		return fmt.Errorf("rpush: %w", err)
	}
	return nil
}

// Replay reads back every recorded command in append order, reconstructing
// CellPaths against dims. Loading/applying them to a cube is the caller's
// job (mirrors the Snapshot port's load/save split).
func (j *RedisJournal) Replay(ctx context.Context, dims []cube.Dimension) ([]cube.JournalCommand, error) {
	raws, err := j.client.LRange(ctx, journalKey(j.cubeID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange: %w", err)
	}

	out := make([]cube.JournalCommand, 0, len(raws))
	for _, raw := range raws {
		var wc wireCommand
		if err := json.Unmarshal([]byte(raw), &wc); err != nil {
			return nil, fmt.Errorf("decode journal command: %w", err)
		}
		cmd := cube.JournalCommand{Kind: wc.Kind, Numeric: wc.Numeric, String: wc.String}
		if wc.IDs != nil {
			path, err := cube.NewCellPath(dims, wc.IDs)
			if err != nil {
				return nil, fmt.Errorf("reconstruct path: %w", err)
			}
			cmd.Path = path
		}
		for _, ids := range wc.ExtraIDs {
			path, err := cube.NewCellPath(dims, ids)
			if err != nil {
				return nil, fmt.Errorf("reconstruct extra path: %w", err)
			}
			cmd.ExtraPaths = append(cmd.ExtraPaths, path)
		}
		out = append(out, cmd)
	}
	return out, nil
}
