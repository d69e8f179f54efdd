package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prxmarket/predictd/internal/domain"
	"github.com/prxmarket/predictd/internal/testutil"
)

type memBlob struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemBlob() *memBlob {
	return &memBlob{objects: make(map[string][]byte)}
}

func (b *memBlob) Put(_ context.Context, path string, data io.Reader, _ string) error {
	payload, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[path] = payload
	return nil
}

func (b *memBlob) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	return b.Put(ctx, path, data, "")
}

func (b *memBlob) Get(_ context.Context, path string) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	payload, ok := b.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(payload)), nil
}

func (b *memBlob) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var infos []domain.BlobInfo
	for path, payload := range b.objects {
		if len(path) >= len(prefix) && path[:len(prefix)] == prefix {
			infos = append(infos, domain.BlobInfo{Path: path, Size: int64(len(payload))})
		}
	}
	return infos, nil
}

func (b *memBlob) Exists(_ context.Context, path string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[path]
	return ok, nil
}

func settledRound(epoch uint64, outcome domain.Outcome, settledAt time.Time) domain.Round {
	round := domain.NewRound(epoch, settledAt.Add(-10*time.Minute), 5*time.Minute)
	round.Outcome = outcome
	round.LockPrice = big.NewInt(200_000_000_000)
	round.ClosePrice = big.NewInt(210_000_000_000)
	round.TotalAmount = big.NewInt(4_000)
	round.RewardAmount = big.NewInt(3_600)
	round.TreasuryAmount = big.NewInt(400)
	round.UpdatedAt = settledAt
	return round
}

func TestArchiveDayExportsSettledRounds(t *testing.T) {
	ctx := context.Background()
	blob := newMemBlob()
	rounds := testutil.NewMemRoundStore()
	bets := testutil.NewMemBetStore()
	audit := testutil.NewMemAuditStore()

	day := time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC)

	require.NoError(t, rounds.Upsert(ctx, settledRound(1, domain.OutcomeBull, day.Add(3*time.Hour))))
	require.NoError(t, rounds.Upsert(ctx, settledRound(2, domain.OutcomeHouse, day.Add(9*time.Hour))))
	// Settled outside the day: must not be exported.
	require.NoError(t, rounds.Upsert(ctx, settledRound(3, domain.OutcomeBear, day.Add(25*time.Hour))))
	// Still pending: must not be exported.
	pending := domain.NewRound(4, day.Add(4*time.Hour), 5*time.Minute)
	require.NoError(t, rounds.Upsert(ctx, pending))

	require.NoError(t, bets.Create(ctx, domain.Bet{
		Epoch:     1,
		UserID:    "alice",
		Direction: domain.DirectionBull,
		Amount:    big.NewInt(1_000),
		PlacedAt:  day.Add(time.Hour),
	}))

	logger := slog.New(slog.DiscardHandler)
	archiver := NewArchiver(blob, blob, rounds, bets, audit, logger)

	count, err := archiver.ArchiveDay(ctx, day)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	body, err := blob.Get(ctx, "archive/rounds/2026-08-31.jsonl")
	require.NoError(t, err)
	defer body.Close()

	var records []roundRecord
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		var rec roundRecord
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		records = append(records, rec)
	}
	require.NoError(t, scanner.Err())

	require.Len(t, records, 2)
	assert.Equal(t, uint64(1), records[0].Epoch)
	assert.Equal(t, "bull", records[0].Outcome)
	assert.Equal(t, "3600", records[0].RewardAmount)
	require.Len(t, records[0].Bets, 1)
	assert.Equal(t, "alice", records[0].Bets[0].UserID)
	assert.Equal(t, uint64(2), records[1].Epoch)
	assert.Equal(t, "house", records[1].Outcome)

	assert.Contains(t, audit.Events(), "rounds_archived")
}

func TestArchiveDayIsIdempotent(t *testing.T) {
	ctx := context.Background()
	blob := newMemBlob()
	rounds := testutil.NewMemRoundStore()
	bets := testutil.NewMemBetStore()
	audit := testutil.NewMemAuditStore()

	day := time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC)
	require.NoError(t, rounds.Upsert(ctx, settledRound(1, domain.OutcomeBull, day.Add(time.Hour))))

	archiver := NewArchiver(blob, blob, rounds, bets, audit, slog.New(slog.DiscardHandler))

	count, err := archiver.ArchiveDay(ctx, day)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = archiver.ArchiveDay(ctx, day)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Len(t, audit.Events(), 1)
}

func TestArchiveDaySkipsEmptyDay(t *testing.T) {
	ctx := context.Background()
	blob := newMemBlob()
	archiver := NewArchiver(blob, blob, testutil.NewMemRoundStore(), testutil.NewMemBetStore(),
		testutil.NewMemAuditStore(), slog.New(slog.DiscardHandler))

	count, err := archiver.ArchiveDay(ctx, time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Zero(t, count)

	infos, err := blob.List(ctx, "archive/")
	require.NoError(t, err)
	assert.Empty(t, infos)
}
