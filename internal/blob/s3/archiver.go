package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/prxmarket/predictd/internal/domain"
)

// multipartThreshold is the payload size above which the archiver switches
// from a single PutObject to a multipart upload.
const multipartThreshold = 8 * 1024 * 1024

// Archiver exports each UTC day's settled rounds, with their bets, as a JSONL
// object. Objects are written once per day and never overwritten; the primary
// store keeps the full history, so nothing is deleted here.
type Archiver struct {
	writer domain.BlobWriter
	reader domain.BlobReader
	rounds domain.RoundStore
	bets   domain.BetStore
	audit  domain.AuditStore
	logger *slog.Logger
	now    func() time.Time
}

// NewArchiver creates an Archiver.
func NewArchiver(
	writer domain.BlobWriter,
	reader domain.BlobReader,
	rounds domain.RoundStore,
	bets domain.BetStore,
	audit domain.AuditStore,
	logger *slog.Logger,
) *Archiver {
	return &Archiver{
		writer: writer,
		reader: reader,
		rounds: rounds,
		bets:   bets,
		audit:  audit,
		logger: logger.With(slog.String("component", "archiver")),
		now:    time.Now,
	}
}

// SetClock overrides the time source. Tests only.
func (a *Archiver) SetClock(now func() time.Time) {
	a.now = now
}

// Run archives the previous UTC day shortly after each midnight until ctx is
// cancelled. One catch-up pass runs immediately on startup.
func (a *Archiver) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "archiver: starting")

	for {
		day := previousUTCDay(a.now())
		if _, err := a.ArchiveDay(ctx, day); err != nil {
			a.logger.ErrorContext(ctx, "archiver: daily export failed",
				slog.String("day", day.Format(time.DateOnly)),
				slog.String("error", err.Error()),
			)
		}

		select {
		case <-ctx.Done():
			a.logger.InfoContext(ctx, "archiver: stopping")
			return ctx.Err()
		case <-time.After(untilNextRun(a.now())):
		}
	}
}

// ArchiveDay exports the settled rounds of the given UTC day. It is
// idempotent: when the day's object already exists nothing is written. It
// returns the number of rounds exported.
func (a *Archiver) ArchiveDay(ctx context.Context, day time.Time) (int, error) {
	from := day.UTC().Truncate(24 * time.Hour)
	to := from.Add(24 * time.Hour)
	path := archivePath(from)

	exists, err := a.reader.Exists(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("s3blob: check archive %s: %w", path, err)
	}
	if exists {
		a.logger.DebugContext(ctx, "archiver: day already exported",
			slog.String("path", path),
		)
		return 0, nil
	}

	rounds, err := a.rounds.ListSettledBetween(ctx, from, to)
	if err != nil {
		return 0, fmt.Errorf("s3blob: query settled rounds: %w", err)
	}
	if len(rounds) == 0 {
		return 0, nil
	}

	buf, err := a.encode(ctx, rounds)
	if err != nil {
		return 0, err
	}

	if int64(len(buf)) >= multipartThreshold {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson")
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: upload archive %s: %w", path, err)
	}

	a.logger.InfoContext(ctx, "archiver: day exported",
		slog.String("path", path),
		slog.Int("rounds", len(rounds)),
	)
	if err := a.audit.Log(ctx, "rounds_archived", map[string]any{
		"path":   path,
		"rounds": len(rounds),
		"day":    from.Format(time.DateOnly),
	}); err != nil {
		a.logger.WarnContext(ctx, "archiver: audit log failed",
			slog.String("error", err.Error()),
		)
	}

	return len(rounds), nil
}

// roundRecord is one JSONL line of the daily export. Amounts and prices are
// decimal strings.
type roundRecord struct {
	Epoch        uint64      `json:"epoch"`
	Outcome      string      `json:"outcome"`
	Cancelled    bool        `json:"cancelled,omitempty"`
	StartTime    time.Time   `json:"start_time"`
	LockTime     time.Time   `json:"lock_time"`
	CloseTime    time.Time   `json:"close_time"`
	LockPrice    string      `json:"lock_price,omitempty"`
	ClosePrice   string      `json:"close_price,omitempty"`
	BullAmount   string      `json:"bull_amount"`
	BearAmount   string      `json:"bear_amount"`
	TotalAmount  string      `json:"total_amount"`
	RewardAmount string      `json:"reward_amount"`
	Treasury     string      `json:"treasury_amount"`
	Bets         []betRecord `json:"bets"`
}

type betRecord struct {
	UserID    string    `json:"user_id"`
	Direction string    `json:"direction"`
	Amount    string    `json:"amount"`
	Claimed   bool      `json:"claimed"`
	PlacedAt  time.Time `json:"placed_at"`
}

func (a *Archiver) encode(ctx context.Context, rounds []domain.Round) ([]byte, error) {
	sort.Slice(rounds, func(i, j int) bool { return rounds[i].Epoch < rounds[j].Epoch })

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for _, round := range rounds {
		rec := roundRecord{
			Epoch:        round.Epoch,
			Outcome:      string(round.Outcome),
			Cancelled:    round.Cancelled,
			StartTime:    round.StartTime.UTC(),
			LockTime:     round.LockTime.UTC(),
			CloseTime:    round.CloseTime.UTC(),
			BullAmount:   round.BullAmount.String(),
			BearAmount:   round.BearAmount.String(),
			TotalAmount:  round.TotalAmount.String(),
			RewardAmount: round.RewardAmount.String(),
			Treasury:     round.TreasuryAmount.String(),
		}
		if round.LockPrice != nil {
			rec.LockPrice = round.LockPrice.String()
		}
		if round.ClosePrice != nil {
			rec.ClosePrice = round.ClosePrice.String()
		}

		bets, err := a.listRoundBets(ctx, round.Epoch)
		if err != nil {
			return nil, err
		}
		for _, bet := range bets {
			rec.Bets = append(rec.Bets, betRecord{
				UserID:    bet.UserID,
				Direction: string(bet.Direction),
				Amount:    bet.Amount.String(),
				Claimed:   bet.Claimed,
				PlacedAt:  bet.PlacedAt.UTC(),
			})
		}

		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("s3blob: encode round %d: %w", round.Epoch, err)
		}
	}

	return buf.Bytes(), nil
}

func (a *Archiver) listRoundBets(ctx context.Context, epoch uint64) ([]domain.Bet, error) {
	const page = 500
	var all []domain.Bet
	for offset := 0; ; offset += page {
		bets, err := a.bets.ListByRound(ctx, epoch, domain.ListOpts{Limit: page, Offset: offset})
		if err != nil {
			return nil, fmt.Errorf("s3blob: list bets for round %d: %w", epoch, err)
		}
		all = append(all, bets...)
		if len(bets) < page {
			return all, nil
		}
	}
}

// archivePath builds the object key for one UTC day.
//
//	archive/rounds/2026-08-31.jsonl
func archivePath(day time.Time) string {
	return fmt.Sprintf("archive/rounds/%s.jsonl", day.UTC().Format(time.DateOnly))
}

// previousUTCDay returns midnight of the UTC day before now.
func previousUTCDay(now time.Time) time.Time {
	return now.UTC().Truncate(24 * time.Hour).Add(-24 * time.Hour)
}

// untilNextRun returns the wait until five minutes past the next UTC
// midnight. The slack keeps the export clear of rounds settling right at the
// day boundary.
func untilNextRun(now time.Time) time.Duration {
	next := now.UTC().Truncate(24 * time.Hour).Add(24*time.Hour + 5*time.Minute)
	return next.Sub(now.UTC())
}
