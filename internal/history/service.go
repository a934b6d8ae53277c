package history

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"callkit-voip/internal/calls"
	"callkit-voip/internal/quality"
)

// Repository is the persistence contract for call history.
//
// It MUST be append-only.
type Repository interface {
	Append(ctx context.Context, rec Record) error
	List(ctx context.Context, rg Range) ([]Record, error)
}

var (
	ErrInvalidRecord  = errors.New("history: invalid record")
	ErrInvalidRequest = errors.New("history: invalid request")
)

// Service turns torn down calls into history records and reports on them.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

func (s *Service) WithClock(clock func() time.Time) *Service {
	if clock != nil {
		s.clock = clock
	}
	return s
}

// Record appends the final record of c. m is the metrics snapshot taken at
// teardown; a zero EndTime is replaced with the current time.
func (s *Service) Record(ctx context.Context, c calls.Call, m quality.Metrics) error {
	if s.repo == nil {
		return errors.New("history: repository not configured")
	}
	if c.ConnectionID == "" {
		return ErrInvalidRecord
	}

	now := s.clock().UTC()
	started := m.StartTime
	if started.IsZero() {
		started = c.CreatedAt
	}
	ended := m.EndTime
	if ended.IsZero() {
		ended = now
	}
	m.StartTime, m.EndTime = started, ended

	return s.repo.Append(ctx, Record{
		ID:           uuid.NewString(),
		ConnectionID: c.ConnectionID,
		CallID:       c.CallID,
		BookingID:    c.BookingID,
		Media:        string(c.Media),
		FinalState:   string(c.State),
		EndReason:    m.EndReason,
		LastError:    m.LastError,
		RetryCount:   m.RetryCount,
		StartedAt:    started.UTC(),
		EndedAt:      ended.UTC(),
		DurationMS:   m.Duration(now).Milliseconds(),
		CreatedAt:    now,
	})
}

func (s *Service) Summary(ctx context.Context, rg Range) (Summary, error) {
	if !rg.valid() {
		return Summary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return Summary{}, errors.New("history: repository not configured")
	}

	rows, err := s.repo.List(ctx, rg)
	if err != nil {
		return Summary{}, err
	}

	out := Summary{From: rg.From, To: rg.To, ByReason: make(map[string]int)}
	for _, r := range rows {
		out.TotalCalls++
		out.ByReason[r.EndReason]++
		out.TotalDurationMS += r.DurationMS
		out.TotalRetries += r.RetryCount
		if r.EndReason == quality.ReasonAnswered {
			out.AnsweredCalls++
		}
		if r.FinalState == string(calls.StateFailed) {
			out.FailedCalls++
		}
	}
	if out.TotalCalls > 0 {
		out.AverageDurationMS = out.TotalDurationMS / int64(out.TotalCalls)
	}
	return out, nil
}
