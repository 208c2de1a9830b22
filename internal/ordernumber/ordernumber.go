package ordernumber

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/nerrad567/till-core/internal/infrastructure/database"
	"github.com/nerrad567/till-core/internal/infrastructure/logging"
	"github.com/nerrad567/till-core/internal/store"
)

const (
	// datePartLayout renders YYMMDD.
	datePartLayout = "060102"

	// fallbackModulus keeps a clock-derived sequence to five digits.
	fallbackModulus = 100000

	// minOrderNumberLength is type (1) + YYMMDD (6) + at least one digit.
	minOrderNumberLength = 8
)

// Type is the one-letter order type prefix.
type Type string

const (
	TypeSale    Type = "S"
	TypeReturn  Type = "R"
	TypeHanging Type = "H"
)

// Valid reports whether t is a known order type.
func (t Type) Valid() bool {
	switch t {
	case TypeSale, TypeReturn, TypeHanging:
		return true
	default:
		return false
	}
}

// Name returns the display name for t, or "Unknown".
func (t Type) Name() string {
	switch t {
	case TypeSale:
		return "Sale"
	case TypeReturn:
		return "Return"
	case TypeHanging:
		return "Hanging"
	default:
		return "Unknown"
	}
}

// Issued is a freshly minted order number.
type Issued struct {
	Number   string `json:"number"`
	Type     Type   `json:"type"`
	DatePart string `json:"date_part"`
	Sequence int    `json:"sequence"`

	// Degraded is set when the counter could not be used and the sequence
	// was derived from the clock instead. Such numbers may collide.
	Degraded bool `json:"degraded"`
}

// Parsed is the decoded form of an order number.
type Parsed struct {
	Type        Type   `json:"type"`
	TypeName    string `json:"type_name"`
	Date        string `json:"date"`
	Sequence    int    `json:"sequence"`
	OrderNumber string `json:"order_number"`
}

// Recorder is notified of every issued number. The InfluxDB client
// implements it.
type Recorder interface {
	RecordOrderNumber(issued Issued)
}

// Queue is the part of store.Manager the Service needs.
type Queue interface {
	Enqueue(ctx context.Context, op store.Operation) (any, error)
}

// Config controls failure handling.
type Config struct {
	// AllowFallback issues a clock-derived sequence when the counter table
	// cannot be read or written, instead of returning the error.
	AllowFallback bool
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces time.Now. The clock's location decides the date part.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogger sets the logger. The Service adds component=ordernumber.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRecorder sets where issued numbers are reported.
func WithRecorder(r Recorder) Option {
	return func(s *Service) { s.recorder = r }
}

// Service mints gapless per-type, per-day order numbers of the form
// <type><YYMMDD><sequence %05d>, e.g. S24050100001.
type Service struct {
	queue    Queue
	cfg      Config
	now      func() time.Time
	logger   *slog.Logger
	recorder Recorder
}

// New creates a Service that queues its work on queue.
func New(queue Queue, cfg Config, opts ...Option) *Service {
	s := &Service{
		queue:  queue,
		cfg:    cfg,
		now:    time.Now,
		logger: logging.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "ordernumber")
	return s
}

// Generate issues the next order number of type t as its own queued
// operation.
//
// Use GenerateTx instead when the number is consumed inside a transaction;
// enqueueing from inside a queued operation would wait on itself.
func (s *Service) Generate(ctx context.Context, t Type) (Issued, error) {
	if !t.Valid() {
		return Issued{}, fmt.Errorf("%w: %q", ErrInvalidType, t)
	}

	v, err := s.queue.Enqueue(ctx, func(ctx context.Context, ex database.Execer) (any, error) {
		return s.GenerateTx(ctx, ex, t)
	})
	if err != nil {
		// The operation never ran, e.g. the store could not be opened.
		if ctx.Err() != nil || !s.cfg.AllowFallback || isContextError(err) {
			return Issued{}, err
		}
		return s.issue(s.fallback(t, s.now(), err)), nil
	}
	issued, _ := v.(Issued)
	return issued, nil
}

// GenerateTx issues the next order number using tx, typically the handle
// of a transaction attempt. If that attempt rolls back, so does the
// counter, and the number is issued again.
func (s *Service) GenerateTx(ctx context.Context, tx database.Execer, t Type) (Issued, error) {
	if !t.Valid() {
		return Issued{}, fmt.Errorf("%w: %q", ErrInvalidType, t)
	}

	now := s.now()
	datePart := now.Format(datePartLayout)

	seq, err := NextSequence(ctx, tx, t, datePart)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil || !s.cfg.AllowFallback {
			return Issued{}, fmt.Errorf("ordernumber: next sequence for %s: %w", SequenceKey(t, datePart), err)
		}
		return s.issue(s.fallback(t, now, err)), nil
	}

	return s.issue(Issued{
		Number:   Format(t, datePart, seq),
		Type:     t,
		DatePart: datePart,
		Sequence: seq,
	}), nil
}

// fallback derives a degraded number from the clock after cause made the
// counter unusable.
func (s *Service) fallback(t Type, now time.Time, cause error) Issued {
	datePart := now.Format(datePartLayout)
	seq := int(now.UnixMilli() % fallbackModulus)
	s.logger.Warn("sequence unavailable, using clock fallback",
		"type", string(t),
		"date_part", datePart,
		"sequence", seq,
		"degraded", true,
		"error", cause,
	)
	return Issued{
		Number:   Format(t, datePart, seq),
		Type:     t,
		DatePart: datePart,
		Sequence: seq,
		Degraded: true,
	}
}

// issue reports a minted number and hands it back.
func (s *Service) issue(issued Issued) Issued {
	if s.recorder != nil {
		s.recorder.RecordOrderNumber(issued)
	}
	s.logger.Debug("order number issued", "number", issued.Number, "degraded", issued.Degraded)
	return issued
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// SequenceKey is the order_sequences key for t on datePart, e.g. "S_240501".
func SequenceKey(t Type, datePart string) string {
	return string(t) + "_" + datePart
}

// Format renders an order number.
func Format(t Type, datePart string, seq int) string {
	return fmt.Sprintf("%s%s%05d", t, datePart, seq)
}

// NextSequence advances the counter for t on datePart and returns the new
// value. The first call for a key returns 1.
//
// The read and the write are separate statements; callers must run this
// on the queue worker (directly or inside a transaction attempt) so no
// other operation interleaves.
func NextSequence(ctx context.Context, ex database.Execer, t Type, datePart string) (int, error) {
	if _, err := ex.Execute(ctx, createSequenceTable); err != nil {
		return 0, err
	}

	key := SequenceKey(t, datePart)

	rows, err := ex.Query(ctx, "SELECT current_value FROM order_sequences WHERE sequence_key = ?", key)
	if err != nil {
		return 0, err
	}

	if len(rows) == 0 {
		if _, err := ex.Execute(ctx,
			"INSERT INTO order_sequences (sequence_key, current_value) VALUES (?, 1)", key); err != nil {
			return 0, err
		}
		return 1, nil
	}

	next := database.AsInt64(rows[0]["current_value"]) + 1
	if _, err := ex.Execute(ctx,
		"UPDATE order_sequences SET current_value = ?, updated_at = datetime('now','localtime') WHERE sequence_key = ?",
		next, key); err != nil {
		return 0, err
	}
	return int(next), nil
}

const createSequenceTable = `CREATE TABLE IF NOT EXISTS order_sequences (
    sequence_key TEXT PRIMARY KEY,
    current_value INTEGER NOT NULL,
    created_at TEXT DEFAULT (datetime('now','localtime')),
    updated_at TEXT DEFAULT (datetime('now','localtime'))
)`

// Parse decodes an order number. It does not check that the type is
// known; TypeName is "Unknown" in that case. Inputs shorter than eight
// characters and sequences that are not plain digits are rejected.
func Parse(orderNumber string) (Parsed, error) {
	if len(orderNumber) < minOrderNumberLength {
		return Parsed{}, fmt.Errorf("%w: %q is too short", ErrInvalidOrderNumber, orderNumber)
	}

	// Stricter than a bare length check: a sequence that is not all digits
	// (including a signed one like "+5") is rejected rather than decoded.
	digits := orderNumber[7:]
	if strings.TrimLeft(digits, "0123456789") != "" {
		return Parsed{}, fmt.Errorf("%w: %q has a non-numeric sequence", ErrInvalidOrderNumber, orderNumber)
	}
	seq, err := strconv.Atoi(digits)
	if err != nil {
		return Parsed{}, fmt.Errorf("%w: %q has an out of range sequence", ErrInvalidOrderNumber, orderNumber)
	}

	t := Type(orderNumber[:1])
	return Parsed{
		Type:        t,
		TypeName:    t.Name(),
		Date:        "20" + orderNumber[1:3] + "-" + orderNumber[3:5] + "-" + orderNumber[5:7],
		Sequence:    seq,
		OrderNumber: orderNumber,
	}, nil
}
