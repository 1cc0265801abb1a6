package model

import (
	"errors"
	"fmt"
	"time"
)

// Error taxonomy shared by the sync pipeline. Wrap with %w and match with errors.Is.
var (
	ErrInvalidRange        = errors.New("invalid range")
	ErrInvalidCandle       = errors.New("invalid candle")
	ErrSourceUnavailable   = errors.New("source unavailable")
	ErrSourceRejected      = errors.New("source rejected request")
	ErrInsufficientHistory = errors.New("insufficient history")
	ErrStorageFailure      = errors.New("storage failure")
)

// CandleError describes the first malformed candle of a batch.
type CandleError struct {
	Index    int
	OpenTime time.Time
	Reason   string
}

func (e *CandleError) Error() string {
	return fmt.Sprintf("invalid candle #%d at %s: %s", e.Index, e.OpenTime.Format(time.RFC3339), e.Reason)
}

func (e *CandleError) Unwrap() error { return ErrInvalidCandle }
