package gateway

import (
	"time"

	"ohlcsync/internal/model"
	"ohlcsync/internal/pipeline"

	"github.com/goccy/go-json"
)

// ChannelSummary carries the totals of each finished sync run.
const ChannelSummary = "sync:summary"

// PairChannel returns the channel for one pair's cycle results, e.g. "sync:BTCUSDT:1h".
func PairChannel(s model.SeriesKey) string { return "sync:" + s.String() }

// Message is one broadcast unit. It is also the payload relayed through Redis.
type Message struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// RunTotals is the data of a ChannelSummary message.
type RunTotals struct {
	StartedAt          time.Time `json:"started_at"`
	FinishedAt         time.Time `json:"finished_at"`
	Pairs              int       `json:"pairs"`
	CandlesWritten     int       `json:"candles_written"`
	IndicatorsComputed int       `json:"indicators_computed"`
	Errors             int       `json:"errors"`
}

// SubscribeMsg narrows a client's stream to some series, e.g. "BTCUSDT:1h".
// UNSUBSCRIBE with the same shape removes them again.
type SubscribeMsg struct {
	Type   string   `json:"type"`
	Series []string `json:"series"`
	ReqID  string   `json:"req_id,omitempty"`
}

// Messages builds the broadcast messages for a finished run: one per pair,
// then the run totals.
func Messages(sum pipeline.Summary) ([]Message, error) {
	out := make([]Message, 0, len(sum.Pairs)+1)
	for _, p := range sum.Pairs {
		data, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		out = append(out, Message{Channel: PairChannel(p.Series), Data: data})
	}
	data, err := json.Marshal(RunTotals{
		StartedAt:          sum.StartedAt,
		FinishedAt:         sum.FinishedAt,
		Pairs:              len(sum.Pairs),
		CandlesWritten:     sum.CandlesWritten,
		IndicatorsComputed: sum.IndicatorsComputed,
		Errors:             sum.Errors,
	})
	if err != nil {
		return nil, err
	}
	return append(out, Message{Channel: ChannelSummary, Data: data}), nil
}
