package notification

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"ohlcsync/internal/model"
	"ohlcsync/internal/pipeline"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordSender struct {
	mu     sync.Mutex
	alerts []Alert
	err    error
}

func (r *recordSender) Send(_ context.Context, a Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return r.err
}

func pair(sym string, errMsg string) pipeline.PairSummary {
	return pipeline.PairSummary{Series: model.SeriesKey{Symbol: sym, Timeframe: model.TF1h}, Error: errMsg}
}

func TestSummaryAlert(t *testing.T) {
	_, ok := SummaryAlert(pipeline.Summary{Pairs: []pipeline.PairSummary{pair("BTCUSDT", "")}})
	assert.False(t, ok)

	a, ok := SummaryAlert(pipeline.Summary{
		Errors: 1,
		Pairs:  []pipeline.PairSummary{pair("BTCUSDT", ""), pair("ETHUSDT", "fetch: source rejected")},
	})
	require.True(t, ok)
	assert.Equal(t, AlertWarning, a.Level)
	assert.Equal(t, "sync failed for 1 of 2 pairs", a.Title)
	assert.Equal(t, "ETHUSDT:1h: fetch: source rejected", a.Message)

	var pairs []pipeline.PairSummary
	for i := 0; i < 12; i++ {
		pairs = append(pairs, pair(fmt.Sprintf("S%dUSDT", i), "boom"))
	}
	a, ok = SummaryAlert(pipeline.Summary{Errors: 12, Pairs: pairs})
	require.True(t, ok)
	assert.Equal(t, AlertCritical, a.Level)
	lines := strings.Split(a.Message, "\n")
	assert.Len(t, lines, 11)
	assert.Equal(t, "... and 2 more", lines[10])
}

func TestAlerter_FansOutAndSurvivesFailures(t *testing.T) {
	failing := &recordSender{err: errors.New("down")}
	ok := &recordSender{}
	al := NewAlerter(failing, LogSender{}, ok)

	al.Notify(context.Background(), pipeline.Summary{Pairs: []pipeline.PairSummary{pair("BTCUSDT", "")}})
	assert.Empty(t, ok.alerts)

	al.Notify(context.Background(), pipeline.Summary{Errors: 1, Pairs: []pipeline.PairSummary{pair("BTCUSDT", "x")}})
	assert.Len(t, failing.alerts, 1)
	assert.Len(t, ok.alerts, 1)
}

func TestWebhookSender(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	ws := NewWebhookSender(srv.URL)
	ws.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	require.NoError(t, ws.Send(context.Background(), Alert{Level: AlertWarning, Title: "t", Message: "m"}))
	assert.Equal(t, map[string]string{
		"level": "WARNING", "title": "t", "message": "m", "ts": "2024-05-01T12:00:00Z",
	}, got)

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer bad.Close()
	err := NewWebhookSender(bad.URL).Send(context.Background(), Alert{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestTelegramSender(t *testing.T) {
	var path string
	var msg telegramMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &msg))
	}))
	defer srv.Close()

	ts := NewTelegramSender("123:abc", "-100")
	ts.baseURL = srv.URL
	require.NoError(t, ts.Send(context.Background(), Alert{Level: AlertCritical, Title: "sync failed", Message: "BTCUSDT:1h: x.y"}))
	assert.Equal(t, "/bot123:abc/sendMessage", path)
	assert.Equal(t, "-100", msg.ChatID)
	assert.Equal(t, "MarkdownV2", msg.ParseMode)
	assert.Equal(t, "🚨 *sync failed*\n\nBTCUSDT:1h: x\\.y", msg.Text)
}

func TestEscapeMarkdown(t *testing.T) {
	assert.Equal(t, `a\_b\*c\(d\)\-1\.5\!`, escapeMarkdown("a_b*c(d)-1.5!"))
	assert.Equal(t, "BTCUSDT:1h", escapeMarkdown("BTCUSDT:1h"))
}
