package moex

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"invest-instruments/internal/models"

	"github.com/go-resty/resty/v2"
)

const historyPathTmpl = "/iss/history/engines/stock/markets/shares/boards/%s/securities/%s.json"

// Client talks to the MOEX ISS history endpoint. Transient transport
// failures and 5xx responses are retried with exponential backoff before a
// batch is reported as failed.
type Client struct {
	http    *resty.Client
	baseURL string
}

type ClientConfig struct {
	BaseURL   string
	Timeout   time.Duration
	RetryMax  int
	RetryWait time.Duration
	UserAgent string
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "invest-instruments/1.0"
	}

	client := resty.New()
	client.SetTimeout(cfg.Timeout)
	client.SetHeader("User-Agent", cfg.UserAgent)
	client.SetHeader("Accept", "application/json")
	client.SetRetryCount(cfg.RetryMax)
	client.SetRetryWaitTime(cfg.RetryWait)
	client.SetRetryMaxWaitTime(cfg.RetryWait * 16)
	client.AddRetryCondition(func(r *resty.Response, err error) bool {
		return err != nil || r.StatusCode() >= 500
	})

	return &Client{http: client, baseURL: cfg.BaseURL}
}

// historyPage mirrors the ISS JSON envelope: a column-name array plus
// positional row data, with an optional pagination cursor block.
type historyPage struct {
	History struct {
		Columns []string        `json:"columns"`
		Data    [][]interface{} `json:"data"`
	} `json:"history"`
	Cursor struct {
		Columns []string        `json:"columns"`
		Data    [][]interface{} `json:"data"`
	} `json:"history.cursor"`
}

// FetchHistory pulls all daily bars for one secid over a date range,
// following the ISS cursor until the result set is exhausted.
func (c *Client) FetchHistory(ctx context.Context, board, secid, from, till string) ([]models.PriceBar, error) {
	var bars []models.PriceBar
	start := 0
	url := c.baseURL + fmt.Sprintf(historyPathTmpl, board, secid)

	for {
		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"from":  from,
				"till":  till,
				"start": fmt.Sprintf("%d", start),
			}).
			Get(url)
		if err != nil {
			return nil, fmt.Errorf("history request failed secid=%s: %w", secid, err)
		}
		if resp.StatusCode() != 200 {
			return nil, fmt.Errorf("history request secid=%s status=%d", secid, resp.StatusCode())
		}

		var page historyPage
		if err := json.Unmarshal(resp.Body(), &page); err != nil {
			return nil, fmt.Errorf("history response parse failed secid=%s: %w", secid, err)
		}

		rows := parseBars(page.History.Columns, page.History.Data)
		bars = append(bars, rows...)

		next, more := nextStart(&page, start, len(page.History.Data))
		if !more {
			break
		}
		start = next
	}
	return bars, nil
}

// nextStart decides whether another page remains. The cursor block
// (INDEX/TOTAL/PAGESIZE) is authoritative when present; otherwise an empty
// page terminates the walk.
func nextStart(page *historyPage, start, got int) (int, bool) {
	if got == 0 {
		return 0, false
	}
	if len(page.Cursor.Data) > 0 {
		idx := columnIndex(page.Cursor.Columns)
		row := page.Cursor.Data[0]
		index := intAt(row, col(idx, "INDEX"))
		total := intAt(row, col(idx, "TOTAL"))
		next := int(index) + got
		if total > 0 && next < int(total) {
			return next, true
		}
		return 0, false
	}
	return start + got, true
}

func parseBars(columns []string, data [][]interface{}) []models.PriceBar {
	idx := columnIndex(columns)
	bars := make([]models.PriceBar, 0, len(data))
	for _, row := range data {
		bar := models.PriceBar{
			SecID:     stringAt(row, col(idx, "SECID")),
			TradeDate: stringAt(row, col(idx, "TRADEDATE")),
			BoardID:   stringAt(row, col(idx, "BOARDID")),
			ShortName: stringAt(row, col(idx, "SHORTNAME")),
			Open:      floatAt(row, col(idx, "OPEN")),
			Close:     floatAt(row, col(idx, "CLOSE")),
			High:      floatAt(row, col(idx, "HIGH")),
			Low:       floatAt(row, col(idx, "LOW")),
			WaPrice:   floatAt(row, col(idx, "WAPRICE")),
			NumTrades: int64At(row, col(idx, "NUMTRADES")),
			Volume:    int64At(row, col(idx, "VOLUME")),
			Value:     floatAt(row, col(idx, "VALUE")),
		}
		if bar.SecID == "" || bar.TradeDate == "" {
			continue
		}
		bars = append(bars, bar)
	}
	return bars
}

func columnIndex(columns []string) map[string]int {
	idx := make(map[string]int, len(columns))
	for i, c := range columns {
		idx[c] = i
	}
	return idx
}

func col(idx map[string]int, name string) int {
	if i, ok := idx[name]; ok {
		return i
	}
	return -1
}

func stringAt(row []interface{}, i int) string {
	if i < 0 || i >= len(row) || row[i] == nil {
		return ""
	}
	if s, ok := row[i].(string); ok {
		return s
	}
	return fmt.Sprintf("%v", row[i])
}

func floatAt(row []interface{}, i int) *float64 {
	if i < 0 || i >= len(row) || row[i] == nil {
		return nil
	}
	if f, ok := row[i].(float64); ok {
		return &f
	}
	return nil
}

func int64At(row []interface{}, i int) *int64 {
	f := floatAt(row, i)
	if f == nil {
		return nil
	}
	n := int64(*f)
	return &n
}

func intAt(row []interface{}, i int) int64 {
	if v := int64At(row, i); v != nil {
		return *v
	}
	return 0
}
