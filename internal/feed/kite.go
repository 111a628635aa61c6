package feed

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	kiteconnect "github.com/zerodha/gokiteconnect/v4"

	apperrors "rsi-trader/internal/errors"
	"rsi-trader/internal/models"
)

// KiteAPI is the read-only subset of the Kite Connect client used for market data.
type KiteAPI interface {
	GetInstruments() (kiteconnect.Instruments, error)
	GetHistoricalData(instrumentToken int, interval string, fromDate, toDate time.Time, continuous, OI bool) ([]kiteconnect.HistoricalData, error)
	GetQuote(instruments ...string) (kiteconnect.Quote, error)
}

// NewKiteClient creates an authenticated Kite Connect client.
func NewKiteClient(apiKey, accessToken string) *kiteconnect.Client {
	client := kiteconnect.New(apiKey)
	client.SetAccessToken(accessToken)
	return client
}

// instrumentIndex resolves exchange trading symbols to instrument tokens,
// fetching the instrument dump once.
type instrumentIndex struct {
	api      KiteAPI
	exchange string

	once   sync.Once
	err    error
	tokens map[string]int
}

func (ix *instrumentIndex) token(symbol string) (int, error) {
	ix.once.Do(func() {
		instruments, err := ix.api.GetInstruments()
		if err != nil {
			ix.err = apperrors.NewBrokerTransientError("instruments", err)
			return
		}
		ix.tokens = make(map[string]int)
		for _, inst := range instruments {
			if inst.Exchange == ix.exchange {
				ix.tokens[inst.Tradingsymbol] = inst.InstrumentToken
			}
		}
	})
	if ix.err != nil {
		return 0, ix.err
	}
	tok, ok := ix.tokens[strings.ToUpper(symbol)]
	if !ok {
		return 0, fmt.Errorf("%w: %s:%s", apperrors.ErrSymbolNotFound, ix.exchange, symbol)
	}
	return tok, nil
}

// KiteSource loads daily candles from Kite Connect.
type KiteSource struct {
	api      KiteAPI
	interval string
	index    *instrumentIndex
}

// NewKiteSource creates a historical source for exchange (NSE or BSE).
func NewKiteSource(api KiteAPI, exchange string) *KiteSource {
	if exchange == "" {
		exchange = string(models.NSE)
	}
	return &KiteSource{
		api:      api,
		interval: "day",
		index:    &instrumentIndex{api: api, exchange: exchange},
	}
}

// Name implements Source.
func (s *KiteSource) Name() string { return "kite" }

// Bars implements Source.
func (s *KiteSource) Bars(ctx context.Context, symbol string, from, to time.Time) ([]models.Bar, error) {
	token, err := s.index.token(symbol)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := s.api.GetHistoricalData(token, s.interval, from, to, false, false)
	if err != nil {
		return nil, apperrors.NewBrokerTransientError("historical", err)
	}

	bars := make([]models.Bar, 0, len(data))
	for _, d := range data {
		bars = append(bars, models.Bar{
			Symbol:    symbol,
			Timestamp: d.Date.Time.UTC(),
			Open:      d.Open,
			High:      d.High,
			Low:       d.Low,
			Close:     d.Close,
			Volume:    int64(d.Volume),
		})
	}
	return bars, nil
}

// KiteQuoter reads last-traded prices from Kite Connect.
type KiteQuoter struct {
	api      KiteAPI
	exchange string
}

// NewKiteQuoter creates a quoter for exchange.
func NewKiteQuoter(api KiteAPI, exchange string) *KiteQuoter {
	if exchange == "" {
		exchange = string(models.NSE)
	}
	return &KiteQuoter{api: api, exchange: exchange}
}

// Quote implements Quoter.
func (q *KiteQuoter) Quote(ctx context.Context, symbol string) (models.Quote, error) {
	if err := ctx.Err(); err != nil {
		return models.Quote{}, err
	}
	key := q.exchange + ":" + strings.ToUpper(symbol)
	quotes, err := q.api.GetQuote(key)
	if err != nil {
		return models.Quote{}, apperrors.NewBrokerTransientError("quote", err)
	}
	data, ok := quotes[key]
	if !ok {
		return models.Quote{}, fmt.Errorf("%w: no quote for %s", apperrors.ErrSymbolNotFound, key)
	}

	ts := data.LastTradeTime.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	return models.Quote{
		Symbol:    symbol,
		LTP:       data.LastPrice,
		Open:      data.OHLC.Open,
		High:      data.OHLC.High,
		Low:       data.OHLC.Low,
		Volume:    int64(data.Volume),
		Timestamp: ts.UTC(),
	}, nil
}
