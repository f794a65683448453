package adapter

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quotecache/quotecache/internal/market"
)

// feedFrame is the generic JSON shape of one feed message. A frame may carry
// a single tick or a batch under "data".
type feedFrame struct {
	Data []feedTick `json:"data"`
	feedTick
}

type feedTick struct {
	Symbol string          `json:"symbol"`
	Market string          `json:"market"`
	Bid    decimal.Decimal `json:"bid"`
	Ask    decimal.Decimal `json:"ask"`
	Last   decimal.Decimal `json:"last"`
	TS     int64           `json:"ts"`
}

// JSONTickDecoder returns a Decoder for JSON quote frames. Ticks with an
// empty symbol are passed through unnormalized; the processor drops and
// counts them as malformed.
func JSONTickDecoder(provider market.Provider) Decoder {
	return func(frame []byte) ([]market.QuoteTick, error) {
		var f feedFrame
		if err := json.Unmarshal(frame, &f); err != nil {
			return nil, fmt.Errorf("unmarshal feed frame: %w", err)
		}

		raw := f.Data
		if len(raw) == 0 && f.Symbol != "" {
			raw = []feedTick{f.feedTick}
		}

		ticks := make([]market.QuoteTick, 0, len(raw))
		for _, ft := range raw {
			enc, err := json.Marshal(ft)
			if err != nil {
				return nil, err
			}
			t := market.QuoteTick{
				Symbol:   ft.Symbol,
				Market:   ft.Market,
				Provider: provider,
				Raw:      enc,
			}
			if ft.Symbol != "" {
				t.Quote = &market.Quote{
					Symbol: ft.Symbol,
					Bid:    ft.Bid,
					Ask:    ft.Ask,
					Last:   ft.Last,
					At:     time.UnixMilli(ft.TS),
				}
			}
			ticks = append(ticks, t)
		}
		return ticks, nil
	}
}
