package hyperliquid

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/sentryfi/hlsentinel/internal/domain"
)

// APIFill is the wire format of one fill from the userFills info request.
type APIFill struct {
	Coin      string `json:"coin"`
	Px        string `json:"px"`
	Sz        string `json:"sz"`
	Side      string `json:"side"`
	Time      int64  `json:"time"`
	Dir       string `json:"dir"`
	ClosedPnl string `json:"closedPnl"`
	OID       int64  `json:"oid"`
	Hash      string `json:"hash"`
}

// ToDomainFill converts the wire fill for user into the domain shape.
func (f *APIFill) ToDomainFill(user string, receivedAt time.Time) domain.Fill {
	px, _ := strconv.ParseFloat(f.Px, 64)
	sz, _ := strconv.ParseFloat(f.Sz, 64)
	pnl, _ := strconv.ParseFloat(f.ClosedPnl, 64)
	return domain.Fill{
		User:       user,
		Asset:      f.Coin,
		Direction:  f.Dir,
		Price:      px,
		Size:       sz,
		ClosedPnL:  pnl,
		OrderID:    strconv.FormatInt(f.OID, 10),
		Time:       time.UnixMilli(f.Time).UTC(),
		ReceivedAt: receivedAt,
	}
}

// IsLiquidation reports whether the fill looks like a forced close: a closing
// direction on a losing position of non-trivial size.
func (f *APIFill) IsLiquidation() bool {
	sz, _ := strconv.ParseFloat(f.Sz, 64)
	pnl, _ := strconv.ParseFloat(f.ClosedPnl, 64)
	return strings.Contains(f.Dir, "Close") && sz > 0.1 && pnl < 0
}

// ToLiquidation converts a liquidation fill into the domain liquidation
// shape. The absolute closed PnL approximates the liquidated notional.
func (f *APIFill) ToLiquidation(user string) domain.Liquidation {
	px, _ := strconv.ParseFloat(f.Px, 64)
	sz, _ := strconv.ParseFloat(f.Sz, 64)
	pnl, _ := strconv.ParseFloat(f.ClosedPnl, 64)

	side := "SHORT"
	if strings.Contains(f.Dir, "Long") {
		side = "LONG"
	}

	return domain.Liquidation{
		LiquidationID: "liq-" + strconv.FormatInt(f.OID, 10),
		User:          user,
		Asset:         f.Coin,
		Side:          side,
		Size:          sz,
		Price:         px,
		AmountUSD:     -pnl,
		Timestamp:     time.UnixMilli(f.Time).UTC(),
	}
}

// apiVaultDetails is the wire format of the vaultDetails info request. The
// portfolio is a list of [period, {"accountValueHistory": [[ts, "value"],
// ...]}] pairs; only the "day" period is read.
type apiVaultDetails struct {
	Name      string            `json:"name"`
	Portfolio []json.RawMessage `json:"portfolio"`
}

type apiPeriodHistory struct {
	AccountValueHistory [][2]json.RawMessage `json:"accountValueHistory"`
}

// accountValueSeries extracts the day-period account value history, ordered
// as the API returned it (oldest first).
func (v *apiVaultDetails) accountValueSeries() []domain.AccountValuePoint {
	for _, raw := range v.Portfolio {
		var pair []json.RawMessage
		if err := json.Unmarshal(raw, &pair); err != nil || len(pair) < 2 {
			continue
		}
		var period string
		if err := json.Unmarshal(pair[0], &period); err != nil || period != "day" {
			continue
		}
		var hist apiPeriodHistory
		if err := json.Unmarshal(pair[1], &hist); err != nil {
			continue
		}

		points := make([]domain.AccountValuePoint, 0, len(hist.AccountValueHistory))
		for _, entry := range hist.AccountValueHistory {
			var tsMilli int64
			var valueStr string
			if err := json.Unmarshal(entry[0], &tsMilli); err != nil {
				continue
			}
			if err := json.Unmarshal(entry[1], &valueStr); err != nil {
				continue
			}
			value, err := strconv.ParseFloat(valueStr, 64)
			if err != nil {
				continue
			}
			points = append(points, domain.AccountValuePoint{
				Timestamp:    time.UnixMilli(tsMilli).UTC(),
				AccountValue: value,
			})
		}
		return points
	}
	return nil
}
