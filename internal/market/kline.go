package market

import "gatekeeper/pkg/market/binance"

// LatestClose extracts the closing price of the newest kline.
func LatestClose(klines []binance.Kline) (float64, bool) {
	if len(klines) == 0 {
		return 0, false
	}
	c := klines[len(klines)-1].Close
	return c, c > 0
}
