package binance

// Kline is a single candlestick; only the fields used for volume and pricing are kept.
type Kline struct {
	Symbol         string
	OpenTime       int64   // ms
	Open           float64
	High           float64
	Low            float64
	Close          float64
	Volume         float64 // base asset volume
	CloseTime      int64   // ms
	QuoteVolume    float64 // quote asset volume
	NumberOfTrades int
}

// Ticker holds lightweight price info for streaming.
type Ticker struct {
	Symbol string
	Price  float64
	Time   int64
}
