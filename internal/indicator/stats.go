package indicator

import (
	"fmt"

	talib "github.com/markcheno/go-talib"

	"futures-bot/internal/exchange"
)

// 控制台行情视图使用的周期参数。
const (
	smaPeriod = 20
	rsiPeriod = 14
	atrPeriod = 14

	// EMA26 是最长的回看窗口，不足时尾值无意义。
	minCandles = 30
)

// Stats 为行情查询附带的技术指标摘要。
type Stats struct {
	Close       float64
	SMA20       float64
	EMA12       float64
	EMA26       float64
	RSI14       float64
	ATRAbsolute float64
	ATRRelative float64
}

// Compute 依据给定K线计算行情摘要指标。
func Compute(candles []exchange.Candle) (Stats, error) {
	if len(candles) < minCandles {
		return Stats{}, fmt.Errorf("计算指标失败: K线数量不足，至少需要 %d 根，实际 %d 根", minCandles, len(candles))
	}

	series := NewSeries(candles)

	sma := talib.Sma(series.Close, smaPeriod)
	ema12 := talib.Ema(series.Close, 12)
	ema26 := talib.Ema(series.Close, 26)
	rsi := talib.Rsi(series.Close, rsiPeriod)
	atr := talib.Atr(series.High, series.Low, series.Close, atrPeriod)

	lastClose := Last(series.Close)
	atrAbs := Last(atr)

	return Stats{
		Close:       lastClose,
		SMA20:       Last(sma),
		EMA12:       Last(ema12),
		EMA26:       Last(ema26),
		RSI14:       Last(rsi),
		ATRAbsolute: atrAbs,
		ATRRelative: SafeDivide(atrAbs, lastClose),
	}, nil
}
