package lifecycle

import (
	"errors"

	"github.com/twquant/tvgateway/internal/domain"
)

// reasonTable translates broker rejection codes to operator-facing text. This
// table is the single source of truth; notifications and journal entries must
// not invent their own wording.
var reasonTable = map[string]string{
	// TX bridge op codes
	"OP_11": "價格未滿足",   // price not satisfied (IOC swept)
	"OP_22": "委託已取消",   // order cancelled
	"OP_31": "保證金不足",   // insufficient margin
	"OP_41": "非交易時間",   // outside trading hours
	"OP_51": "超過部位限制",  // position limit exceeded
	"OP_61": "商品代碼錯誤",  // unknown contract
	"OP_71": "委託數量錯誤",  // bad quantity

	// Binance futures API codes
	"-1021": "時間戳超出接收窗口",
	"-2010": "委託被拒絕",
	"-2019": "保證金不足",
	"-2020": "無法成交",
	"-2021": "委託將立即觸發",
	"-2022": "僅允許平倉單",
	"-4003": "委託數量低於下限",
	"-4164": "委託金額低於下限",
}

// ReasonText translates a broker reason code. Unknown codes pass through
// verbatim so the operator still sees something actionable.
func ReasonText(code string) string {
	if text, ok := reasonTable[code]; ok {
		return text
	}
	return code
}

// FailureText maps pipeline precondition failures and broker errors to the
// operator-facing reason line.
func FailureText(err error) string {
	switch {
	case errors.Is(err, domain.ErrNoPosition):
		return "無對應持倉"
	case errors.Is(err, domain.ErrOppositePosition):
		return "已有反向持倉"
	case errors.Is(err, domain.ErrOutsideTradingHours):
		return "非交易時間"
	case errors.Is(err, domain.ErrNetwork):
		return "連線異常"
	case errors.Is(err, domain.ErrAuthFailed):
		return "登入失效"
	}
	if be, ok := domain.AsBusinessError(err); ok {
		return ReasonText(be.Code)
	}
	return err.Error()
}
