package pipeline

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/twquant/tvgateway/internal/domain"
)

// directionText is the operator-facing Chinese for each direction.
func directionText(dir domain.Direction) string {
	switch dir {
	case domain.OpenLong:
		return "開多"
	case domain.OpenShort:
		return "開空"
	case domain.CloseLong:
		return "平多"
	case domain.CloseShort:
		return "平空"
	}
	return string(dir)
}

// identifierBlock renders the canonical contract/direction/quantity block
// every order notification carries.
func identifierBlock(market domain.Market, contract domain.Contract, dir domain.Direction,
	qty decimal.Decimal, priceType domain.PriceType, limitPrice float64, manual bool) string {

	var b strings.Builder

	name := contract.Code
	if market == domain.MarketTX && contract.Family != "" {
		name = fmt.Sprintf("%s (%s)", contract.Family.DisplayName(), contract.Code)
	}
	fmt.Fprintf(&b, "市場: %s\n", name)

	if !contract.DeliveryDate.IsZero() {
		fmt.Fprintf(&b, "交割日: %s\n", contract.DeliveryDate.Format("2006-01-02"))
	}

	kind := "自動"
	if manual {
		kind = "手動"
	}
	fmt.Fprintf(&b, "類別: %s\n", kind)
	fmt.Fprintf(&b, "方向: %s\n", directionText(dir))
	fmt.Fprintf(&b, "數量: %s\n", qty.String())

	if priceType == domain.PriceLimit {
		fmt.Fprintf(&b, "價格: %g\n", limitPrice)
	} else {
		b.WriteString("價格: 市價\n")
	}
	return b.String()
}

func submitMessage(market domain.Market, contract domain.Contract, dir domain.Direction,
	qty decimal.Decimal, priceType domain.PriceType, limitPrice float64, manual bool) string {

	return "📈 <b>委託成功</b>\n" +
		identifierBlock(market, contract, dir, qty, priceType, limitPrice, manual)
}

func failMessage(market domain.Market, contract domain.Contract, dir domain.Direction,
	qty decimal.Decimal, reason string) string {

	return "⚠️ <b>委託失敗</b>\n" +
		identifierBlock(market, contract, dir, qty, domain.PriceMarket, 0, false) +
		"原因: " + reason + "\n"
}
