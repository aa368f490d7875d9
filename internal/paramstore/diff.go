package paramstore

import (
	"fmt"
	"lobster-mm-bot-go/internal/models"
	"strconv"
	"strings"
)

const (
	ChangeInitial          = "initial"
	ChangeSmartMgmtToggle  = "smart_mgmt_toggle"
	ChangeSpreadAdjustment = "spread_adjustment"
	ChangePositionLimits   = "position_limits"
	ChangeOrderSizing      = "order_sizing"
	ChangeTiming           = "timing_adjustment"
	ChangeOther            = "other"
)

func num(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// spreadOf is the headline spread knob: base spread for market making, spacing for grids.
func spreadOf(p *models.Params) float64 {
	if p.Strategy == models.StrategyGrid {
		return p.Grid.SpacingPct
	}
	return p.Trading.BaseSpreadBps
}

func maxPositionOf(p *models.Params) float64 {
	if p.Strategy == models.StrategySpot {
		return p.Position.MaxPositionSize
	}
	return p.Position.MaxPositionUSD
}

func orderSizeOf(p *models.Params) float64 {
	if p.Strategy == models.StrategyGrid {
		return p.Grid.OrderSizeUSD
	}
	return p.Trading.BaseOrderSize
}

// Diff classifies the change from prev to next and renders a one-line summary.
// prev is nil on first activation.
func Diff(prev, next *models.Params) (changeType, summary string) {
	if prev == nil {
		return ChangeInitial, "Initial configuration"
	}

	var changes []string
	spreadUnit := " bps"
	if next.Strategy == models.StrategyGrid {
		spreadUnit = "%"
	}

	spreadChanged := spreadOf(prev) != spreadOf(next)
	sizeChanged := orderSizeOf(prev) != orderSizeOf(next)
	intervalChanged := prev.Timing.UpdateIntervalSeconds != next.Timing.UpdateIntervalSeconds
	smartChanged := prev.Safety.SmartOrderMgmtEnabled != next.Safety.SmartOrderMgmtEnabled
	thresholdChanged := prev.Timing.UpdateThresholdBps != next.Timing.UpdateThresholdBps
	maxPosChanged := maxPositionOf(prev) != maxPositionOf(next)

	if spreadChanged {
		changes = append(changes, fmt.Sprintf("Spread %s→%s%s", num(spreadOf(prev)), num(spreadOf(next)), spreadUnit))
	}
	if sizeChanged {
		changes = append(changes, fmt.Sprintf("Order size %s→%s", num(orderSizeOf(prev)), num(orderSizeOf(next))))
	}
	if intervalChanged {
		changes = append(changes, fmt.Sprintf("Update interval %s→%ss", num(prev.Timing.UpdateIntervalSeconds), num(next.Timing.UpdateIntervalSeconds)))
	}
	if smartChanged {
		status := "Disabled"
		if next.Safety.SmartOrderMgmtEnabled {
			status = "Enabled"
		}
		changes = append(changes, "Smart order mgmt "+status)
	}
	if thresholdChanged {
		changes = append(changes, fmt.Sprintf("Update threshold %s→%s bps", num(prev.Timing.UpdateThresholdBps), num(next.Timing.UpdateThresholdBps)))
	}
	if maxPosChanged {
		changes = append(changes, fmt.Sprintf("Max position %s→%s", num(maxPositionOf(prev)), num(maxPositionOf(next))))
	}

	summary = "Configuration updated"
	if len(changes) > 0 {
		summary = strings.Join(changes, ", ")
	}

	switch {
	case smartChanged:
		changeType = ChangeSmartMgmtToggle
	case spreadChanged:
		changeType = ChangeSpreadAdjustment
	case maxPosChanged:
		changeType = ChangePositionLimits
	case sizeChanged:
		changeType = ChangeOrderSizing
	case intervalChanged:
		changeType = ChangeTiming
	default:
		changeType = ChangeOther
	}
	return changeType, summary
}
