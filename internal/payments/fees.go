package payments

import (
	"strings"

	"github.com/agentpay-dev/agentpay/internal/model"
)

// feeSchedule is a percentage (basis points) plus a flat amount in minor
// units.
type feeSchedule struct {
	bps  int64
	flat int64
}

// feeTables holds the per-processor, per-method fee schedules. Unlisted
// combinations fall back to the default card schedule.
var feeTables = map[model.ProcessorType]map[model.PaymentMethod]feeSchedule{
	model.ProcessorStripe: {
		model.MethodACH:  {bps: 80, flat: 30},  // 0.8% + $0.30
		model.MethodCard: {bps: 290, flat: 30}, // 2.9% + $0.30
	},
	model.ProcessorAdyen: {
		model.MethodACH:  {bps: 50, flat: 25},  // 0.5% + $0.25
		model.MethodCard: {bps: 250, flat: 25}, // 2.5% + $0.25
	},
	model.ProcessorPlaid: {
		model.MethodACH: {bps: 30, flat: 20}, // 0.3% + $0.20
	},
}

// defaultSchedule applies when no table entry matches.
var defaultSchedule = feeSchedule{bps: 290, flat: 30}

// FeeCents computes the processing fee for an amount in minor units. Pure:
// same inputs always give the same fee. The percentage component is rounded
// half-up in integer arithmetic, never truncated.
func FeeCents(processor model.ProcessorType, method model.PaymentMethod, amountCents int64) int64 {
	sched := defaultSchedule
	if methods, ok := feeTables[processor]; ok {
		if s, ok := methods[model.PaymentMethod(strings.ToLower(string(method)))]; ok {
			sched = s
		}
	}
	return (amountCents*sched.bps+5000)/10000 + sched.flat
}

// NetCents is the amount remaining after the processing fee.
func NetCents(processor model.ProcessorType, method model.PaymentMethod, amountCents int64) int64 {
	return amountCents - FeeCents(processor, method, amountCents)
}
