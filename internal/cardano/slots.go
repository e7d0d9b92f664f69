package cardano

import (
	"time"

	"orcfax-index/internal/models"
)

// Period is a coarse slot-window size used when walking history.
type Period int

const (
	PeriodDay Period = iota
	PeriodWeek
	PeriodMonth
)

const (
	dayMs   = int64(24 * 60 * 60 * 1000)
	weekMs  = 7 * dayMs
	monthMs = 30 * dayMs
)

// SlotToDate converts a slot number to wall-clock time using the network's
// (zero_time, zero_slot, slot_length) parameters. Slots are a uniform
// linear clock; there are no timezone or DST corrections.
func SlotToDate(slot int64, net *models.Network) time.Time {
	ms := net.ZeroTime + (slot-net.ZeroSlot)*net.SlotLength
	return time.UnixMilli(ms).UTC()
}

// DateToSlot inverts SlotToDate with integer-floor division.
func DateToSlot(date time.Time, net *models.Network) int64 {
	return net.ZeroSlot + (date.UnixMilli()-net.ZeroTime)/net.SlotLength
}

// SlotAfterTimePeriod returns the slot one period after the given slot.
func SlotAfterTimePeriod(slot int64, period Period, net *models.Network) int64 {
	var ms int64
	switch period {
	case PeriodWeek:
		ms = weekMs
	case PeriodMonth:
		ms = monthMs
	default:
		ms = dayMs
	}
	return slot + ms/net.SlotLength
}
