package history

import (
	"context"
	"sort"
	"time"

	"concierge/internal/decision"
	"concierge/internal/rules"
	apperrors "concierge/pkg/errors"
)

type ChannelStats struct {
	Channel      rules.ChannelType `json:"channel"`
	Sent         int               `json:"sent"`
	Failed       int               `json:"failed"`
	Delivered    int               `json:"delivered"`
	Opened       int               `json:"opened"`
	Clicked      int               `json:"clicked"`
	DeliveryRate float64           `json:"delivery_rate"`
	OpenRate     float64           `json:"open_rate"`
	ClickRate    float64           `json:"click_rate"`
}

type Report struct {
	From              time.Time             `json:"from"`
	To                time.Time             `json:"to"`
	Decisions         int                   `json:"decisions"`
	DecisionsByKind   map[decision.Kind]int `json:"decisions_by_kind"`
	FailedBookings    int                   `json:"failed_bookings"`
	CancelledBookings int                   `json:"cancelled_bookings"`
	CancellationRate  float64               `json:"cancellation_rate"`
	Channels          []ChannelStats        `json:"channels"`
}

// Analyzer computes read-only aggregates over a Store.
type Analyzer struct {
	store Store
}

func NewAnalyzer(store Store) *Analyzer {
	return &Analyzer{store: store}
}

// Report aggregates [from, to). Cancellation rate is cancelled bookings over bookings with a failure decision.
// Delivery rate is over all sends; open and click rates are over delivered messages.
func (a *Analyzer) Report(ctx context.Context, from, to time.Time) (Report, error) {
	if !to.After(from) {
		return Report{}, apperrors.ErrValidation.
			WithDetail("message", "to must be after from").
			WithDetail("field", "to")
	}

	decisions, err := a.store.DecisionsBetween(ctx, from, to)
	if err != nil {
		return Report{}, err
	}
	results, err := a.store.NotificationsBetween(ctx, from, to)
	if err != nil {
		return Report{}, err
	}

	rep := Report{
		From:            from,
		To:              to,
		Decisions:       len(decisions),
		DecisionsByKind: make(map[decision.Kind]int),
		Channels:        []ChannelStats{},
	}

	failed := make(map[string]struct{})
	cancelled := make(map[string]struct{})
	for _, d := range decisions {
		rep.DecisionsByKind[d.Kind]++
		failed[d.BookingID] = struct{}{}
		if d.Kind == decision.KindCancel {
			cancelled[d.BookingID] = struct{}{}
		}
	}
	rep.FailedBookings = len(failed)
	rep.CancelledBookings = len(cancelled)
	rep.CancellationRate = ratio(len(cancelled), len(failed))

	byChannel := make(map[rules.ChannelType]*ChannelStats)
	for _, r := range results {
		st, ok := byChannel[r.Channel]
		if !ok {
			st = &ChannelStats{Channel: r.Channel}
			byChannel[r.Channel] = st
		}
		st.Sent++
		if !r.Success {
			st.Failed++
		}
		if r.DeliveredAt != nil {
			st.Delivered++
		}
		if r.OpenedAt != nil {
			st.Opened++
		}
		if r.ClickedAt != nil {
			st.Clicked++
		}
	}
	for _, st := range byChannel {
		st.DeliveryRate = ratio(st.Delivered, st.Sent)
		st.OpenRate = ratio(st.Opened, st.Delivered)
		st.ClickRate = ratio(st.Clicked, st.Delivered)
		rep.Channels = append(rep.Channels, *st)
	}
	sort.Slice(rep.Channels, func(i, j int) bool {
		return rep.Channels[i].Channel < rep.Channels[j].Channel
	})

	return rep, nil
}

func ratio(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}
