package notification

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"concierge/internal/rules"
)

const dateLayout = "2006-01-02"

// Variable names filled from the event and property.
const (
	VarGuestName          = "guest_name"
	VarGuestFirstName     = "guest_first_name"
	VarConfirmationNumber = "confirmation_number"
	VarPropertyName       = "property_name"
	VarCheckIn            = "check_in"
	VarCheckOut           = "check_out"
	VarNights             = "nights"
	VarAmount             = "amount"
	VarCurrency           = "currency"
	VarRoomType           = "room_type"
	VarRoomNumber         = "room_number"
	VarAmenities          = "amenities"
	VarBookingID          = "booking_id"
)

type fieldContext struct {
	event    rules.Event
	property Property
}

type accessor func(fc fieldContext) string

// accessors is the closed set of custom-field paths per source.
var accessors = map[string]map[string]accessor{
	rules.SourceGuest: {
		"name":         func(fc fieldContext) string { return fc.event.Guest.Name },
		"first_name":   func(fc fieldContext) string { return firstName(fc.event.Guest.Name) },
		"email":        func(fc fieldContext) string { return fc.event.Guest.Email },
		"phone":        func(fc fieldContext) string { return fc.event.Guest.Phone },
		"language":     func(fc fieldContext) string { return fc.event.Guest.Language },
		"type":         func(fc fieldContext) string { return fc.event.Guest.Type },
		"loyalty_tier": func(fc fieldContext) string { return fc.event.Guest.LoyaltyTier },
	},
	rules.SourceBooking: {
		"id":                  func(fc fieldContext) string { return fc.event.BookingID },
		"confirmation_number": func(fc fieldContext) string { return fc.event.Booking.ConfirmationNumber },
		"room_type":           func(fc fieldContext) string { return fc.event.Booking.RoomType },
		"room_number":         func(fc fieldContext) string { return fc.event.Booking.RoomNumber },
		"check_in":            func(fc fieldContext) string { return formatDate(fc.event.Booking.CheckIn) },
		"check_out":           func(fc fieldContext) string { return formatDate(fc.event.Booking.CheckOut) },
		"nights":              func(fc fieldContext) string { return nights(fc.event) },
		"amount":              func(fc fieldContext) string { return formatAmount(fc.event.Booking.Amount) },
		"currency":            func(fc fieldContext) string { return fc.event.Booking.Currency },
		"property_name":       func(fc fieldContext) string { return fc.event.Booking.PropertyName },
	},
	rules.SourceProperty: {
		"name":           func(fc fieldContext) string { return fc.property.Name },
		"address":        func(fc fieldContext) string { return fc.property.Address },
		"phone":          func(fc fieldContext) string { return fc.property.Phone },
		"email":          func(fc fieldContext) string { return fc.property.Email },
		"website":        func(fc fieldContext) string { return fc.property.Website },
		"check_in_time":  func(fc fieldContext) string { return fc.property.CheckInTime },
		"check_out_time": func(fc fieldContext) string { return fc.property.CheckOutTime },
	},
}

// KnownFieldPath reports whether source/path resolves without an external lookup.
func KnownFieldPath(source, path string) bool {
	if source == rules.SourceExternal {
		return path != ""
	}
	_, ok := accessors[source][path]
	return ok
}

// Variables builds the substitution map for req, honouring the personalization flags.
func (d *Dispatcher) Variables(ctx context.Context, req Request) map[string]string {
	e := req.Event
	p := req.Config.Notification.Personalization
	vars := map[string]string{
		VarBookingID: e.BookingID,
	}

	if p.GuestName {
		putNonEmpty(vars, VarGuestName, e.Guest.Name)
		putNonEmpty(vars, VarGuestFirstName, firstName(e.Guest.Name))
	}
	if p.BookingDetails {
		putNonEmpty(vars, VarConfirmationNumber, e.Booking.ConfirmationNumber)
		putNonEmpty(vars, VarCheckIn, formatDate(e.Booking.CheckIn))
		putNonEmpty(vars, VarCheckOut, formatDate(e.Booking.CheckOut))
		putNonEmpty(vars, VarNights, nights(e))
		putNonEmpty(vars, VarAmount, formatAmount(e.Booking.Amount))
		putNonEmpty(vars, VarCurrency, e.Booking.Currency)
		name := e.Booking.PropertyName
		if name == "" {
			name = req.Property.Name
		}
		putNonEmpty(vars, VarPropertyName, name)
	}
	if p.RoomDetails {
		putNonEmpty(vars, VarRoomType, e.Booking.RoomType)
		putNonEmpty(vars, VarRoomNumber, e.Booking.RoomNumber)
	}
	if p.Amenities && len(e.Booking.Amenities) > 0 {
		vars[VarAmenities] = strings.Join(e.Booking.Amenities, ", ")
	}

	fc := fieldContext{event: e, property: req.Property}
	for _, f := range p.CustomFields {
		if v, ok := d.resolveCustom(ctx, f, fc); ok {
			vars[f.Name] = v
		} else if f.Fallback != "" {
			vars[f.Name] = f.Fallback
		}
	}

	for k, v := range req.Extra {
		vars[k] = v
	}
	return vars
}

func (d *Dispatcher) resolveCustom(ctx context.Context, f rules.CustomField, fc fieldContext) (string, bool) {
	if f.Source == rules.SourceExternal {
		if d.external == nil {
			return "", false
		}
		v, ok, err := d.external.Lookup(ctx, f.Path, fc.event)
		if err != nil {
			d.logger.WarnwCtx(ctx, "External custom field lookup failed, using fallback",
				"field", f.Name,
				"path", f.Path,
				"error", err,
			)
			return "", false
		}
		return v, ok && v != ""
	}

	get, ok := accessors[f.Source][f.Path]
	if !ok {
		d.logger.WarnwCtx(ctx, "Unknown custom field path",
			"field", f.Name,
			"source", f.Source,
			"path", f.Path,
		)
		return "", false
	}
	v := get(fc)
	return v, v != ""
}

func putNonEmpty(vars map[string]string, key, value string) {
	if value != "" {
		vars[key] = value
	}
}

func firstName(name string) string {
	fields := strings.Fields(name)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(dateLayout)
}

func formatAmount(v float64) string {
	if v == 0 {
		return ""
	}
	return fmt.Sprintf("%.2f", v)
}

func nights(e rules.Event) string {
	in, out := e.Booking.CheckIn, e.Booking.CheckOut
	if in.IsZero() || out.IsZero() || !out.After(in) {
		return ""
	}
	return fmt.Sprintf("%d", int(math.Round(out.Sub(in).Hours()/24)))
}
