package notification

import (
	"context"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"concierge/internal/logger"
	"concierge/internal/rules"
	apperrors "concierge/pkg/errors"
	"concierge/pkg/metrics"
	"concierge/pkg/retry"
)

type DispatcherOption func(*Dispatcher)

func WithExternalLookup(l ExternalLookup) DispatcherOption {
	return func(d *Dispatcher) {
		d.external = l
	}
}

// WithRetryPolicy sets the backoff between attempts. The attempt count comes from each channel's MaxAttempts.
func WithRetryPolicy(p retry.Policy) DispatcherOption {
	return func(d *Dispatcher) {
		d.policy = p
	}
}

func WithClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) {
		d.now = now
	}
}

func WithIDGenerator(gen func() string) DispatcherOption {
	return func(d *Dispatcher) {
		d.newID = gen
	}
}

// Dispatcher renders a trigger's template and sends it on every enabled channel.
type Dispatcher struct {
	senders  map[rules.ChannelType]Sender
	external ExternalLookup
	policy   retry.Policy
	logger   logger.Logger
	now      func() time.Time
	newID    func() string
}

func NewDispatcher(senders map[rules.ChannelType]Sender, log logger.Logger, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		senders: senders,
		policy: retry.Policy{
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     5 * time.Second,
			Multiplier:      2.0,
			MaxElapsedTime:  30 * time.Second,
		},
		logger: log,
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch sends to all enabled channels concurrently and returns one result per channel in priority order.
// Channel failures are reported in the results; only configuration problems return an error.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) ([]Result, error) {
	channels := req.Config.EnabledChannels()
	if len(channels) == 0 {
		return nil, apperrors.ErrConfiguration.
			WithDetail("message", "no enabled notification channels").
			WithDetail("property_id", req.Config.PropertyID)
	}
	for _, ch := range channels {
		if _, ok := d.senders[ch.Type]; !ok {
			return nil, apperrors.ErrConfiguration.
				WithDetail("message", "no sender configured for channel "+string(ch.Type)).
				WithDetail("channel", string(ch.Type)).
				WithDetail("property_id", req.Config.PropertyID)
		}
	}

	tpl, err := SelectTemplate(req.Config.Templates, req.Trigger, req.Event.Guest.Language)
	if err != nil {
		return nil, err
	}
	msg := Render(tpl, d.Variables(ctx, req))

	results := make([]Result, len(channels))
	var g errgroup.Group
	for i, ch := range channels {
		i, ch := i, ch
		g.Go(func() error {
			results[i] = d.send(ctx, ch, msg, req)
			return nil
		})
	}
	_ = g.Wait()

	return results, nil
}

func (d *Dispatcher) send(ctx context.Context, ch rules.Channel, msg Message, req Request) Result {
	res := Result{
		ID:         d.newID(),
		BookingID:  req.Event.BookingID,
		PropertyID: req.Event.PropertyID,
		DecisionID: req.DecisionID,
		Trigger:    req.Trigger,
		Channel:    ch.Type,
		TemplateID: msg.TemplateID,
		SentAt:     d.now().UTC(),
	}

	start := time.Now()
	err := d.deliver(ctx, ch, msg, req, &res)
	metrics.ObserveNotificationSend(string(ch.Type), time.Since(start))

	if err != nil {
		res.Error = err.Error()
		metrics.IncNotification(string(ch.Type), "failed")
		d.logger.WarnwCtx(ctx, "Notification delivery failed",
			"channel", ch.Type,
			"trigger", req.Trigger,
			"attempts", res.RetryCount+1,
			"error", err,
		)
		return res
	}

	res.Success = true
	metrics.IncNotification(string(ch.Type), "sent")
	return res
}

func (d *Dispatcher) deliver(ctx context.Context, ch rules.Channel, msg Message, req Request, res *Result) error {
	sender := d.senders[ch.Type]

	payload, err := BuildPayload(ch, msg, req)
	if err != nil {
		return err
	}

	policy := d.policy
	policy.MaxAttempts = ch.MaxAttempts
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}

	attempts := 0
	err = retry.Retry(ctx, policy, func() error {
		attempts++
		id, sendErr := sender.Send(ctx, payload)
		if sendErr != nil {
			return sendErr
		}
		res.MessageID = id
		return nil
	})
	if attempts > 0 {
		res.RetryCount = attempts - 1
	}
	return err
}
