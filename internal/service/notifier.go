package service

import (
	"context"
	"log/slog"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/maypok86/otter/v2"

	"github.com/waylog/waylog/internal/domain"
	"github.com/waylog/waylog/internal/metrics"
)

// EventVisitStarted is the event name visit confirmations are published
// under. The host application's live-update transport subscribes to it.
const EventVisitStarted = "visit_started"

const (
	// notifyTimeout bounds a single delivery attempt.
	notifyTimeout = 5 * time.Second

	// cooldownRetention is how long a last-notified entry stays in the
	// cache. It is an upper bound on the effective cooldown.
	cooldownRetention = 24 * time.Hour
)

// Broadcaster hands an encoded event to whatever transport the host
// application uses for live updates. Implementations live in
// internal/notify.
type Broadcaster interface {
	Broadcast(ctx context.Context, event string, payload []byte) error
}

// VisitStartedEvent is the payload published when a visit is confirmed.
// It carries the snapshot fields a client needs to render the notification
// without further lookups.
type VisitStartedEvent struct {
	VisitID     uuid.UUID          `json:"visit_id"`
	UserID      uuid.UUID          `json:"user_id"`
	PlaceID     uuid.UUID          `json:"place_id"`
	TripID      uuid.UUID          `json:"trip_id"`
	TripName    string             `json:"trip_name"`
	RegionName  string             `json:"region_name"`
	PlaceName   string             `json:"place_name"`
	Latitude    float64            `json:"latitude"`
	Longitude   float64            `json:"longitude"`
	IconName    string             `json:"icon_name"`
	MarkerColor string             `json:"marker_color"`
	ArrivedAt   time.Time          `json:"arrived_at"`
	Source      domain.VisitSource `json:"source"`
}

// cooldownKey identifies one (user, place) notification track.
type cooldownKey struct {
	userID  uuid.UUID
	placeID uuid.UUID
}

// Notifier dispatches visit-started events. Delivery is fire-and-forget on
// a detached context: a slow or failing transport can never roll back or
// delay the visit confirmation that triggered it. Repeat confirmations for
// the same (user, place) inside the cooldown window are suppressed.
type Notifier struct {
	broadcaster Broadcaster
	settings    SettingsProvider
	log         *slog.Logger

	// recent maps (user, place) to the last time a notification went out.
	// Entries expire after cooldownRetention; the current cooldown is
	// checked against the stored timestamp at read time, so settings
	// changes apply immediately.
	recent  *otter.Cache[cooldownKey, time.Time]
	timeout time.Duration
}

// NewNotifier constructs a Notifier delivering through the given
// broadcaster.
func NewNotifier(b Broadcaster, settings SettingsProvider, log *slog.Logger) *Notifier {
	recent := otter.Must(&otter.Options[cooldownKey, time.Time]{
		MaximumSize:      100_000,
		ExpiryCalculator: otter.ExpiryWriting[cooldownKey, time.Time](cooldownRetention),
	})
	return &Notifier{
		broadcaster: b,
		settings:    settings,
		log:         log,
		recent:      recent,
		timeout:     notifyTimeout,
	}
}

// VisitStarted publishes a visit-started event unless the (user, place)
// pair was already notified within the cooldown window. A negative cooldown
// disables suppression. The broadcast itself runs in a goroutine with its
// own deadline; failures are logged and counted, never returned.
func (n *Notifier) VisitStarted(ctx context.Context, visit domain.Visit) {
	placeID := uuid.Nil
	if visit.PlaceID != nil {
		placeID = *visit.PlaceID
	}
	key := cooldownKey{userID: visit.UserID, placeID: placeID}

	settings, err := n.settings.Current(ctx)
	if err != nil {
		// Without settings the cooldown cannot be evaluated; deliver.
		n.log.Warn("notifier: settings unavailable, skipping cooldown check", "error", err)
	} else if !settings.CooldownDisabled() {
		if last, ok := n.recent.GetIfPresent(key); ok && time.Since(last) < settings.NotificationCooldown {
			metrics.NotificationsSuppressed.Inc()
			n.log.Debug("visit notification suppressed by cooldown",
				"user_id", visit.UserID, "place_id", placeID, "last_notified", last)
			return
		}
	}
	n.recent.Set(key, time.Now())

	payload, err := json.Marshal(VisitStartedEvent{
		VisitID:     visit.ID,
		UserID:      visit.UserID,
		PlaceID:     placeID,
		TripID:      visit.Snapshot.TripID,
		TripName:    visit.Snapshot.TripName,
		RegionName:  visit.Snapshot.RegionName,
		PlaceName:   visit.Snapshot.PlaceName,
		Latitude:    visit.Snapshot.PlaceLat,
		Longitude:   visit.Snapshot.PlaceLon,
		IconName:    visit.Snapshot.IconName,
		MarkerColor: visit.Snapshot.MarkerColor,
		ArrivedAt:   visit.ArrivedAt,
		Source:      visit.Source,
	})
	if err != nil {
		n.log.Error("visit notification payload encode failed", "error", err)
		return
	}

	// Deliver on a context detached from the caller: the confirming
	// request may finish long before the transport does.
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
		defer cancel()

		if err := n.broadcaster.Broadcast(ctx, EventVisitStarted, payload); err != nil {
			metrics.NotificationsFailed.Inc()
			n.log.Error("visit notification failed",
				"error", err, "user_id", visit.UserID, "place_id", placeID)
			return
		}
		metrics.NotificationsSent.Inc()
		n.log.Debug("visit notification sent",
			"user_id", visit.UserID, "place_id", placeID, "place", visit.Snapshot.PlaceName)
	}()
}
