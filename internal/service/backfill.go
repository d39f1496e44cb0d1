package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	"github.com/waylog/waylog/internal/domain"
	"github.com/waylog/waylog/internal/geo"
	"github.com/waylog/waylog/internal/metrics"
	"github.com/waylog/waylog/internal/repo"
)

const (
	// placePageSize is how many places one keyset page fetches.
	placePageSize = 200

	// scanConcurrency bounds how many place archives are scanned at once.
	scanConcurrency = 4

	// scanRetries is how many times a failed archive read is retried
	// before the place is reported as failed.
	scanRetries = 2

	// scanBackoff is the initial backoff between archive read retries.
	scanBackoff = 200 * time.Millisecond

	// minConfidence is the score below which a detected session is not
	// proposed.
	minConfidence = 0.4

	// hitSaturation is the weighted-hit count at which the evidence
	// component of the confidence score reaches one half.
	hitSaturation = 1.0
)

// BackfillService re-scans the historical ping archive for a (user, trip)
// pair: proposing visits the live detector missed, flagging recorded visits
// whose supporting evidence is gone, and applying the caller's selection of
// those findings.
type BackfillService struct {
	places   repo.PlaceRepo
	pings    repo.PingRepo
	visits   repo.VisitRepo
	settings SettingsProvider
}

// NewBackfillService constructs a BackfillService from its collaborators.
func NewBackfillService(places repo.PlaceRepo, pings repo.PingRepo, visits repo.VisitRepo, settings SettingsProvider) *BackfillService {
	return &BackfillService{places: places, pings: pings, visits: visits, settings: settings}
}

// Analyze scans the archive for every place on the trip and reports, without
// writing anything: proposed new visits, recorded visits that look stale,
// and recorded visits the archive still supports.
//
// Places are scanned a bounded number at a time; a place whose reads keep
// failing after retries lands in Failed and the rest of the report stays
// valid. Visits at a failed place are listed as existing since no judgment
// about them is possible. Cancelling ctx stops the whole analysis.
func (s *BackfillService) Analyze(ctx context.Context, userID, tripID uuid.UUID, tr domain.TimeRange) (domain.BackfillReport, error) {
	start := time.Now()
	defer func() { metrics.BackfillDuration.Observe(time.Since(start).Seconds()) }()
	metrics.BackfillScans.Inc()

	settings, err := s.settings.Current(ctx)
	if err != nil {
		return domain.BackfillReport{}, fmt.Errorf("service.BackfillService.Analyze: %w", err)
	}
	existing, err := s.visits.ListByTrip(ctx, userID, tripID)
	if err != nil {
		return domain.BackfillReport{}, fmt.Errorf("service.BackfillService.Analyze: %w", err)
	}

	report := domain.BackfillReport{UserID: userID, TripID: tripID}

	var (
		mu      sync.Mutex
		scanned = map[uuid.UUID]domain.Place{}
		support = map[uuid.UUID]int{}
		failed  = map[uuid.UUID]bool{}
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(scanConcurrency)

	afterID := uuid.Nil
	for {
		page, err := s.places.ListByTrip(ctx, tripID, afterID, placePageSize)
		if err != nil {
			return domain.BackfillReport{}, fmt.Errorf("service.BackfillService.Analyze: %w", err)
		}
		if len(page) == 0 {
			break
		}
		afterID = page[len(page)-1].ID

		for _, place := range page {
			g.Go(func() error {
				proposals, hits, err := s.scanPlace(gctx, userID, place, settings, tr)
				if err != nil {
					if gctx.Err() != nil {
						return err
					}
					metrics.BackfillScanFailures.Inc()
					mu.Lock()
					failed[place.ID] = true
					report.Failed = append(report.Failed, domain.PlaceFailure{
						PlaceID:   place.ID,
						PlaceName: place.Name,
						Error:     err.Error(),
					})
					mu.Unlock()
					return nil
				}
				mu.Lock()
				scanned[place.ID] = place
				support[place.ID] = hits
				report.New = append(report.New, proposals...)
				mu.Unlock()
				return nil
			})
		}
		if len(page) < placePageSize {
			break
		}
	}
	if err := g.Wait(); err != nil {
		return domain.BackfillReport{}, fmt.Errorf("service.BackfillService.Analyze: %w", err)
	}

	for _, v := range existing {
		if v.PlaceID != nil && failed[*v.PlaceID] {
			report.Existing = append(report.Existing, domain.SupportedVisit{
				VisitID:   v.ID,
				PlaceID:   *v.PlaceID,
				PlaceName: v.Snapshot.PlaceName,
				ArrivedAt: v.ArrivedAt,
			})
			continue
		}

		addStale := func(reason domain.StaleReason) {
			report.Stale = append(report.Stale, domain.StaleVisit{
				VisitID:   v.ID,
				PlaceID:   v.PlaceID,
				PlaceName: v.Snapshot.PlaceName,
				ArrivedAt: v.ArrivedAt,
				Reason:    reason,
			})
		}

		switch {
		case v.PlaceID == nil:
			addStale(domain.StalePlaceDeleted)
		default:
			place, onTrip := scanned[*v.PlaceID]
			switch {
			case !onTrip:
				// The place row may still exist, but it is no longer on
				// this trip; from the trip's perspective it is gone.
				addStale(domain.StalePlaceDeleted)
			case geo.DistanceM(place.Latitude, place.Longitude, v.Snapshot.PlaceLat, v.Snapshot.PlaceLon) > settings.MaxSearchRadiusM:
				addStale(domain.StalePlaceMoved)
			case support[*v.PlaceID] == 0 && tr.Contains(v.ArrivedAt):
				// Only a scan range that covers the visit can prove the
				// absence of supporting pings.
				addStale(domain.StaleNoPings)
			default:
				report.Existing = append(report.Existing, domain.SupportedVisit{
					VisitID:   v.ID,
					PlaceID:   *v.PlaceID,
					PlaceName: v.Snapshot.PlaceName,
					ArrivedAt: v.ArrivedAt,
					HitCount:  support[*v.PlaceID],
				})
			}
		}
	}

	// An existing visit on the same (place, UTC day) wins over a proposal.
	kept := report.New[:0]
	for _, prop := range report.New {
		if !hasEquivalentVisit(existing, prop) {
			kept = append(kept, prop)
		}
	}
	report.New = kept

	sort.Slice(report.New, func(i, j int) bool {
		if report.New[i].Confidence != report.New[j].Confidence {
			return report.New[i].Confidence > report.New[j].Confidence
		}
		return report.New[i].ArrivedAt.Before(report.New[j].ArrivedAt)
	})

	if report.New == nil {
		report.New = []domain.ProposedVisit{}
	}
	if report.Stale == nil {
		report.Stale = []domain.StaleVisit{}
	}
	if report.Existing == nil {
		report.Existing = []domain.SupportedVisit{}
	}
	return report, nil
}

// hitSample is one archived ping that landed inside a place's widened
// detection radius.
type hitSample struct {
	at   time.Time
	dist float64
	tier int
}

// scanPlace reads the archive around one place and turns qualifying pings
// into proposed visits. The read is retried with backoff; an error here
// means the retry budget ran out. The returned count is the total number of
// qualifying hits, which classification uses as supporting evidence for
// recorded visits.
func (s *BackfillService) scanPlace(ctx context.Context, userID uuid.UUID, place domain.Place, settings domain.DetectionSettings, tr domain.TimeRange) ([]domain.ProposedVisit, int, error) {
	// Widest distance at which any ping can still be a hit: the per-ping
	// effective radius tops out at MaxRadiusM, times the suggestion
	// multiplier.
	reach := settings.MaxRadiusM * settings.SuggestionRadiusMultiplier
	box := geo.BoxAround(place.Latitude, place.Longitude, reach)

	var pings []domain.Ping
	backoff := retry.WithMaxRetries(scanRetries, retry.WithJitter(scanBackoff/2, retry.NewExponential(scanBackoff)))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		pings, err = s.pings.ListNear(ctx, userID, box, tr)
		if err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	var hits []hitSample
	for _, p := range pings {
		if !p.WellFormed() || settings.RejectAccuracy(p.AccuracyM) {
			continue
		}
		d := geo.DistanceM(p.Latitude, p.Longitude, place.Latitude, place.Longitude)
		radius := settings.DetectionRadius(p.AccuracyM)
		if d > radius*settings.SuggestionRadiusMultiplier {
			continue
		}
		tier := 1
		if d > radius {
			tier = int(math.Ceil(d / radius))
		}
		if maxTier := settings.MaxTier(); tier > maxTier {
			tier = maxTier
		}
		hits = append(hits, hitSample{at: p.RecordedAt, dist: d, tier: tier})
	}

	var proposals []domain.ProposedVisit
	for _, session := range sessionize(hits, settings.VisitEndAfter) {
		prop := scoreSession(place, session, settings)
		if prop.Confidence >= minConfidence {
			proposals = append(proposals, prop)
		}
	}
	return proposals, len(hits), nil
}

// sessionize splits time-ordered hits into contiguous runs, breaking
// wherever the gap between neighbors exceeds maxGap.
func sessionize(hits []hitSample, maxGap time.Duration) [][]hitSample {
	var sessions [][]hitSample
	var cur []hitSample
	for _, h := range hits {
		if len(cur) > 0 && h.at.Sub(cur[len(cur)-1].at) > maxGap {
			sessions = append(sessions, cur)
			cur = nil
		}
		cur = append(cur, h)
	}
	if len(cur) > 0 {
		sessions = append(sessions, cur)
	}
	return sessions
}

// scoreSession condenses one run of hits into a proposal. The proposal's
// tier is the best (lowest) tier seen in the run.
func scoreSession(place domain.Place, hits []hitSample, settings domain.DetectionSettings) domain.ProposedVisit {
	distances := make([]float64, len(hits))
	weighted := 0.0
	best := hits[0].tier
	for i, h := range hits {
		distances[i] = h.dist
		weighted += 1.0 / float64(h.tier)
		if h.tier < best {
			best = h.tier
		}
	}
	mean := stat.Mean(distances, nil)

	return domain.ProposedVisit{
		PlaceID:       place.ID,
		PlaceName:     place.Name,
		ArrivedAt:     hits[0].at,
		LastSeenAt:    hits[len(hits)-1].at,
		HitCount:      len(hits),
		MeanDistanceM: mean,
		Tier:          best,
		Confidence:    ConfidenceScore(weighted, mean, settings.MinRadiusM),
	}
}

// ConfidenceScore rates a run of supporting hits in [0, 1). weightedHits is
// the tier-weighted hit count, where a tier-N hit contributes 1/N; meanDistM
// is the mean hit distance in meters; anchorM sets the distance at which the
// proximity component halves. The score is strictly increasing in
// weightedHits and strictly decreasing in meanDistM.
func ConfidenceScore(weightedHits, meanDistM, anchorM float64) float64 {
	if weightedHits <= 0 || anchorM <= 0 || meanDistM < 0 {
		return 0
	}
	evidence := weightedHits / (weightedHits + hitSaturation)
	proximity := anchorM / (anchorM + meanDistM)
	return evidence * proximity
}

// hasEquivalentVisit reports whether any recorded visit matches the
// proposal's place and UTC arrival day.
func hasEquivalentVisit(visits []domain.Visit, prop domain.ProposedVisit) bool {
	for _, v := range visits {
		if v.PlaceID != nil && *v.PlaceID == prop.PlaceID && sameArrivalDay(v.ArrivedAt, prop.ArrivedAt) {
			return true
		}
	}
	return false
}

// sameArrivalDay compares two instants by UTC calendar date, the same
// equivalence rule the database-side idempotence check uses.
func sameArrivalDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

// Apply performs the caller's selection from an earlier Analyze report:
// creating the chosen proposals as closed visits and deleting the chosen
// stale visit IDs, all in one transaction. Creations snapshot the place as
// it is now and are recorded with a backfill source; UserConfirmed selects
// the user-confirmed variant.
//
// Apply is idempotent: a proposal whose (user, place, UTC arrival day)
// already has a visit is skipped, and deleting an already-gone ID is a
// no-op. Re-applying an identical selection therefore changes nothing.
func (s *BackfillService) Apply(ctx context.Context, userID, tripID uuid.UUID, sel domain.BackfillSelection) (domain.BackfillApplyResult, error) {
	if len(sel.Create) == 0 && len(sel.Delete) == 0 {
		return domain.BackfillApplyResult{}, nil
	}

	source := domain.SourceBackfill
	if sel.UserConfirmed {
		source = domain.SourceBackfillConfirmed
	}

	creates := make([]domain.Visit, 0, len(sel.Create))
	var errs error
	for _, prop := range sel.Create {
		place, err := s.places.GetByID(ctx, prop.PlaceID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				errs = multierr.Append(errs, fmt.Errorf("%w: place %s no longer exists", domain.ErrValidation, prop.PlaceID))
				continue
			}
			return domain.BackfillApplyResult{}, fmt.Errorf("service.BackfillService.Apply: %w", err)
		}
		if place.TripID != tripID {
			errs = multierr.Append(errs, fmt.Errorf("%w: place %s is not on trip %s", domain.ErrValidation, prop.PlaceID, tripID))
			continue
		}

		ended := prop.LastSeenAt
		v := domain.Visit{
			UserID:     userID,
			PlaceID:    &place.ID,
			ArrivedAt:  prop.ArrivedAt,
			LastSeenAt: prop.LastSeenAt,
			EndedAt:    &ended,
			Source:     source,
			Snapshot:   domain.SnapshotOf(place),
		}
		if err := v.Validate(); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		creates = append(creates, v)
	}
	if errs != nil {
		// Nothing was written: the selection is stale and the caller
		// should re-run Analyze.
		return domain.BackfillApplyResult{}, fmt.Errorf("service.BackfillService.Apply: %w", errs)
	}

	result, err := s.visits.ApplyBackfill(ctx, userID, creates, sel.Delete)
	if err != nil {
		return domain.BackfillApplyResult{}, fmt.Errorf("service.BackfillService.Apply: %w", err)
	}

	metrics.BackfillVisitsCreated.Add(float64(result.Created))
	metrics.BackfillVisitsDeleted.Add(float64(result.Deleted))
	return result, nil
}
