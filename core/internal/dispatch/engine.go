package dispatch

import (
	"errors"
	"math"
	"sort"
	"time"
)

var ErrNoEligibleUnit = errors.New("no eligible unit")

const earthRadiusKM = 6371.0088

// EngineParams are the assignment knobs; see shared/config for defaults.
type EngineParams struct {
	RadiusKM       float64
	StaleAfter     time.Duration
	AvgSpeedKMH    float64
	WeightETA      float64
	WeightPriority float64

	// Now is injectable so staleness filtering is testable; nil means
	// time.Now.
	Now func() time.Time
}

// Engine ranks candidate units for a call. It performs no I/O and holds no
// mutable state, so concurrent use needs no synchronization and speculative
// "what if" runs are safe.
type Engine struct {
	params EngineParams
}

func NewEngine(params EngineParams) *Engine {
	if params.RadiusKM <= 0 {
		params.RadiusKM = 15
	}
	if params.StaleAfter <= 0 {
		params.StaleAfter = 120 * time.Second
	}
	if params.AvgSpeedKMH <= 0 {
		params.AvgSpeedKMH = 50
	}
	if params.WeightETA <= 0 {
		params.WeightETA = 1
	}
	if params.Now == nil {
		params.Now = time.Now
	}
	return &Engine{params: params}
}

// Assign returns the best unit for the call within radiusKM, or
// ErrNoEligibleUnit. radiusKM <= 0 uses the configured default. Ties on score
// break on the lexicographically lower unit id so results are deterministic.
func (e *Engine) Assign(call Call, candidates []Unit, radiusKM float64) (AssignmentResult, error) {
	if CallTerminal(call.Status) {
		return AssignmentResult{}, ErrInvalidTransition
	}
	if radiusKM <= 0 {
		radiusKM = e.params.RadiusKM
	}
	now := e.params.Now()

	considered := make([]AssignmentCandidate, 0, len(candidates))
	eligible := make([]AssignmentCandidate, 0, len(candidates))
	for _, u := range candidates {
		c := AssignmentCandidate{UnitID: u.ID}
		switch {
		case u.Status != UnitAvailable:
			c.Reason = "not_available"
		case u.CurrentCallID != nil:
			c.Reason = "already_linked"
		case now.Sub(u.LocationUpdatedAt) > e.params.StaleAfter:
			c.Reason = "stale_location"
		default:
			c.DistanceKM = Haversine(call.Location, u.Location)
			if c.DistanceKM > radiusKM {
				c.Reason = "out_of_radius"
			} else {
				c.ETASeconds = etaSeconds(c.DistanceKM, e.params.AvgSpeedKMH)
				c.Eligible = true
			}
		}
		considered = append(considered, c)
		if c.Eligible {
			eligible = append(eligible, c)
		}
	}

	if len(eligible) == 0 {
		return AssignmentResult{Considered: considered}, ErrNoEligibleUnit
	}

	penalty := PriorityPenalty(call.Priority)
	score := func(c AssignmentCandidate) float64 {
		return e.params.WeightETA*float64(c.ETASeconds) + e.params.WeightPriority*penalty
	}
	sort.Slice(eligible, func(i, j int) bool {
		si, sj := score(eligible[i]), score(eligible[j])
		if si == sj {
			return eligible[i].UnitID.String() < eligible[j].UnitID.String()
		}
		return si < sj
	})

	best := eligible[0]
	return AssignmentResult{
		UnitID:     best.UnitID,
		DistanceKM: best.DistanceKM,
		ETASeconds: best.ETASeconds,
		Score:      score(best),
		Considered: considered,
	}, nil
}

// Haversine returns the great-circle distance between two points in km.
func Haversine(a Location, b Location) float64 {
	latA := a.Lat * math.Pi / 180
	latB := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(latA)*math.Cos(latB)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKM * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

func etaSeconds(distanceKM float64, speedKMH float64) int {
	sec := distanceKM / speedKMH * 3600
	return int(math.Ceil(sec))
}
