// Package linker re-establishes vehicle identity across polling batches.
// Reports carry no persistent vehicle id, so consecutive batches are matched
// per route under a kinematic plausibility gate: candidate generation,
// reachability filter, mutual-nearest selection, then greedy one-to-one
// assignment ordered by stop-sequence continuity.
package linker

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/benjaminjulian/seinn-v2/internal/common/db"
	"github.com/benjaminjulian/seinn-v2/internal/common/logger"
	"github.com/benjaminjulian/seinn-v2/internal/observation"
	"github.com/benjaminjulian/seinn-v2/pkg/models"
)

const (
	// GateSpeedKMH is a reachability bound, not a speed cap. Pairs whose
	// implied speed exceeds it (plus jitter) cannot be the same vehicle.
	GateSpeedKMH = 120.0
	// JitterBufferM absorbs GPS noise around the reachability radius.
	JitterBufferM = 120.0
	// clockDisagreementS is how far the device-clock delta may diverge from
	// the batch-timestamp delta before the device clocks are distrusted.
	clockDisagreementS = 60.0

	earthRadiusM = 6371000.0
)

// Edge is one candidate identification of a previous-batch observation with
// a current-batch observation.
type Edge struct {
	PrevID       int64
	CurrID       int64
	DistanceM    float64
	DeltaSeconds float64
	SpeedKMH     float64
	Continuity   float64
}

type Linker struct {
	db     *db.DB
	store  *observation.Store
	logger logger.Logger
}

func New(database *db.DB, store *observation.Store, log logger.Logger) *Linker {
	return &Linker{db: database, store: store, logger: log}
}

// Haversine returns the great-circle distance in meters.
func Haversine(aLat, aLon, bLat, bLon float64) float64 {
	p1 := aLat * math.Pi / 180
	p2 := bLat * math.Pi / 180
	dPhi := (bLat - aLat) * math.Pi / 180
	dLambda := (bLon - aLon) * math.Pi / 180
	h := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(p1)*math.Cos(p2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	return 2 * earthRadiusM * math.Asin(math.Sqrt(h))
}

// ChooseDelta picks the elapsed seconds between two observations. The device
// clocks are preferred but untrusted: when the device delta is missing,
// non-positive, or diverges from the server-observed batch delta by more than
// clockDisagreementS, the batch delta wins.
func ChooseDelta(prev, curr *models.Position) float64 {
	recDelta := curr.RecordedAt.Sub(prev.RecordedAt).Seconds()

	prevT, errP := observation.ParseDeviceTime(prev.DeviceTime)
	currT, errC := observation.ParseDeviceTime(curr.DeviceTime)
	if errP != nil || errC != nil {
		return recDelta
	}

	devDelta := currT.Sub(prevT).Seconds()
	if devDelta <= 0 || math.Abs(devDelta-recDelta) > clockDisagreementS {
		return recDelta
	}
	return devDelta
}

// continuityScore favors matches consistent with stop-sequence progression.
func continuityScore(prev, curr *models.Position) float64 {
	switch {
	case prev.StopID.Valid && curr.StopID.Valid && prev.StopID.String == curr.StopID.String:
		return 1.0
	case prev.NextStopID.Valid && curr.NextStopID.Valid && prev.NextStopID.String == curr.NextStopID.String:
		return 0.8
	case prev.NextStopID.Valid && curr.StopID.Valid && prev.NextStopID.String == curr.StopID.String:
		return 0.6
	default:
		return 0
	}
}

// BuildCandidates generates gated edges for one route. Both inputs must
// already be restricted to that route; matching never crosses routes.
func BuildCandidates(prev, curr []models.Position) []Edge {
	gateMPS := GateSpeedKMH / 3.6

	var edges []Edge
	for ci := range curr {
		for pi := range prev {
			p, c := &prev[pi], &curr[ci]

			dt := ChooseDelta(p, c)
			if dt <= 0 {
				continue
			}

			dist := Haversine(p.Latitude, p.Longitude, c.Latitude, c.Longitude)
			if dist > gateMPS*dt+JitterBufferM {
				continue
			}

			edges = append(edges, Edge{
				PrevID:       p.ID,
				CurrID:       c.ID,
				DistanceM:    dist,
				DeltaSeconds: dt,
				SpeedKMH:     (dist / dt) * 3.6,
				Continuity:   continuityScore(p, c),
			})
		}
	}
	return edges
}

// MutualBest keeps only edges that are the lowest-implied-speed choice for
// both their endpoints. Ties on speed are broken by scan order over the edge
// list sorted by (prev id, curr id), which makes the selection deterministic.
func MutualBest(edges []Edge) []Edge {
	sorted := make([]Edge, len(edges))
	copy(sorted, edges)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].PrevID != sorted[j].PrevID {
			return sorted[i].PrevID < sorted[j].PrevID
		}
		return sorted[i].CurrID < sorted[j].CurrID
	})

	bestForPrev := make(map[int64]int)
	bestForCurr := make(map[int64]int)
	for i, e := range sorted {
		if j, ok := bestForPrev[e.PrevID]; !ok || e.SpeedKMH < sorted[j].SpeedKMH {
			bestForPrev[e.PrevID] = i
		}
		if j, ok := bestForCurr[e.CurrID]; !ok || e.SpeedKMH < sorted[j].SpeedKMH {
			bestForCurr[e.CurrID] = i
		}
	}

	var mutual []Edge
	for i, e := range sorted {
		if bestForPrev[e.PrevID] == i && bestForCurr[e.CurrID] == i {
			mutual = append(mutual, e)
		}
	}
	return mutual
}

// Assign greedily accepts mutual-best edges ordered by continuity (desc)
// then implied speed (asc); each endpoint is consumed at most once.
func Assign(mutual []Edge) []Edge {
	sorted := make([]Edge, len(mutual))
	copy(sorted, mutual)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Continuity != sorted[j].Continuity {
			return sorted[i].Continuity > sorted[j].Continuity
		}
		return sorted[i].SpeedKMH < sorted[j].SpeedKMH
	})

	usedPrev := make(map[int64]bool)
	usedCurr := make(map[int64]bool)
	var accepted []Edge
	for _, e := range sorted {
		if usedPrev[e.PrevID] || usedCurr[e.CurrID] {
			continue
		}
		usedPrev[e.PrevID] = true
		usedCurr[e.CurrID] = true
		accepted = append(accepted, e)
	}
	return accepted
}

// Resolve runs the full matching pipeline over two batches, route by route.
func Resolve(prev, curr []models.Position) []Edge {
	prevByRoute := make(map[string][]models.Position)
	for _, p := range prev {
		prevByRoute[p.Route] = append(prevByRoute[p.Route], p)
	}
	currByRoute := make(map[string][]models.Position)
	for _, c := range curr {
		currByRoute[c.Route] = append(currByRoute[c.Route], c)
	}

	routes := make([]string, 0, len(currByRoute))
	for route := range currByRoute {
		routes = append(routes, route)
	}
	sort.Strings(routes)

	var accepted []Edge
	for _, route := range routes {
		prevList := prevByRoute[route]
		if len(prevList) == 0 {
			continue
		}
		edges := BuildCandidates(prevList, currByRoute[route])
		accepted = append(accepted, Assign(MutualBest(edges))...)
	}
	return accepted
}

// Run links the most recent batch against its predecessor and commits the
// accepted matches. With no previous batch this is a no-op. Re-running
// against the same pair reproduces identical state: the commit clears the
// current batch's links before rewriting them.
func (l *Linker) Run(ctx context.Context) (int, error) {
	latest, previous, ok, err := l.store.LatestBatches(ctx)
	if err != nil {
		return 0, err
	}
	if !ok {
		l.logger.Info("No previous batch found for linking")
		return 0, nil
	}

	prevRows, err := l.store.LoadBatch(ctx, previous)
	if err != nil {
		return 0, err
	}
	currRows, err := l.store.LoadBatch(ctx, latest)
	if err != nil {
		return 0, err
	}

	accepted := Resolve(prevRows, currRows)

	tx, err := l.db.BeginTx(ctx)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	// Clean slate for the current batch, then rewrite.
	if _, err := tx.ExecContext(ctx, `
		UPDATE bus_positions
		SET linked_id = NULL, speed_kmh = NULL
		WHERE recorded_at = $1
	`, latest); err != nil {
		return 0, fmt.Errorf("resetting links: %w", err)
	}

	for _, e := range accepted {
		if _, err := tx.ExecContext(ctx, `
			UPDATE bus_positions
			SET linked_id = $1, speed_kmh = $2
			WHERE id = $3
		`, e.PrevID, e.SpeedKMH, e.CurrID); err != nil {
			return 0, fmt.Errorf("writing link for position %d: %w", e.CurrID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing links: %w", err)
	}

	l.logger.Info("Linked batches",
		"previous_batch", previous,
		"current_batch", latest,
		"matches", len(accepted),
		"unmatched_current", len(currRows)-len(accepted))

	return len(accepted), nil
}
