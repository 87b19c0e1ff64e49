package decision

import (
	"log"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/serverledge-faas/offloadge/internal/history"
)

const (
	// MinUlRateFirstOffload and MinDlRateFirstOffload (bits/s) gate offloading
	// when no remote execution is known.
	MinUlRateFirstOffload = 256 * 1000
	MinDlRateFirstOffload = 256 * 1000
	// SwitchSidesAfter consecutive executions on one side force a change of side.
	SwitchSidesAfter = 10
	closestRemotes   = 3
)

// Engine decides where a method should run from its execution history.
type Engine struct {
	store *history.Store
}

func NewEngine(store *history.Store) *Engine {
	return &Engine{store: store}
}

func goodConnectivity(ulRate int64, dlRate int64) bool {
	return ulRate > MinUlRateFirstOffload && dlRate > MinDlRateFirstOffload
}

func locationFor(offload bool) history.Location {
	if offload {
		return history.REMOTE
	}
	return history.LOCAL
}

// Decide applies, in order: cold start, anti-oscillation, cost comparison.
func (e *Engine) Decide(app string, method string, ulRate int64, dlRate int64) history.Location {
	remote := e.store.HistoryFor(app, method, history.REMOTE)
	if len(remote) == 0 {
		offload := goodConnectivity(ulRate, dlRate)
		log.Printf("[%s] no previous remote executions, connectivity good: %v", method, offload)
		return locationFor(offload)
	}

	if side, stuck := stuckOnOneSide(e.store.RecentMixed(method, SwitchSidesAfter)); stuck {
		if side == history.REMOTE {
			log.Printf("[%s] too many remote executions in a row", method)
			return history.LOCAL
		}
		offload := goodConnectivity(ulRate, dlRate)
		log.Printf("[%s] too many local executions in a row, connectivity good: %v", method, offload)
		return locationFor(offload)
	}

	local := e.store.HistoryFor(app, method, history.LOCAL)
	meanLocal := weightedMean(local)
	meanRemote := (weightedMean(remote) + closestMean(remote, ulRate, dlRate)) / 2
	log.Printf("[%s] mean local %d ns, mean remote %d ns", method, meanLocal, meanRemote)
	return locationFor(meanRemote <= meanLocal)
}

func stuckOnOneSide(recent []history.Record) (history.Location, bool) {
	if len(recent) < SwitchSidesAfter {
		return history.AnyLocation, false
	}
	side := recent[0].Location
	for _, r := range recent[1:] {
		if r.Location != side {
			return history.AnyLocation, false
		}
	}
	return side, true
}

// weightedMean halves the weight of each older record: mean = (mean + d) / 2.
func weightedMean(records []history.Record) int64 {
	var mean int64
	for i, r := range records {
		mean += r.ExecDuration
		if i > 0 {
			mean /= 2
		}
	}
	return mean
}

// closestMean weights the three remote records measured at the rates closest
// to the current ones. Ties keep the more recent record.
func closestMean(remote []history.Record, ulRate int64, dlRate int64) int64 {
	current := []float64{float64(ulRate), float64(dlRate)}

	var best [closestRemotes]int
	var bestDist [closestRemotes]float64
	for i := range bestDist {
		bestDist[i] = math.Inf(1)
		best[i] = -1
	}

	for i, r := range remote {
		d := floats.Distance([]float64{float64(r.UlRate), float64(r.DlRate)}, current, 2)
		for slot := 0; slot < closestRemotes; slot++ {
			if d < bestDist[slot] {
				copy(best[slot+1:], best[slot:closestRemotes-1])
				copy(bestDist[slot+1:], bestDist[slot:closestRemotes-1])
				best[slot] = i
				bestDist[slot] = d
				break
			}
		}
	}

	// fewer than three records: missing slots repeat the closest one
	for slot := 1; slot < closestRemotes; slot++ {
		if best[slot] < 0 {
			best[slot] = best[0]
		}
	}

	d1 := remote[best[0]].ExecDuration
	d2 := remote[best[1]].ExecDuration
	d3 := remote[best[2]].ExecDuration
	return ((d3+d2)/2 + d1) / 2
}
