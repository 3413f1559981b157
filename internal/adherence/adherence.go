// Package adherence computes how many resolved doses were actually taken.
package adherence

import (
	"math"
	"sort"

	"github.com/gmsas95/dosewatch/internal/ledger"
)

// Rate returns round(100 * taken / (taken + missed)) over the entries whose
// effective time lies in r. It is 0 when nothing in r is resolved.
func Rate(entries []ledger.Entry, r ledger.Range) int {
	taken, missed := count(entries, r)
	return percent(taken, missed)
}

// Stats is the adherence of one medication.
type Stats struct {
	MedicationID   string `json:"medicationId"`
	MedicationName string `json:"medicationName"`
	Taken          int    `json:"taken"`
	Missed         int    `json:"missed"`
	Rate           int    `json:"rate"`
}

// Report is the overall and per-medication adherence for a range.
type Report struct {
	Rate        int     `json:"rate"`
	Taken       int     `json:"taken"`
	Missed      int     `json:"missed"`
	Medications []Stats `json:"medications"`
}

// Summarize builds a Report, medications ordered by name.
func Summarize(entries []ledger.Entry, r ledger.Range) Report {
	byMed := make(map[string]*Stats)
	var rep Report
	for _, e := range entries {
		if !e.Status.Terminal() || !r.Contains(e.EffectiveTime()) {
			continue
		}
		s, ok := byMed[e.MedicationID]
		if !ok {
			s = &Stats{MedicationID: e.MedicationID, MedicationName: e.MedicationName}
			byMed[e.MedicationID] = s
		}
		if e.Status == ledger.StatusTaken {
			s.Taken++
			rep.Taken++
		} else {
			s.Missed++
			rep.Missed++
		}
	}

	rep.Rate = percent(rep.Taken, rep.Missed)
	rep.Medications = make([]Stats, 0, len(byMed))
	for _, s := range byMed {
		s.Rate = percent(s.Taken, s.Missed)
		rep.Medications = append(rep.Medications, *s)
	}
	sort.Slice(rep.Medications, func(i, j int) bool {
		if rep.Medications[i].MedicationName == rep.Medications[j].MedicationName {
			return rep.Medications[i].MedicationID < rep.Medications[j].MedicationID
		}
		return rep.Medications[i].MedicationName < rep.Medications[j].MedicationName
	})
	return rep
}

func count(entries []ledger.Entry, r ledger.Range) (taken, missed int) {
	for _, e := range entries {
		if !r.Contains(e.EffectiveTime()) {
			continue
		}
		switch e.Status {
		case ledger.StatusTaken:
			taken++
		case ledger.StatusMissed:
			missed++
		}
	}
	return taken, missed
}

func percent(taken, missed int) int {
	total := taken + missed
	if total == 0 {
		return 0
	}
	return int(math.Round(100 * float64(taken) / float64(total)))
}
