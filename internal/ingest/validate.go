package ingest

import (
	"sort"

	"github.com/lox/stationgrid/internal/config"
	"github.com/lox/stationgrid/internal/models"
)

type plausibility struct {
	variable string
	flag     string
	min, max float64
}

// Validator checks observations against the plausible range configured for
// each variable.
type Validator struct {
	rules []plausibility
}

// NewValidator collects the ranges of vars. Variables without a range are
// not checked.
func NewValidator(vars []config.Variable) *Validator {
	v := &Validator{}
	for _, cv := range vars {
		if len(cv.Plausible) != 2 {
			continue
		}
		flag := cv.Flag
		if flag == "" {
			flag = cv.Name + "_out_of_range"
		}
		v.rules = append(v.rules, plausibility{
			variable: cv.Name,
			flag:     flag,
			min:      cv.Plausible[0],
			max:      cv.Plausible[1],
		})
	}
	return v
}

// Validate returns the sorted, distinct flags raised by obs. Flags are
// warnings; the observation is kept either way.
func (v *Validator) Validate(obs models.Observation) []string {
	var flags []string
	seen := make(map[string]bool)
	for _, rule := range v.rules {
		val, ok := obs.Value(rule.variable)
		if !ok {
			continue
		}
		if (val < rule.min || val > rule.max) && !seen[rule.flag] {
			seen[rule.flag] = true
			flags = append(flags, rule.flag)
		}
	}
	sort.Strings(flags)
	return flags
}
