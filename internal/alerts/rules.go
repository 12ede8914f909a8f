package alerts

import (
	"errors"
	"fmt"

	"github.com/metorial/telemetry-hub/internal/models"
)

func DefaultRules() []models.AlertRule {
	return []models.AlertRule{
		{Kind: models.MetricCPU, Low: 70, Medium: 80, High: 90},
		{Kind: models.MetricMemory, Low: 75, Medium: 85, High: 95},
		{Kind: models.MetricDisk, Low: 80, Medium: 90, High: 95},
	}
}

// ValidateRules checks every rule and rejects duplicate kinds.
func ValidateRules(rules []models.AlertRule) error {
	seen := make(map[models.MetricKind]bool, len(rules))
	var errs []error
	for _, r := range rules {
		if seen[r.Kind] {
			errs = append(errs, fmt.Errorf("duplicate rule for %s", r.Kind))
			continue
		}
		seen[r.Kind] = true
		if err := r.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MergeRules overlays overrides on base by metric kind.
func MergeRules(base, overrides []models.AlertRule) []models.AlertRule {
	byKind := make(map[models.MetricKind]int, len(base))
	out := make([]models.AlertRule, len(base))
	copy(out, base)
	for i, r := range out {
		byKind[r.Kind] = i
	}
	for _, r := range overrides {
		if i, ok := byKind[r.Kind]; ok {
			out[i] = r
			continue
		}
		byKind[r.Kind] = len(out)
		out = append(out, r)
	}
	return out
}
