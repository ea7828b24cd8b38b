package orchestrator

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/zerobytellc/gota/internal/catalog"
	"github.com/zerobytellc/gota/internal/gota"
)

// Status summarises a device's upgrade state for display, analogous to the
// teacher's DeviceStatus/ListDeviceStatus (spec.md §12.3, supplementary —
// not part of the core C1-C4 contract).
type Status struct {
	PeripheralID           string
	Model                  string
	CurrentVersion         string
	TargetVersion          string
	UpToDate               bool
	ManualUpgradeRequired  bool
}

// Target describes one peripheral to evaluate for ListStatus.
type Target struct {
	PeripheralID   string
	Client         string
	Model          string
	Channel        string
	BaseURL        string
	CurrentVersion string
}

// ListStatus resolves the plan for each target and summarises it, without
// applying any update. Targets are filtered by the configured model/exclude
// filters first (spec.md §12.5, grounded on the teacher's FilterDevices).
func (o *Orchestrator) ListStatus(ctx context.Context, targets []Target) []Status {
	var statuses []Status

	for _, t := range targets {
		if !o.passesFilter(t) {
			continue
		}

		status := Status{
			PeripheralID:   t.PeripheralID,
			Model:          t.Model,
			CurrentVersion: t.CurrentVersion,
		}

		plan, err := o.resolver.Resolve(ctx, t.Client, t.Model, t.Channel, t.BaseURL, t.CurrentVersion)
		if err != nil {
			// A target whose plan cannot be resolved is reported with
			// ManualUpgradeRequired set rather than dropped, leaving the
			// decision to the operator.
			status.ManualUpgradeRequired = true
			statuses = append(statuses, status)
			continue
		}

		if !plan.NeedsUpdate() {
			status.UpToDate = true
			statuses = append(statuses, status)
			continue
		}

		status.TargetVersion = plan[len(plan)-1].Version
		// The target declares an apploader prerequisite that the index does
		// not contain, so the plan holds the application image alone.
		if len(plan) == 1 && plan[0].Apploader != "" {
			status.ManualUpgradeRequired = true
		}
		statuses = append(statuses, status)
	}

	return statuses
}

func (o *Orchestrator) passesFilter(t Target) bool {
	if len(o.modelFilter) > 0 && !containsString(o.modelFilter, t.Model) {
		return false
	}

	if matchesAnyPattern(o.excludePatterns, t.PeripheralID) || matchesAnyPattern(o.excludePatterns, t.Model) {
		return false
	}

	return true
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

// FriendlyName returns the human-readable name for a model token, falling
// back to the raw token when unknown (spec.md §12.1).
func FriendlyName(model string) string {
	return catalog.FriendlyName(model)
}

func verifyMD5(path, expected string) error {
	if expected == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return gota.ErrUnknown("failed to read artifact for MD5 verification", err)
	}

	sum := md5.Sum(data)
	actual := hex.EncodeToString(sum[:])
	if actual != expected {
		return fmt.Errorf("md5 mismatch: expected %s, got %s", expected, actual)
	}

	return nil
}
