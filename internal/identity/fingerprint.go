package identity

import (
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/castsignal/attribution-engine/internal/models"
)

// Fingerprinter derives stable device hashes from raw signals. A stable
// device identifier dominates when present; otherwise the hash combines the
// softer platform, OS, user-agent and location signals.
type Fingerprinter struct {
	geo GeoProvider
}

// NewFingerprinter creates a fingerprinter backed by the given geo provider.
func NewFingerprinter(geo GeoProvider) *Fingerprinter {
	return &Fingerprinter{geo: geo}
}

// Fingerprint returns the device hash for the signals, or 0 when no usable
// signal is present.
func (f *Fingerprinter) Fingerprint(signals models.DeviceSignals) uint64 {
	if id := normalize(signals.DeviceID); id != "" {
		return xxhash.Sum64String("device:" + id)
	}

	parts := []string{
		normalize(signals.Platform),
		normalize(signals.OS),
		normalize(signals.UserAgent),
		f.geoCode(signals),
	}
	joined := strings.Join(parts, "|")
	if joined == "|||" {
		return 0
	}
	return xxhash.Sum64String("signals:" + joined)
}

// Confidence scores how trustworthy a hash match on these signals is. A
// stable device identifier is near-certain; signal combinations score by how
// many independent signals back them, so sparse fingerprints stay below the
// merge threshold and under-merge rather than over-merge.
func (f *Fingerprinter) Confidence(signals models.DeviceSignals) float64 {
	if normalize(signals.DeviceID) != "" {
		return 0.95
	}
	present := 0
	for _, s := range []string{
		normalize(signals.Platform),
		normalize(signals.OS),
		normalize(signals.UserAgent),
		f.geoCode(signals),
	} {
		if s != "" {
			present++
		}
	}
	switch present {
	case 4:
		return 0.85
	case 3:
		return 0.75
	case 2:
		return 0.6
	case 1:
		return 0.4
	default:
		return 0
	}
}

// GeoCode exposes the resolved location code so it can be persisted with the
// fingerprint record.
func (f *Fingerprinter) GeoCode(signals models.DeviceSignals) string {
	return f.geoCode(signals)
}

func (f *Fingerprinter) geoCode(signals models.DeviceSignals) string {
	if signals.IP == "" {
		return ""
	}
	return f.geo.CountryCode(signals.IP)
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
