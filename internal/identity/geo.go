package identity

import (
	"fmt"
	"net"

	"github.com/oschwald/maxminddb-golang"
)

// GeoProvider resolves an IP address to a coarse location code used as a
// corroborating fingerprint signal.
type GeoProvider interface {
	CountryCode(ip string) string
}

// MaxMindGeo resolves country codes from a local MaxMind database.
type MaxMindGeo struct {
	db *maxminddb.Reader
}

// NewMaxMindGeo opens the MaxMind database at path.
func NewMaxMindGeo(path string) (*MaxMindGeo, error) {
	db, err := maxminddb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open MaxMind database: %w", err)
	}
	return &MaxMindGeo{db: db}, nil
}

type geoRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
}

func (g *MaxMindGeo) CountryCode(ip string) string {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ""
	}
	var rec geoRecord
	if err := g.db.Lookup(parsed, &rec); err != nil {
		return ""
	}
	return rec.Country.ISOCode
}

// Close releases the underlying database.
func (g *MaxMindGeo) Close() error {
	return g.db.Close()
}

// NoopGeo is used when no geo database is configured. Fingerprints lose the
// location signal and match with lower confidence.
type NoopGeo struct{}

func (NoopGeo) CountryCode(string) string { return "" }
