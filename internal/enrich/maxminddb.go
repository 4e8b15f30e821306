package enrich

import (
	"fmt"
	"net"

	"github.com/oschwald/maxminddb-golang"
)

// MaxMindLookup resolves IPs against a GeoLite2-City-formatted
// database file, opened once at startup and held read-only for the
// life of the process (the mmap'd reader is safe for concurrent use).
type MaxMindLookup struct {
	reader *maxminddb.Reader
}

// OpenMaxMindLookup memory-maps the database at path.
func OpenMaxMindLookup(path string) (*MaxMindLookup, error) {
	reader, err := maxminddb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening geoip database: %w", err)
	}
	return &MaxMindLookup{reader: reader}, nil
}

// geoLiteCityRecord mirrors the subset of GeoLite2-City fields this
// lookup needs.
type geoLiteCityRecord struct {
	Country struct {
		ISOCode string            `maxminddb:"iso_code"`
		Names   map[string]string `maxminddb:"names"`
	} `maxminddb:"country"`
	City struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"city"`
	Location struct {
		Latitude       float64 `maxminddb:"latitude"`
		Longitude      float64 `maxminddb:"longitude"`
		AccuracyRadius int     `maxminddb:"accuracy_radius"`
	} `maxminddb:"location"`
}

func (m *MaxMindLookup) Lookup(ip net.IP) (GeoResult, error) {
	var record geoLiteCityRecord
	if err := m.reader.Lookup(ip, &record); err != nil {
		return GeoResult{}, fmt.Errorf("geoip lookup: %w", err)
	}
	if record.Country.ISOCode == "" {
		return GeoResult{}, lookupError("not_found")
	}
	return GeoResult{
		Country:        record.Country.Names["en"],
		CountryCode:    record.Country.ISOCode,
		City:           record.City.Names["en"],
		Latitude:       record.Location.Latitude,
		Longitude:      record.Location.Longitude,
		AccuracyRadius: record.Location.AccuracyRadius,
	}, nil
}

// Close releases the memory-mapped database file.
func (m *MaxMindLookup) Close() error {
	return m.reader.Close()
}
