package classifier

import (
	"net"

	"github.com/oschwald/geoip2-golang"
)

// GeoIP resolves countries from a MaxMind database on disk.
type GeoIP struct {
	db *geoip2.Reader
}

func OpenGeoIP(path string) (*GeoIP, error) {
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, err
	}
	return &GeoIP{db: db}, nil
}

// Country returns the ISO code for ip, or "" when the address is unknown.
// Lookups never fail a classification.
func (g *GeoIP) Country(ip string) string {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ""
	}
	rec, err := g.db.Country(parsed)
	if err != nil {
		return ""
	}
	return rec.Country.IsoCode
}

func (g *GeoIP) Close() error { return g.db.Close() }
