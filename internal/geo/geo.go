// Package geo enriches block records with the ISO country code of the blocked
// address, read from a MaxMind GeoLite2/GeoIP2 country database.
package geo

import (
	"net"
	"sync"

	"github.com/oschwald/geoip2-golang"
	"github.com/pkg/errors"

	"github.com/sentinelai/dmcf/internal/logger"
	"github.com/sentinelai/dmcf/pkg/factory"
)

// Resolver maps an IP address to a country code. An empty string means
// "unknown".
type Resolver interface {
	CountryCode(ip string) string
	Close() error
}

// NewResolver opens the configured database. When GeoIP is disabled the
// returned Resolver always answers "".
func NewResolver(geoConfig factory.GeoIPSection) (Resolver, error) {
	if !geoConfig.Enable {
		return disabledResolver{}, nil
	}

	reader, openError := geoip2.Open(geoConfig.DatabasePath)
	if openError != nil {
		return nil, errors.Wrapf(openError, "open geoip database %s", geoConfig.DatabasePath)
	}
	logger.GeoLog.Infof("GeoIP database loaded from %s", geoConfig.DatabasePath)
	return &maxmindResolver{reader: reader}, nil
}

type disabledResolver struct{}

func (disabledResolver) CountryCode(string) string { return "" }
func (disabledResolver) Close() error             { return nil }

type maxmindResolver struct {
	mutexForReader sync.RWMutex
	reader         *geoip2.Reader
}

// CountryCode implements Resolver.
func (resolver *maxmindResolver) CountryCode(ip string) string {
	parsedIP := net.ParseIP(ip)
	if parsedIP == nil {
		return ""
	}

	resolver.mutexForReader.RLock()
	defer resolver.mutexForReader.RUnlock()
	if resolver.reader == nil {
		return ""
	}

	record, lookupError := resolver.reader.Country(parsedIP)
	if lookupError != nil {
		logger.GeoLog.Debugf("country lookup failed ip=%s: %v", ip, lookupError)
		return ""
	}
	return record.Country.IsoCode
}

// Close implements Resolver.
func (resolver *maxmindResolver) Close() error {
	resolver.mutexForReader.Lock()
	defer resolver.mutexForReader.Unlock()
	if resolver.reader == nil {
		return nil
	}
	closeError := resolver.reader.Close()
	resolver.reader = nil
	return closeError
}
