package mmdb

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/oschwald/maxminddb-golang"
	"go.uber.org/zap"

	"github.com/lfrfrfr/beon-guard/pkg/iputil"
	"github.com/lfrfrfr/beon-guard/pkg/logger"
)

// ErrNotLoaded is returned by lookups against a database that is not open
var ErrNotLoaded = errors.New("database not loaded")

// CountryRecord is the subset of a GeoIP2/GeoLite2 country record the
// guard needs
type CountryRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
	RegisteredCountry struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"registered_country"`
}

// Reader resolves countries from a GeoIP database and, optionally, looks
// IPs up in a previously exported blocklist
type Reader struct {
	geoipDB     *maxminddb.Reader
	blocklistDB *maxminddb.Reader
	mu          sync.RWMutex
}

// NewReader opens the databases. An empty path leaves that database
// unloaded.
func NewReader(geoipPath, blocklistPath string) (*Reader, error) {
	reader := &Reader{}

	if geoipPath != "" {
		db, err := maxminddb.Open(geoipPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open GeoIP MMDB: %w", err)
		}
		reader.geoipDB = db
		logger.Info("Loaded GeoIP MMDB", zap.String("path", geoipPath), zap.String("type", db.Metadata.DatabaseType))
	}

	if blocklistPath != "" {
		db, err := maxminddb.Open(blocklistPath)
		if err != nil {
			logger.Warn("Failed to open blocklist MMDB", zap.String("path", blocklistPath), zap.Error(err))
		} else {
			reader.blocklistDB = db
			logger.Info("Loaded blocklist MMDB", zap.String("path", blocklistPath))
		}
	}

	return reader, nil
}

// Close closes all open databases
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	if r.geoipDB != nil {
		errs = append(errs, r.geoipDB.Close())
		r.geoipDB = nil
	}
	if r.blocklistDB != nil {
		errs = append(errs, r.blocklistDB.Close())
		r.blocklistDB = nil
	}
	return errors.Join(errs...)
}

// Reload swaps in freshly opened databases (hot reload). The old handles
// are closed only after the swap.
func (r *Reader) Reload(geoipPath, blocklistPath string) error {
	var newGeo, newBlock *maxminddb.Reader
	var err error

	if geoipPath != "" {
		if newGeo, err = maxminddb.Open(geoipPath); err != nil {
			return fmt.Errorf("failed to reload GeoIP MMDB: %w", err)
		}
	}
	if blocklistPath != "" {
		if newBlock, err = maxminddb.Open(blocklistPath); err != nil {
			if newGeo != nil {
				newGeo.Close()
			}
			return fmt.Errorf("failed to reload blocklist MMDB: %w", err)
		}
	}

	r.mu.Lock()
	oldGeo, oldBlock := r.geoipDB, r.blocklistDB
	r.geoipDB, r.blocklistDB = newGeo, newBlock
	r.mu.Unlock()

	if oldGeo != nil {
		oldGeo.Close()
	}
	if oldBlock != nil {
		oldBlock.Close()
	}

	logger.Info("Reloaded MMDB databases")
	return nil
}

func lookupIP(ip string) (net.IP, error) {
	addr, err := iputil.ParseIP(ip)
	if err != nil {
		return nil, err
	}
	return net.IP(addr.AsSlice()), nil
}

// Country returns the ISO code of the country ip is located in, falling
// back to the registered country. An unknown address yields "".
func (r *Reader) Country(ip string) (string, error) {
	netIP, err := lookupIP(ip)
	if err != nil {
		return "", err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.geoipDB == nil {
		return "", ErrNotLoaded
	}

	var record CountryRecord
	if err := r.geoipDB.Lookup(netIP, &record); err != nil {
		return "", err
	}
	if record.Country.ISOCode != "" {
		return record.Country.ISOCode, nil
	}
	return record.RegisteredCountry.ISOCode, nil
}

// LookupBlocklist returns the exported entry for ip, or nil when the
// address is not listed
func (r *Reader) LookupBlocklist(ip string) (*BlocklistRecord, error) {
	netIP, err := lookupIP(ip)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.blocklistDB == nil {
		return nil, ErrNotLoaded
	}

	var record BlocklistRecord
	if err := r.blocklistDB.Lookup(netIP, &record); err != nil {
		return nil, err
	}
	if record.Status == "" {
		return nil, nil
	}
	return &record, nil
}

// Stats returns metadata about the loaded databases
func (r *Reader) Stats() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := make(map[string]interface{})
	if r.geoipDB != nil {
		meta := r.geoipDB.Metadata
		stats["geoip"] = map[string]interface{}{
			"database_type": meta.DatabaseType,
			"build_epoch":   meta.BuildEpoch,
			"ip_version":    meta.IPVersion,
		}
	}
	if r.blocklistDB != nil {
		meta := r.blocklistDB.Metadata
		stats["blocklist"] = map[string]interface{}{
			"database_type": meta.DatabaseType,
			"build_epoch":   meta.BuildEpoch,
			"node_count":    meta.NodeCount,
			"record_size":   meta.RecordSize,
		}
	}
	return stats
}
