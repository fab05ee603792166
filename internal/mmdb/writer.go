package mmdb

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"time"

	"github.com/maxmind/mmdbwriter"
	"github.com/maxmind/mmdbwriter/inserter"
	"github.com/maxmind/mmdbwriter/mmdbtype"
	"go.uber.org/zap"

	"github.com/lfrfrfr/beon-guard/pkg/logger"
	"github.com/lfrfrfr/beon-guard/pkg/models"
)

// Blocklist entry statuses
const (
	StatusBlacklisted = "blacklisted"
	StatusBlocked     = "blocked"
	StatusWhitelisted = "whitelisted"
)

// BlocklistRecord is the data stored per address in an exported blocklist
type BlocklistRecord struct {
	Status       string `maxminddb:"status" json:"status"`
	Score        uint16 `maxminddb:"score" json:"score"`
	Violations   uint32 `maxminddb:"violations" json:"violations"`
	Reason       string `maxminddb:"reason" json:"reason,omitempty"`
	BlockedUntil uint64 `maxminddb:"blocked_until" json:"blockedUntil,omitempty"`
	LastUpdate   uint64 `maxminddb:"last_update" json:"lastUpdate"`
}

// WriterConfig holds configuration for MMDB writing
type WriterConfig struct {
	DatabaseType string
	Description  string
	RecordSize   int // 24, 28, or 32
}

// DefaultWriterConfig returns the default writer configuration
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		DatabaseType: "BEON-Guard-Blocklist",
		Description:  "BEON Guard flagged IP export",
		RecordSize:   28,
	}
}

// Writer exports reputation records to MMDB files
type Writer struct {
	config WriterConfig
	now    func() time.Time
}

// NewWriter creates a new MMDB writer
func NewWriter(config WriterConfig) *Writer {
	if config.RecordSize == 0 {
		config.RecordSize = DefaultWriterConfig().RecordSize
	}
	return &Writer{config: config, now: time.Now}
}

// ExportResult summarizes an export run
type ExportResult struct {
	Path     string        `json:"path"`
	Inserted int           `json:"inserted"`
	Skipped  int           `json:"skipped"`
	Elapsed  time.Duration `json:"elapsed"`
}

// statusOf labels a record for export. Unflagged records are skipped.
func statusOf(r models.Reputation, now time.Time) string {
	switch {
	case r.Whitelisted:
		return StatusWhitelisted
	case r.Blacklisted:
		return StatusBlacklisted
	case r.Blocked(now):
		return StatusBlocked
	default:
		return ""
	}
}

// Export writes every flagged record as a host entry. The file is written
// to a temporary path and renamed into place.
func (w *Writer) Export(records []models.Reputation, outputPath string) (ExportResult, error) {
	start := w.now()
	res := ExportResult{Path: outputPath}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return res, fmt.Errorf("failed to create output directory: %w", err)
	}

	tree, err := mmdbwriter.New(mmdbwriter.Options{
		DatabaseType:            w.config.DatabaseType,
		Description:             map[string]string{"en": w.config.Description},
		RecordSize:              w.config.RecordSize,
		IncludeReservedNetworks: true,
		Inserter:                inserter.ReplaceWith,
	})
	if err != nil {
		return res, fmt.Errorf("failed to create MMDB writer: %w", err)
	}

	for _, r := range records {
		status := statusOf(r, start)
		prefix, err := hostPrefix(r.IP)
		if status == "" || err != nil {
			res.Skipped++
			continue
		}
		if err := tree.Insert(prefixToIPNet(prefix), toRecord(r, status)); err != nil {
			logger.Debug("Failed to insert export entry", zap.String("ip", r.IP), zap.Error(err))
			res.Skipped++
			continue
		}
		res.Inserted++
	}

	tempPath := outputPath + ".tmp"
	file, err := os.Create(tempPath)
	if err != nil {
		return res, fmt.Errorf("failed to create output file: %w", err)
	}
	_, err = tree.WriteTo(file)
	file.Close()
	if err != nil {
		os.Remove(tempPath)
		return res, fmt.Errorf("failed to write MMDB: %w", err)
	}
	if err := os.Rename(tempPath, outputPath); err != nil {
		os.Remove(tempPath)
		return res, fmt.Errorf("failed to rename output file: %w", err)
	}

	res.Elapsed = w.now().Sub(start)
	logger.Info("Blocklist exported",
		zap.String("path", outputPath),
		zap.Int("inserted", res.Inserted),
		zap.Int("skipped", res.Skipped),
		zap.Duration("elapsed", res.Elapsed),
	)
	return res, nil
}

func toRecord(r models.Reputation, status string) mmdbtype.Map {
	var until uint64
	if r.BlockedUntil != nil {
		until = uint64(r.BlockedUntil.Unix())
	}
	return mmdbtype.Map{
		"status":        mmdbtype.String(status),
		"score":         mmdbtype.Uint16(uint16(r.Score)),
		"violations":    mmdbtype.Uint32(uint32(r.Violations)),
		"reason":        mmdbtype.String(r.Reason),
		"blocked_until": mmdbtype.Uint64(until),
		"last_update":   mmdbtype.Uint64(uint64(r.LastUpdate.Unix())),
	}
}

func hostPrefix(ip string) (netip.Prefix, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return netip.Prefix{}, err
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// prefixToIPNet converts netip.Prefix to *net.IPNet
func prefixToIPNet(prefix netip.Prefix) *net.IPNet {
	addr := prefix.Addr()
	return &net.IPNet{
		IP:   net.IP(addr.AsSlice()),
		Mask: net.CIDRMask(prefix.Bits(), addr.BitLen()),
	}
}
