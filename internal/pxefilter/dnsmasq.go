package pxefilter

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"grimm.is/ferric/internal/ferr"
	"grimm.is/ferric/internal/logging"
)

// dnsmasq dhcp-hostsdir entry contents. An allowed MAC gets a plain
// dhcp-host line, a denied one the same line with the ignore directive, and
// the wildcard default file denies every MAC without its own entry.
const (
	dnsmasqIgnoreSuffix = ",ignore"
	dnsmasqDefaultFile  = "default.conf"
	dnsmasqDefaultEntry = "*:*:*:*:*:*" + dnsmasqIgnoreSuffix + "\n"
)

// DnsmasqDriver implements the whitelist with a dnsmasq dhcp-hostsdir
// directory: one file per known MAC, containing either a plain dhcp-host
// entry (lease granted) or `<mac>,ignore` (no lease). A wildcard default
// file denies MACs with no entry of their own, so nothing boots unless the
// synchronizer has allowed it. dnsmasq watches the directory with inotify,
// so writes take effect without a reload.
type DnsmasqDriver struct {
	hostsDir string
	logger   *logging.Logger
}

// NewDnsmasqDriver creates the driver, creating hostsDir and the wildcard
// default file if missing.
func NewDnsmasqDriver(hostsDir string, logger *logging.Logger) (*DnsmasqDriver, error) {
	if hostsDir == "" {
		return nil, fmt.Errorf("dnsmasq filter requires a hostsdir path")
	}
	if err := os.MkdirAll(hostsDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create hostsdir: %w", err)
	}
	if logger == nil {
		logger = logging.Default()
	}
	d := &DnsmasqDriver{
		hostsDir: hostsDir,
		logger:   logger.WithComponent("dnsmasq-filter"),
	}
	if err := d.ensureDefaultFile(); err != nil {
		return nil, fmt.Errorf("failed to write wildcard default file: %w", err)
	}
	return d, nil
}

func (d *DnsmasqDriver) Name() string { return "dnsmasq" }

// Apply writes an allow entry per desired MAC and flips entries for MACs no
// longer desired to deny. Deny files are kept, not removed; the wildcard
// default already covers MACs never seen. Files are written via rename so
// dnsmasq never reads a partial entry.
func (d *DnsmasqDriver) Apply(ctx context.Context, desired MACSet) error {
	actual, err := d.Inspect(ctx)
	if err != nil {
		return err
	}

	toAllow, toDeny := desired.Diff(actual)

	for _, mac := range toAllow {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := d.writeHostFile(mac, false); err != nil {
			return ferr.Driver(err, "failed to whitelist %s", mac)
		}
	}
	for _, mac := range toDeny {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := d.writeHostFile(mac, true); err != nil {
			return ferr.Driver(err, "failed to deny %s", mac)
		}
	}

	if len(toAllow) > 0 || len(toDeny) > 0 {
		d.logger.Debug("hostsdir updated", "allowed", len(toAllow), "denied", len(toDeny))
	}
	return nil
}

// Inspect reads the hostsdir and reconstructs the allowed-MAC set: files
// named for a MAC whose entry is not an ignore line. Foreign files
// (operator leftovers, the wildcard default) are skipped.
func (d *DnsmasqDriver) Inspect(ctx context.Context) (MACSet, error) {
	entries, err := os.ReadDir(d.hostsDir)
	if err != nil {
		return nil, ferr.Driver(err, "failed to read hostsdir")
	}

	actual := NewMACSet()
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		mac := macFromFileName(entry.Name())
		if mac == "" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(d.hostsDir, entry.Name()))
		if err != nil {
			return nil, ferr.Driver(err, "failed to read hostsdir entry %s", entry.Name())
		}
		if !strings.Contains(string(data), dnsmasqIgnoreSuffix) {
			actual[mac] = struct{}{}
		}
	}
	return actual, nil
}

func (d *DnsmasqDriver) writeHostFile(mac string, deny bool) error {
	content := mac + "\n"
	if deny {
		content = mac + dnsmasqIgnoreSuffix + "\n"
	}
	return d.writeEntry(fileNameForMAC(mac), content)
}

func (d *DnsmasqDriver) ensureDefaultFile() error {
	path := filepath.Join(d.hostsDir, dnsmasqDefaultFile)
	if data, err := os.ReadFile(path); err == nil && string(data) == dnsmasqDefaultEntry {
		return nil
	}
	return d.writeEntry(dnsmasqDefaultFile, dnsmasqDefaultEntry)
}

func (d *DnsmasqDriver) writeEntry(name, content string) error {
	final := filepath.Join(d.hostsDir, name)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, final)
}

// fileNameForMAC converts a MAC into its hostsdir file name. Colons are
// awkward in file names, so dashes are used on disk.
func fileNameForMAC(mac string) string {
	return strings.ReplaceAll(mac, ":", "-") + ".conf"
}

func macFromFileName(name string) string {
	if !strings.HasSuffix(name, ".conf") {
		return ""
	}
	raw := strings.ReplaceAll(strings.TrimSuffix(name, ".conf"), "-", ":")
	if len(raw) != len("aa:bb:cc:dd:ee:ff") {
		return ""
	}
	return raw
}
