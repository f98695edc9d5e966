package serial

import (
	"context"
	"strings"
	"time"

	"go.bug.st/serial/enumerator"
)

// PortInfo describes a candidate serial port found by DiscoverPorts.
type PortInfo struct {
	Path         string
	VID, PID     string
	Manufacturer string
	Product      string
	SerialNumber string
}

// manufacturerSubstrings matches EBB-compatible boards that don't report the
// Schmalz Haus USB VID/PID pair directly (e.g. some clones and bootloader
// modes), per §4.A.
var manufacturerSubstrings = []string{"schmalzhaus", "evil mad scientist", "ebb"}

// DiscoverPorts enumerates serial devices, filtering to those that match
// the EBB's USB vendor/product ID or whose product or serial-number string
// contains one of manufacturerSubstrings.
func DiscoverPorts() ([]PortInfo, error) {
	all, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, err
	}
	var out []PortInfo
	for _, p := range all {
		if !p.IsUSB {
			continue
		}
		info := PortInfo{
			Path:         p.Name,
			VID:          strings.ToUpper(p.VID),
			PID:          strings.ToUpper(p.PID),
			SerialNumber: p.SerialNumber,
			Product:      p.Product,
		}
		if matchesEBB(info) && isTTY(info.Path) {
			out = append(out, info)
		}
	}
	return out, nil
}

func matchesEBB(info PortInfo) bool {
	if info.VID == USBVendorID && info.PID == USBProductID {
		return true
	}
	haystack := strings.ToLower(info.Product + " " + info.SerialNumber)
	for _, sub := range manufacturerSubstrings {
		if strings.Contains(haystack, sub) {
			return true
		}
	}
	return false
}

// FindByNickname opens each discovered candidate in turn, issuing a
// nickname query (QT), and returns the path of the first match. Candidates
// that fail to open or answer are skipped rather than failing the whole
// lookup, since other sessions or devices may be present.
func FindByNickname(ctx context.Context, nickname string) (string, error) {
	ports, err := DiscoverPorts()
	if err != nil {
		return "", err
	}
	for _, p := range ports {
		d := New(Config{Device: p.Path, Baud: 9600})
		cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := d.Connect(cctx)
		cancel()
		if err != nil {
			continue
		}
		name, err := d.Nickname(ctx)
		d.Disconnect()
		if err == nil && name == nickname {
			return p.Path, nil
		}
	}
	return "", nil
}
