// Package capabilities shrinks the process capability bounding set to the
// minimum procmgrd needs before it opens its socket.
//
// The bounding set can only shrink, so Drop is irreversible for the lifetime
// of the process. Any failure leaves the daemon unable to start: running with
// more privilege than declared is worse than not running.
package capabilities

import (
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/syndtr/gocapability/capability"
	"golang.org/x/sys/unix"
)

// LastCapPath reports the highest capability index known to the running kernel.
const LastCapPath = "/proc/sys/kernel/cap_last_cap"

// DefaultKeep is the retained set: changing user/group identity and
// adjusting niceness, affinity and scheduling class of other processes.
var DefaultKeep = []capability.Cap{
	capability.CAP_SETUID,
	capability.CAP_SETGID,
	capability.CAP_SYS_NICE,
}

// Kernel is the narrow set of kernel operations the Dropper needs.
type Kernel interface {
	// LastCap returns the platform's maximum capability index.
	LastCap() (capability.Cap, error)
	// DropBound removes c from the calling process's bounding set.
	DropBound(c capability.Cap) error
	// Bounding returns the capabilities currently in the bounding set, up to last.
	Bounding(last capability.Cap) ([]capability.Cap, error)
}

// Dropper revokes every bounding-set capability not in its keep-list.
type Dropper struct {
	kernel Kernel
	keep   []capability.Cap
	logger *slog.Logger
}

// NewDropper creates a Dropper operating on the calling process.
// A nil keep-list means DefaultKeep.
func NewDropper(keep []capability.Cap, logger *slog.Logger) *Dropper {
	return newDropper(SystemKernel{}, keep, logger)
}

func newDropper(k Kernel, keep []capability.Cap, logger *slog.Logger) *Dropper {
	if keep == nil {
		keep = DefaultKeep
	}
	return &Dropper{
		kernel: k,
		keep:   slices.Clone(keep),
		logger: logger.With(slog.String("component", "capabilities")),
	}
}

// Drop iterates capability indices 0..LastCap and drops every one not in the
// keep-list. It returns the kept capabilities that exist on this kernel.
func (d *Dropper) Drop() ([]capability.Cap, error) {
	last, err := d.kernel.LastCap()
	if err != nil {
		return nil, fmt.Errorf("failed to read last capability index: %w", err)
	}

	var retained []capability.Cap
	dropped := 0
	for c := capability.Cap(0); c <= last; c++ {
		if d.keeps(c) {
			retained = append(retained, c)
			continue
		}
		if err := d.kernel.DropBound(c); err != nil {
			return nil, fmt.Errorf("failed to drop %s from bounding set: %w", c, err)
		}
		dropped++
	}

	d.logger.Info("capability bounding set reduced",
		slog.Int("last_cap", int(last)),
		slog.Int("dropped", dropped),
		slog.String("retained", Names(retained)),
	)

	return retained, nil
}

// Verify reloads the bounding set and fails if it holds anything outside the
// keep-list.
func (d *Dropper) Verify() error {
	last, err := d.kernel.LastCap()
	if err != nil {
		return fmt.Errorf("failed to read last capability index: %w", err)
	}

	present, err := d.kernel.Bounding(last)
	if err != nil {
		return fmt.Errorf("failed to load bounding set: %w", err)
	}

	var extra []capability.Cap
	for _, c := range present {
		if !d.keeps(c) {
			extra = append(extra, c)
		}
	}
	if len(extra) > 0 {
		return fmt.Errorf("bounding set still holds %s", Names(extra))
	}
	return nil
}

func (d *Dropper) keeps(c capability.Cap) bool {
	return slices.Contains(d.keep, c)
}

// Names renders caps as a comma-separated list of kernel names.
func Names(caps []capability.Cap) string {
	names := make([]string, len(caps))
	for i, c := range caps {
		names[i] = c.String()
	}
	return strings.Join(names, ",")
}

// SystemKernel implements Kernel against the running kernel.
type SystemKernel struct{}

// LastCap reads LastCapPath.
func (SystemKernel) LastCap() (capability.Cap, error) {
	data, err := os.ReadFile(LastCapPath)
	if err != nil {
		return 0, err
	}
	return parseLastCap(string(data))
}

// DropBound issues prctl(PR_CAPBSET_DROP).
func (SystemKernel) DropBound(c capability.Cap) error {
	return unix.Prctl(unix.PR_CAPBSET_DROP, uintptr(c), 0, 0, 0)
}

// Bounding loads the bounding set of the calling process.
func (SystemKernel) Bounding(last capability.Cap) ([]capability.Cap, error) {
	caps, err := capability.NewPid2(0)
	if err != nil {
		return nil, err
	}
	if err := caps.Load(); err != nil {
		return nil, err
	}

	var present []capability.Cap
	for c := capability.Cap(0); c <= last; c++ {
		if caps.Get(capability.BOUNDING, c) {
			present = append(present, c)
		}
	}
	return present, nil
}

func parseLastCap(s string) (capability.Cap, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid cap_last_cap %q: %w", strings.TrimSpace(s), err)
	}
	if n < 0 || n > 63 {
		return 0, fmt.Errorf("cap_last_cap %d out of range", n)
	}
	return capability.Cap(n), nil
}
