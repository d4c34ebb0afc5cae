// Package portalloc finds a free TCP port for a new server instance.
package portalloc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os/exec"
	"regexp"
	"runtime"
	"strconv"
	"strings"

	"github.com/Songmengdi/mcp-feedback-collector-sub000/internal/domain"
)

// Defaults for the scanned range.
const (
	DefaultBase  = 5000
	DefaultRange = 100
	DefaultHost  = "127.0.0.1"
)

// HolderFunc returns the pids of processes listening on port.
type HolderFunc func(ctx context.Context, port int) ([]int, error)

// Allocator scans [Base, Base+Range) for the first bindable port. It keeps no
// reservation table: the caller claims the port by binding it right away, and
// losing that race is reported as an error rather than retried.
type Allocator struct {
	Host  string
	Base  int
	Range int
	// CheckProcess additionally asks the OS whether any process holds the
	// candidate, which catches listeners on other interfaces.
	CheckProcess bool
	Holders      HolderFunc

	log *slog.Logger
}

// New returns an allocator over [base, base+size).
func New(base, size int, checkProcess bool, log *slog.Logger) *Allocator {
	if base <= 0 {
		base = DefaultBase
	}
	if size <= 0 {
		size = DefaultRange
	}
	if log == nil {
		log = slog.Default()
	}
	return &Allocator{
		Host:         DefaultHost,
		Base:         base,
		Range:        size,
		CheckProcess: checkProcess,
		Holders:      FindProcessOnPort,
		log:          log.With("component", "portalloc"),
	}
}

// FindAvailable returns the first free port in the range, or
// ErrPortAllocationExhausted wrapped with the scanned range.
func (a *Allocator) FindAvailable(ctx context.Context) (int, error) {
	last := a.Base + a.Range - 1
	if last > 65535 {
		last = 65535
	}
	for port := a.Base; port <= last; port++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if !a.bindable(port) {
			continue
		}
		if a.CheckProcess && a.held(ctx, port) {
			continue
		}
		a.log.Debug("port allocated", "port", port)
		return port, nil
	}
	return 0, fmt.Errorf("%w: no free port in %d-%d", domain.ErrPortAllocationExhausted, a.Base, last)
}

// Addr returns the listen address for port on the allocator's host.
func (a *Allocator) Addr(port int) string {
	host := a.Host
	if host == "" {
		host = DefaultHost
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func (a *Allocator) bindable(port int) bool {
	ln, err := net.Listen("tcp", a.Addr(port))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

func (a *Allocator) held(ctx context.Context, port int) bool {
	holders := a.Holders
	if holders == nil {
		holders = FindProcessOnPort
	}
	pids, err := holders(ctx, port)
	if err != nil {
		// No lsof/netstat on this host: the bind probe has to do.
		a.log.Debug("process check unavailable", "port", port, "error", err)
		return false
	}
	if len(pids) > 0 {
		a.log.Info("port held by another process", "port", port, "pids", pids)
		return true
	}
	return false
}

// FindProcessOnPort lists pids listening on port using lsof, or netstat on
// Windows. A clean "nothing found" exit yields no pids and no error.
func FindProcessOnPort(ctx context.Context, port int) ([]int, error) {
	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(ctx, "netstat", "-ano")
	} else {
		cmd = exec.CommandContext(ctx, "lsof", "-tiTCP:"+strconv.Itoa(port), "-sTCP:LISTEN")
	}

	output, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(output) == 0 {
			return nil, nil
		}
		return nil, fmt.Errorf("find process on port %d: %w", port, err)
	}

	if runtime.GOOS == "windows" {
		return parseNetstatPIDs(string(output), port), nil
	}
	return parseLsofPIDs(string(output)), nil
}

func parseLsofPIDs(output string) []int {
	var pids []int
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		if pid, err := strconv.Atoi(strings.TrimSpace(line)); err == nil && pid > 0 {
			pids = append(pids, pid)
		}
	}
	return pids
}

var netstatLine = regexp.MustCompile(`^\s*TCP\s+\S+:(\d+)\s+\S+\s+LISTENING\s+(\d+)`)

func parseNetstatPIDs(output string, port int) []int {
	var pids []int
	for _, line := range strings.Split(output, "\n") {
		m := netstatLine.FindStringSubmatch(line)
		if m == nil || m[1] != strconv.Itoa(port) {
			continue
		}
		if pid, err := strconv.Atoi(m[2]); err == nil && pid > 0 {
			pids = append(pids, pid)
		}
	}
	return pids
}
