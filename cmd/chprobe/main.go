// chprobe queries the status port of an IPbus 2.0 target and reports
// its reply-buffer depth and next expected packet id.
package main

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/go-daq/controlhub/devclient"
)

var (
	timeout  time.Duration
	attempts int
)

var rootCmd = &cobra.Command{
	Use:          "chprobe <ip:port>",
	Short:        "Probe the status port of an IPbus 2.0 target",
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ip, port, err := splitTarget(args[0])
		if err != nil {
			return err
		}
		cfg := devclient.Config{Timeout: timeout, StatusAttempts: attempts}
		st, err := devclient.Probe(ip, port, cfg)
		if err != nil {
			color.Red("%v:%d unreachable", ip, port)
			return err
		}
		color.Green("%v:%d alive", ip, port)
		fmt.Printf("  reply buffers:    %d\n", st.NrBuffers)
		fmt.Printf("  next expected id: %d (0x%04x)\n", st.NextID, st.NextID)
		return nil
	},
}

func splitTarget(s string) (net.IP, uint16, error) {
	host, portstr, found := strings.Cut(s, ":")
	if !found {
		return nil, 0, fmt.Errorf("target must be ip:port, got %q", s)
	}
	ip := net.ParseIP(host)
	if ip == nil || ip.To4() == nil {
		return nil, 0, fmt.Errorf("%q is not an IPv4 address", host)
	}
	port, err := strconv.ParseUint(portstr, 10, 16)
	if err != nil {
		return nil, 0, fmt.Errorf("bad port %q: %v", portstr, err)
	}
	return ip, uint16(port), nil
}

func main() {
	rootCmd.Flags().DurationVar(&timeout, "timeout", devclient.DefaultTimeout, "per-attempt reply timeout")
	rootCmd.Flags().IntVar(&attempts, "attempts", devclient.DefaultStatusAttempts, "status query attempts before giving up")
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
