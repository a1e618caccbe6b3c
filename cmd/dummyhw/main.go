// dummyhw serves an in-process IPbus 2.0 dummy target until
// interrupted. Handy for exercising device clients and chprobe
// without hardware.
package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/spf13/cobra"

	"github.com/go-daq/controlhub/dummyhw"
)

var (
	port  int
	debug bool
)

var rootCmd = &cobra.Command{
	Use:          "dummyhw",
	Short:        "Serve an IPbus 2.0 dummy target",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
		logger = log.With(logger, "ts", log.DefaultTimestampUTC)
		if !debug {
			logger = level.NewFilter(logger, level.AllowInfo())
		}
		hw, err := dummyhw.New(port, logger)
		if err != nil {
			return err
		}
		level.Info(logger).Log("msg", "dummy target serving", "control", port, "status", port+1, "resend", port+2)

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-sig
			hw.Stop()
		}()
		return hw.Run()
	},
}

func main() {
	rootCmd.Flags().IntVar(&port, "port", 50001, "control port (status and resend listen on the two ports above)")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging, including dropped and ignored datagrams")
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
