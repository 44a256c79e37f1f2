package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/isoshm/internal/sim"
	"github.com/srg/isoshm/pkg/config"
)

type simulateFlags struct {
	links    uint16
	groups   uint8
	count    int
	interval time.Duration
	maxSDU   uint32
	driftPPM int32
	format   string
	events   bool
	timeout  time.Duration
}

func newSimulateCmd() *cobra.Command {
	f := &simulateFlags{}
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Stream SDUs through both cores and report",
		Long: `Starts the controller and the host in one process, binds a TX and an RX
data path per link, streams SDUs that the controller loops back, then
retires every queue, unbinds and waits until the collector freed the
shared memory.

Flags override the configuration file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(cmd, f)
		},
	}

	flags := cmd.Flags()
	flags.Uint16Var(&f.links, "links", 0, "Number of ISO links")
	flags.Uint8Var(&f.groups, "groups", 0, "Number of ISO groups")
	flags.IntVarP(&f.count, "count", "n", 0, "SDUs per link")
	flags.DurationVarP(&f.interval, "interval", "i", 0, "SDU interval")
	flags.Uint32Var(&f.maxSDU, "max-sdu", 0, "Maximum SDU payload in bytes")
	flags.Int32Var(&f.driftPPM, "drift-ppm", 0, "Controller clock drift against the host timer")
	flags.StringVarP(&f.format, "format", "f", "", "Output format (table, json)")
	flags.BoolVar(&f.events, "events", false, "Include the data path trace in JSON output")
	flags.DurationVar(&f.timeout, "timeout", 0, "Abort the run after this long (0 for none)")
	return cmd
}

// apply copies the flags the user set over cfg.
func (f *simulateFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	set := cmd.Flags().Changed
	if set("links") {
		cfg.Stream.Links = f.links
	}
	if set("groups") {
		cfg.Stream.Groups = f.groups
	}
	if set("count") {
		cfg.Stream.Count = f.count
	}
	if set("interval") {
		cfg.Stream.Interval = f.interval
	}
	if set("max-sdu") {
		cfg.Stream.MaxSDU = f.maxSDU
	}
	if set("drift-ppm") {
		cfg.Timer.DriftPPM = f.driftPPM
	}
	if set("format") {
		cfg.OutputFormat = f.format
	}
}

func runSimulate(cmd *cobra.Command, f *simulateFlags) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	f.apply(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	logger.WithFields(logrus.Fields{
		"links": cfg.Stream.Links, "count": cfg.Stream.Count, "interval": cfg.Stream.Interval,
	}).Info("simulation started")

	rep, err := sim.Run(ctx, sim.Options{Config: cfg, Logger: logger, KeepEvents: f.events})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if cfg.OutputFormat == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rep); err != nil {
			return err
		}
	} else {
		printReport(out, rep, cfg.Stream.Count)
	}

	if !rep.Healthy(cfg.Stream.Count) {
		return ErrUnhealthy
	}
	return nil
}

func printReport(out io.Writer, rep *sim.Report, count int) {
	ok := color.New(color.FgGreen).SprintFunc()
	bad := color.New(color.FgRed, color.Bold).SprintFunc()

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "LINK\tGROUP\tTX\tSTAMPED\tRX\tBYTES\tCORRUPT\tLOST\tSTATUS")
	for _, l := range rep.Links {
		status := ok("OK")
		if l.TxSDUs != int64(count) || l.RxSDUs < int64(count) || l.Corrupt != 0 || l.Lost != 0 {
			status = bad("FAIL")
		}
		fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%s\n",
			l.LinkID, l.GroupID, l.TxSDUs, l.TxStamped, l.RxSDUs, l.RxBytes, l.Corrupt, l.Lost, status)
	}
	_ = w.Flush()

	fmt.Fprintln(out)
	gc := rep.GC
	fmt.Fprintf(out, "gc:    retired %d, collected %d, live %d, pending %d, released %d, %d bytes free\n",
		gc.Retired, gc.Collected, gc.Live, gc.Pending, gc.Released, gc.FreeBytes)
	fmt.Fprintf(out, "dma:   %d copies, %d bytes, %d aborted, %d faulted\n",
		rep.DMA.Completed, rep.DMA.Bytes, rep.DMA.Aborted, rep.DMA.Faulted)

	lines := make([]string, 0, len(rep.IRQ))
	for _, l := range rep.IRQ {
		lines = append(lines, fmt.Sprintf("%s %d/%d", l.Name, l.Serviced, l.Raised))
	}
	fmt.Fprintf(out, "irq:   %s (serviced/raised)\n", strings.Join(lines, ", "))

	clock := "not synchronized"
	if rep.ClockValid {
		clock = fmt.Sprintf("%+dus against the controller", rep.ClockError)
	}
	fmt.Fprintf(out, "clock: %s, %d captures, %d overflows\n", clock, rep.Sync.Captures, rep.Sync.Overflows)
	fmt.Fprintf(out, "took:  %s\n", rep.Elapsed.Round(time.Millisecond))
}
