package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tournevent/carrierlink/internal/server"
	"github.com/tournevent/carrierlink/pkg/shipper"
	"go.uber.org/zap"
)

var version = "0.0.1"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "carrierlink",
	Short:   "Multi-carrier shipping integration layer",
	Version: version,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the health, readiness and metrics server",
	RunE:  runServe,
}

var checkAuthCmd = &cobra.Command{
	Use:   "check-auth [carrier...]",
	Short: "Check the configured credentials of every or the named carriers",
	RunE:  runCheckAuth,
}

var trackCmd = &cobra.Command{
	Use:   "track <tracking-number>",
	Short: "Print the tracking events of a shipment as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runTrack,
}

func init() {
	trackCmd.Flags().String("carrier", "", "carrier to ask; all carriers are asked when empty")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(checkAuthCmd)
	rootCmd.AddCommand(trackCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := initApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	a.logger.Info("Starting carrierlink",
		zap.Int("port", a.cfg.Port),
		zap.String("version", a.cfg.Version),
		zap.Strings("carriers", a.orchestrator.Carriers()),
	)

	// Start HTTP server
	srv := server.New(server.Config{Port: a.cfg.Port}, a.orchestrator, a.registry, a.logger)
	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

func runCheckAuth(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := initApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	results := a.orchestrator.TestAuthentication(ctx, args...)

	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Strings(names)

	failed := 0
	out := cmd.OutOrStdout()
	for _, name := range names {
		if err := results[name]; err != nil {
			failed++
			fmt.Fprintf(out, "%-8s FAILED (%s): %v\n", name, shipper.KindName(err), err)
			continue
		}
		fmt.Fprintf(out, "%-8s ok\n", name)
	}

	switch {
	case len(names) == 0:
		return errors.New("no carriers configured")
	case failed > 0:
		return fmt.Errorf("%d of %d carriers failed authentication", failed, len(names))
	}
	return nil
}

func runTrack(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	carrier, _ := cmd.Flags().GetString("carrier")

	a, err := initApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout()+5*time.Second)
	defer cancel()

	result, err := a.orchestrator.TrackShipment(ctx, &shipper.TrackingRequest{
		TrackingNumber: args[0],
		Carrier:        carrier,
	})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
