// Command saml10flash erases, programs, verifies, and resets an
// ATSAML10 target over a CMSIS-DAP probe, driven entirely by the
// Boot ROM's Interactive Mode rather than an installed application
// debugger.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/google/gousb"

	"openenterprise/saml10flash/image"
	"openenterprise/saml10flash/internal/clock"
	"openenterprise/saml10flash/internal/config"
	"openenterprise/saml10flash/internal/telemetry"
	"openenterprise/saml10flash/probe"
	"openenterprise/saml10flash/programmer"
	"openenterprise/saml10flash/version"

	"golang.org/x/term"
)

func main() {
	os.Exit(run())
}

func run() int {
	config.LoadEnvFile(".env")

	var (
		imagePath      = flag.String("image", "", "path to the firmware ELF (required unless -reset-only)")
		probeSelector  = flag.String("probe", "", "probe selector VID:PID[:serial] hex, e.g. 0d28:0204 (or SAML10FLASH_PROBE)")
		eraseOnly      = flag.Bool("erase-only", false, "chip-erase and stop, skip program/verify/reset")
		skipVerify     = flag.Bool("skip-verify", false, "skip the read-back verification pass")
		resetOnly      = flag.Bool("reset-only", false, "skip erase/program/verify, only reset the target")
		jsonLogs       = flag.Bool("json", false, "emit structured JSON logs instead of text (or SAML10FLASH_JSON)")
		collectorFlag  = flag.String("telemetry-collector", "", "OTLP-shaped HTTP collector base URL (or SAML10FLASH_COLLECTOR)")
		showVersion    = flag.Bool("version", false, "print version and exit")
	)
	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Printf("saml10flash %s (%s, %s)\n", version.Version, version.GitSHA, version.BuildDate)
		return 0
	}

	logger := newLogger(config.JSONLogs(*jsonLogs))

	if *imagePath == "" && !*resetOnly {
		fmt.Fprintln(os.Stderr, "saml10flash: -image is required unless -reset-only is set")
		flag.Usage()
		return 1
	}

	sel, err := parseProbeSelector(config.ProbeSelector(*probeSelector))
	if err != nil {
		logger.Error("saml10flash:probe_selector_invalid", slog.Any("error", err))
		return 1
	}

	var img *image.FlashImage
	if *imagePath != "" {
		img, err = image.Load(*imagePath, logger)
		if err != nil {
			logger.Error("saml10flash:image_load_failed", slog.Any("error", err))
			return 1
		}
	}

	collector := config.CollectorAddr(*collectorFlag)
	rec := telemetry.New(collector, logger)
	defer rec.Close()

	ctx := context.Background()
	transport := probe.NewHIDTransport(sel)
	h, err := probe.Attach(ctx, transport)
	if err != nil {
		logger.Error("saml10flash:probe_attach_failed", slog.Any("error", err))
		return 1
	}

	deps := programmer.Deps{Clock: clock.Real, Logger: logger, Telemetry: rec}

	switch {
	case *resetOnly:
		_, err = programmer.Reset(ctx, h, deps)
	case *eraseOnly:
		_, err = programmer.Erase(ctx, h, deps)
	case *skipVerify:
		if _, err = programmer.Erase(ctx, h, deps); err == nil {
			if _, err = programmer.Program(ctx, h, img, deps); err == nil {
				_, err = programmer.Reset(ctx, h, deps)
			}
		}
	default:
		_, err = programmer.Run(ctx, h, img, deps)
	}

	if rerr := h.Release(ctx); rerr != nil {
		logger.Warn("saml10flash:probe_release_failed", slog.Any("error", rerr))
	}

	if err != nil {
		return exitCodeFor(err, logger)
	}
	logger.Info("saml10flash:done")
	return 0
}

func exitCodeFor(err error, logger *slog.Logger) int {
	var perr *programmer.Error
	if errors.As(err, &perr) {
		logger.Error("saml10flash:failed", slog.String("kind", perr.Kind.String()), slog.Any("error", perr))
		return 1
	}
	logger.Error("saml10flash:failed", slog.Any("error", err))
	return 1
}

func newLogger(jsonOutput bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if jsonOutput || !term.IsTerminal(int(os.Stdout.Fd())) {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

// parseProbeSelector parses "VID:PID" or "VID:PID:serial" hex
// strings. An empty input selects the cmsis-dap defaults.
func parseProbeSelector(s string) (probe.HIDSelector, error) {
	const defaultVID, defaultPID = 0x0d28, 0x0204 // CMSIS-DAP reference VID:PID (mbed/DAPLink)
	if s == "" {
		return probe.HIDSelector{VendorID: gousb.ID(defaultVID), ProductID: gousb.ID(defaultPID)}, nil
	}
	parts := strings.Split(s, ":")
	if len(parts) < 2 {
		return probe.HIDSelector{}, fmt.Errorf("probe selector %q: want VID:PID[:serial]", s)
	}
	vid, err := strconv.ParseUint(parts[0], 16, 16)
	if err != nil {
		return probe.HIDSelector{}, fmt.Errorf("probe selector %q: bad VID: %w", s, err)
	}
	pid, err := strconv.ParseUint(parts[1], 16, 16)
	if err != nil {
		return probe.HIDSelector{}, fmt.Errorf("probe selector %q: bad PID: %w", s, err)
	}
	sel := probe.HIDSelector{VendorID: gousb.ID(vid), ProductID: gousb.ID(pid)}
	if len(parts) > 2 {
		sel.Serial = parts[2]
	}
	return sel, nil
}

func printUsage() {
	fmt.Println("saml10flash: ATSAML10 Boot ROM flash programmer")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  saml10flash -image firmware.elf [-probe VID:PID[:serial]]")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("Settings may also be provided via environment variables")
	fmt.Println("(or a .env file in the working directory):")
	fmt.Println("  SAML10FLASH_PROBE, SAML10FLASH_COLLECTOR, SAML10FLASH_JSON")
	fmt.Println()
	fmt.Println("Exit codes: 0 success, 1 any typed failure (see the logged \"kind\").")
}
