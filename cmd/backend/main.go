// Command backend is the roadtest host process: it emulates virtio
// I2C, GPIO, and platform devices over vhost-user for a UML guest,
// delegating bus transactions to scripted chip models.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/term"

	"github.com/vwax/roadtest/internal/backend"
	"github.com/vwax/roadtest/internal/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "backend: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	mainScript := flag.String("main-script", "", "Main model script (required)")
	i2cSocket := flag.String("i2c-socket", "", "vhost-user socket path for the I2C device (required)")
	gpioSocket := flag.String("gpio-socket", "", "vhost-user socket path for the GPIO device (required)")
	pciSocket := flag.String("pci-socket", "", "vhost-user socket path for the platform device")
	configPath := flag.String("config", "", "Board configuration file")
	dbg := flag.Bool("debug", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(),
			"usage: backend --main-script PATH --i2c-socket P --gpio-socket P [--pci-socket P] -- UML_BINARY [uml args...]\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	level := slog.LevelInfo
	if *dbg {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:     level,
		AddSource: *dbg && term.IsTerminal(int(os.Stderr.Fd())),
	})))

	if *mainScript == "" {
		return fmt.Errorf("--main-script is required")
	}
	if *i2cSocket == "" {
		return fmt.Errorf("--i2c-socket is required")
	}
	if *gpioSocket == "" {
		return fmt.Errorf("--gpio-socket is required")
	}

	workDir := os.Getenv("ROADTEST_WORK_DIR")
	if workDir == "" {
		return fmt.Errorf("ROADTEST_WORK_DIR is not set")
	}
	if info, err := os.Stat(workDir); err != nil || !info.IsDir() {
		return fmt.Errorf("ROADTEST_WORK_DIR %q is not a directory", workDir)
	}

	board := config.Default()
	if *configPath != "" {
		var err error
		board, err = config.Load(*configPath)
		if err != nil {
			return err
		}
	}

	opts := backend.Options{
		MainScript: *mainScript,
		I2CSocket:  *i2cSocket,
		GPIOSocket: *gpioSocket,
		PCISocket:  *pciSocket,
		WorkDir:    workDir,
		Board:      board,
	}

	if args := flag.Args(); len(args) > 0 {
		opts.UMLBinary = args[0]
		opts.UMLArgs = args[1:]
	}

	b, err := backend.New(opts)
	if err != nil {
		return err
	}
	return b.Run()
}
