// Command tapeproxy records and replays the HTTP traffic of a command.
//
//	tapeproxy -tape login -mode read_write -- go test ./...
//
// The proxy is started with the tape and the process proxy settings point
// at it, so the command inherits them. Without a command the proxy runs
// until interrupted.
package main

import (
	"encoding/pem"
	"errors"
	"flag"
	"io/ioutil"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/akupila/tapeproxy"
	"github.com/akupila/tapeproxy/proxy"
	"github.com/akupila/tapeproxy/tape"
	"github.com/sirupsen/logrus"
)

func main() {
	var (
		configFile = flag.String("config", "", "YAML configuration file")
		tapeName   = flag.String("tape", "default", "tape to insert")
		modeName   = flag.String("mode", "", "tape mode: read_write, read_only or write_only (default from configuration)")
		port       = flag.Int("port", -1, "listen port, overrides the configuration")
		mitm       = flag.Bool("tls", false, "intercept HTTPS traffic")
		caOut      = flag.String("ca-out", "", "write the interception CA certificate to this file")
		debug      = flag.Bool("debug", false, "log every exchange")
	)
	flag.Parse()

	log := logrus.New()
	if *debug {
		log.SetLevel(logrus.DebugLevel)
	}

	cfg := tapeproxy.DefaultConfiguration()
	if *configFile != "" {
		var err error
		cfg, err = tapeproxy.LoadConfiguration(*configFile)
		if err != nil {
			log.WithError(err).Fatal("loading configuration")
		}
	}
	if *port >= 0 {
		cfg.Proxy.Port = *port
	}
	if *mitm {
		cfg.Proxy.TLS = true
	}
	mode, err := tape.ParseMode(*modeName)
	if err != nil {
		log.WithError(err).Fatal("parsing mode")
	}

	if *caOut != "" {
		if err := writeCA(cfg.Proxy, *caOut); err != nil {
			log.WithError(err).Fatal("writing CA certificate")
		}
	}

	srv := proxy.New(cfg.Proxy, proxy.WithLogger(log))
	rec := tapeproxy.NewRecorder(cfg, tapeproxy.WithLogger(log))
	rec.AddListener(srv)

	if err := rec.Start(*tapeName, mode); err != nil {
		log.WithError(err).Fatal("starting recorder")
	}

	code := 0
	if args := flag.Args(); len(args) > 0 {
		code = run(log, args)
	} else {
		signals := make(chan os.Signal, 1)
		signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
		sig := <-signals
		log.WithField("signal", sig).Info("shutting down")
	}

	if err := rec.Stop(); err != nil {
		log.WithError(err).Error("stopping recorder")
		if code == 0 {
			code = 1
		}
	}
	os.Exit(code)
}

// run executes args with the overridden proxy settings and returns its exit
// code. Interrupts are forwarded to the command.
func run(log logrus.FieldLogger, args []string) int {
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)

	if err := cmd.Start(); err != nil {
		log.WithError(err).Error("starting command")
		return 127
	}
	go func() {
		for sig := range signals {
			cmd.Process.Signal(sig) // nolint: errcheck
		}
	}()

	err := cmd.Wait()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &exitErr):
		return exitErr.ExitCode()
	default:
		log.WithError(err).Error("running command")
		return 1
	}
}

func writeCA(cfg proxy.Config, path string) error {
	ca, err := proxy.LoadCA(cfg.CACertFile, cfg.CAKeyFile)
	if err != nil {
		return err
	}
	b := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.Leaf.Raw})
	return ioutil.WriteFile(path, b, 0644)
}
