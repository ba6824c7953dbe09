// axidraw-go is the plotter host daemon. It finds an EBB over USB,
// drives plots through the supervisor and serves the HTTP/websocket
// control API for UIs.
//
// Usage:
//
//	axidraw-go [-config ~/axidraw.cfg] [options]
//
// Options:
//
//	-config string  Host configuration file
//	-port string    Serial device path (overrides config; skips autodetect)
//	-tcp string     Connect to a mock EBB over TCP instead of a serial port
//	-listen string  HTTP listen address (overrides config)
//	-logfile string Log file path (default: stderr)
//
// Examples:
//
//	# Autodetect the EBB and serve on the configured address
//	axidraw-go -config ~/axidraw.cfg
//
//	# Run against the mock EBB
//	mock-ebb -listen 127.0.0.1:9101 &
//	axidraw-go -tcp 127.0.0.1:9101
//
// Copyright (C) 2026  AxiDraw Go Authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"axidraw-go/pkg/config"
	"axidraw-go/pkg/ebb"
	"axidraw-go/pkg/log"
	"axidraw-go/pkg/serial"
	"axidraw-go/pkg/server"
	"axidraw-go/pkg/supervisor"
)

// reconnectBackoff caps the delay between detection attempts after a
// lost connection.
const (
	reconnectBackoffMin = time.Second
	reconnectBackoffMax = 30 * time.Second
)

func main() {
	configFile := flag.String("config", "", "Host configuration file")
	portFlag := flag.String("port", "", "Serial device path (overrides config)")
	tcpAddr := flag.String("tcp", "", "Connect to a mock EBB over TCP")
	listenFlag := flag.String("listen", "", "HTTP listen address (overrides config)")
	logFile := flag.String("logfile", "", "Log file path (default: stderr)")
	flag.Parse()

	logger := log.GetLogger("main")
	if *logFile != "" {
		fileLogger, writer, err := log.NewFileLogger("axidraw", log.RotationConfig{
			Filename: *logFile,
			Compress: true,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening log file: %v\n", err)
			os.Exit(1)
		}
		defer writer.Close()
		log.ConfigureFromEnv(fileLogger)
		fileLogger.SetColorize(false)
		log.SetDefaultLogger(fileLogger)
		logger = log.GetLogger("main")
	}

	hc := config.DefaultHostConfig()
	if *configFile != "" {
		cfg, err := config.Load(*configFile)
		if err != nil {
			logger.WithError(err).Error("config load failed")
			os.Exit(1)
		}
		hc, err = config.LoadHostConfig(cfg)
		if err != nil {
			logger.WithError(err).Error("config resolve failed")
			os.Exit(1)
		}
	}
	if *portFlag != "" {
		hc.Port = *portFlag
	}
	if *listenFlag != "" {
		hc.ListenAddr = *listenFlag
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	shutdownCh := make(chan struct{})
	go func() {
		<-sigCh
		close(shutdownCh)
	}()

	backoff := reconnectBackoffMin
	for {
		err := runOnce(hc, *tcpAddr, shutdownCh, logger)
		select {
		case <-shutdownCh:
			logger.Info("shut down")
			return
		default:
		}
		if err != nil {
			logger.WithError(err).Error("connection lost")
		}
		logger.Info("retrying in %s", backoff)
		select {
		case <-shutdownCh:
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > reconnectBackoffMax {
			backoff = reconnectBackoffMax
		}
	}
}

// openTransport connects to the EBB: TCP when requested, the configured
// serial device otherwise, autodetecting when no device is configured.
func openTransport(hc config.HostConfig, tcpAddr string, logger *log.Logger) (*serial.Port, string, error) {
	if tcpAddr != "" {
		port, err := serial.OpenTCP(tcpAddr, 10*time.Second)
		return port, tcpAddr, err
	}

	scfg := serial.DefaultConfig()
	scfg.Device = hc.Port
	if scfg.Device == "" {
		path, err := serial.WaitForEBB(5 * time.Second)
		if err != nil {
			return nil, "", err
		}
		logger.Info("found EBB at %s", path)
		scfg.Device = path
	}
	port, err := serial.Open(scfg)
	return port, scfg.Device, err
}

// runOnce runs one connection lifetime: open the EBB, serve until the
// connection drops or a shutdown arrives.
func runOnce(hc config.HostConfig, tcpAddr string, shutdownCh <-chan struct{}, logger *log.Logger) error {
	port, path, err := openTransport(hc, tcpAddr, logger)
	if err != nil {
		return err
	}

	drv := ebb.NewDriver(port, ebb.Config{
		MicrostepMode: hc.MicrostepMode,
		PenServoPin:   hc.Device.PenServoPin,
	})
	defer drv.Close()

	ver, err := drv.QueryVersion()
	if err != nil {
		return err
	}
	logger.Info("EBB %s at %s (LM=%v)", ver, path, ver.SupportsLM())

	sup := supervisor.New(drv, nil)
	srv := server.New(server.Config{
		Addr:    hc.ListenAddr,
		Plotter: sup,
		Events:  sup.Events(),
		Device: server.DeviceInfo{
			Hardware:        hc.Hardware.String(),
			Path:            path,
			FirmwareVersion: ver.String(),
			StepsPerMM:      hc.Device.StepsPerMM,
		},
	})

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start()
	}()

	select {
	case <-shutdownCh:
		sup.Cancel()
		sup.Wait()
		srv.Shutdown()
		<-serverErr
		return nil
	case err := <-serverErr:
		return err
	case <-drv.Conn().Done():
		srv.Shutdown()
		<-serverErr
		return fmt.Errorf("EBB connection closed")
	}
}
