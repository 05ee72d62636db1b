// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// vmtuned is a host daemon that watches virtual machines through the local
// hypervisor and periodically adjusts memory ballooning, CPU bandwidth, I/O
// limits, and KSM according to a policy program.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/version"

	"github.com/GoogleCloudPlatform/vmtune-engine/pkg/config"
	"github.com/GoogleCloudPlatform/vmtune-engine/pkg/controller"
	"github.com/GoogleCloudPlatform/vmtune-engine/pkg/engine"
	"github.com/GoogleCloudPlatform/vmtune-engine/pkg/hypervisor"
	"github.com/GoogleCloudPlatform/vmtune-engine/pkg/logging"
	"github.com/GoogleCloudPlatform/vmtune-engine/pkg/monitor"
	"github.com/GoogleCloudPlatform/vmtune-engine/pkg/web"
)

func main() {
	a := kingpin.New("vmtuned", "A policy-driven tuning daemon for virtual machine hosts.")
	a.Version(version.Print("vmtuned"))
	a.HelpFlag.Short('h')

	var (
		configFile = a.Flag("config.file", "YAML configuration file.").String()

		listenSet  bool
		listenAddr = a.Flag("web.listen-address", "Address to expose the API and metrics on.").
				Default(":8622").IsSetByUser(&listenSet).String()

		logLevel = a.Flag("log.level",
			"The level of logging. Can be one of 'debug', 'info', 'warn', 'error'").
			Default("info").Enum("debug", "info", "warn", "error")
		logFormat = a.Flag("log.format",
			"The format of logging. Can be one of 'logfmt', 'json'").
			Default(logging.LogFormatLogfmt).Enum(logging.LogFormatLogfmt, logging.LogFormatJSON)

		hypSet  bool
		hypName = a.Flag("hypervisor.interface", "Hypervisor adapter to use (libvirt, fake).").
			Default("libvirt").IsSetByUser(&hypSet).String()
		uriSet bool
		hypURI = a.Flag("hypervisor.uri", "Hypervisor connection URI.").
			Default("").IsSetByUser(&uriSet).String()

		policySet  bool
		policyFile = a.Flag("policy", "Path to a single policy file.").
				Default("").IsSetByUser(&policySet).String()
		policyDirSet bool
		policyDir    = a.Flag("policy-dir", "Directory of *.policy fragments.").
				Default("").IsSetByUser(&policyDirSet).String()
	)

	if _, err := a.Parse(os.Args[1:]); err != nil {
		a.Usage(os.Args[1:])
		os.Exit(2)
	}

	logger, err := logging.New(*logLevel, *logFormat, os.Stderr)
	if err != nil {
		kingpin.Fatalf("creating logger: %v", err)
	}

	cfg := config.Default()
	if *configFile != "" {
		cfg, err = config.LoadFile(*configFile)
		if err != nil {
			_ = level.Error(logger).Log("msg", "invalid configuration", "err", err)
			os.Exit(1)
		}
	}
	// Explicit command-line flags win over the configuration file.
	if listenSet {
		cfg.ListenAddress = *listenAddr
	}
	if hypSet {
		cfg.HypervisorInterface = *hypName
	}
	if uriSet {
		cfg.LibvirtURI = *hypURI
	}
	if policySet {
		cfg.Policy = *policyFile
	}
	if policyDirSet {
		cfg.PolicyDir = *policyDir
	}
	if err := cfg.Validate(); err != nil {
		_ = level.Error(logger).Log("msg", "invalid configuration", "err", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	monitor.RegisterMetrics(reg)
	engine.RegisterMetrics(reg)

	hyp, err := hypervisor.New(cfg.HypervisorInterface, hypervisor.Options{
		URI:                cfg.LibvirtURI,
		StatsPeriodSeconds: int(time.Duration(cfg.GuestMonitorInterval) / time.Second),
	})
	if err != nil {
		_ = level.Error(logger).Log("msg", "initializing hypervisor interface", "err", err)
		os.Exit(1)
	}
	defer hyp.Close()

	hostMonitor, err := monitor.NewHostMonitor(log.With(logger, "component", "host-monitor"), monitor.HostOpts{
		Collectors:    cfg.HostCollectors,
		Interval:      time.Duration(cfg.HostMonitorInterval),
		HistoryLength: cfg.SampleHistoryLength,
	})
	if err != nil {
		_ = level.Error(logger).Log("msg", "host monitor initialization failed", "err", err)
		os.Exit(1)
	}

	guestManager := monitor.NewGuestManager(log.With(logger, "component", "guest-manager"), hyp, monitor.ManagerOpts{
		Interval:    time.Duration(cfg.GuestManagerInterval),
		MultiThread: cfg.GuestManagerMultiThread,
		Guest: monitor.GuestOpts{
			Collectors:    cfg.GuestCollectors,
			Interval:      time.Duration(cfg.GuestMonitorInterval),
			HistoryLength: cfg.SampleHistoryLength,
			Hypervisor:    hyp,
		},
	})

	ctrls, err := controller.New(cfg.Controllers, hyp, log.With(logger, "component", "controller"))
	if err != nil {
		_ = level.Error(logger).Log("msg", "controller initialization failed", "err", err)
		os.Exit(1)
	}

	policyEngine := engine.New(log.With(logger, "component", "policy-engine"), engine.Opts{
		Interval:   time.Duration(cfg.PolicyEngineInterval),
		PolicyPath: cfg.Policy,
		PolicyDir:  cfg.PolicyDir,
	}, hostMonitor, guestManager, ctrls)
	if !policyEngine.LoadPolicy() {
		_ = level.Error(logger).Log("msg", "unable to load configured policy")
		os.Exit(1)
	}

	_ = level.Info(logger).Log("msg", "vmtuned starting", "version", version.Version, "hypervisor", cfg.HypervisorInterface)

	var g run.Group
	{
		term := make(chan os.Signal, 1)
		cancel := make(chan struct{})
		signal.Notify(term, os.Interrupt, syscall.SIGTERM)
		g.Add(
			func() error {
				select {
				case <-term:
					_ = level.Info(logger).Log("msg", "received SIGTERM, exiting gracefully...")
				case <-cancel:
				}
				return nil
			},
			func(error) {
				close(cancel)
			},
		)
	}
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			return hostMonitor.Run(ctx)
		}, func(error) {
			cancel()
		})
	}
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			return guestManager.Run(ctx)
		}, func(error) {
			cancel()
		})
	}
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			return policyEngine.Run(ctx)
		}, func(error) {
			cancel()
		})
	}
	{
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		api := web.NewAPI(log.With(logger, "component", "web"), policyEngine, hostMonitor, guestManager, logger)
		api.Register(mux)
		server := &http.Server{Addr: cfg.ListenAddress, Handler: mux}

		g.Add(func() error {
			_ = level.Info(logger).Log("msg", "starting web server", "listen", cfg.ListenAddress)
			return server.ListenAndServe()
		}, func(error) {
			// The group interrupts actors in the order they were added, so
			// the server is shut down after the workers have been told to
			// stop; in-flight requests get a bounded grace period.
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = server.Shutdown(ctx)
		})
	}

	if err := g.Run(); err != nil {
		_ = level.Error(logger).Log("msg", "running vmtuned failed", "err", err)
		os.Exit(1)
	}
	_ = level.Info(logger).Log("msg", "vmtuned ending")
}
