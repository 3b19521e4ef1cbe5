/* NVBridge main process.

   Copyright (c) 2025, NVBridge Authors

   Permission is hereby granted, free of charge, to any person obtaining a
   copy of this software and associated documentation files (the "Software"),
   to deal in the Software without restriction, including without limitation
   the rights to use, copy, modify, merge, publish, distribute, sublicense,
   and/or sell copies of the Software, and to permit persons to whom the
   Software is furnished to do so, subject to the following conditions:

   The above copyright notice and this permission notice shall be included in
   all copies or substantial portions of the Software.

   THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
   IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
   FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT.  IN NO EVENT SHALL
   THE AUTHORS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY, WHETHER
   IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN
   CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.

*/

package main

import (
	"os"

	getopt "github.com/pborman/getopt/v2"
	"github.com/pkg/profile"

	core "github.com/nvbridge/nvbridge/bridge/core"
	master "github.com/nvbridge/nvbridge/bridge/master"
	sched "github.com/nvbridge/nvbridge/bridge/sched"
	testport "github.com/nvbridge/nvbridge/bridge/testport"
	reader "github.com/nvbridge/nvbridge/command/reader"
	bridgeconfig "github.com/nvbridge/nvbridge/config/bridgeconfig"
	config "github.com/nvbridge/nvbridge/config/configparser"
	hostlink "github.com/nvbridge/nvbridge/hostlink"
	logger "github.com/nvbridge/nvbridge/util/logger"

	_ "github.com/nvbridge/nvbridge/config/debugconfig"
)

func main() {
	optConfig := getopt.StringLong("config", 'c', "nvbridge.cfg", "Configuration file")
	optLogFile := getopt.StringLong("log", 'l', "", "Log file")
	optDebug := getopt.BoolLong("debug", 'd', "Log debug to console")
	optProfile := getopt.BoolLong("profile", 'p', "Write CPU profile")
	optHelp := getopt.BoolLong("help", 'h', "Help")
	getopt.Parse()

	if *optHelp {
		getopt.Usage()
		os.Exit(0)
	}

	log := logger.Setup(*optLogFile, optDebug)

	if *optProfile {
		defer profile.Start(profile.ProfilePath(".")).Stop()
	}

	log.Info("NVBridge started")

	_, err := os.Stat(*optConfig)
	if os.IsNotExist(err) {
		log.Error("Configuration file " + *optConfig + " can't be found")
		os.Exit(0)
	}

	if err := config.LoadConfigFile(*optConfig); err != nil {
		log.Error(err.Error())
		os.Exit(0)
	}
	cfg := bridgeconfig.Current()

	masterChannel := make(chan master.Packet)

	// The device port. Real hardware would sit behind a bus driver here;
	// the register mock stands in for it.
	port := testport.New()

	bridge, err := core.New(port, core.Settings{
		IODepth:     cfg.IODepth,
		AdminDepth:  cfg.AdminDepth,
		Budget:      cfg.Budget,
		ComplBudget: cfg.ComplBudget,
		TickPeriod:  cfg.TickPeriod,
		ImagePath:   cfg.ImagePath,
	}, masterChannel)
	if err != nil {
		log.Error(err.Error())
		os.Exit(1)
	}

	// Scheduler heartbeat.
	ticker := sched.NewTicker(masterChannel, cfg.TickPeriod)

	// Host link server.
	var server *hostlink.Server
	if cfg.HostPort != "" {
		server, err = hostlink.Start(cfg.HostPort, masterChannel)
		if err != nil {
			log.Error(err.Error())
			os.Exit(1)
		}
	}

	// Start the core loop.
	go bridge.Start()
	ticker.Start()

	msg := make(chan string, 1)
	go func() {
		reader.ConsoleReader(bridge)
		msg <- ""
	}()

	// Wait on shutdown option
	<-msg

	ticker.Shutdown()
	if server != nil {
		server.Stop()
	}
	bridge.Stop()
	log.Info("Servers stopped.")
}
