/*
 * Copyright 2024 The Rublo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Command rublo runs the scalable Bloom filter server.
package main

import (
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/rublo/rublo"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to the YAML configuration file")
		listenOn   = flag.String("listen", "", "listen address, overrides the config file")
		dataDir    = flag.String("data-dir", rublo.DefaultDataDir, "directory holding persisted filters")
		debug      = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *debug {
		log.SetLevel(logrus.DebugLevel)
	}

	cfg := rublo.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = rublo.LoadConfig(*configPath); err != nil {
			log.WithError(err).Fatal("cannot load configuration")
		}
	}
	if *listenOn != "" {
		cfg.ListenOn = *listenOn
	}
	scale, err := rublo.ParseScaleFactor(cfg.ScaleFactor)
	if err != nil {
		log.WithError(err).Fatal("cannot load configuration")
	}

	db, err := rublo.OpenDB(&rublo.DBConfig{
		Dir:         *dataDir,
		ScaleFactor: scale,
		Logger:      log,
		Metrics:     true,
	})
	if err != nil {
		log.WithError(err).Fatal("cannot open filter database")
	}

	var resident uint64
	entries := db.List()
	for _, e := range entries {
		info, err := db.Info(e.Name)
		if err != nil {
			continue
		}
		resident += info.ByteSpace
	}
	log.WithFields(logrus.Fields{
		"filters":  len(entries),
		"resident": humanize.IBytes(resident),
		"data-dir": *dataDir,
	}).Info("filter database loaded")

	srv := rublo.NewServer(db, log)
	lis, err := net.Listen("tcp", cfg.ListenOn)
	if err != nil {
		db.Close()
		log.WithError(err).Fatalf("cannot bind %s", cfg.ListenOn)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.WithField("signal", sig.String()).Info("shutting down")
		srv.Close()
	}()

	if err := srv.Serve(lis); err != nil {
		db.Close()
		log.WithError(err).Fatal("server terminated")
	}
	db.Close()
	log.Info("bye")
}
