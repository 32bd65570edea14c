/*
   Keychain - OpenPGP keyring storage
   Copyright (C) 2014  The Keychain Developers

   This program is free software: you can redistribute it and/or modify
   it under the terms of the GNU Affero General Public License as published by
   the Free Software Foundation, version 3.

   This program is distributed in the hope that it will be useful,
   but WITHOUT ANY WARRANTY; without even the implied warranty of
   MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
   GNU Affero General Public License for more details.

   You should have received a copy of the GNU Affero General Public License
   along with this program.  If not, see <http://www.gnu.org/licenses/>.
*/

// Package metrics serves the Prometheus scrape endpoint.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"gopkg.in/tomb.v2"
)

type Metrics struct {
	s      *Settings
	server *http.Server
	t      tomb.Tomb
}

func NewMetrics(s *Settings) *Metrics {
	if s == nil {
		s = DefaultSettings()
	}

	mux := http.NewServeMux()
	mux.Handle(s.MetricsPath, promhttp.Handler())
	return &Metrics{
		s: s,
		server: &http.Server{
			Addr:    s.MetricsAddr,
			Handler: mux,
		},
	}
}

func (m *Metrics) Start() {
	m.t.Go(func() error {
		log.Infof("metrics: listening on %s", m.s.MetricsAddr)
		err := m.server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			log.Errorf("failed to serve metrics: %v", err)
			return err
		}
		return nil
	})
	m.t.Go(func() error {
		<-m.t.Dying()
		return m.server.Shutdown(context.Background())
	})
}

func (m *Metrics) Stop() {
	log.Info("metrics: stopping")
	m.t.Kill(nil)
	if err := m.t.Wait(); err != nil {
		log.Errorf("metrics: %v", err)
	}
	log.Info("metrics: stopped")
}
