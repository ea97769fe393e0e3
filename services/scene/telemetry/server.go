// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsHandler returns the handler for the default Prometheus registry.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// MetricsServer serves /metrics for the lifetime of a session.
type MetricsServer struct {
	srv  *http.Server
	ln   net.Listener
	done chan struct{}

	serveErr error
}

// ServeMetrics starts serving /metrics on addr.
//
// Description:
//
//	Listens synchronously so a bad address is reported to the caller, then
//	serves in the background until Close is called.
//
// Inputs:
//
//	addr - Listen address such as "127.0.0.1:9464". Port 0 picks a free port.
//
// Outputs:
//
//	*MetricsServer - Running server. Call Close to stop it.
//	error - Non-nil if the address cannot be bound.
func ServeMetrics(addr string) (*MetricsServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", MetricsHandler())

	s := &MetricsServer{
		srv:  &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		ln:   ln,
		done: make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		s.serveErr = s.srv.Serve(ln)
	}()
	return s, nil
}

// Err returns the error that stopped serving, or nil for a clean Close.
// Only meaningful after Close returns.
func (s *MetricsServer) Err() error {
	if errors.Is(s.serveErr, http.ErrServerClosed) {
		return nil
	}
	return s.serveErr
}

// Addr returns the bound address.
func (s *MetricsServer) Addr() string {
	return s.ln.Addr().String()
}

// Close shuts the server down and waits for the serve goroutine.
func (s *MetricsServer) Close(ctx context.Context) error {
	err := s.srv.Shutdown(ctx)
	<-s.done
	return err
}
