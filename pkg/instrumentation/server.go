// Copyright The NRI Plugins Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package instrumentation

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"
)

const (
	// ShutdownTimeout is the time allowed for active requests on Stop.
	ShutdownTimeout = 5 * time.Second
)

// Server is an HTTP server with a request multiplexer which is recreated
// every time the server is started.
type Server struct {
	sync.RWMutex
	server   *http.Server
	mux      *http.ServeMux
	listener net.Listener
	doneCh   chan struct{}
}

// NewServer creates a new, stopped HTTP server.
func NewServer() *Server {
	return &Server{}
}

// Start starts serving HTTP requests on the given address. An empty
// address leaves the server stopped.
func (s *Server) Start(address string) error {
	s.Lock()
	defer s.Unlock()

	s.stop()

	if address == "" {
		log.Info("HTTP server disabled")
		return nil
	}

	l, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen on %q: %w", address, err)
	}

	s.mux = http.NewServeMux()
	s.listener = l
	s.server = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.doneCh = make(chan struct{})

	go func(srv *http.Server, l net.Listener, done chan struct{}) {
		defer close(done)
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server failed: %v", err)
		}
	}(s.server, l, s.doneCh)

	log.Info("HTTP server listening on %s", l.Addr())

	return nil
}

// Stop stops the server.
func (s *Server) Stop() {
	s.Lock()
	defer s.Unlock()
	s.stop()
}

// Reconfigure restarts the server if its address changes.
func (s *Server) Reconfigure(address string) error {
	s.RLock()
	running := s.listener != nil
	s.RUnlock()

	if running && address == s.GetAddress() {
		return nil
	}
	return s.Start(address)
}

// GetMux returns the request multiplexer of a running server, or nil.
func (s *Server) GetMux() *http.ServeMux {
	s.RLock()
	defer s.RUnlock()
	return s.mux
}

// GetAddress returns the address the server is listening on.
func (s *Server) GetAddress() string {
	s.RLock()
	defer s.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) stop() {
	if s.server == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		log.Warn("HTTP server shutdown: %v", err)
		_ = s.server.Close()
	}
	<-s.doneCh

	s.server = nil
	s.mux = nil
	s.listener = nil
	s.doneCh = nil
}
