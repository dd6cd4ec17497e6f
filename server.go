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

package rublo

import (
	"bufio"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// DefaultListenAddr is where the server binds when no address is
// configured.
const DefaultListenAddr = "127.0.0.1:4989"

const (
	// maxAcceptBackoff caps the accept retry delay. One more failure past
	// this cap is fatal.
	maxAcceptBackoff = 128 * time.Second
	// maxLineBytes bounds a single request line.
	maxLineBytes = 1 << 20
)

// Server accepts line-framed TCP clients and runs each request line through
// the dispatcher. One goroutine per connection; a broken connection kills
// only its goroutine.
type Server struct {
	db     *DB
	log    logrus.FieldLogger
	lis    net.Listener
	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewServer wires a server to an open filter database. The database is not
// owned: closing the server does not close it.
func NewServer(db *DB, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{db: db, log: log}
}

// ListenAndServe binds addr and serves until a fatal accept error or Close.
func (s *Server) ListenAndServe(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "binding %s", addr)
	}
	return s.Serve(lis)
}

// Serve runs the accept loop on lis. Accept failures retry with an
// exponential backoff starting at one second and doubling up to 128
// seconds; a failure past the cap is returned to the caller. A successful
// accept resets the backoff.
func (s *Server) Serve(lis net.Listener) error {
	s.lis = lis
	s.log.WithField("addr", lis.Addr().String()).Info("listening")

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = 2 * maxAcceptBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		conn, err := lis.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			d := bo.NextBackOff()
			if d == backoff.Stop || d > maxAcceptBackoff {
				return errors.Wrap(err, "accept failed")
			}
			s.log.WithError(err).Warnf("accept failed, retrying in %s", d)
			time.Sleep(d)
			continue
		}
		bo.Reset()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// handleConn frames the stream by newline and answers one response per
// request line. Responses carrying embedded newlines (info, list) go out as
// a single write.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	log := s.log.WithField("remote", conn.RemoteAddr().String())
	log.Debug("client connected")

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	w := bufio.NewWriter(conn)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		resp := Dispatch(s.db, line)
		if _, err := w.WriteString(resp + "\n"); err != nil {
			log.WithError(err).Debug("write failed, dropping client")
			return
		}
		if err := w.Flush(); err != nil {
			log.WithError(err).Debug("write failed, dropping client")
			return
		}
	}
	if err := scanner.Err(); err != nil {
		log.WithError(err).Debug("connection error")
	}
	log.Debug("client disconnected")
}

// Close stops accepting and waits for in-flight connections to finish.
func (s *Server) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	if s.lis != nil {
		_ = s.lis.Close()
	}
	s.wg.Wait()
}
