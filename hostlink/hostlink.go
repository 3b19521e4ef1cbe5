/* NVBridge host link server.

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

// TCP front door for host command descriptor blocks, used by test rigs
// and maintenance tooling in place of the USB transport. One frame in,
// one frame out:
//
//	request:  cdb length (1 byte), cdb, data-out length (2 bytes BE), data
//	response: status (1 byte), data-in length (2 bytes BE), data
package hostlink

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	dev "github.com/nvbridge/nvbridge/bridge/device"
	"github.com/nvbridge/nvbridge/bridge/master"
)

// Largest data-out payload accepted in one frame.
const maxPayload = 64 * 1024

// How long a session waits for a deferred command before failing it.
const replyTimeout = 10 * time.Second

// Server accepts host link sessions and forwards their commands to the
// bridge core over the master channel.
type Server struct {
	wg       sync.WaitGroup
	listener net.Listener
	master   chan master.Packet

	mu     sync.Mutex
	conns  map[int]net.Conn
	nextID int
	closed bool
}

// Start a host link server on the given address.
func Start(address string, masterChannel chan master.Packet) (*Server, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("host link listen %s: %w", address, err)
	}
	server := &Server{
		listener: listener,
		master:   masterChannel,
		conns:    make(map[int]net.Conn),
	}
	server.wg.Add(1)
	go server.accept()
	slog.Info("host link listening", "addr", listener.Addr().String())
	return server, nil
}

// Address the server is bound to.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Stop the server and drop every session.
func (s *Server) Stop() {
	s.mu.Lock()
	s.closed = true
	s.listener.Close()
	for _, conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) accept() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				slog.Error("host link accept failed", "err", err)
			}
			return
		}

		s.mu.Lock()
		s.nextID++
		id := s.nextID
		s.conns[id] = conn
		s.mu.Unlock()

		s.wg.Add(1)
		go s.session(id, conn)
	}
}

// One host link session: read frames, run them through the core, write
// replies, until the peer goes away.
func (s *Server) session(id int, conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, id)
		s.mu.Unlock()
		s.master <- master.Packet{Msg: master.Disconnect, ConnID: id}
	}()

	s.master <- master.Packet{Msg: master.Connect, ConnID: id}

	for {
		cdb, data, err := readFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				slog.Warn("host link read failed", "conn", id, "err", err)
			}
			return
		}

		reply := make(chan master.Reply, 1)
		s.master <- master.Packet{
			Msg:    master.HostCommand,
			ConnID: id,
			CDB:    cdb,
			Data:   data,
			Reply:  reply,
		}

		var result master.Reply
		select {
		case result = <-reply:
		case <-time.After(replyTimeout):
			result = master.Reply{Status: dev.HostStatusCheck}
			slog.Warn("host link command timed out", "conn", id)
		}

		if err := writeFrame(conn, result); err != nil {
			slog.Warn("host link write failed", "conn", id, "err", err)
			return
		}
	}
}

func readFrame(conn net.Conn) (cdb []uint8, data []uint8, err error) {
	var cdbLen [1]uint8
	if _, err := io.ReadFull(conn, cdbLen[:]); err != nil {
		return nil, nil, err
	}
	if cdbLen[0] == 0 {
		return nil, nil, fmt.Errorf("zero length CDB")
	}
	cdb = make([]uint8, cdbLen[0])
	if _, err := io.ReadFull(conn, cdb); err != nil {
		return nil, nil, err
	}

	var dataLen [2]uint8
	if _, err := io.ReadFull(conn, dataLen[:]); err != nil {
		return nil, nil, err
	}
	n := int(binary.BigEndian.Uint16(dataLen[:]))
	if n > maxPayload {
		return nil, nil, fmt.Errorf("payload %d over limit", n)
	}
	if n > 0 {
		data = make([]uint8, n)
		if _, err := io.ReadFull(conn, data); err != nil {
			return nil, nil, err
		}
	}
	return cdb, data, nil
}

func writeFrame(conn net.Conn, reply master.Reply) error {
	frame := make([]uint8, 3+len(reply.Data))
	frame[0] = reply.Status
	binary.BigEndian.PutUint16(frame[1:3], uint16(len(reply.Data)))
	copy(frame[3:], reply.Data)
	_, err := conn.Write(frame)
	return err
}
