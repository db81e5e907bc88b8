//go:build windows

package pipe

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/windows"
)

const (
	DllToClientPipe = `\\.\pipe\RallyCam_DllToClient`
	ClientToDllPipe = `\\.\pipe\RallyCam_ClientToDll`
)

// Server owns the two named pipes the companion connects to.
type Server struct {
	m   *Manager
	log logrus.FieldLogger

	mu      sync.Mutex
	handles []windows.Handle
	files   []*os.File
}

func NewServer(m *Manager, log logrus.FieldLogger) *Server {
	return &Server{m: m, log: log}
}

func createPipe(name string, access uint32) (windows.Handle, error) {
	p, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return windows.InvalidHandle, err
	}
	h, err := windows.CreateNamedPipe(p,
		access,
		windows.PIPE_TYPE_MESSAGE|windows.PIPE_READMODE_MESSAGE|windows.PIPE_WAIT,
		1, MaxMessageSize, MaxMessageSize, 0, nil)
	if err != nil {
		return windows.InvalidHandle, fmt.Errorf("CreateNamedPipe(%s): %w", name, err)
	}
	return h, nil
}

func connect(h windows.Handle) error {
	err := windows.ConnectNamedPipe(h, nil)
	if err == nil || errors.Is(err, windows.ERROR_PIPE_CONNECTED) {
		return nil
	}
	return err
}

// Serve creates both pipes, waits for the companion on each and then
// forwards frames until ctx is done. Both pipes are serviced independently.
func (s *Server) Serve(ctx context.Context) error {
	out, err := createPipe(DllToClientPipe, windows.PIPE_ACCESS_OUTBOUND)
	if err != nil {
		return err
	}
	in, err := createPipe(ClientToDllPipe, windows.PIPE_ACCESS_INBOUND)
	if err != nil {
		windows.CloseHandle(out)
		return err
	}
	outFile := os.NewFile(uintptr(out), DllToClientPipe)
	inFile := os.NewFile(uintptr(in), ClientToDllPipe)

	s.mu.Lock()
	s.handles = []windows.Handle{out, in}
	s.files = []*os.File{outFile, inFile}
	s.mu.Unlock()

	go func() {
		if err := connect(out); err != nil {
			s.log.Warnf("companion did not connect to %s: %v", DllToClientPipe, err)
			return
		}
		s.m.Connect(outFile)
		s.log.Info("companion connected")
	}()

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	if err := connect(in); err != nil {
		return fmt.Errorf("ConnectNamedPipe(%s): %w", ClientToDllPipe, err)
	}
	return s.m.Listen(ctx, inFile)
}

// Close cancels pending pipe I/O and closes both pipes. It is safe to call
// more than once.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.m.Disconnect()
	for _, h := range s.handles {
		windows.CancelIoEx(h, nil)
	}
	for _, f := range s.files {
		f.Close()
	}
	s.handles, s.files = nil, nil
}
