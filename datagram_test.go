package ntc

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestDriver(t *testing.T) *ReactorDriver {
	t.Helper()
	d, err := NewReactorDriver()
	if err != nil {
		t.Fatalf("NewReactorDriver() error = %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestDatagramSocket_SendReceiveEcho(t *testing.T) {
	driver := newTestDriver(t)

	serverPath := filepath.Join(t.TempDir(), "server.sock")
	server := NewDatagramSocket(driver, nil)
	if err := server.Open(TransportUnixDatagram); err != nil {
		t.Fatalf("server.Open() error = %v", err)
	}
	server.Bind(NewUnixEndpoint(serverPath), "", func(err error) {
		if err != nil {
			t.Fatalf("server.Bind() error = %v", err)
		}
	})

	client := NewDatagramSocket(driver, nil)
	if err := client.Open(TransportUnixDatagram); err != nil {
		t.Fatalf("client.Open() error = %v", err)
	}
	client.Connect(NewUnixEndpoint(serverPath), "", func(err error) {
		if err != nil {
			t.Fatalf("client.Connect() error = %v", err)
		}
	})

	if err := client.Send([]byte("ping"), Endpoint{}, nil); err != nil {
		t.Fatalf("client.Send() error = %v", err)
	}

	// Receive never blocks; retry briefly to allow the datagram to land
	// in the kernel's receive buffer.
	var n int
	buf := make([]byte, 64)
	deadline := time.Now().Add(2 * time.Second)
	var err error
	for time.Now().Before(deadline) {
		n, _, err = server.Receive(buf)
		if err == nil {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if err != nil {
		t.Fatalf("server.Receive() error = %v", err)
	}
	if string(buf[:n]) != "ping" {
		t.Fatalf("received %q, want %q", buf[:n], "ping")
	}
}

func TestDatagramSocket_ReceiveWouldBlockWhenEmpty(t *testing.T) {
	driver := newTestDriver(t)
	path := filepath.Join(t.TempDir(), "empty.sock")

	s := NewDatagramSocket(driver, nil)
	if err := s.Open(TransportUnixDatagram); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	s.Bind(NewUnixEndpoint(path), "", func(err error) {
		if err != nil {
			t.Fatalf("Bind() error = %v", err)
		}
	})

	buf := make([]byte, 16)
	_, _, err := s.Receive(buf)
	if err == nil {
		t.Fatal("Receive() on an empty socket should not succeed")
	}
	if k, _ := KindOf(err); k != KindWouldBlock {
		t.Fatalf("error kind = %v, want KindWouldBlock", k)
	}
}

func TestDatagramSocket_OpenIsIdempotentForSameTransport(t *testing.T) {
	driver := newTestDriver(t)
	s := NewDatagramSocket(driver, nil)
	if err := s.Open(TransportUnixDatagram); err != nil {
		t.Fatalf("first Open() error = %v", err)
	}
	if err := s.Open(TransportUnixDatagram); err != nil {
		t.Fatalf("second Open() with the same transport should be a no-op, got error = %v", err)
	}
	if err := s.Open(TransportUDPIPv4); err == nil {
		t.Fatal("Open() with a different transport after the socket is already open should fail")
	}
}

func TestDatagramSocket_CloseDetachesFromRegistry(t *testing.T) {
	driver := newTestDriver(t)
	s := NewDatagramSocket(driver, nil)
	if err := s.Open(TransportUnixDatagram); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	desc := s.desc

	closed := make(chan error, 1)
	if err := s.Close(func(err error) { closed <- err }); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := <-closed; err != nil {
		t.Fatalf("close callback error = %v", err)
	}
	if _, ok := driver.Find(desc); ok {
		t.Fatal("descriptor should no longer be found in the registry after Close()")
	}
}
