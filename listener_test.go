package ntc

import (
	"path/filepath"
	"testing"
	"time"
)

func dialRaw(t *testing.T, path string) Descriptor {
	t.Helper()
	d, err := rawOpen(TransportUnixStream)
	if err != nil {
		t.Fatalf("rawOpen() error = %v", err)
	}
	if err := rawConnect(d, NewUnixEndpoint(path)); err != nil {
		t.Fatalf("rawConnect() error = %v", err)
	}
	t.Cleanup(func() { _ = rawClose(d) })
	return d
}

func newListeningSocket(t *testing.T, driver *ReactorDriver, proactor *ProactorDriver, path string, opts ...Option) *ListenerSocket {
	t.Helper()
	l := NewListenerSocket(driver, proactor, nil, opts...)
	if err := l.Open(TransportUnixStream); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := l.Bind(NewUnixEndpoint(path)); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	if err := l.Listen(0); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestListenerSocket_AcceptDeliversQueuedCallback(t *testing.T) {
	driver := newTestDriver(t)
	proactor := NewProactorDriver()
	defer proactor.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() { _ = driver.Run(stop) }()

	path := filepath.Join(t.TempDir(), "listener.sock")
	l := newListeningSocket(t, driver, proactor, path)

	got := make(chan *StreamSocket, 1)
	l.Accept(func(sock *StreamSocket, err error) {
		if err != nil {
			t.Errorf("Accept() callback error = %v", err)
			return
		}
		got <- sock
	})

	dialRaw(t, path)

	select {
	case sock := <-got:
		if sock == nil {
			t.Fatal("Accept() delivered a nil socket")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("queued Accept() callback never fired")
	}
}

func TestListenerSocket_AcceptServesFromQueueWhenConnectionArrivesFirst(t *testing.T) {
	driver := newTestDriver(t)
	proactor := NewProactorDriver()
	defer proactor.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() { _ = driver.Run(stop) }()

	path := filepath.Join(t.TempDir(), "listener2.sock")
	l := newListeningSocket(t, driver, proactor, path)

	dialRaw(t, path)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		l.mu.Lock()
		n := len(l.acceptQueue)
		l.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	got := make(chan error, 1)
	l.Accept(func(sock *StreamSocket, err error) {
		if sock == nil && err == nil {
			t.Error("Accept() delivered neither a socket nor an error")
		}
		got <- err
	})

	select {
	case err := <-got:
		if err != nil {
			t.Fatalf("Accept() callback error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Accept() never delivered the already-queued connection")
	}
}

func TestListenerSocket_CloseFailsPendingAccepts(t *testing.T) {
	driver := newTestDriver(t)
	proactor := NewProactorDriver()
	defer proactor.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() { _ = driver.Run(stop) }()

	path := filepath.Join(t.TempDir(), "listener3.sock")
	l := NewListenerSocket(driver, proactor, nil)
	if err := l.Open(TransportUnixStream); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := l.Bind(NewUnixEndpoint(path)); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	if err := l.Listen(0); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}

	got := make(chan error, 1)
	l.Accept(func(sock *StreamSocket, err error) { got <- err })

	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	select {
	case err := <-got:
		if err == nil {
			t.Fatal("a pending Accept() callback should fail once the listener is closed")
		}
		if k, _ := KindOf(err); k != KindConnectionDead {
			t.Fatalf("error kind = %v, want KindConnectionDead", k)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Close() never failed the pending Accept() callback")
	}
}

func TestListenerSocket_OpenTwiceFails(t *testing.T) {
	driver := newTestDriver(t)
	proactor := NewProactorDriver()
	defer proactor.Close()

	l := NewListenerSocket(driver, proactor, nil)
	if err := l.Open(TransportUnixStream); err != nil {
		t.Fatalf("first Open() error = %v", err)
	}
	if err := l.Open(TransportUnixStream); err == nil {
		t.Fatal("a second Open() on an already-open listener should fail")
	}
}
