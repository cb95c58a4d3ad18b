package comm_test

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/lampllab/optotarget/comm"
)

func ExampleFrame() {
	fmt.Println(string(comm.Frame([]byte("123456789"))))
	// Output: 123456789*31C3
}

func TestUnframe(t *testing.T) {
	payload, err := comm.Unframe(comm.Frame([]byte("AO 1 0.5")))
	if err != nil {
		t.Fatal(err)
	}
	if string(payload) != "AO 1 0.5" {
		t.Errorf("expected payload back, got %q", payload)
	}
	if _, err := comm.Unframe([]byte("AO 1 0.5*0000")); !errors.Is(err, comm.ErrCRCMismatch) {
		t.Errorf("expected ErrCRCMismatch, got %v", err)
	}
	for _, bad := range []string{"OK", "OK*12", "OK*ZZZZ"} {
		if _, err := comm.Unframe([]byte(bad)); !errors.Is(err, comm.ErrBadFrame) {
			t.Errorf("%q: expected ErrBadFrame, got %v", bad, err)
		}
	}
}

func echoServer(t *testing.T) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				r := bufio.NewReader(conn)
				for {
					line, err := r.ReadBytes('\n')
					if err != nil {
						return
					}
					conn.Write(line)
				}
			}()
		}
	}()
	return ln.Addr().String()
}

func TestSendRecvOverTCP(t *testing.T) {
	rd := comm.NewRemoteDevice(echoServer(t), false, 0)
	if err := rd.Open(); err != nil {
		t.Fatal(err)
	}
	defer rd.Close()
	for _, msg := range []string{"RST", "AO 0 1.5"} {
		resp, err := rd.SendRecv([]byte(msg))
		if err != nil {
			t.Fatal(err)
		}
		if string(resp) != msg {
			t.Errorf("expected echo %q, got %q", msg, resp)
		}
	}
}

func TestCloseAbortsRecv(t *testing.T) {
	rd := comm.NewRemoteDevice(echoServer(t), false, 0)
	if err := rd.Open(); err != nil {
		t.Fatal(err)
	}
	rd.ClearDeadline()
	errs := make(chan error)
	go func() {
		_, err := rd.Recv()
		errs <- err
	}()
	time.Sleep(20 * time.Millisecond)
	rd.Close()
	select {
	case err := <-errs:
		if err == nil {
			t.Error("expected an error from a Recv aborted by Close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not unblock Recv")
	}
}

func TestNotConnected(t *testing.T) {
	rd := comm.NewRemoteDevice("nowhere:1", false, 0)
	if err := rd.Send([]byte("x")); !errors.Is(err, comm.ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	if _, err := rd.Recv(); !errors.Is(err, comm.ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}
