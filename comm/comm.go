/*Package comm provides the link to a remote DAQ bridge.

The bridge is reached either over TCP (a terminal server, or a small daemon on
the acquisition PC) or directly over a serial port.  Messages are ASCII lines
terminated by '\n', each carrying a CRC suffix (see Frame).

Typical use:

	rd := comm.NewRemoteDevice("192.168.100.20:5025", false, 0)
	if err := rd.Open(); err != nil {
		return err
	}
	defer rd.Close()
	resp, err := rd.SendRecv(comm.Frame([]byte("RST")))
*/
package comm

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

var (
	terminator = byte('\n')

	// ErrNotConnected is generated when .Conn is nil and Send or Recv is called.
	ErrNotConnected = errors.New("conn is nil, not connected to remote")

	// ErrTerminatorNotFound is generated when the termination byte is not found in a response
	ErrTerminatorNotFound = errors.New("termination byte not found")
)

// DefaultTimeout is the deadline applied to connect and to ordinary
// request/response exchanges
const DefaultTimeout = 3 * time.Second

// Communicator can Open, Send, Recv and Close
type Communicator interface {
	io.Closer
	Open() error
	Send([]byte) error
	Recv() ([]byte, error)
	SendRecv([]byte) ([]byte, error)
}

// RemoteDevice has an address and implements Communicator.
//
// It is not safe for concurrent use; callers serialize requests.
type RemoteDevice struct {
	Addr     string
	IsSerial bool

	// Baud is the serial baud rate, ignored for TCP
	Baud int

	Conn io.ReadWriteCloser

	mu     sync.Mutex
	reader *bufio.Reader
}

// NewRemoteDevice creates a new RemoteDevice instance
func NewRemoteDevice(addr string, serial bool, baud int) *RemoteDevice {
	return &RemoteDevice{Addr: addr, IsSerial: serial, Baud: baud}
}

// SerialConf yields the config passed to serial.OpenPort.  Reads block with
// no timeout; the bridge decides when to answer.
func (rd *RemoteDevice) SerialConf() *serial.Config {
	baud := rd.Baud
	if baud == 0 {
		baud = 115200
	}
	return &serial.Config{Name: rd.Addr, Baud: baud}
}

// Open the connection, setting the Conn variable.
// Attempts are retried with an exponential backoff for up to 3 s.
func (rd *RemoteDevice) Open() error {
	op := func() error {
		return rd.open()
	}
	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      DefaultTimeout,
		Clock:               backoff.SystemClock})
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", rd.Addr, err)
	}
	return nil
}

func (rd *RemoteDevice) open() error {
	var (
		conn io.ReadWriteCloser
		err  error
	)
	if rd.IsSerial {
		conn, err = serial.OpenPort(rd.SerialConf())
	} else {
		conn, err = TCPSetup(rd.Addr, DefaultTimeout)
	}
	if err != nil {
		return err
	}
	rd.mu.Lock()
	rd.Conn = conn
	rd.reader = bufio.NewReader(conn)
	rd.mu.Unlock()
	return nil
}

// Close the connection, nil-ing the Conn variable.
// It is safe to call from another goroutine to abort a blocked Recv.
func (rd *RemoteDevice) Close() error {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	if rd.Conn == nil {
		return nil
	}
	err := rd.Conn.Close()
	rd.Conn = nil
	rd.reader = nil
	return err
}

// Connected reports whether the link is open
func (rd *RemoteDevice) Connected() bool {
	conn, _ := rd.conn()
	return conn != nil
}

func (rd *RemoteDevice) conn() (io.ReadWriteCloser, *bufio.Reader) {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	return rd.Conn, rd.reader
}

// Send writes data to the remote, appending the terminator
func (rd *RemoteDevice) Send(b []byte) error {
	conn, _ := rd.conn()
	if conn == nil {
		return ErrNotConnected
	}
	buf := make([]byte, 0, len(b)+1)
	buf = append(buf, b...)
	buf = append(buf, terminator)
	_, err := conn.Write(buf)
	return err
}

// Recv recieves one line from the remote and strips the terminator
func (rd *RemoteDevice) Recv() ([]byte, error) {
	_, r := rd.conn()
	if r == nil {
		return nil, ErrNotConnected
	}
	buf, err := r.ReadBytes(terminator)
	if err != nil {
		if len(buf) > 0 && err == io.EOF {
			return buf, ErrTerminatorNotFound
		}
		return nil, err
	}
	buf = bytes.TrimSuffix(buf, []byte{terminator})
	return bytes.TrimSuffix(buf, []byte{'\r'}), nil
}

// SendRecv sends a buffer then returns the next line of the response
func (rd *RemoteDevice) SendRecv(b []byte) ([]byte, error) {
	if err := rd.Send(b); err != nil {
		return nil, err
	}
	return rd.Recv()
}

// SetTimeout applies a read/write deadline d from now, if the link supports
// deadlines (TCP does, serial does not)
func (rd *RemoteDevice) SetTimeout(d time.Duration) {
	conn, _ := rd.conn()
	if nc, ok := conn.(net.Conn); ok {
		nc.SetDeadline(time.Now().Add(d))
	}
}

// ClearDeadline removes any deadline so the next Recv can wait forever,
// as needed while the bridge waits for a hardware trigger
func (rd *RemoteDevice) ClearDeadline() {
	conn, _ := rd.conn()
	if nc, ok := conn.(net.Conn); ok {
		nc.SetDeadline(time.Time{})
	}
}

// TCPSetup opens a new TCP connection and sets a timeout on connect, read, and write
func TCPSetup(addr string, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(timeout)
	conn.SetReadDeadline(deadline)
	conn.SetWriteDeadline(deadline)
	return conn, nil
}
