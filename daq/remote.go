package daq

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/lampllab/optotarget/comm"
	"github.com/lampllab/optotarget/util"
)

// ErrBridge is wrapped by errors reported by the bridge with an ERR reply
var ErrBridge = errors.New("bridge error")

/*Remote is a Device on the far side of a DAQ bridge.

Each request is one CRC framed line (see comm.Frame); each reply is one framed
line of OK, OK <arg>, DONE, or ERR <message>.  The commands are

	RST
	AO <ch> <volts>
	CONT <ch> <rate> <v0,v1,...>		-> OK <task id>
	STOP <task id>
	FIN <ch> <rate> <v0,v1,...>		-> OK, later DONE
	TRIG <edge> <rate> <ch0,ch1,...> <row0;row1;...>	-> OK, later DONE

FIN and TRIG answer OK once armed and DONE on completion.  The wait for DONE
has no deadline.  Cancelling the context closes the link; the next call
reconnects.
*/
type Remote struct {
	link *comm.RemoteDevice
	mu   sync.Mutex
}

// NewRemote returns a Remote that connects lazily to addr
func NewRemote(addr string, serial bool, baud int) *Remote {
	return &Remote{link: comm.NewRemoteDevice(addr, serial, baud)}
}

func (r *Remote) ensureOpen() error {
	if r.link.Connected() {
		return nil
	}
	return Unavailable(r.link.Open())
}

func (r *Remote) recvReply() (string, error) {
	line, err := r.link.Recv()
	if err != nil {
		return "", Unavailable(err)
	}
	payload, err := comm.Unframe(line)
	if err != nil {
		return "", err
	}
	s := string(payload)
	if strings.HasPrefix(s, "ERR") {
		return "", fmt.Errorf("%w: %s", ErrBridge, strings.TrimSpace(strings.TrimPrefix(s, "ERR")))
	}
	return s, nil
}

// request sends one command and waits for its first reply under the normal
// timeout.  The caller holds r.mu.
func (r *Remote) request(cmd string) (string, error) {
	if err := r.ensureOpen(); err != nil {
		return "", err
	}
	r.link.SetTimeout(comm.DefaultTimeout)
	if err := r.link.Send(comm.Frame([]byte(cmd))); err != nil {
		r.link.Close()
		return "", Unavailable(err)
	}
	reply, err := r.recvReply()
	if errors.Is(err, ErrDeviceUnavailable) {
		r.link.Close()
	}
	return reply, err
}

func expect(reply, want string) error {
	if reply != want && !strings.HasPrefix(reply, want+" ") {
		return fmt.Errorf("%w: unexpected reply %q, expected %s", ErrBridge, reply, want)
	}
	return nil
}

// waitDone blocks with no deadline for DONE, closing the link if ctx ends
func (r *Remote) waitDone(ctx context.Context) error {
	r.link.ClearDeadline()
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			r.link.Close()
		case <-stop:
		}
	}()
	reply, err := r.recvReply()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		if errors.Is(err, ErrDeviceUnavailable) {
			r.link.Close()
		}
		return err
	}
	return expect(reply, "DONE")
}

// Output writes one value to one channel
func (r *Remote) Output(ch int, v float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	reply, err := r.request(fmt.Sprintf("AO %d %s", ch, fmtF(v)))
	if err != nil {
		return err
	}
	return expect(reply, "OK")
}

// Reset resets the card behind the bridge
func (r *Remote) Reset() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	reply, err := r.request("RST")
	if err != nil {
		return Unavailable(err)
	}
	return expect(reply, "OK")
}

// StartContinuous begins looping samples on ch
func (r *Remote) StartContinuous(ch int, sampleRate float64, samples []float64) (Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reply, err := r.request(fmt.Sprintf("CONT %d %s %s", ch, fmtF(sampleRate), fmtRow(samples)))
	if err != nil {
		return nil, err
	}
	if err = expect(reply, "OK"); err != nil {
		return nil, err
	}
	id := strings.TrimSpace(strings.TrimPrefix(reply, "OK"))
	if id == "" {
		return nil, fmt.Errorf("%w: CONT reply has no task id", ErrBridge)
	}
	return &remoteTask{r: r, id: id}, nil
}

// WriteFinite plays samples once on ch and waits for completion
func (r *Remote) WriteFinite(ctx context.Context, ch int, sampleRate float64, samples []float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	reply, err := r.request(fmt.Sprintf("FIN %d %s %s", ch, fmtF(sampleRate), fmtRow(samples)))
	if err != nil {
		return err
	}
	if err = expect(reply, "OK"); err != nil {
		return err
	}
	return r.waitDone(ctx)
}

// WriteTriggered arms block on the trigger edge and waits, without a
// deadline, for the bridge to report completion
func (r *Remote) WriteTriggered(ctx context.Context, chs []int, sampleRate float64, trigger string, block [][]float64) error {
	if err := checkBlock(chs, block); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rows := make([]string, len(block))
	for i, row := range block {
		rows[i] = fmtRow(row)
	}
	cmd := fmt.Sprintf("TRIG %s %s %s %s", trigger, fmtF(sampleRate), util.IntSliceToCSV(chs), strings.Join(rows, ";"))
	reply, err := r.request(cmd)
	if err != nil {
		return err
	}
	if err = expect(reply, "OK"); err != nil {
		return err
	}
	return r.waitDone(ctx)
}

// Close drops the link
func (r *Remote) Close() error {
	return r.link.Close()
}

type remoteTask struct {
	r       *Remote
	id      string
	stopped bool
}

func (t *remoteTask) Stop() error {
	t.r.mu.Lock()
	defer t.r.mu.Unlock()
	if t.stopped {
		return nil
	}
	reply, err := t.r.request("STOP " + t.id)
	if err != nil {
		return err
	}
	t.stopped = true
	return expect(reply, "OK")
}

// Close stops the task if needed; the bridge releases the channel on STOP
func (t *remoteTask) Close() error {
	return t.Stop()
}

func fmtF(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func fmtRow(row []float64) string {
	var buf bytes.Buffer
	for i, v := range row {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(fmtF(v))
	}
	return buf.String()
}

// ParseRow is the inverse of the row encoding used on the wire
func ParseRow(s string) ([]float64, error) {
	if s == "" {
		return []float64{}, nil
	}
	parts := strings.Split(s, ",")
	out := make([]float64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
