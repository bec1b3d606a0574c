// Package datachannel implements the per-device scan-session protocol
// engine: the cooperative state machine that dials a scanner's data port,
// negotiates scan parameters, and pulls page data into files, invoking the
// configured hook as each page (and the job as a whole) completes.
//
// The state names and per-state contracts follow the scanner's proprietary
// TCP protocol; the dispatch shape (tagged enum + one process method per
// state, never a mutable function-pointer field) follows the teacher's
// SDOServer.
package datachannel

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/brscand/brscand/pkg/config"
	"github.com/brscand/brscand/pkg/hook"
)

const scanDataPort = 54921

// buttonModeGreeting and manualScanGreeting are the two documented Connect
// greetings; the daemon always offers button mode.
var (
	buttonModeGreeting = []byte{0x1B, 0x4B, 0x0A, 0x80}
	manualScanGreeting = []byte{0x1B, 0x51, 0x0A, 0x80} //nolint:unused // documented alternative greeting, kept for reference
)

// Channel is one device's scan-session task: it owns a TCP connection
// handle, the working scan-parameter table, and in-flight page state.
type Channel struct {
	mu   sync.Mutex
	step step
	wake chan struct{}

	conn    conn
	ip      string
	timeout time.Duration

	item   *config.Item
	params *config.ParamTable

	hookRunner *hook.Runner
	log        *logrus.Entry

	connectRetried bool

	pageCounter      int // process-lifetime file counter
	currentPageID    int
	expectPageID     int // -1 until the first header of the current page fixes it
	lastHeaderPageID uint16

	tempFile *os.File
	tempPath string

	chunkRemaining uint16
	currentFormat  string

	xdpi, ydpi, width, height int

	jobStartedAt  time.Time
	pageStartedAt time.Time

	cancel context.CancelFunc
	doneCh chan struct{}
}

// New returns a channel bound to a device, starting Paused. c is the
// already-constructed (but not yet connected) TCP connection handle for
// this device; timeout bounds its socket operations.
func New(ip string, timeout time.Duration, c conn, hookRunner *hook.Runner, log *logrus.Entry) *Channel {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Channel{
		step:         stepPaused,
		wake:         make(chan struct{}, 1),
		conn:         c,
		ip:           ip,
		timeout:      timeout,
		hookRunner:   hookRunner,
		log:          log.WithField("device", ip),
		expectPageID: -1,
		params:       config.NewParamTable(),
	}
}

// SetItem copies item's scan-parameter template into the channel's working
// parameters. Only legal while Paused; otherwise dropped with a warning.
func (c *Channel) SetItem(item *config.Item) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.step != stepPaused {
		c.log.WithError(ErrNotPaused).Warn("set_item dropped")
		return
	}
	clone := *item
	clone.Params = item.Params.Clone()
	c.item = &clone
	c.params = clone.Params
}

// Kick schedules a Connect step and wakes the task. Only legal while
// Paused; otherwise dropped with a warning (per spec.md §5, a data channel
// never processes a second kick while already active).
func (c *Channel) Kick() {
	c.mu.Lock()
	if c.step != stepPaused {
		c.mu.Unlock()
		c.log.WithError(ErrNotPaused).Warn("kick dropped")
		return
	}
	c.step = stepConnect
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Start launches the task's goroutine.
func (c *Channel) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.doneCh = make(chan struct{})
	go func() {
		defer close(c.doneCh)
		c.run(runCtx)
	}()
	return nil
}

// Stop requests shutdown; it does not block for the task to exit.
func (c *Channel) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

// Wait blocks until the task's goroutine has exited.
func (c *Channel) Wait() error {
	if c.doneCh != nil {
		<-c.doneCh
	}
	return nil
}

func (c *Channel) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			c.conn.Close()
			return
		default:
		}

		c.mu.Lock()
		st := c.step
		c.mu.Unlock()

		if st == stepPaused {
			select {
			case <-c.wake:
				continue
			case <-ctx.Done():
				c.conn.Close()
				return
			}
		}

		next, err := c.runStep(ctx, st)
		if err != nil {
			c.log.WithError(err).WithField("state", st.String()).Warn("step failed, pausing")
			c.teardown()
			next = stepPaused
		}

		c.mu.Lock()
		c.step = next
		c.mu.Unlock()
	}
}

func (c *Channel) teardown() {
	if c.tempFile != nil {
		c.tempFile.Close()
		os.Remove(c.tempPath)
		c.tempFile = nil
		c.tempPath = ""
	}
}

func (c *Channel) runStep(ctx context.Context, st step) (step, error) {
	switch st {
	case stepConnect:
		return c.processConnect(ctx)
	case stepExchangeParams1:
		return c.processExchangeParams1(ctx)
	case stepExchangeParams2:
		return c.processExchangeParams2(ctx)
	case stepAwaitPage:
		return c.processAwaitPage(ctx)
	case stepProcessHeader:
		return c.processProcessHeader(ctx)
	case stepChunkHeader:
		return c.processChunkHeader(ctx)
	case stepPagePayload:
		return c.processPagePayload(ctx)
	case stepPageEnd:
		return c.processPageEnd(ctx)
	case stepJobEnd:
		return c.processJobEnd(ctx)
	default:
		return stepPaused, errors.Errorf("unknown step %v", int(st))
	}
}

func (c *Channel) fail(err error) (step, error) {
	return stepPaused, errors.Wrapf(err, "device %s", c.ip)
}

func (c *Channel) protocolErrorf(format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	return errors.Wrapf(ErrProtocol, "device %s: %s", c.ip, msg)
}

// --- Connect ---

func (c *Channel) processConnect(ctx context.Context) (step, error) {
	if err := c.conn.Reconnect(c.ip, scanDataPort); err != nil {
		if !c.connectRetried {
			c.connectRetried = true
			c.log.WithError(err).Warn("connect failed, retrying once")
			return stepConnect, nil
		}
		c.connectRetried = false
		return c.fail(errors.Wrap(err, "connect failed after retry"))
	}
	c.connectRetried = false

	events, err := c.conn.Poll(3 * time.Second)
	if err != nil {
		return c.fail(err)
	}
	if events == 0 {
		return stepPaused, c.protocolErrorf("no greeting received within 3s of connect")
	}

	buf := make([]byte, 64)
	n, err := c.conn.Receive(buf)
	if err != nil {
		return c.fail(err)
	}
	if n == 0 || buf[0] != '+' {
		return stepPaused, c.protocolErrorf("unexpected connect greeting %q", buf[:n])
	}

	if _, err := c.conn.Send(buttonModeGreeting); err != nil {
		return c.fail(err)
	}

	c.jobStartedAt = time.Now()
	c.currentPageID = 0
	c.expectPageID = -1
	return stepExchangeParams1, nil
}

// --- ExchangeParams1 ---

func (c *Channel) processExchangeParams1(ctx context.Context) (step, error) {
	events, err := c.conn.Poll(2 * time.Second)
	if err != nil {
		return c.fail(err)
	}
	if events == 0 {
		return stepPaused, c.protocolErrorf("ExchangeParams1 timed out")
	}

	buf := make([]byte, 2048)
	n, err := c.conn.Receive(buf)
	if err != nil {
		return c.fail(err)
	}
	msg := buf[:n]

	if len(msg) == 1 && msg[0] == 0xD0 {
		// No server-side parameters; proceed with client defaults.
	} else {
		if len(msg) < 4 || msg[0] != 0x30 || msg[len(msg)-2] != 0x0A || msg[len(msg)-1] != 0x80 {
			return stepPaused, c.protocolErrorf("malformed ExchangeParams1 message % x", msg)
		}
		// The 0x0A before the 0x80 terminator ends the last record.
		records, err := parseParamRecords(msg[3 : len(msg)-1])
		if err != nil {
			return stepPaused, errors.Wrapf(err, "device %s", c.ip)
		}
		for id, v := range records {
			if _, known := c.params.Get(id); !known {
				return stepPaused, c.protocolErrorf("unknown parameter id %q", id)
			}
			c.params.Set(id, v)
		}
		if v, ok := c.params.Get('R'); ok && !strings.Contains(v, ",") {
			c.params.Set('R', v+","+v)
		}
		if v, ok := c.params.Get('F'); ok {
			if _, err := config.ParseScanFunc(v); err != nil {
				return stepPaused, c.protocolErrorf("unsupported scan function %q", v)
			}
		}
	}

	resp := buildParamResponse([]byte{0x1B, 0x49, 0x0A}, whitelistParams1, c.params)
	if _, err := c.conn.Send(resp); err != nil {
		return c.fail(err)
	}
	return stepExchangeParams2, nil
}

// --- ExchangeParams2 ---

func (c *Channel) processExchangeParams2(ctx context.Context) (step, error) {
	events, err := c.conn.Poll(3 * time.Second)
	if err != nil {
		return c.fail(err)
	}
	if events == 0 {
		return stepPaused, c.protocolErrorf("ExchangeParams2 timed out")
	}

	buf := make([]byte, 2048)
	n, err := c.conn.Receive(buf)
	if err != nil {
		return c.fail(err)
	}
	msg := buf[:n]

	if len(msg) < 4 || msg[0] != 0x00 || int(msg[1]) != len(msg)-3 || msg[2] != 0x00 {
		return stepPaused, c.protocolErrorf("malformed ExchangeParams2 header % x", msg)
	}
	payload := msg[3:]
	if len(payload) == 0 || payload[len(payload)-1] != 0x00 {
		return stepPaused, c.protocolErrorf("ExchangeParams2 payload missing NUL terminator")
	}
	payload = payload[:len(payload)-1]

	parts := strings.Split(string(payload), ",")
	if len(parts) != 7 {
		return stepPaused, c.protocolErrorf("expected 7 ExchangeParams2 integers, got %d", len(parts))
	}
	var recv [7]int64
	for i, p := range parts {
		v, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return stepPaused, c.protocolErrorf("invalid ExchangeParams2 integer %q", p)
		}
		if v == math.MinInt64 || v == math.MaxInt64 {
			return stepPaused, c.protocolErrorf("ExchangeParams2 integer %q out of range", p)
		}
		recv[i] = v
	}

	c.xdpi, c.ydpi = int(recv[0]), int(recv[1])
	c.width, c.height = int(recv[4]), int(recv[6])

	wantR := fmt.Sprintf("%d,%d", c.xdpi, c.ydpi)
	if cur, _ := c.params.Get('R'); cur != wantR {
		c.log.Infof("requested DPI %s unsupported, device reports %s", cur, wantR)
		c.params.Set('R', wantR)
	}
	c.params.Set('A', fmt.Sprintf("0,0,%d,%d", c.width, c.height))

	resp := buildParamResponse([]byte{0x1B, 0x58, 0x0A}, whitelistParams2, c.params)
	if _, err := c.conn.Send(resp); err != nil {
		return c.fail(err)
	}
	return stepAwaitPage, nil
}

// --- AwaitPage ---

func (c *Channel) processAwaitPage(ctx context.Context) (step, error) {
	timeout := time.Duration(c.item.PageInitTimeout) * time.Second
	if c.conn.Buffered() == 0 {
		events, err := c.conn.Poll(timeout)
		if err != nil || events == 0 {
			// Normal "no document fed" outcome, not a protocol error.
			return stepPaused, nil
		}
	}

	f, err := os.CreateTemp("", "brscand-page-*")
	if err != nil {
		return c.fail(err)
	}
	c.tempFile = f
	c.tempPath = f.Name()
	c.chunkRemaining = 0
	c.currentFormat = "unk"
	c.pageStartedAt = time.Now()
	c.expectPageID = -1
	return stepProcessHeader, nil
}

// --- ProcessHeader ---

func (c *Channel) processProcessHeader(ctx context.Context) (step, error) {
	timeout := time.Duration(c.item.PageFinishTimeout) * time.Second

	if err := c.conn.FillBuffer(1, timeout); err != nil {
		return c.fail(err)
	}
	first, err := c.conn.Peek(1)
	if err != nil {
		return c.fail(err)
	}
	if first[0] == 0x80 {
		if _, err := c.conn.Read(1); err != nil {
			return c.fail(err)
		}
		// AwaitPage opens a tempfile speculatively; discard it if what
		// followed was the job-end marker rather than a page header.
		c.teardown()
		return stepJobEnd, nil
	}

	if err := c.conn.FillBuffer(10, timeout); err != nil {
		return c.fail(err)
	}
	hdr, err := c.conn.Read(10)
	if err != nil {
		return c.fail(err)
	}

	id := hdr[0]
	magic := binary.LittleEndian.Uint16(hdr[1:3])
	if magic != 0x0007 {
		return stepPaused, c.protocolErrorf("bad page header magic %#04x", magic)
	}
	pageID := binary.LittleEndian.Uint16(hdr[3:5])
	c.lastHeaderPageID = pageID

	if c.expectPageID == -1 {
		want := c.currentPageID + 1
		if int(pageID) != want {
			return stepPaused, c.protocolErrorf("page id %d out of sequence, expected %d", pageID, want)
		}
		c.currentPageID = want
		c.expectPageID = want
	} else if int(pageID) != c.expectPageID {
		return stepPaused, c.protocolErrorf("page id %d changed mid-page, expected %d", pageID, c.expectPageID)
	}

	switch id {
	case 0x40, 0x42, 0x64:
		switch id {
		case 0x40:
			c.currentFormat = "raw"
		case 0x42:
			c.currentFormat = "rle"
		case 0x64:
			c.currentFormat = "jpeg"
		}
		if err := c.conn.FillBuffer(2, timeout); err != nil {
			return c.fail(err)
		}
		lenBuf, err := c.conn.Read(2)
		if err != nil {
			return c.fail(err)
		}
		c.chunkRemaining = binary.LittleEndian.Uint16(lenBuf)
		return stepChunkHeader, nil
	case 0x82:
		return stepPageEnd, nil
	default:
		return stepPaused, c.protocolErrorf("unknown page header id %#02x", id)
	}
}

// --- ChunkHeader ---

func (c *Channel) processChunkHeader(ctx context.Context) (step, error) {
	c.log.WithField("chunk_len", c.chunkRemaining).Debug("chunk header recorded")
	return stepPagePayload, nil
}

// --- PagePayload ---

func (c *Channel) processPagePayload(ctx context.Context) (step, error) {
	if c.chunkRemaining == 0 {
		return stepProcessHeader, nil
	}

	timeout := time.Duration(c.item.PageFinishTimeout) * time.Second
	if err := c.conn.FillBuffer(1, timeout); err != nil {
		return c.fail(err)
	}

	n := c.conn.Buffered()
	if n > int(c.chunkRemaining) {
		n = int(c.chunkRemaining)
	}
	data, err := c.conn.Read(n)
	if err != nil {
		return c.fail(err)
	}
	if _, err := c.tempFile.Write(data); err != nil {
		return c.fail(err)
	}
	c.chunkRemaining -= uint16(n)

	if c.chunkRemaining == 0 {
		return stepProcessHeader, nil
	}
	return stepPagePayload, nil
}

// --- PageEnd ---

func (c *Channel) processPageEnd(ctx context.Context) (step, error) {
	n := c.pageCounter
	c.pageCounter++
	finalName := fmt.Sprintf("scan%d.%s", n, c.currentFormat)

	if err := c.finalizeTempFile(finalName); err != nil {
		return c.fail(err)
	}

	duration := time.Since(c.pageStartedAt).Seconds()
	if err := c.hookRunner.Run(ctx, c.item.ScanCommand, hook.Env{
		XDPI: c.xdpi, YDPI: c.ydpi, Width: c.width, Height: c.height,
		Page: c.currentPageID, IP: c.ip, Hostname: c.item.Hostname,
		Func: c.item.ScanFunc.String(), Filename: finalName, PerPage: true,
		DurationSec: duration, ChunkFormat: c.currentFormat,
	}); err != nil {
		c.log.WithError(err).Warn("page hook failed")
	}

	c.expectPageID = -1
	return stepAwaitPage, nil
}

func (c *Channel) finalizeTempFile(finalName string) error {
	path := c.tempPath
	if err := c.tempFile.Close(); err != nil {
		return err
	}
	c.tempFile = nil
	c.tempPath = ""
	defer os.Remove(path)

	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(finalName)
	if err != nil {
		return err
	}
	defer dst.Close()

	_, err = io.Copy(dst, src)
	return err
}

// --- JobEnd ---

func (c *Channel) processJobEnd(ctx context.Context) (step, error) {
	duration := time.Since(c.jobStartedAt).Seconds()
	if err := c.hookRunner.Run(ctx, c.item.ScanCommand, hook.Env{
		IP: c.ip, Hostname: c.item.Hostname, Func: c.item.ScanFunc.String(),
		PerPage: false, ChunkFormat: c.currentFormat, DurationSec: duration,
	}); err != nil {
		c.log.WithError(err).Warn("job-end hook failed")
	}
	c.expectPageID = -1
	c.currentPageID = 0
	return stepPaused, nil
}
