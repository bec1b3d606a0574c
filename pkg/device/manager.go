// Package device implements the device handler (C4): the manager that owns
// the button-listener UDP socket and the configured device list, drives
// SNMP liveness/registration scheduling, and dispatches button presses to
// the matching data channel.
package device

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/brscand/brscand/internal/appnum"
	"github.com/brscand/brscand/internal/passenc"
	"github.com/brscand/brscand/pkg/config"
	"github.com/brscand/brscand/pkg/datachannel"
	"github.com/brscand/brscand/pkg/hook"
	"github.com/brscand/brscand/pkg/snmp"
	"github.com/brscand/brscand/pkg/transport"
)

// DefaultButtonPort is the UDP port the button listener binds to unless
// overridden (CLI -p).
const DefaultButtonPort = 54925

const registerValiditySec = 360

// healthyStatuses are the SNMP printer-status values treated as reachable.
var healthyStatuses = map[int]bool{10001: true, 10006: true, 40038: true}

type deviceRecord struct {
	cfg     *config.Device
	channel *datachannel.Channel
	localIP string

	reachable        bool
	nextPingTime     time.Time
	nextRegisterTime time.Time
}

// Manager owns the button socket and the full device list; one instance
// per running daemon.
type Manager struct {
	cfg        *config.Config
	buttonPort int

	snmpClient  *snmp.Client
	appnumAlloc *appnum.Allocator
	hookRunner  *hook.Runner
	log         *logrus.Entry

	mu         sync.Mutex
	itemAppnum map[*config.Item]uint64

	buttonConn *transport.Conn
	devices    []*deviceRecord

	cancel context.CancelFunc
	doneCh chan struct{}
}

// NewManager builds a Manager for cfg. buttonPort <= 0 selects
// DefaultButtonPort; hookWait <= 0 selects the hook package's default.
func NewManager(cfg *config.Config, buttonPort int, hookWait time.Duration, log *logrus.Entry) *Manager {
	if buttonPort <= 0 {
		buttonPort = DefaultButtonPort
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{
		cfg:         cfg,
		buttonPort:  buttonPort,
		snmpClient:  snmp.NewClient(),
		appnumAlloc: appnum.NewAllocator(),
		hookRunner:  hook.NewRunner(hookWait, log),
		log:         log,
		itemAppnum:  make(map[*config.Item]uint64),
	}
}

// Start opens the button socket, spawns one data channel per configured
// device, and launches the manager's own tick loop.
func (m *Manager) Start(ctx context.Context) error {
	buttonConn, err := transport.Open(transport.UDP, time.Second)
	if err != nil {
		return errors.Wrap(err, "opening button socket")
	}
	if err := buttonConn.Bind(m.buttonPort); err != nil {
		buttonConn.Close()
		return errors.Wrapf(err, "binding button socket to port %d", m.buttonPort)
	}
	m.buttonConn = buttonConn

	for _, devCfg := range m.cfg.Devices {
		ip, err := localIPFor(devCfg.IP)
		if err != nil {
			m.log.WithError(err).WithField("device", devCfg.IP).Warn("could not determine local IP for registration; using 0.0.0.0")
			ip = "0.0.0.0"
		}

		timeout := time.Duration(devCfg.TimeoutSec) * time.Second
		conn, err := transport.Open(transport.TCP, timeout)
		if err != nil {
			return errors.Wrapf(err, "opening TCP handle for %s", devCfg.IP)
		}

		ch := datachannel.New(devCfg.IP, timeout, conn, m.hookRunner, m.log)
		if err := ch.Start(ctx); err != nil {
			return errors.Wrapf(err, "starting data channel for %s", devCfg.IP)
		}

		m.devices = append(m.devices, &deviceRecord{cfg: devCfg, channel: ch, localIP: ip})
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.doneCh = make(chan struct{})
	go func() {
		defer close(m.doneCh)
		m.run(runCtx)
	}()
	return nil
}

// Stop cancels the tick loop, unregisters every device, and stops/joins
// every data channel.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.unregisterAll(context.Background())
	for _, dr := range m.devices {
		dr.channel.Stop()
	}
	for _, dr := range m.devices {
		dr.channel.Wait()
	}
	if m.buttonConn != nil {
		m.buttonConn.Close()
	}
}

// Wait blocks until the tick loop has exited.
func (m *Manager) Wait() {
	if m.doneCh != nil {
		<-m.doneCh
	}
}

func (m *Manager) run(ctx context.Context) {
	buf := make([]byte, 1500)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		m.tickDevices(ctx)

		events, err := m.buttonConn.Poll(time.Second)
		if err != nil {
			m.log.WithError(err).Warn("button socket poll failed")
			continue
		}
		if events == 0 {
			continue
		}
		n, err := m.buttonConn.Receive(buf)
		if err != nil {
			m.log.WithError(err).Warn("button socket receive failed")
			continue
		}
		m.handleButtonDatagram(buf[:n])
	}
}

func (m *Manager) tickDevices(ctx context.Context) {
	now := time.Now()
	for _, dr := range m.devices {
		if !now.Before(dr.nextPingTime) {
			status, err := m.snmpClient.GetStatus(ctx, dr.cfg.IP)
			reachable := err == nil && healthyStatuses[status]
			if !reachable {
				m.log.WithField("device", dr.cfg.IP).Warn("device unreachable")
			}
			dr.reachable = reachable
			dr.nextPingTime = now.Add(5 * time.Second)
		}
		if !dr.reachable {
			continue
		}
		if !now.Before(dr.nextRegisterTime) {
			if err := m.registerDevice(ctx, dr); err != nil {
				m.log.WithError(err).WithField("device", dr.cfg.IP).Warn("registration failed")
			}
			dr.nextRegisterTime = now.Add(registerValiditySec * time.Second)
		}
	}
}

func (m *Manager) registerDevice(ctx context.Context, dr *deviceRecord) error {
	descriptors, err := m.descriptorsFor(dr)
	if err != nil {
		return err
	}
	return m.snmpClient.Register(ctx, dr.cfg.IP, descriptors)
}

func (m *Manager) unregisterAll(ctx context.Context) {
	for _, dr := range m.devices {
		descriptors, err := m.descriptorsFor(dr)
		if err != nil {
			m.log.WithError(err).WithField("device", dr.cfg.IP).Warn("could not build unregister descriptors")
			continue
		}
		if err := m.snmpClient.Unregister(ctx, dr.cfg.IP, descriptors); err != nil {
			m.log.WithError(err).WithField("device", dr.cfg.IP).Warn("unregister failed")
		}
	}
}

func (m *Manager) descriptorsFor(dr *deviceRecord) ([]string, error) {
	out := make([]string, 0, len(dr.cfg.Items))
	for _, item := range dr.cfg.Items {
		desc, err := m.descriptorFor(dr, item)
		if err != nil {
			return nil, err
		}
		out = append(out, desc)
	}
	return out, nil
}

// descriptorFor builds the registration descriptor for one item, per
// spec.md §4.4.1.
func (m *Manager) descriptorFor(dr *deviceRecord, item *config.Item) (string, error) {
	m.mu.Lock()
	n, ok := m.itemAppnum[item]
	if !ok {
		n = m.appnumAlloc.Next()
		m.itemAppnum[item] = n
	}
	m.mu.Unlock()

	brid := ""
	if item.Password != "" {
		enc, err := passenc.EncodeString(item.Password)
		if err != nil {
			return "", errors.Wrapf(err, "encoding password for %s/%s", dr.cfg.IP, item.Hostname)
		}
		brid = enc
	}

	return fmt.Sprintf(
		"TYPE=BR;BUTTON=SCAN;USER=%q;FUNC=%s;HOST=%s:%d;APPNUM=%d;DURATION=%d;BRID=%s;CC=1;",
		item.Hostname, item.ScanFunc.String(), dr.localIP, m.buttonPort, n, registerValiditySec, brid,
	), nil
}

func (m *Manager) handleButtonDatagram(payload []byte) {
	peerIP, _ := m.buttonConn.LastPeer()
	if len(payload) < 4 {
		m.log.WithField("peer", peerIP).Warn("button datagram too short, ignoring")
		return
	}

	props := parseProps(string(payload[4:]))
	user := props["USER"]
	fn, err := config.ParseScanFunc(props["FUNC"])
	if err != nil {
		m.log.WithField("peer", peerIP).Warnf("scan button event with unrecognised function %q", props["FUNC"])
		return
	}

	dr := m.findDeviceByIP(peerIP)
	if dr == nil {
		m.log.WithField("peer", peerIP).Warn("scan button event from unknown device")
		return
	}
	item, ok := dr.cfg.FindItem(fn, user)
	if !ok {
		m.log.WithField("peer", peerIP).Warnf("scan button event for unknown item (%s, %q)", fn, user)
		return
	}

	dr.channel.SetItem(item)
	dr.channel.Kick()
}

func (m *Manager) findDeviceByIP(ip string) *deviceRecord {
	for _, dr := range m.devices {
		if dr.cfg.IP == ip {
			return dr
		}
	}
	return nil
}

// parseProps parses a semicolon-delimited KEY=VALUE or KEY="VALUE" string.
func parseProps(s string) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		out[kv[0]] = strings.Trim(kv[1], `"`)
	}
	return out
}

// localIPFor dials a UDP socket to deviceIP so the kernel selects the
// outbound interface, then reports that interface's address — the
// standard "connected socket" trick for finding the local IP that routes
// to a given peer, with no routing-table walk required.
func localIPFor(deviceIP string) (string, error) {
	conn, err := net.Dial("udp4", deviceIP+":54921")
	if err != nil {
		return "", errors.Wrapf(err, "dialing %s to discover local IP", deviceIP)
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "", errors.New("unexpected local address type")
	}
	return addr.IP.String(), nil
}
