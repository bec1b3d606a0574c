// Package config parses the brother.config schema: a flat, line-oriented
// directive format (no indentation, no sections) whose directives bind to
// whichever "block" — a preset or a device's current item — is currently
// open. See SPEC_FULL.md §6 for the full grammar.
package config

import (
	"fmt"

	"github.com/pkg/errors"
)

// ScanFunc is the scan-function tag requested by a panel button.
type ScanFunc int

const (
	ScanFuncInvalid ScanFunc = iota
	ScanFuncImage
	ScanFuncOCR
	ScanFuncEmail
	ScanFuncFile
)

var scanFuncNames = [...]string{
	ScanFuncInvalid: "INVALID",
	ScanFuncImage:   "IMAGE",
	ScanFuncOCR:     "OCR",
	ScanFuncEmail:   "EMAIL",
	ScanFuncFile:    "FILE",
}

func (f ScanFunc) String() string {
	if int(f) < 0 || int(f) >= len(scanFuncNames) {
		return "INVALID"
	}
	return scanFuncNames[f]
}

// ParseScanFunc maps a configuration/wire token to a ScanFunc.
func ParseScanFunc(name string) (ScanFunc, error) {
	for f, n := range scanFuncNames {
		if ScanFunc(f) != ScanFuncInvalid && n == name {
			return ScanFunc(f), nil
		}
	}
	return ScanFuncInvalid, errors.Errorf("invalid scan function %q", name)
}

const (
	maxHostnameLen = 15
	maxParamLen    = 15
	maxPasswordLen = 4

	defaultHostname           = "brother-open"
	defaultNetworkTimeoutSec  = 5
	defaultPageInitTimeoutSec = 30
	defaultPageFinishTimeout  = 10
)

// defaultScanParams mirrors the built-in "default" preset seeded by the
// reference implementation: every parameter id gets a baseline value so an
// item that overrides none of them still produces a complete parameter
// table.
func defaultScanParams() *ParamTable {
	pt := NewParamTable()
	for _, kv := range [][2]string{
		{"A", ""}, {"B", "50"}, {"C", "JPEG"}, {"D", "SIN"}, {"E", ""},
		{"F", ""}, {"G", "1"}, {"J", ""}, {"L", "128"}, {"M", "CGRAY"},
		{"N", "50"}, {"P", "A4"}, {"R", "300,300"}, {"T", "JPEG"},
	} {
		pt.Set(kv[0][0], kv[1])
	}
	return pt
}

// ParamTable is the small ordered mapping described in spec.md §3: single
// ASCII-character keys, insertion order preserved, lookup by key.
type ParamTable struct {
	order []byte
	value map[byte]string
}

// NewParamTable returns an empty table.
func NewParamTable() *ParamTable {
	return &ParamTable{value: make(map[byte]string)}
}

// Clone returns a deep copy with the same insertion order.
func (pt *ParamTable) Clone() *ParamTable {
	clone := NewParamTable()
	for _, id := range pt.order {
		clone.Set(id, pt.value[id])
	}
	return clone
}

// Set inserts or updates id's value, preserving original insertion position
// on update.
func (pt *ParamTable) Set(id byte, value string) {
	if _, ok := pt.value[id]; !ok {
		pt.order = append(pt.order, id)
	}
	pt.value[id] = value
}

// Get returns id's value and whether it is present.
func (pt *ParamTable) Get(id byte) (string, bool) {
	v, ok := pt.value[id]
	return v, ok
}

// Ordered returns (id, value) pairs in insertion order.
func (pt *ParamTable) Ordered() []struct {
	ID    byte
	Value string
} {
	out := make([]struct {
		ID    byte
		Value string
	}, len(pt.order))
	for i, id := range pt.order {
		out[i] = struct {
			ID    byte
			Value string
		}{ID: id, Value: pt.value[id]}
	}
	return out
}

// Item is one `(scan_func, hostname)` scan destination.
type Item struct {
	Hostname          string
	Password          string // empty if none; always 0 or 4 bytes
	PageInitTimeout   int    // seconds
	PageFinishTimeout int    // seconds
	ScanFunc          ScanFunc
	Params            *ParamTable
	ScanCommand       string // shell command run by the hook; empty = no hook
}

func newDefaultItem(hostname string) *Item {
	return &Item{
		Hostname:          hostname,
		PageInitTimeout:   defaultPageInitTimeoutSec,
		PageFinishTimeout: defaultPageFinishTimeout,
		Params:            defaultScanParams(),
	}
}

func (it *Item) clone() *Item {
	c := *it
	c.Params = it.Params.Clone()
	return &c
}

// key uniquely identifies an item within a device.
type itemKey struct {
	fn   ScanFunc
	name string
}

// Device is one configured scanner: its address, connect timeout, and the
// items shown on its panel.
type Device struct {
	IP         string
	TimeoutSec int
	Items      []*Item
	itemIndex  map[itemKey]*Item
}

// FindItem looks up an item by (scan_func, hostname), as the button handler
// does on a received USER=/FUNC= datagram.
func (d *Device) FindItem(fn ScanFunc, hostname string) (*Item, bool) {
	it, ok := d.itemIndex[itemKey{fn: fn, name: hostname}]
	return it, ok
}

// Config is the fully parsed, immutable configuration tree.
type Config struct {
	Devices []*Device
}

func validateHostname(s string) error {
	if len(s) == 0 || len(s) > maxHostnameLen {
		return errors.Errorf("hostname %q must be 1-%d bytes", s, maxHostnameLen)
	}
	return nil
}

func validateParamValue(id byte, v string) error {
	if len(v) > maxParamLen {
		return errors.Errorf("scan.param %c value %q exceeds %d bytes", id, v, maxParamLen)
	}
	return nil
}

// addItem inserts item into device, enforcing the (scan_func, hostname)
// uniqueness invariant from spec.md §3.
func (d *Device) addItem(item *Item) error {
	key := itemKey{fn: item.ScanFunc, name: item.Hostname}
	if _, exists := d.itemIndex[key]; exists {
		return errors.Errorf("duplicate item (%v, %q) on device %s", item.ScanFunc, item.Hostname, d.IP)
	}
	if d.itemIndex == nil {
		d.itemIndex = make(map[itemKey]*Item)
	}
	d.itemIndex[key] = item
	d.Items = append(d.Items, item)
	return nil
}

func fmtLineError(lineNo int, format string, args ...interface{}) error {
	return errors.Errorf("line %d: %s", lineNo, fmt.Sprintf(format, args...))
}
