package config

import (
	"bufio"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Directives, matched the way od_parser.go matches EDS section/key shapes:
// one compiled regexp per directive, tried in turn against each line.
var (
	reDefinePreset      = regexp.MustCompile(`^define-preset\s+(\S+)\s*$`)
	reIP                = regexp.MustCompile(`^ip\s+(\S+)\s*$`)
	rePreset            = regexp.MustCompile(`^preset\s+(\S+)\s+(\S+)\s*$`)
	reHostname          = regexp.MustCompile(`^hostname\s+(\S+)\s*$`)
	rePassword          = regexp.MustCompile(`^password\s+(\S+)\s*$`)
	reNetworkTimeout    = regexp.MustCompile(`^network\.timeout\s+(\d+)\s*$`)
	rePageInitTimeout   = regexp.MustCompile(`^network\.page\.init\.timeout\s+(\d+)\s*$`)
	rePageFinishTimeout = regexp.MustCompile(`^network\.page\.finish\.timeout\s+(\d+)\s*$`)
	reScanParam         = regexp.MustCompile(`^scan\.param\s+(\S)\s+(\S+)\s*$`)
	reScanFunc          = regexp.MustCompile(`^scan\.func\s+(.+?)\s*$`)
)

// block is whichever preset or item is currently open and receiving
// hostname/password/scan.*/network.page.* directives.
type block struct {
	item     *Item
	isPreset bool
	name     string // preset name, if isPreset
}

// parserState threads through one config file.
type parserState struct {
	cfg       *Config
	presets   map[string]*Item
	curDevice *Device
	curBlock  *block
}

// Parse reads and validates a brother.config-style file from r.
func Parse(r io.Reader) (*Config, error) {
	st := &parserState{
		cfg:     &Config{},
		presets: make(map[string]*Item),
	}
	st.presets["default"] = newDefaultItem("default")

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := st.parseLine(line, lineNo); err != nil {
			return nil, err
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "reading config")
	}
	return st.cfg, nil
}

// ParseFile opens path and parses it.
func ParseFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening config %s", path)
	}
	defer f.Close()
	return Parse(f)
}

func (st *parserState) parseLine(line string, lineNo int) error {
	switch {
	case reDefinePreset.MatchString(line):
		m := reDefinePreset.FindStringSubmatch(line)
		name := m[1]
		preset := st.presets["default"].clone()
		preset.Hostname = name
		st.presets[name] = preset
		st.curBlock = &block{item: preset, isPreset: true, name: name}

	case reIP.MatchString(line):
		m := reIP.FindStringSubmatch(line)
		dev := &Device{IP: m[1], TimeoutSec: defaultNetworkTimeoutSec}
		st.cfg.Devices = append(st.cfg.Devices, dev)
		st.curDevice = dev
		st.curBlock = nil

	case rePreset.MatchString(line):
		m := rePreset.FindStringSubmatch(line)
		presetName, funcName := m[1], m[2]
		if st.curDevice == nil {
			return fmtLineError(lineNo, "cannot use preset %q before configuring a device (start with 'ip x.x.x.x')", presetName)
		}
		preset, ok := st.presets[presetName]
		if !ok {
			return fmtLineError(lineNo, "preset %q wasn't defined yet", presetName)
		}
		fn, err := ParseScanFunc(funcName)
		if err != nil {
			return fmtLineError(lineNo, "%v", err)
		}
		item := preset.clone()
		item.ScanFunc = fn
		if err := validateHostname(item.Hostname); err != nil {
			return fmtLineError(lineNo, "%v", err)
		}
		if err := st.curDevice.addItem(item); err != nil {
			return fmtLineError(lineNo, "%v", err)
		}
		st.curBlock = &block{item: item}

	case reNetworkTimeout.MatchString(line):
		m := reNetworkTimeout.FindStringSubmatch(line)
		if st.curDevice == nil {
			return fmtLineError(lineNo, "network.timeout specified without a device")
		}
		v, _ := strconv.Atoi(m[1])
		st.curDevice.TimeoutSec = v

	case reHostname.MatchString(line):
		m := reHostname.FindStringSubmatch(line)
		if st.curBlock == nil {
			return fmtLineError(lineNo, "hostname specified without an open preset or item")
		}
		if err := validateHostname(m[1]); err != nil {
			return fmtLineError(lineNo, "%v", err)
		}
		item := st.curBlock.item
		if !st.curBlock.isPreset {
			// Re-key the device's item index so FindItem sees the new name.
			dev := st.curDevice
			newKey := itemKey{fn: item.ScanFunc, name: m[1]}
			if other, exists := dev.itemIndex[newKey]; exists && other != item {
				return fmtLineError(lineNo, "duplicate item (%v, %q) on device %s", item.ScanFunc, m[1], dev.IP)
			}
			delete(dev.itemIndex, itemKey{fn: item.ScanFunc, name: item.Hostname})
			dev.itemIndex[newKey] = item
		}
		item.Hostname = m[1]

	case rePassword.MatchString(line):
		m := rePassword.FindStringSubmatch(line)
		if st.curBlock == nil {
			return fmtLineError(lineNo, "password specified without an open preset or item")
		}
		if len(m[1]) != maxPasswordLen {
			return fmtLineError(lineNo, "password must be exactly %d characters", maxPasswordLen)
		}
		st.curBlock.item.Password = m[1]

	case rePageInitTimeout.MatchString(line):
		m := rePageInitTimeout.FindStringSubmatch(line)
		if st.curBlock == nil {
			return fmtLineError(lineNo, "network.page.init.timeout specified without an open preset or item")
		}
		v, _ := strconv.Atoi(m[1])
		st.curBlock.item.PageInitTimeout = v

	case rePageFinishTimeout.MatchString(line):
		m := rePageFinishTimeout.FindStringSubmatch(line)
		if st.curBlock == nil {
			return fmtLineError(lineNo, "network.page.finish.timeout specified without an open preset or item")
		}
		v, _ := strconv.Atoi(m[1])
		st.curBlock.item.PageFinishTimeout = v

	case reScanParam.MatchString(line):
		m := reScanParam.FindStringSubmatch(line)
		if st.curBlock == nil {
			return fmtLineError(lineNo, "scan.param specified without an open preset or item")
		}
		id := m[1][0]
		if err := validateParamValue(id, m[2]); err != nil {
			return fmtLineError(lineNo, "%v", err)
		}
		if _, known := st.curBlock.item.Params.Get(id); !known {
			return fmtLineError(lineNo, "invalid scan.param id %q", m[1])
		}
		st.curBlock.item.Params.Set(id, m[2])

	case reScanFunc.MatchString(line):
		m := reScanFunc.FindStringSubmatch(line)
		if st.curBlock == nil {
			return fmtLineError(lineNo, "scan.func specified without an open preset or item")
		}
		st.curBlock.item.ScanCommand = m[1]

	default:
		return fmtLineError(lineNo, "invalid configuration option: %s", line)
	}
	return nil
}
