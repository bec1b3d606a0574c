package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brscand/brscand/pkg/config"
)

func TestParseProps(t *testing.T) {
	props := parseProps(`USER="front-desk";FUNC=IMAGE;`)
	assert.Equal(t, "front-desk", props["USER"])
	assert.Equal(t, "IMAGE", props["FUNC"])
}

func TestParsePropsIgnoresMalformedSegments(t *testing.T) {
	props := parseProps(`USER="front-desk";garbage;FUNC=OCR;`)
	assert.Equal(t, "front-desk", props["USER"])
	assert.Equal(t, "OCR", props["FUNC"])
	_, ok := props["garbage"]
	assert.False(t, ok)
}

func TestNewManagerDefaultsButtonPort(t *testing.T) {
	m := NewManager(&config.Config{}, 0, 0, nil)
	assert.Equal(t, DefaultButtonPort, m.buttonPort)
}

func TestNewManagerHonorsExplicitButtonPort(t *testing.T) {
	m := NewManager(&config.Config{}, 9999, 0, nil)
	assert.Equal(t, 9999, m.buttonPort)
}

func TestDescriptorForFormatAndStability(t *testing.T) {
	item := &config.Item{Hostname: "front-desk", ScanFunc: config.ScanFuncImage}
	dev := &config.Device{IP: "192.168.1.50"}
	m := NewManager(&config.Config{Devices: []*config.Device{dev}}, 54925, 0, nil)
	dr := &deviceRecord{cfg: dev, localIP: "192.168.1.10"}

	desc1, err := m.descriptorFor(dr, item)
	require.NoError(t, err)
	assert.Contains(t, desc1, `USER="front-desk"`)
	assert.Contains(t, desc1, "FUNC=IMAGE")
	assert.Contains(t, desc1, "HOST=192.168.1.10:54925")
	assert.Contains(t, desc1, "APPNUM=1")
	assert.Contains(t, desc1, "DURATION=360")
	assert.Contains(t, desc1, "BRID=")

	desc2, err := m.descriptorFor(dr, item)
	require.NoError(t, err)
	assert.Equal(t, desc1, desc2, "appnum and descriptor must be stable across calls for the same item")
}

func TestDescriptorForAssignsDistinctAppnums(t *testing.T) {
	itemA := &config.Item{Hostname: "a", ScanFunc: config.ScanFuncImage}
	itemB := &config.Item{Hostname: "b", ScanFunc: config.ScanFuncImage}
	dev := &config.Device{IP: "192.168.1.50"}
	m := NewManager(&config.Config{Devices: []*config.Device{dev}}, 54925, 0, nil)
	dr := &deviceRecord{cfg: dev, localIP: "192.168.1.10"}

	descA, err := m.descriptorFor(dr, itemA)
	require.NoError(t, err)
	descB, err := m.descriptorFor(dr, itemB)
	require.NoError(t, err)

	assert.Contains(t, descA, "APPNUM=1")
	assert.Contains(t, descB, "APPNUM=2")
}

func TestDescriptorForEncodesPassword(t *testing.T) {
	item := &config.Item{Hostname: "front-desk", ScanFunc: config.ScanFuncImage, Password: "1234"}
	dev := &config.Device{IP: "192.168.1.50"}
	m := NewManager(&config.Config{Devices: []*config.Device{dev}}, 54925, 0, nil)
	dr := &deviceRecord{cfg: dev, localIP: "192.168.1.10"}

	desc, err := m.descriptorFor(dr, item)
	require.NoError(t, err)
	assert.NotContains(t, desc, "BRID=;")
}

func TestFindDeviceByIP(t *testing.T) {
	devA := &config.Device{IP: "10.0.0.1"}
	devB := &config.Device{IP: "10.0.0.2"}
	m := NewManager(&config.Config{Devices: []*config.Device{devA, devB}}, 0, 0, nil)
	m.devices = []*deviceRecord{{cfg: devA}, {cfg: devB}}

	found := m.findDeviceByIP("10.0.0.2")
	require.NotNil(t, found)
	assert.Same(t, devB, found.cfg)

	assert.Nil(t, m.findDeviceByIP("10.0.0.9"))
}
