package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
# a comment
define-preset office
hostname OfficeScan
scan.param R 600,600
scan.param M CGRAY
scan.func /usr/local/bin/handle-scan.sh

ip 192.168.1.50
network.timeout 7
preset office IMAGE
hostname front-desk
password 1234
network.page.init.timeout 45

ip 192.168.1.51
preset default FILE
`

func TestParseHappyPath(t *testing.T) {
	cfg, err := Parse(strings.NewReader(sampleConfig))
	require.NoError(t, err)
	require.Len(t, cfg.Devices, 2)

	dev0 := cfg.Devices[0]
	assert.Equal(t, "192.168.1.50", dev0.IP)
	assert.Equal(t, 7, dev0.TimeoutSec)
	require.Len(t, dev0.Items, 1)

	item, ok := dev0.FindItem(ScanFuncImage, "front-desk")
	require.True(t, ok)
	assert.Equal(t, "1234", item.Password)
	assert.Equal(t, 45, item.PageInitTimeout)
	v, ok := item.Params.Get('R')
	require.True(t, ok)
	assert.Equal(t, "600,600", v)
	assert.Equal(t, "/usr/local/bin/handle-scan.sh", item.ScanCommand)

	dev1 := cfg.Devices[1]
	item1, ok := dev1.FindItem(ScanFuncFile, "default")
	require.True(t, ok)
	// Inherits the built-in default preset's R value untouched.
	v1, _ := item1.Params.Get('R')
	assert.Equal(t, "300,300", v1)
}

func TestParseRejectsDuplicateItem(t *testing.T) {
	const cfg = `
ip 10.0.0.1
preset default IMAGE
preset default IMAGE
`
	_, err := Parse(strings.NewReader(cfg))
	assert.Error(t, err)
}

func TestParseRejectsUnknownDirective(t *testing.T) {
	_, err := Parse(strings.NewReader("bogus.directive 1\n"))
	assert.Error(t, err)
}

func TestParseRejectsPresetBeforeDevice(t *testing.T) {
	_, err := Parse(strings.NewReader("preset default IMAGE\n"))
	assert.Error(t, err)
}

func TestParseRejectsLongHostname(t *testing.T) {
	const cfg = `
ip 10.0.0.1
preset default IMAGE
hostname way-too-long-a-hostname
`
	_, err := Parse(strings.NewReader(cfg))
	assert.Error(t, err)
}

func TestParseRejectsBadPasswordLength(t *testing.T) {
	const cfg = `
ip 10.0.0.1
preset default IMAGE
password 12
`
	_, err := Parse(strings.NewReader(cfg))
	assert.Error(t, err)
}

func TestParseScanFuncRoundTrip(t *testing.T) {
	for _, name := range []string{"IMAGE", "OCR", "EMAIL", "FILE"} {
		fn, err := ParseScanFunc(name)
		require.NoError(t, err)
		assert.Equal(t, name, fn.String())
	}
	_, err := ParseScanFunc("NONSENSE")
	assert.Error(t, err)
}
