package datachannel

import (
	"bytes"

	"github.com/pkg/errors"

	"github.com/brscand/brscand/pkg/config"
)

// whitelistParams1 and whitelistParams2 are the literal parameter-id
// allow-lists the device's two handshake responses are restricted to.
// Preserve verbatim: "RMD" and "RMCJBNADGL".
var (
	whitelistParams1 = []byte{'R', 'M', 'D'}
	whitelistParams2 = []byte{'R', 'M', 'C', 'J', 'B', 'N', 'A', 'D', 'G', 'L'}
)

// parseParamRecords splits a run of "id=value\n" records into a map keyed
// by the single-byte parameter id.
func parseParamRecords(buf []byte) (map[byte]string, error) {
	records := make(map[byte]string)
	for len(buf) > 0 {
		nl := bytes.IndexByte(buf, '\n')
		if nl < 0 {
			return nil, errors.Wrap(ErrProtocol, "truncated parameter record")
		}
		line := buf[:nl]
		buf = buf[nl+1:]
		if len(line) < 2 || line[1] != '=' {
			return nil, errors.Wrapf(ErrProtocol, "malformed parameter record %q", line)
		}
		records[line[0]] = string(line[2:])
	}
	return records, nil
}

// buildParamResponse writes header, then every (id, value) pair from table
// whose id is in whitelist and whose value is non-empty, in the table's
// insertion order, each as "id=value\n", followed by the single terminator
// byte 0x80. A zero-length value is omitted entirely rather than written as
// "id=\n".
func buildParamResponse(header []byte, whitelist []byte, table *config.ParamTable) []byte {
	allowed := make(map[byte]bool, len(whitelist))
	for _, id := range whitelist {
		allowed[id] = true
	}
	var buf bytes.Buffer
	buf.Write(header)
	for _, kv := range table.Ordered() {
		if !allowed[kv.ID] || kv.Value == "" {
			continue
		}
		buf.WriteByte(kv.ID)
		buf.WriteByte('=')
		buf.WriteString(kv.Value)
		buf.WriteByte('\n')
	}
	buf.WriteByte(0x80)
	return buf.Bytes()
}
