// Package snmp implements the two SNMP operations the device handler needs
// against a Brother scanner: polling its printer-status OID and
// registering/unregistering scan destinations. The ASN.1/BER wire format
// itself is treated as an external concern and delegated entirely to
// github.com/gosnmp/gosnmp.
package snmp

import (
	"context"
	"strings"
	"time"

	"github.com/gosnmp/gosnmp"
	"github.com/pkg/errors"
)

const (
	statusOID     = "1.3.6.1.4.1.2435.2.3.9.4.2.1.5.5.6.0"
	registerOID   = "1.3.6.1.4.1.2435.2.3.9.2.11.1.1.0"
	unregisterOID = "1.3.6.1.4.1.2435.2.3.9.2.11.1.2.0"

	communityStatus = "public"
	communityWrite  = "internal"

	// pollTimeout bounds how long the underlying client waits for a reply;
	// both operations in spec.md §4.2 are specified as "poll up to 3s,
	// then receive".
	pollTimeout = 3 * time.Second

	// maxBatch is the destination-descriptor batching limit per packet.
	maxBatch = 4
)

// Client performs SNMP GET/SET against one scanner's management port.
type Client struct {
	port uint16
}

// NewClient returns a Client targeting the standard SNMP port (161).
func NewClient() *Client {
	return &Client{port: 161}
}

func (c *Client) newSession(ip, community string) *gosnmp.GoSNMP {
	return &gosnmp.GoSNMP{
		Target:    ip,
		Port:      c.port,
		Community: community,
		Version:   gosnmp.Version1,
		Timeout:   pollTimeout,
		Retries:   0,
	}
}

// GetStatus performs an SNMP GET against the printer-status OID, returning
// the integer status value reported by the device.
func (c *Client) GetStatus(ctx context.Context, ip string) (int, error) {
	session := c.newSession(ip, communityStatus)
	if err := session.ConnectIPv4(); err != nil {
		return 0, errors.Wrapf(err, "snmp connect to %s", ip)
	}
	defer session.Conn.Close()

	result, err := session.Get([]string{statusOID})
	if err != nil {
		return 0, errors.Wrapf(err, "snmp get-status from %s", ip)
	}
	if len(result.Variables) != 1 {
		return 0, errors.Errorf("snmp get-status from %s: expected 1 varbind, got %d", ip, len(result.Variables))
	}
	v := result.Variables[0]
	status, ok := v.Value.(int)
	if !ok {
		return 0, errors.Errorf("snmp get-status from %s: unexpected value type %T", ip, v.Value)
	}
	return status, nil
}

// Register SETs each descriptor against the register OID, batching at most
// maxBatch varbinds per packet. Response errors are surfaced to the caller.
func (c *Client) Register(ctx context.Context, ip string, descriptors []string) error {
	return c.write(ctx, ip, registerOID, descriptors, true)
}

// Unregister is identical to Register except response errors are ignored,
// since some firmware does not implement the unregister OID.
func (c *Client) Unregister(ctx context.Context, ip string, descriptors []string) error {
	return c.write(ctx, ip, unregisterOID, descriptors, false)
}

func (c *Client) write(ctx context.Context, ip, oid string, descriptors []string, surfaceErrors bool) error {
	if len(descriptors) == 0 {
		return nil
	}
	session := c.newSession(ip, communityWrite)
	if err := session.ConnectIPv4(); err != nil {
		if surfaceErrors {
			return errors.Wrapf(err, "snmp connect to %s", ip)
		}
		return nil
	}
	defer session.Conn.Close()

	for _, batch := range batchStrings(descriptors, maxBatch) {
		pdus := make([]gosnmp.SnmpPDU, len(batch))
		for i, d := range batch {
			pdus[i] = gosnmp.SnmpPDU{
				Name:  oid,
				Type:  gosnmp.OctetString,
				Value: d,
			}
		}
		_, err := session.Set(pdus)
		if err != nil && surfaceErrors {
			return errors.Wrapf(err, "snmp set (%s) to %s", strings.Join(batch, "|"), ip)
		}
	}
	return nil
}

func batchStrings(items []string, size int) [][]string {
	var batches [][]string
	for size > 0 && len(items) > 0 {
		if len(items) <= size {
			batches = append(batches, items)
			break
		}
		batches = append(batches, items[:size])
		items = items[size:]
	}
	return batches
}
