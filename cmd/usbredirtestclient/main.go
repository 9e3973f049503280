// usbredirtestclient connects to a usbredirserver, prints what the
// device side announces and runs a few control transfers against the
// redirected device.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hanwen/go-usbredir/filter"
	"github.com/hanwen/go-usbredir/log"
	"github.com/hanwen/go-usbredir/redir"
)

const clientVersion = "usbredirtestclient 0.7"

type testClient struct {
	redir.NopConsumer

	parser *redir.Parser
	logger *log.ChildLogger
	nextID uint64
}

func (c *testClient) Hello(h *redir.HelloHeader) {
	c.logger.Infof("connected to %q", h.Version)
}

func (c *testClient) DeviceConnect(h *redir.DeviceConnectHeader) {
	speed := map[uint8]string{
		redir.SpeedLow:   "low",
		redir.SpeedFull:  "full",
		redir.SpeedHigh:  "high",
		redir.SpeedSuper: "super",
	}[h.Speed]
	if speed == "" {
		speed = "unknown"
	}
	c.logger.Infof("device connect: %s speed, class %02x, id %04x:%04x, version %x.%02x",
		speed, h.DeviceClass, h.VendorID, h.ProductID,
		h.DeviceVersionBCD>>8, h.DeviceVersionBCD&0xff)

	// Kick the tires: fetch the device descriptor.
	c.getDescriptor()
}

func (c *testClient) DeviceDisconnect() {
	c.logger.Info("device disconnected")
}

func (c *testClient) InterfaceInfo(h *redir.InterfaceInfoHeader) {
	for i := 0; i < int(h.InterfaceCount); i++ {
		c.logger.Infof("interface %d class %02x subclass %02x protocol %02x",
			h.Interface[i], h.InterfaceClass[i], h.InterfaceSubclass[i], h.InterfaceProtocol[i])
	}
}

func (c *testClient) EpInfo(h *redir.EpInfoHeader) {
	names := []string{"control", "iso", "bulk", "int"}
	for i := range h.Type {
		if h.Type[i] == redir.TypeInvalid {
			continue
		}
		ep := uint8(i&0x0f | (i&0x10)<<3)
		c.logger.Infof("endpoint %02x type %s interval %d interface %d max-packet %d",
			ep, names[h.Type[i]], h.Interval[i], h.Interface[i], h.MaxPacketSize[i])
	}
}

func (c *testClient) ConfigurationStatus(id uint64, h *redir.ConfigurationStatusHeader) {
	c.logger.Infof("configuration %d status %d (id %d)", h.Configuration, h.Status, id)
}

func (c *testClient) AltSettingStatus(id uint64, h *redir.AltSettingStatusHeader) {
	c.logger.Infof("interface %d alt %d status %d (id %d)", h.Interface, h.Alt, h.Status, id)
}

func (c *testClient) ControlPacket(id uint64, h *redir.ControlPacketHeader, data []byte) {
	c.logger.Infof("control reply id %d status %d len %d", id, h.Status, h.Length)
	if len(data) > 0 {
		c.logger.Infof("  data: % x", data)
	}
}

func (c *testClient) getDescriptor() {
	c.nextID++
	c.parser.SendControlPacket(c.nextID, &redir.ControlPacketHeader{
		Endpoint:    0x80,
		RequestType: 0x80,
		Request:     0x06, // GET_DESCRIPTOR
		Value:       0x0100,
		Length:      18,
	}, nil)
}

// interact reads simple commands from stdin; empty input keeps the
// session alive until EOF.
func (c *testClient) interact() {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "quit":
			return
		case "reset":
			c.parser.SendReset()
		case "getconfig":
			c.nextID++
			c.parser.SendGetConfiguration(c.nextID)
		case "setconfig":
			if len(fields) != 2 {
				c.logger.Error("usage: setconfig <value>")
				continue
			}
			v, err := strconv.Atoi(fields[1])
			if err != nil {
				c.logger.Errorf("bad value: %v", err)
				continue
			}
			c.nextID++
			c.parser.SendSetConfiguration(c.nextID,
				&redir.SetConfigurationHeader{Configuration: uint8(v)})
		case "getdesc":
			c.getDescriptor()
		default:
			c.logger.Errorf("unknown command %q (quit, reset, getconfig, setconfig, getdesc)", fields[0])
		}
	}
}

func main() {
	verbose := flag.Bool("verbose", false, "enable debug logging")
	filterStr := flag.String("filter", "", "device filter rules to send (class,vendor,product,version,allow joined by | )")
	flag.Parse()

	if len(flag.Args()) != 1 {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <host:port>\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(1)
	}

	children := log.PrepareChildren(log.Root, *verbose, *verbose, *verbose, *verbose)
	logger := children.Server

	var rules []filter.Rule
	if *filterStr != "" {
		var err error
		rules, err = filter.StringToRules(*filterStr, ",", "|")
		if err != nil {
			logger.Fatalf("bad filter: %v", err)
		}
	}

	conn, err := net.DialTimeout("tcp", flag.Arg(0), 10*time.Second)
	if err != nil {
		logger.Fatalf("connect: %v", err)
	}
	defer conn.Close()

	client := &testClient{logger: logger}

	caps := make([]uint32, redir.CapsSize)
	redir.CapsSetCap(caps, redir.CapConnectDeviceVersion)
	redir.CapsSetCap(caps, redir.CapFilter)
	redir.CapsSetCap(caps, redir.CapEpInfoMaxPacketSize)
	redir.CapsSetCap(caps, redir.Cap64BitsIds)
	redir.CapsSetCap(caps, redir.Cap32BitsBulkLength)
	redir.CapsSetCap(caps, redir.CapBulkReceiving)

	parser, err := redir.New(redir.Config{
		Version: clientVersion,
		Caps:    caps,
		Read: func(buf []byte) int {
			n, err := conn.Read(buf)
			if err != nil {
				return -1
			}
			return n
		},
		Write: func(buf []byte) int {
			n, err := conn.Write(buf)
			if err != nil {
				return -1
			}
			return n
		},
		Consumer: client,
		Log:      children.Parser,
	})
	if err != nil {
		logger.Fatal(err)
	}
	client.parser = parser

	done := make(chan struct{})
	go func() {
		defer close(done)
		sentFilter := false
		for {
			if r := parser.DoRead(); r < 0 {
				if r == redir.ReadParseError {
					logger.Warning("parse error, resynchronized")
					continue
				}
				logger.Info("connection closed")
				return
			}
			if rules != nil && !sentFilter && parser.HavePeerCaps() {
				parser.SendFilterFilter(rules)
				sentFilter = true
			}
			if r := parser.DoWrite(); r < 0 {
				logger.Info("write error, closing")
				return
			}
		}
	}()

	// Writer for packets queued from the interactive loop.
	go func() {
		tick := time.NewTicker(5 * time.Millisecond)
		defer tick.Stop()
		for range tick.C {
			if parser.HasDataToWrite() > 0 {
				if parser.DoWrite() < 0 {
					return
				}
			}
		}
	}()

	client.interact()
	conn.Close()
	<-done
}
