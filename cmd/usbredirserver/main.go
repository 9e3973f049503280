// usbredirserver exposes one local USB device to a single usbredir
// client at a time, over plain TCP or a binary websocket.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/gousb"
	"github.com/gorilla/websocket"
	"github.com/paulbellamy/ratecounter"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/hanwen/go-usbredir/log"
	"github.com/hanwen/go-usbredir/redirhost"
)

const serverVersion = "usbredirserver 0.7"

type deviceID struct {
	vendor, product int // -1 when selecting by bus-devnum
	bus, devnum     int // -1 when selecting by vendor:product
}

func parseDeviceID(s string) (deviceID, error) {
	id := deviceID{vendor: -1, product: -1, bus: -1, devnum: -1}

	if i := strings.IndexByte(s, ':'); i >= 0 {
		v, err1 := strconv.ParseInt(s[:i], 16, 32)
		p, err2 := strconv.ParseInt(s[i+1:], 16, 32)
		if err1 != nil || err2 != nil {
			return id, fmt.Errorf("invalid usb device identifier: %s", s)
		}
		id.vendor, id.product = int(v), int(p)
		return id, nil
	}
	if i := strings.IndexByte(s, '-'); i >= 0 {
		b, err1 := strconv.Atoi(s[:i])
		d, err2 := strconv.Atoi(s[i+1:])
		if err1 != nil || err2 != nil {
			return id, fmt.Errorf("invalid usb device identifier: %s", s)
		}
		id.bus, id.devnum = b, d
		return id, nil
	}
	return id, fmt.Errorf("invalid usb device identifier: %s", s)
}

func (id deviceID) match(desc *gousb.DeviceDesc) bool {
	if id.vendor != -1 {
		return int(desc.Vendor) == id.vendor && int(desc.Product) == id.product
	}
	return desc.Bus == id.bus && desc.Address == id.devnum
}

// conn adapts one accepted client to the host's transport callbacks.
type conn interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// wsConn frames the byte stream over binary websocket messages.
type wsConn struct {
	ws   *websocket.Conn
	rest []byte
}

func (c *wsConn) Read(p []byte) (int, error) {
	if len(c.rest) == 0 {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			return 0, err
		}
		c.rest = msg
	}
	n := copy(p, c.rest)
	c.rest = c.rest[n:]
	return n, nil
}

func (c *wsConn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error { return c.ws.Close() }

// session runs one client until it disconnects or the device is lost.
type session struct {
	conn conn
	host *redirhost.Host

	writeRate *ratecounter.RateCounter
	readRate  *ratecounter.RateCounter
	running   *atomic.Bool
	flushChan chan struct{}
	logger    *log.ChildLogger
}

func runSession(ctx context.Context, c conn, dev *gousb.Device, children *log.Children) error {
	s := &session{
		conn:      c,
		writeRate: ratecounter.NewRateCounter(time.Second),
		readRate:  ratecounter.NewRateCounter(time.Second),
		running:   atomic.NewBool(true),
		flushChan: make(chan struct{}, 1),
		logger:    children.Server,
	}

	host, err := redirhost.Open(redirhost.Config{
		Device:  redirhost.NewGousbDevice(dev),
		Version: serverVersion,
		Read: func(buf []byte) int {
			n, err := s.conn.Read(buf)
			if err != nil {
				return -1
			}
			s.readRate.Incr(int64(n))
			return n
		},
		Write: func(buf []byte) int {
			n, err := s.conn.Write(buf)
			if err != nil {
				return -1
			}
			s.writeRate.Incr(int64(n))
			return n
		},
		FlushWrites: func() {
			select {
			case s.flushChan <- struct{}{}:
			default:
			}
		},
		Log: children,
	})
	if err != nil {
		return err
	}
	s.host = host
	defer host.Close()

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error { return s.readLoop(egCtx) })
	eg.Go(func() error { return s.writeLoop(egCtx) })
	eg.Go(func() error { return s.statsLoop(egCtx) })
	err = eg.Wait()
	s.running.Store(false)
	return err
}

func (s *session) readLoop(ctx context.Context) error {
	for s.running.Load() {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		switch r := s.host.ReadGuestData(); r {
		case 0:
		case redirhost.ReadParseError:
			s.logger.Warning("parse error, resynchronized")
		case redirhost.ReadDeviceRejected:
			return fmt.Errorf("device rejected by client filter")
		case redirhost.ReadDeviceLost:
			return fmt.Errorf("device lost")
		default:
			if r < 0 {
				return fmt.Errorf("client disconnected")
			}
		}
	}
	return nil
}

func (s *session) writeLoop(ctx context.Context) error {
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.flushChan:
		case <-tick.C:
		}

		for s.host.HasDataToWrite() > 0 {
			if r := s.host.WriteGuestData(); r < 0 {
				return fmt.Errorf("write error, client disconnected")
			}
		}
	}
}

func (s *session) statsLoop(ctx context.Context) error {
	tick := time.NewTicker(10 * time.Second)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			s.logger.Debugf("throughput: %d B/s to guest, %d B/s from guest, %d bytes queued",
				s.writeRate.Rate(), s.readRate.Rate(), s.host.BufferedOutputSize())
		}
	}
}

func openDevice(usbCtx *gousb.Context, id deviceID) (*gousb.Device, error) {
	devs, err := usbCtx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return id.match(desc)
	})
	// OpenDevices may return both devices and an error; close what we
	// don't use.
	var dev *gousb.Device
	for _, d := range devs {
		if dev == nil {
			dev = d
		} else {
			d.Close()
		}
	}
	if dev == nil {
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("no matching device found")
	}
	return dev, nil
}

func setKeepalive(c *net.TCPConn, secs int) {
	if secs <= 0 {
		return
	}
	c.SetKeepAlive(true)
	c.SetKeepAlivePeriod(time.Duration(secs) * time.Second)
}

func main() {
	port := flag.Int("port", 4000, "port to listen on")
	addr4 := flag.String("ipv4", "", "IPv4 address to bind to")
	addr6 := flag.String("ipv6", "", "IPv6 address to bind to")
	keepalive := flag.Int("keepalive", 0, "TCP keepalive interval in seconds")
	ws := flag.Bool("ws", false, "serve the byte stream over a websocket instead of raw TCP")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	dataDebug := flag.Bool("data-debug", false, "log transfer payloads")
	flag.Parse()

	if len(flag.Args()) != 1 {
		fmt.Fprintf(os.Stderr,
			"Usage: %s [flags] <busnum-devnum|vendorid:prodid>\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(1)
	}

	children := log.PrepareChildren(log.Root, *verbose, *verbose, *dataDebug, *verbose)
	logger := children.Server

	id, err := parseDeviceID(flag.Arg(0))
	if err != nil {
		logger.Fatal(err)
	}

	usbCtx := gousb.NewContext()
	defer usbCtx.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		logger.Info("shutting down")
		cancel()
	}()

	bind := *addr4
	if *addr6 != "" {
		bind = *addr6
	}
	listenAddr := net.JoinHostPort(bind, strconv.Itoa(*port))

	if *ws {
		serveWebsocket(ctx, listenAddr, usbCtx, id, children)
		return
	}

	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		logger.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	logger.Infof("listening on %s", listenAddr)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Errorf("accept: %v", err)
			continue
		}
		if tc, ok := c.(*net.TCPConn); ok {
			setKeepalive(tc, *keepalive)
			tc.SetNoDelay(true)
		}
		logger.Infof("client connected: %s", c.RemoteAddr())

		// One client at a time; the device is opened per session and
		// released when the client goes away.
		dev, err := openDevice(usbCtx, id)
		if err != nil {
			logger.Errorf("open device: %v", err)
			c.Close()
			continue
		}
		if err := runSession(ctx, c, dev, children); err != nil {
			logger.Infof("session ended: %v", err)
		}
		c.Close()

		if ctx.Err() != nil {
			return
		}
	}
}

func serveWebsocket(ctx context.Context, listenAddr string, usbCtx *gousb.Context, id deviceID, children *log.Children) {
	logger := children.Server
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	busy := atomic.NewBool(false)

	mux := http.NewServeMux()
	mux.Handle("/", log.HTTPLogHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !busy.CAS(false, true) {
			http.Error(w, "device busy", http.StatusConflict)
			return
		}
		defer busy.Store(false)

		wsc, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Errorf("upgrade: %v", err)
			return
		}
		defer wsc.Close()

		dev, err := openDevice(usbCtx, id)
		if err != nil {
			logger.Errorf("open device: %v", err)
			return
		}
		if err := runSession(ctx, &wsConn{ws: wsc}, dev, children); err != nil {
			logger.Infof("session ended: %v", err)
		}
	})))

	srv := &http.Server{Addr: listenAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	logger.Infof("listening on ws://%s", listenAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("serve: %v", err)
	}
}
