package aprs

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

const (
	// StreamerUnit is the name of the goroutine reading from APRS-IS.
	StreamerUnit = "APRS Streamer"

	DefaultServer = "rotate.aprs2.net:14580"
	DefaultToCall = "APDR15"
	DefaultPath   = "WIDE1-1,WIDE2-2"

	dialTimeout = 15 * time.Second
	readTimeout = 5 * time.Minute
	dedupTTL    = 5 * time.Minute
)

var ErrNotConnected = errors.New("aprs-is connection not established")

// Spawner starts named goroutines whose liveness is observed externally.
type Spawner interface {
	Go(name string, fn func())
}

// Handler receives messages addressed to the gateway callsign.
type Handler interface {
	OnMessage(ctx context.Context, msg Message)
}

type Options struct {
	Server   string
	Callsign string
	Passcode string
	// Filter is an APRS-IS server side filter, e.g. "g/N0CALL".
	Filter  string
	ToCall  string
	Path    string
	Version string
	Logger  *slog.Logger
	Units   Spawner
}

type Client struct {
	opts    Options
	log     *slog.Logger
	handler Handler
	seen    *ttlcache.Cache[string, struct{}]

	connLock sync.Mutex
	conn     net.Conn

	ctx    context.Context
	cancel context.CancelFunc
	exit   atomic.Bool
}

func NewClient(opts Options) (*Client, error) {
	if opts.Callsign == "" {
		return nil, errors.New("aprs callsign is required")
	}
	if opts.Units == nil {
		return nil, errors.New("aprs client needs a goroutine spawner")
	}
	if opts.Server == "" {
		opts.Server = DefaultServer
	}
	if opts.ToCall == "" {
		opts.ToCall = DefaultToCall
	}
	if opts.Path == "" {
		opts.Path = DefaultPath
	}
	if opts.Version == "" {
		opts.Version = "meshtg 1.0"
	}
	opts.Callsign = strings.ToUpper(opts.Callsign)
	if opts.Filter == "" {
		opts.Filter = "g/" + opts.Callsign
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		opts:   opts,
		log:    opts.Logger.With("component", "aprs"),
		seen:   ttlcache.New(ttlcache.WithTTL[string, struct{}](dedupTTL), ttlcache.WithDisableTouchOnHit[string, struct{}]()),
		ctx:    ctx,
		cancel: cancel,
	}
	go c.seen.Start()
	return c, nil
}

func (c *Client) SetHandler(h Handler) {
	c.handler = h
}

func (c *Client) Callsign() string {
	return c.opts.Callsign
}

func (c *Client) Run() error {
	if c.exit.Load() {
		return errors.New("aprs client already shut down")
	}
	c.opts.Units.Go(StreamerUnit, c.streamLoop)
	return nil
}

func (c *Client) Exited() bool {
	return c.exit.Load()
}

func (c *Client) Shutdown() {
	if c.exit.Swap(true) {
		return
	}
	c.cancel()
	c.connLock.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.connLock.Unlock()
	c.seen.Stop()
}

func (c *Client) streamLoop() {
	conn, err := c.dial()
	if err != nil {
		c.log.Error("aprs-is connect failed", "server", c.opts.Server, "error", err)
		return
	}
	defer func() {
		c.connLock.Lock()
		c.conn = nil
		c.connLock.Unlock()
		conn.Close()
	}()

	c.log.Info("connected to aprs-is", "server", c.opts.Server, "callsign", c.opts.Callsign)
	scanner := bufio.NewScanner(conn)
	for {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil && !c.exit.Load() {
				c.log.Warn("aprs-is read failed", "error", err)
			}
			return
		}
		line := scanner.Text()
		if strings.HasPrefix(line, "#") {
			c.log.Debug("aprs-is server", "line", line)
			continue
		}
		c.handleLine(line)
	}
}

func (c *Client) dial() (net.Conn, error) {
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(c.ctx, "tcp", c.opts.Server)
	if err != nil {
		return nil, err
	}
	passcode := c.opts.Passcode
	if passcode == "" {
		passcode = "-1"
	}
	login := fmt.Sprintf("user %s pass %s vers %s filter %s\r\n", c.opts.Callsign, passcode, c.opts.Version, c.opts.Filter)
	if _, err := conn.Write([]byte(login)); err != nil {
		conn.Close()
		return nil, err
	}

	c.connLock.Lock()
	c.conn = conn
	c.connLock.Unlock()
	return conn, nil
}

func (c *Client) handleLine(line string) {
	msg, err := ParseMessage(line)
	if err != nil {
		return
	}
	if msg.Addressee != c.opts.Callsign || msg.Text == "" || msg.IsAck() {
		return
	}
	c.log.Info("aprs message received", "from", msg.Source, "text", msg.Text)

	if msg.ID != "" {
		if err := c.sendLine(FormatMessage(c.opts.Callsign, c.opts.ToCall, "TCPIP*", msg.Source, "ack"+msg.ID)); err != nil {
			c.log.Warn("aprs ack failed", "to", msg.Source, "error", err)
		}
	}

	key := msg.Source + ":" + msg.Text
	if _, found := c.seen.GetOrSet(key, struct{}{}); found {
		c.log.Debug("aprs duplicate", "key", key)
		return
	}
	if c.handler == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("aprs handler panicked", "panic", r)
		}
	}()
	c.handler.OnMessage(c.ctx, *msg)
}

// SendText sends a text message to addressee.
func (c *Client) SendText(ctx context.Context, addressee, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.sendLine(FormatMessage(c.opts.Callsign, c.opts.ToCall, c.opts.Path, strings.ToUpper(addressee), text))
}

// SendPosition reports a position on behalf of station.
func (c *Client) SendPosition(ctx context.Context, station string, lat, lon, altitude float64, comment string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.sendLine(FormatPosition(station, "APRS", time.Now(), lat, lon, altitude, comment))
}

func (c *Client) sendLine(line string) error {
	c.connLock.Lock()
	defer c.connLock.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	_, err := c.conn.Write([]byte(line + "\r\n"))
	return err
}
