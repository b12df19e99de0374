package telemetry

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/alex-hhh/TrainerControl/pkg/ant"
	"github.com/alex-hhh/TrainerControl/pkg/profiles"
)

// Options configure the sensors managed by the server.
type Options struct {
	// Rider configuration pushed to the trainer.
	RiderWeightKg  float64
	BikeWeightKg   float64
	WheelDiameterM float64

	// SampleInterval is how often the measurements are sampled and
	// broadcast to clients.
	SampleInterval time.Duration

	// Device numbers to pair with; zero pairs with the first device of
	// the right type.
	HeartRateDevice uint32
	TrainerDevice   uint32
}

// rebuildBackoff is how long a failed sensor rebuild blocks further
// attempts.
const rebuildBackoff = 5 * time.Second

type client struct {
	conn net.Conn
	out  chan string
	dead atomic.Bool
}

// Server drives the ANT stick, maintains the sensor channels and fans the
// decoded measurements out to TCP clients.  All stick access happens on the
// goroutine calling Run; the accept and per-client goroutines only touch
// their sockets and the command/connection channels.
type Server struct {
	stick *ant.Stick
	logf  *log.Logger
	opts  Options

	hrm *profiles.HeartRateMonitor
	fec *profiles.FitnessEquipmentControl

	// Last known device numbers, used to rebuild a closed channel with
	// the same partner rather than pairing with a different sensor
	// mid-session.
	hrmDevice uint32
	fecDevice uint32

	nextRebuild time.Time
	lastSample  time.Time

	ln      net.Listener
	conns   chan net.Conn
	cmds    chan string
	clients []*client
}

// New creates the sensor channels on the stick and starts accepting clients
// on the listener.  The listener is owned by the server from here on.
func New(stick *ant.Stick, ln net.Listener, logf *log.Logger, opts Options) (*Server, error) {
	if opts.SampleInterval <= 0 {
		opts.SampleInterval = 500 * time.Millisecond
	}

	s := &Server{
		stick:     stick,
		logf:      logf,
		opts:      opts,
		hrmDevice: opts.HeartRateDevice,
		fecDevice: opts.TrainerDevice,
		ln:        ln,
		conns:     make(chan net.Conn, 4),
		cmds:      make(chan string, 16),
	}

	hrm, err := profiles.NewHeartRateMonitor(stick, s.hrmDevice)
	if err != nil {
		return nil, fmt.Errorf("open heart rate channel: %w", err)
	}
	s.hrm = hrm

	fec, err := profiles.NewFitnessEquipmentControl(stick, s.fecDevice)
	if err != nil {
		hrm.Close()
		return nil, fmt.Errorf("open trainer channel: %w", err)
	}
	s.fec = fec
	s.fec.SetUserParams(opts.RiderWeightKg, opts.BikeWeightKg, opts.WheelDiameterM)

	go s.acceptLoop()
	return s, nil
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		select {
		case s.conns <- conn:
		default:
			// The tick loop is not draining; shed the connection.
			conn.Close()
		}
	}
}

// Run drives the server until the context is cancelled or the stick fails.
// A stick failure is returned so the caller can rebuild the stick and start
// a fresh server.
func (s *Server) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if err := s.tick(); err != nil {
			return err
		}
	}
}

func (s *Server) tick() error {
	s.drainConns()
	s.drainCommands()

	if err := s.stick.Tick(); err != nil {
		if errors.Is(err, ant.ErrPairingMismatch) {
			// The channel closed itself; checkSensorHealth
			// rebuilds it against the wanted device.
			s.logf.Printf("pairing: %v", err)
		} else {
			return err
		}
	}

	s.checkSensorHealth()

	if time.Since(s.lastSample) >= s.opts.SampleInterval {
		s.lastSample = time.Now()
		s.broadcast("TELEMETRY " + s.collect().String() + "\n")
	}
	s.sweepClients()
	return nil
}

func (s *Server) drainConns() {
	for {
		select {
		case conn := <-s.conns:
			s.addClient(conn)
		default:
			return
		}
	}
}

func (s *Server) addClient(conn net.Conn) {
	c := &client{conn: conn, out: make(chan string, 8)}
	s.clients = append(s.clients, c)
	s.logf.Printf("client connected: %s", conn.RemoteAddr())

	// Writer: drains the outbound queue until the client dies.
	go func() {
		for msg := range c.out {
			if _, err := c.conn.Write([]byte(msg)); err != nil {
				c.dead.Store(true)
				return
			}
		}
	}()

	// Reader: forwards command lines to the tick loop.
	go func() {
		sc := bufio.NewScanner(c.conn)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" {
				continue
			}
			select {
			case s.cmds <- line:
			default:
				// Command queue full; drop rather than block.
			}
		}
		c.dead.Store(true)
	}()
}

func (s *Server) drainCommands() {
	for {
		select {
		case line := <-s.cmds:
			s.processCommand(line)
		default:
			return
		}
	}
}

func (s *Server) processCommand(line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}

	switch fields[0] {
	case "SET-SLOPE":
		if len(fields) != 2 || s.fec == nil {
			return
		}
		slope, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			s.logf.Printf("bad SET-SLOPE argument %q", fields[1])
			return
		}
		s.logf.Printf("set slope to %g", slope)
		s.fec.SetSlope(slope)

	case "SET-USER":
		if len(fields) != 4 || s.fec == nil {
			return
		}
		var vals [3]float64
		for i, arg := range fields[1:] {
			v, err := strconv.ParseFloat(arg, 64)
			if err != nil {
				s.logf.Printf("bad SET-USER argument %q", arg)
				return
			}
			vals[i] = v
		}
		s.logf.Printf("set user params: rider %g kg, bike %g kg, wheel %g m",
			vals[0], vals[1], vals[2])
		s.fec.SetUserParams(vals[0], vals[1], vals[2])

	default:
		s.logf.Printf("unknown command %q", fields[0])
	}
}

// checkSensorHealth rebuilds closed channels.  The rebuild reuses the
// learned device number so a dropout reconnects to the same sensor rather
// than whatever strap happens to be nearby.
func (s *Server) checkSensorHealth() {
	if s.hrm != nil && s.hrm.State() == ant.ChannelClosed {
		s.hrmDevice = s.hrm.ChannelID().DeviceNumber
		s.hrm.Close()
		s.hrm = nil
	}
	if s.fec != nil && s.fec.State() == ant.ChannelClosed {
		s.fecDevice = s.fec.ChannelID().DeviceNumber
		s.fec.Close()
		s.fec = nil
	}

	if (s.hrm != nil && s.fec != nil) || time.Now().Before(s.nextRebuild) {
		return
	}

	if s.hrm == nil {
		hrm, err := profiles.NewHeartRateMonitor(s.stick, s.hrmDevice)
		if err != nil {
			s.logf.Printf("rebuild heart rate channel: %v", err)
			s.nextRebuild = time.Now().Add(rebuildBackoff)
			return
		}
		s.logf.Printf("rebuilt heart rate channel for device %d", s.hrmDevice)
		s.hrm = hrm
	}

	if s.fec == nil {
		fec, err := profiles.NewFitnessEquipmentControl(s.stick, s.fecDevice)
		if err != nil {
			s.logf.Printf("rebuild trainer channel: %v", err)
			s.nextRebuild = time.Now().Add(rebuildBackoff)
			return
		}
		s.logf.Printf("rebuilt trainer channel for device %d", s.fecDevice)
		fec.SetUserParams(s.opts.RiderWeightKg, s.opts.BikeWeightKg, s.opts.WheelDiameterM)
		s.fec = fec
	}
}

func (s *Server) collect() Telemetry {
	t := emptyTelemetry()
	if s.hrm != nil && s.hrm.State() == ant.ChannelOpen {
		t.HeartRate = s.hrm.InstantHeartRate()
	}
	if s.fec != nil && s.fec.State() == ant.ChannelOpen {
		t.Cadence = s.fec.InstantCadence()
		t.Power = s.fec.InstantPower()
		t.Speed = s.fec.InstantSpeed()
	}
	return t
}

func (s *Server) broadcast(msg string) {
	for _, c := range s.clients {
		if c.dead.Load() {
			continue
		}
		select {
		case c.out <- msg:
		default:
			// Client is not keeping up; drop it rather than stall
			// the tick loop.
			c.dead.Store(true)
		}
	}
}

func (s *Server) sweepClients() {
	kept := s.clients[:0]
	for _, c := range s.clients {
		if c.dead.Load() {
			s.logf.Printf("client disconnected: %s", c.conn.RemoteAddr())
			close(c.out)
			c.conn.Close()
			continue
		}
		kept = append(kept, c)
	}
	s.clients = kept
}

// Close shuts the listener, drops every client and tears down the sensor
// channels.  Safe to call after Run returned with an error.
func (s *Server) Close() {
	s.ln.Close()
	for _, c := range s.clients {
		close(c.out)
		c.conn.Close()
	}
	s.clients = nil
	if s.hrm != nil {
		s.hrm.Close()
		s.hrm = nil
	}
	if s.fec != nil {
		s.fec.Close()
		s.fec = nil
	}
}
