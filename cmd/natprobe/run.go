package main

import (
	"io"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/libp2p/go-reuseport"
	"github.com/mitchellh/mapstructure"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/gortc/natcore/backoff"
	"github.com/gortc/natcore/background"
	"github.com/gortc/natcore/discovery"
	"github.com/gortc/natcore/dnsclient"
	"github.com/gortc/natcore/stun"
	"github.com/gortc/natcore/stunrequest"
	"github.com/gortc/natcore/turn"
)

// installQuitHandler arranges for SIGINT/SIGTERM to run teardown (best
// effort: cancel the active allocation/discovery via bg, close conn)
// before the process exits, rather than dropping the TURN allocation on
// the floor. Aggregated with multierr since several independent close
// calls can each fail.
func installQuitHandler(l *zap.Logger, bg *background.Service, conn net.PacketConn, extra ...io.Closer) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		l.Info("shutting down")
		if bg != nil {
			bg.ApplicationWillQuit()
		}
		var err error
		for _, c := range extra {
			err = multierr.Append(err, c.Close())
		}
		err = multierr.Append(err, conn.Close())
		if err != nil {
			l.Warn("errors during shutdown", zap.Error(err))
		}
		os.Exit(0)
	}()
}

func runProbe(cmd *cobra.Command, args []string) {
	logCfg, err := getZapConfig()
	if err != nil {
		panic(err)
	}
	l, err := logCfg.Build()
	if err != nil {
		panic(err)
	}

	reg := prometheus.NewPedanticRegistry()
	runMetricsAndPprof(l, reg)

	if viper.GetBool("peer.enabled") {
		runEchoPeer(l, normalizeListen(viper.GetString("peer.listen")))
		return
	}

	laddr := normalizeListen(viper.GetString("listen"))
	var conn net.PacketConn
	if reuseport.Available() {
		conn, err = reuseport.ListenPacket("udp", laddr)
	} else {
		conn, err = net.ListenPacket("udp", laddr)
	}
	if err != nil {
		l.Fatal("failed to listen", zap.String("addr", laddr), zap.Error(err))
	}
	l.Info("listening", zap.Stringer("laddr", conn.LocalAddr()))

	dns := buildDNSClient(l)
	clock := backoff.RealClock
	manager := stunrequest.NewManager(stunrequest.Options{Log: l})

	switch viper.GetString("mode") {
	case "stun":
		runDiscoverMode(l, conn, dns, clock, manager)
	default:
		runTurnMode(l, conn, dns, clock, manager, reg)
	}
}

// buildDNSClient returns a Static client pointed directly at
// --server-ip (so the probe works with no real DNS infrastructure) or
// a production MiekgClient resolving --server's SRV records.
func buildDNSClient(l *zap.Logger) dnsclient.Client {
	ip := viper.GetString("server-ip")
	if ip == "" {
		return dnsclient.NewMiekgClient()
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		l.Fatal("failed to parse --server-ip", zap.String("ip", ip))
	}
	name := viper.GetString("server")
	port := uint16(viper.GetInt("server-port"))
	static := dnsclient.NewStatic()
	target := dnsclient.SRVTarget{Target: name, Port: port, IPs: []net.IP{parsed}}
	result := &dnsclient.SRVResult{Targets: []dnsclient.SRVTarget{target}}
	static.SetSRV("turn", "udp", name, result)
	static.SetSRV("turn", "tcp", name, result)
	static.SetSRV("stun", "udp", name, result)
	static.SetA(name, []net.IP{parsed})
	return static
}

func addrFromNet(a net.Addr) stun.Addr {
	if udp, ok := a.(*net.UDPAddr); ok {
		return stun.Addr{IP: udp.IP, Port: udp.Port}
	}
	host, port, err := net.SplitHostPort(a.String())
	if err != nil {
		return stun.Addr{}
	}
	p := 0
	for _, r := range port {
		if r < '0' || r > '9' {
			break
		}
		p = p*10 + int(r-'0')
	}
	return stun.Addr{IP: net.ParseIP(host), Port: p}
}

// isChannelData reports whether raw looks like a TURN channel-data
// frame rather than a STUN message: STUN message types always have
// their top two bits clear, while channel numbers occupy 0x4000-0x7FFF
// (RFC 5766 Section 11).
func isChannelData(raw []byte) bool {
	return len(raw) > 0 && raw[0]>>6 == 1
}

func runDiscoverMode(l *zap.Logger, conn net.PacketConn, dns dnsclient.Client, clock backoff.Clock, manager *stunrequest.Manager) {
	delegate := &discoverDelegate{log: l.Named("discover")}
	cfg := discovery.Config{
		Log:         l,
		Clock:       clock,
		Manager:     manager,
		DNS:         dns,
		RFC:         stun.RFC5389,
		SRVName:     viper.GetString("server"),
		Service:     "stun",
		Proto:       "udp",
		DefaultPort: stun.DefaultPort,
		Transport: func(server stun.Addr, raw []byte) {
			if _, err := conn.WriteTo(raw, &net.UDPAddr{IP: server.IP, Port: server.Port}); err != nil {
				l.Error("write failed", zap.Error(err))
			}
		},
	}
	if _, err := discovery.Create(cfg, delegate); err != nil {
		l.Fatal("failed to start discovery", zap.Error(err))
	}
	installQuitHandler(l, nil, conn)

	buf := make([]byte, 4096)
	for {
		n, raddr, err := conn.ReadFrom(buf)
		if err != nil {
			l.Error("read failed", zap.Error(err))
			return
		}
		msg, decodeErr := stun.Decode(buf[:n], stun.RFC5389)
		if decodeErr != nil {
			l.Warn("dropping undecodable packet", zap.Error(decodeErr))
			continue
		}
		manager.HandleSTUNMessage(addrFromNet(raddr), msg)
	}
}

type discoverDelegate struct {
	log *zap.Logger
}

func (d *discoverDelegate) OnCompleted(mapped stun.Addr) {
	d.log.Info("reflexive address discovered", zap.Stringer("mapped", mapped))
}

func (d *discoverDelegate) OnFailed() {
	d.log.Fatal("discovery failed: every candidate server was exhausted")
}

func runTurnMode(l *zap.Logger, conn net.PacketConn, dns dnsclient.Client, clock backoff.Clock, manager *stunrequest.Manager, reg *prometheus.Registry) {
	var peerIP net.IP
	if raw := viper.GetString("peer.addr"); raw != "" {
		peerIP = net.ParseIP(raw)
		if peerIP == nil {
			l.Fatal("failed to parse --peer-addr", zap.String("addr", raw))
		}
	}

	delegate := &relayDelegate{
		log:  l.Named("turn"),
		conn: conn,
		peer: peerIP,
	}

	var bg *background.Service
	if viper.GetBool("background-demo") {
		bg = background.NewService()
		background.Attach(bg, background.SignalSource{})
		l.Warn("backgrounding demo active: send SIGUSR1 to background, SIGUSR2 to return")
	}

	username, password := resolveCredentials(l, viper.GetString("auth.username"), viper.GetString("auth.password"), viper.GetString("auth.realm"))

	pattern := backoff.DefaultSTUNPattern()
	c, err := turn.Create(turn.Options{
		Log:               l,
		Clock:             clock,
		Manager:           manager,
		DNS:               dns,
		RFC:               stun.RFC5389,
		ServerName:        viper.GetString("server"),
		Username:          username,
		Password:          password,
		UseChannelBinding: viper.GetBool("channel-binding"),
		ChannelRangeStart: turn.DefaultChannelRangeStart,
		ChannelRangeEnd:   turn.DefaultChannelRangeEnd,
		ForceTCP:          viper.GetBool("force-tcp"),
		ForceUDP:          !viper.GetBool("force-tcp"),
		Pattern:           &pattern,
		Background:        bg,
	}, delegate)
	if err != nil {
		l.Fatal("failed to start allocation", zap.Error(err))
	}
	delegate.attach(c)
	if err := reg.Register(c.Metrics()); err != nil {
		l.Warn("failed to register turn client metrics", zap.Error(err))
	}
	installQuitHandler(l, bg, conn)

	buf := make([]byte, 4096)
	for {
		n, raddr, err := conn.ReadFrom(buf)
		if err != nil {
			l.Error("read failed", zap.Error(err))
			return
		}
		raw := append([]byte(nil), buf[:n]...)
		from := addrFromNet(raddr)
		if isChannelData(raw) {
			c.HandleChannelData(from, raw)
			continue
		}
		c.HandleSTUNPacket(from, raw)
	}
}

// relayDelegate implements turn.Delegate. It owns no socket of its
// own -- conn is shared with the read loop started in runTurnMode,
// mirroring how Discovery and the TURN Client both expect their host
// application to own the transport.
type relayDelegate struct {
	log  *zap.Logger
	conn net.PacketConn
	peer net.IP

	mu      sync.Mutex
	client  *turn.Client
	pinging bool
}

func (d *relayDelegate) attach(c *turn.Client) {
	d.mu.Lock()
	d.client = c
	d.mu.Unlock()
}

func (d *relayDelegate) SendToServer(server turn.Addr, transport turn.Transport, raw []byte) {
	if _, err := d.conn.WriteTo(raw, &net.UDPAddr{IP: server.IP, Port: server.Port}); err != nil {
		d.log.Error("write to server failed", zap.Stringer("server", server), zap.Error(err))
	}
}

func (d *relayDelegate) OnStateChange(state turn.State, lastErr turn.ErrorKind) {
	d.log.Info("state changed", zap.Stringer("state", state), zap.Stringer("lastErr", lastErr))
	if state != turn.Ready {
		return
	}
	d.mu.Lock()
	c := d.client
	already := d.pinging
	d.pinging = true
	d.mu.Unlock()
	if c == nil {
		return
	}
	relayed, _ := c.GetRelayedIP()
	mapped, _ := c.GetReflectedIP()
	d.log.Info("allocation ready", zap.Stringer("relayed", relayed), zap.Stringer("mapped", mapped))
	if d.peer != nil && !already {
		go d.pingLoop(c)
	}
}

func (d *relayDelegate) OnReceiveData(peer net.IP, data []byte) {
	d.log.Info("received relayed data", zap.String("peer", peer.String()), zap.ByteString("data", data))
}

// pingLoop periodically relays a short payload to the configured peer,
// binding a channel on first send so later sends in the same process
// take the channel-data fast path.
func (d *relayDelegate) pingLoop(c *turn.Client) {
	t := time.NewTicker(2 * time.Second)
	defer t.Stop()
	for range t.C {
		if c.State() != turn.Ready {
			return
		}
		c.SendPacket(d.peer, []byte("hello from natprobe"), true)
	}
}

// credentialElem is one entry of the "auth.credentials" config list:
// instead of a server matching an inbound Username against a table, a
// probe run picks the entry whose Realm matches --realm so the same
// config file can carry credentials for several TURN realms.
type credentialElem struct {
	Realm    string `mapstructure:"realm"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// resolveCredentials honors explicit --username/--password first; if
// either is empty it falls back to the first "auth.credentials" entry
// matching realmHint (or the first entry at all, if no hint was given).
func resolveCredentials(l *zap.Logger, username, password, realmHint string) (string, string) {
	if username != "" && password != "" {
		return username, password
	}
	var creds []credentialElem
	if err := mapstructure.Decode(viper.Get("auth.credentials"), &creds); err != nil {
		l.Warn("failed to parse auth.credentials", zap.Error(err))
		return username, password
	}
	for _, elem := range creds {
		if realmHint == "" || elem.Realm == realmHint {
			return elem.Username, elem.Password
		}
	}
	return username, password
}

// runEchoPeer is the passive side of a probe: it listens on a UDP
// socket and echoes back whatever it receives, so a natprobe client in
// turn mode has somewhere to relay data to. Adapted from
// gortcd-turn-client's --peer mode.
func runEchoPeer(l *zap.Logger, laddr string) {
	addr, err := net.ResolveUDPAddr("udp", laddr)
	if err != nil {
		l.Fatal("failed to resolve peer address", zap.Error(err))
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		l.Fatal("failed to listen", zap.Error(err))
	}
	l.Info("echo peer listening", zap.Stringer("laddr", conn.LocalAddr()))
	buf := make([]byte, 4096)
	for {
		n, raddr, err := conn.ReadFromUDP(buf)
		if err != nil {
			l.Fatal("read failed", zap.Error(err))
		}
		l.Info("got message", zap.String("body", string(buf[:n])), zap.Stringer("raddr", raddr))
		if _, err := conn.WriteToUDP(buf[:n], raddr); err != nil {
			l.Error("echo failed", zap.Error(err))
			continue
		}
		l.Info("echoed back", zap.Stringer("raddr", raddr))
	}
}
