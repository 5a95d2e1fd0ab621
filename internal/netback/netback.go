// Package netback is the host side of the virtio network device: a gVisor
// tcpip stack reachable from the guest, with outbound TCP proxied to the host
// network and a small DNS forwarder.
package netback

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"

	"golang.org/x/sync/errgroup"
	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/link/ethernet"
	"gvisor.dev/gvisor/pkg/tcpip/network/arp"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
	"gvisor.dev/gvisor/pkg/waiter"
)

const backendNICID tcpip.NICID = 1

// Config selects the addresses of the backend stack.
type Config struct {
	// HostAddr is the address the guest reaches the host under.
	HostAddr net.IP
	// HostMAC is the link address of the backend NIC.
	HostMAC net.HardwareAddr
	// EnableDNS starts a forwarder on HostAddr:53.
	EnableDNS bool
}

// DefaultConfig is a usable slirp-style setup: host at 10.0.2.2.
func DefaultConfig() Config {
	return Config{
		HostAddr:  net.IPv4(10, 0, 2, 2),
		HostMAC:   net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01},
		EnableDNS: true,
	}
}

// Backend bridges guest ethernet frames into a gVisor stack.
type Backend struct {
	log *slog.Logger

	gs *channelStack

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	deliver func(frame []byte)

	dns *dnsServer
}

type channelStack struct {
	stack *stack.Stack
	ep    *channel.Endpoint
}

func addrFrom4(ip net.IP) (tcpip.Address, error) {
	ip4 := ip.To4()
	if ip4 == nil {
		return tcpip.Address{}, fmt.Errorf("netback: not an IPv4 address: %v", ip)
	}
	var b [4]byte
	copy(b[:], ip4)
	return tcpip.AddrFrom4(b), nil
}

// New builds the backend stack. deliver carries host-originated frames to the
// guest and may be called from backend goroutines.
func New(logger *slog.Logger, cfg Config, deliver func(frame []byte)) (*Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if deliver == nil {
		return nil, fmt.Errorf("netback: deliver callback is required")
	}
	if len(cfg.HostMAC) != 6 {
		return nil, fmt.Errorf("netback: host MAC must be 6 bytes, got %d", len(cfg.HostMAC))
	}

	hostAddr, err := addrFrom4(cfg.HostAddr)
	if err != nil {
		return nil, err
	}

	// The channel endpoint MTU is the L2 MTU; ethernet.Endpoint subtracts the
	// header to get the L3 MTU.
	ch := channel.New(4096, 1500+header.EthernetMinimumSize, tcpip.LinkAddress(string(cfg.HostMAC)))
	gs := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, arp.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol},
	})

	if err := gs.CreateNIC(backendNICID, ethernet.New(ch)); err != nil {
		return nil, fmt.Errorf("netback: create nic: %s", err)
	}
	if err := gs.AddProtocolAddress(
		backendNICID,
		tcpip.ProtocolAddress{
			Protocol: ipv4.ProtocolNumber,
			AddressWithPrefix: tcpip.AddressWithPrefix{
				Address:   hostAddr,
				PrefixLen: 24,
			},
		},
		stack.AddressProperties{},
	); err != nil {
		return nil, fmt.Errorf("netback: add address: %s", err)
	}
	gs.SetRouteTable([]tcpip.Route{
		{Destination: header.IPv4EmptySubnet, NIC: backendNICID},
	})
	if err := gs.SetPromiscuousMode(backendNICID, true); err != nil {
		return nil, fmt.Errorf("netback: set promiscuous: %s", err)
	}
	if err := gs.SetSpoofing(backendNICID, true); err != nil {
		return nil, fmt.Errorf("netback: set spoofing: %s", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)

	b := &Backend{
		log:     logger,
		gs:      &channelStack{stack: gs, ep: ch},
		ctx:     ctx,
		cancel:  cancel,
		group:   group,
		deliver: deliver,
	}

	// Guest-bound TCP connections are proxied to the host network.
	fwd := tcp.NewForwarder(gs, 0, 256, b.handleTCP)
	gs.SetTransportProtocolHandler(tcp.ProtocolNumber, fwd.HandlePacket)

	group.Go(b.pumpOutbound)

	if cfg.EnableDNS {
		conn, err := gonet.DialUDP(gs, &tcpip.FullAddress{
			NIC:  backendNICID,
			Addr: hostAddr,
			Port: 53,
		}, nil, ipv4.ProtocolNumber)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("netback: bind dns socket: %w", err)
		}
		b.dns = newDNSServer(logger, conn)
		b.dns.start()
	}

	return b, nil
}

// Transmit injects a guest frame into the backend stack. Implements
// virtio.NetBackend.
func (b *Backend) Transmit(frame []byte) error {
	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(append([]byte(nil), frame...)),
	})
	// The ethernet link endpoint parses the header from the packet itself.
	b.gs.ep.InjectInbound(0, pkt)
	return nil
}

// pumpOutbound carries stack-originated frames to the guest.
func (b *Backend) pumpOutbound() error {
	for {
		pkt := b.gs.ep.ReadContext(b.ctx)
		if pkt == nil {
			return nil
		}
		frame := append([]byte(nil), pkt.ToView().AsSlice()...)
		pkt.DecRef()
		b.deliver(frame)
	}
}

// handleTCP proxies one guest connection to the host network.
func (b *Backend) handleTCP(r *tcp.ForwarderRequest) {
	id := r.ID()
	target := net.JoinHostPort(id.LocalAddress.String(), fmt.Sprint(id.LocalPort))

	var wq waiter.Queue
	ep, tcpipErr := r.CreateEndpoint(&wq)
	if tcpipErr != nil {
		b.log.Warn("netback: tcp endpoint create failed", "target", target, "err", tcpipErr.String())
		r.Complete(true)
		return
	}
	r.Complete(false)

	guest := gonet.NewTCPConn(&wq, ep)
	host, err := (&net.Dialer{}).DialContext(b.ctx, "tcp", target)
	if err != nil {
		b.log.Warn("netback: host dial failed", "target", target, "err", err)
		guest.Close()
		return
	}

	b.group.Go(func() error { return proxy(guest, host) })
}

func proxy(a, b io.ReadWriteCloser) error {
	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(a, b)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(b, a)
		done <- struct{}{}
	}()
	<-done
	a.Close()
	b.Close()
	<-done
	return nil
}

// Close stops the pumps and tears down the stack.
func (b *Backend) Close() error {
	b.cancel()
	if b.dns != nil {
		b.dns.stop()
	}
	b.gs.ep.Close()
	err := b.group.Wait()
	b.gs.stack.Close()
	return err
}
