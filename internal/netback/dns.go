package netback

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/miekg/dns"
)

// dnsServer answers guest A (class IN) questions through the host resolver.
// Questions of other types get no answer records; a reply without answers
// carries NXDOMAIN.
type dnsServer struct {
	log    *slog.Logger
	server *dns.Server
}

func newDNSServer(logger *slog.Logger, conn net.PacketConn) *dnsServer {
	srv := &dnsServer{log: logger}

	mux := dns.NewServeMux()
	mux.HandleFunc(".", srv.handleRequest)

	srv.server = &dns.Server{
		Net:        "udp",
		Handler:    mux,
		PacketConn: conn,
	}
	return srv
}

func (s *dnsServer) start() {
	go func() {
		if err := s.server.ActivateAndServe(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.log.Error("netback: dns server exited", "err", err)
		}
	}()
}

func (s *dnsServer) stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = s.server.ShutdownContext(ctx)
	if s.server.PacketConn != nil {
		_ = s.server.PacketConn.Close()
	}
}

func (s *dnsServer) handleRequest(w dns.ResponseWriter, req *dns.Msg) {
	reply := new(dns.Msg)
	reply.SetReply(req)

	for _, q := range req.Question {
		if q.Qtype != dns.TypeA || q.Qclass != dns.ClassINET {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		addrs, err := net.DefaultResolver.LookupIP(ctx, "ip4", q.Name)
		cancel()
		if err != nil {
			s.log.Debug("netback: dns lookup failed", "name", q.Name, "err", err)
			continue
		}
		for _, addr := range addrs {
			reply.Answer = append(reply.Answer, &dns.A{
				Hdr: dns.RR_Header{
					Name:   q.Name,
					Rrtype: dns.TypeA,
					Class:  dns.ClassINET,
					Ttl:    60,
				},
				A: addr,
			})
		}
	}

	if len(reply.Answer) == 0 {
		reply.SetRcode(req, dns.RcodeNameError)
	}
	if err := w.WriteMsg(reply); err != nil {
		s.log.Debug("netback: dns reply failed", "err", err)
	}
}
