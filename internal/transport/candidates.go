package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pion/stun/v3"
)

// LocalCandidates lists ws:// URLs for listenAddr on every non-loopback IPv4 interface.
func LocalCandidates(listenAddr, path string) []string {
	host, port, err := net.SplitHostPort(listenAddr)
	if err != nil || port == "" {
		return nil
	}
	if host != "" && host != "0.0.0.0" && host != "::" {
		return []string{directURL(host, port, path)}
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	var out []string
	for _, a := range addrs {
		ipn, ok := a.(*net.IPNet)
		if !ok || ipn.IP.IsLoopback() || ipn.IP.To4() == nil {
			continue
		}
		out = append(out, directURL(ipn.IP.String(), port, path))
	}
	return out
}

func directURL(host, port, path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return "ws://" + net.JoinHostPort(host, port) + path
}

// DiscoverPublicAddr asks a STUN server for this host's reflexive IP.
func DiscoverPublicAddr(ctx context.Context, server string) (net.IP, error) {
	if strings.TrimSpace(server) == "" {
		return nil, errors.New("stun server not configured")
	}
	c, err := stun.Dial("udp4", server)
	if err != nil {
		return nil, fmt.Errorf("stun dial: %w", err)
	}
	defer c.Close()

	type result struct {
		ip  net.IP
		err error
	}
	res := make(chan result, 1)
	msg := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	go func() {
		err := c.Do(msg, func(ev stun.Event) {
			if ev.Error != nil {
				res <- result{err: ev.Error}
				return
			}
			var xor stun.XORMappedAddress
			if err := xor.GetFrom(ev.Message); err != nil {
				res <- result{err: err}
				return
			}
			res <- result{ip: xor.IP}
		})
		if err != nil {
			select {
			case res <- result{err: err}:
			default:
			}
		}
	}()

	timeout := time.NewTimer(5 * time.Second)
	defer timeout.Stop()
	select {
	case r := <-res:
		return r.ip, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timeout.C:
		return nil, errors.New("stun: no response")
	}
}

// PublicCandidate turns a reflexive IP into a direct URL on the listen port.
func PublicCandidate(ip net.IP, listenAddr, path string) string {
	_, port, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return ""
	}
	if _, err := strconv.Atoi(port); err != nil {
		return ""
	}
	return directURL(ip.String(), port, path)
}
