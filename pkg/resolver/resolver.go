// Package resolver превращает имя регистратора или прокси в UDP адрес.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/miekg/dns"
)

// ErrNoAddress имя не разрешилось ни в один адрес
var ErrNoAddress = errors.New("нет адреса для хоста")

// DefaultTimeout общий срок одного Resolve
const DefaultTimeout = time.Second

// Resolver выполняет A/AAAA запросы через miekg/dns.
//
// Если NameServer не задан, берется первый сервер из /etc/resolv.conf,
// а при его отсутствии или ошибке запроса используется системный
// резолвер (он же учитывает /etc/hosts).
//
// Resolve блокирует вызывающего: сигнальный цикл ждет ответа, поэтому
// все запросы и системный резолвер укладываются в один Timeout.
type Resolver struct {
	// NameServer адрес DNS сервера ("8.8.8.8" или "8.8.8.8:53")
	NameServer string
	// Timeout срок всего разрешения имени, по умолчанию DefaultTimeout
	Timeout time.Duration
	// Fallback системный резолвер; nil означает net.DefaultResolver
	Fallback *net.Resolver
}

// New создает резолвер с указанным сервером имен
func New(nameServer string, timeout time.Duration) *Resolver {
	return &Resolver{NameServer: nameServer, Timeout: timeout}
}

// Resolve возвращает UDP адрес для host:port. IP литерал возвращается
// без запросов; предпочитается IPv4.
func (r *Resolver) Resolve(ctx context.Context, host string, port int) (*net.UDPAddr, error) {
	if host == "" {
		return nil, fmt.Errorf("%w: пустое имя", ErrNoAddress)
	}
	if ip := net.ParseIP(host); ip != nil {
		return &net.UDPAddr{IP: normalize(ip), Port: port}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout())
	defer cancel()

	ip, err := r.lookupDNS(ctx, host)
	if err != nil && r.NameServer == "" {
		ip, err = r.lookupSystem(ctx, host)
	}
	if err != nil {
		return nil, err
	}
	return &net.UDPAddr{IP: ip, Port: port}, nil
}

func (r *Resolver) lookupDNS(ctx context.Context, host string) (net.IP, error) {
	nameserver, err := r.nameserver()
	if err != nil {
		return nil, err
	}

	client := &dns.Client{Timeout: r.timeout()}
	var lastErr error
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		m := new(dns.Msg)
		m.SetQuestion(dns.Fqdn(host), qtype)
		m.RecursionDesired = true

		resp, _, err := client.ExchangeContext(ctx, m, nameserver)
		if err != nil {
			lastErr = fmt.Errorf("ошибка DNS запроса %s: %w", host, err)
			continue
		}
		if resp.Rcode != dns.RcodeSuccess {
			lastErr = &net.DNSError{
				Err:        dns.RcodeToString[resp.Rcode],
				Name:       host,
				IsNotFound: resp.Rcode == dns.RcodeNameError,
			}
			continue
		}
		for _, ans := range resp.Answer {
			switch rr := ans.(type) {
			case *dns.A:
				return normalize(rr.A), nil
			case *dns.AAAA:
				return rr.AAAA, nil
			}
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrNoAddress, host, lastErr)
	}
	return nil, fmt.Errorf("%w: %s", ErrNoAddress, host)
}

func (r *Resolver) lookupSystem(ctx context.Context, host string) (net.IP, error) {
	res := r.Fallback
	if res == nil {
		res = net.DefaultResolver
	}
	addrs, err := res.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrNoAddress, host, err)
	}
	for _, a := range addrs {
		if ip4 := a.IP.To4(); ip4 != nil {
			return ip4, nil
		}
	}
	if len(addrs) > 0 {
		return addrs[0].IP, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoAddress, host)
}

func (r *Resolver) timeout() time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}
	return DefaultTimeout
}

func (r *Resolver) nameserver() (string, error) {
	if r.NameServer != "" {
		if _, _, err := net.SplitHostPort(r.NameServer); err != nil {
			return net.JoinHostPort(r.NameServer, "53"), nil
		}
		return r.NameServer, nil
	}

	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return "", fmt.Errorf("ошибка чтения resolv.conf: %w", err)
	}
	if len(conf.Servers) == 0 {
		return "", &net.DNSError{Err: "no DNS servers configured", Name: "resolv.conf"}
	}
	return net.JoinHostPort(conf.Servers[0], conf.Port), nil
}

func normalize(ip net.IP) net.IP {
	if ip4 := ip.To4(); ip4 != nil {
		return ip4
	}
	return ip
}

// Static резолвер с фиксированной таблицей; удобен для тестов и
// конфигураций без DNS.
type Static map[string]string

// Resolve возвращает адрес из таблицы или разбирает host как IP
func (s Static) Resolve(_ context.Context, host string, port int) (*net.UDPAddr, error) {
	if mapped, ok := s[host]; ok {
		host = mapped
	}
	h, p, err := net.SplitHostPort(host)
	if err == nil {
		host = h
		if n, convErr := strconv.Atoi(p); convErr == nil {
			port = n
		}
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoAddress, host)
	}
	return &net.UDPAddr{IP: normalize(ip), Port: port}, nil
}
