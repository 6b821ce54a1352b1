package httputil

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"
)

type ClientConfig struct {
	Timeout               time.Duration
	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
	IdleConnTimeout       time.Duration
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
	ProxyURL              string
}

func DefaultConfig() ClientConfig {
	return ClientConfig{
		Timeout:               60 * time.Second,
		DialTimeout:           10 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
	}
}

// StreamConfig is for long-lived streaming calls. The first byte of an
// answer can take minutes, so only the overall timeout bounds the call.
func StreamConfig(readTimeout time.Duration) ClientConfig {
	cfg := DefaultConfig()
	cfg.Timeout = readTimeout
	cfg.ResponseHeaderTimeout = 0
	return cfg
}

func NewClient(cfg ClientConfig) (*http.Client, error) {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   cfg.DialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		ForceAttemptHTTP2:     true,
	}

	if cfg.ProxyURL != "" {
		proxy, err := url.Parse(cfg.ProxyURL)
		if err != nil || proxy.Host == "" {
			return nil, fmt.Errorf("invalid proxy url %q", cfg.ProxyURL)
		}
		transport.Proxy = http.ProxyURL(proxy)
	}

	return &http.Client{
		Timeout:   cfg.Timeout,
		Transport: transport,
	}, nil
}

// TrafficClass separates account lifecycle calls from chat traffic so
// each can go through its own proxy.
type TrafficClass string

const (
	ClassAuth TrafficClass = "auth"
	ClassChat TrafficClass = "chat"
)

type clientKey struct {
	class   TrafficClass
	proxy   string
	timeout time.Duration
}

// ClientSet hands out one shared client per class, proxy and timeout so
// connections are pooled across requests of the same account.
type ClientSet struct {
	mu      sync.Mutex
	clients map[clientKey]*http.Client
}

func NewClientSet() *ClientSet {
	return &ClientSet{clients: make(map[clientKey]*http.Client)}
}

func (s *ClientSet) Get(class TrafficClass, proxy string, readTimeout time.Duration) (*http.Client, error) {
	cfg := DefaultConfig()
	if class == ClassChat {
		cfg = StreamConfig(readTimeout)
	}
	cfg.ProxyURL = proxy

	key := clientKey{class: class, proxy: proxy, timeout: cfg.Timeout}

	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.clients[key]; ok {
		return c, nil
	}
	c, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}
	s.clients[key] = c
	return c, nil
}
