// Package transport 上游HTTP客户端构建
// 四路超时各自独立：建连超时只管连接建立，读超时约束相邻数据块间隔，
// 写超时约束请求体发送，池超时约束连接槽位获取。
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/net/proxy"

	"claude-code-proxy/config"
)

// ErrPoolTimeout 连接池槽位获取超时
// 池耗尽与连接故障同级，上层按可重试的连接错误处理
var ErrPoolTimeout = errors.New("connection pool exhausted: acquire timed out")

// NewClient 按配置构建上游HTTP客户端
func NewClient(cfg *config.Config) (*http.Client, error) {
	dialer := &net.Dialer{
		Timeout:   cfg.Timeouts.Connect,
		KeepAlive: 30 * time.Second,
	}

	dialFunc := dialer.DialContext
	var httpProxy func(*http.Request) (*url.URL, error)

	if cfg.Proxy.Enabled {
		switch cfg.Proxy.Type {
		case "socks5":
			socksDial, err := socksDialer(cfg.Proxy, dialer)
			if err != nil {
				return nil, fmt.Errorf("failed to configure socks5 proxy: %w", err)
			}
			dialFunc = socksDial
		case "http", "https":
			proxyURL, err := httpProxyURL(cfg.Proxy)
			if err != nil {
				return nil, fmt.Errorf("failed to configure http proxy: %w", err)
			}
			httpProxy = http.ProxyURL(proxyURL)
		}
	}

	readTimeout := cfg.Timeouts.Read
	writeTimeout := cfg.Timeouts.Write
	dial := func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := dialFunc(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		return &timeoutConn{Conn: conn, readTimeout: readTimeout, writeTimeout: writeTimeout}, nil
	}

	transport := &http.Transport{
		Proxy:                 httpProxy,
		DialContext:           dial,
		MaxIdleConns:          cfg.Pool.MaxConnections,
		MaxIdleConnsPerHost:   cfg.Pool.MaxKeepalive,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		// 逐跳读写deadline依赖包装后的net.Conn，保持HTTP/1.1
		ForceAttemptHTTP2: false,
	}

	return &http.Client{
		Transport: newPoolLimiter(transport, cfg.Pool.MaxConnections, cfg.Timeouts.Pool),
	}, nil
}

// timeoutConn 每次读写前设置独立deadline
// 读deadline保证的是两个数据块之间的最大间隔，不是整个流的时长上限
type timeoutConn struct {
	net.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func (c *timeoutConn) Read(p []byte) (int, error) {
	if c.readTimeout > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Read(p)
}

func (c *timeoutConn) Write(p []byte) (int, error) {
	if c.writeTimeout > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Write(p)
}

// poolLimiter 在RoundTripper层限制并发上游连接数
// 槽位在响应体关闭时释放，获取等待以池超时为界
type poolLimiter struct {
	base           http.RoundTripper
	slots          chan struct{}
	acquireTimeout time.Duration
}

func newPoolLimiter(base http.RoundTripper, maxConnections int, acquireTimeout time.Duration) *poolLimiter {
	return &poolLimiter{
		base:           base,
		slots:          make(chan struct{}, maxConnections),
		acquireTimeout: acquireTimeout,
	}
}

func (pl *poolLimiter) RoundTrip(req *http.Request) (*http.Response, error) {
	timer := time.NewTimer(pl.acquireTimeout)
	defer timer.Stop()

	select {
	case pl.slots <- struct{}{}:
	case <-timer.C:
		return nil, ErrPoolTimeout
	case <-req.Context().Done():
		return nil, req.Context().Err()
	}

	resp, err := pl.base.RoundTrip(req)
	if err != nil {
		<-pl.slots
		return nil, err
	}

	resp.Body = &releaseBody{ReadCloser: resp.Body, release: func() { <-pl.slots }}
	return resp, nil
}

// releaseBody 响应体关闭时归还连接槽位，幂等
type releaseBody struct {
	io.ReadCloser
	once    sync.Once
	release func()
}

func (b *releaseBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(b.release)
	return err
}

func socksDialer(cfg config.ProxyConfig, forward *net.Dialer) (func(context.Context, string, string) (net.Conn, error), error) {
	addr, auth, err := proxyEndpoint(cfg)
	if err != nil {
		return nil, err
	}

	socks, err := proxy.SOCKS5("tcp", addr, auth, forward)
	if err != nil {
		return nil, err
	}

	contextDialer, ok := socks.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("socks5 dialer does not support context")
	}
	return contextDialer.DialContext, nil
}

func httpProxyURL(cfg config.ProxyConfig) (*url.URL, error) {
	if cfg.URL != "" {
		return url.Parse(cfg.URL)
	}
	u := &url.URL{
		Scheme: cfg.Type,
		Host:   fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
	}
	if cfg.Username != "" {
		u.User = url.UserPassword(cfg.Username, cfg.Password)
	}
	return u, nil
}

func proxyEndpoint(cfg config.ProxyConfig) (string, *proxy.Auth, error) {
	var auth *proxy.Auth
	if cfg.Username != "" {
		auth = &proxy.Auth{User: cfg.Username, Password: cfg.Password}
	}

	if cfg.URL != "" {
		u, err := url.Parse(cfg.URL)
		if err != nil {
			return "", nil, err
		}
		if u.User != nil {
			password, _ := u.User.Password()
			auth = &proxy.Auth{User: u.User.Username(), Password: password}
		}
		return u.Host, auth, nil
	}
	return fmt.Sprintf("%s:%d", cfg.Host, cfg.Port), auth, nil
}
