package netutil

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// NewTransport creates the HTTP transport shared by the weather stations and
// the archive uploader. insecure disables certificate verification for
// self-hosted endpoints.
func NewTransport(insecure bool, logger *logrus.Logger) *http.Transport {
	if insecure {
		logger.Warn("TLS certificate verification is disabled for outbound HTTP")
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           createDialContext(logger),
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: insecure, MinVersion: tls.VersionTLS12},
		TLSHandshakeTimeout:   10 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          20,
		MaxIdleConnsPerHost:   4,
	}
}

func createDialContext(logger *logrus.Logger) func(ctx context.Context, network, addr string) (net.Conn, error) {
	dialer := net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		if isLocalOrPrivateHost(host) {
			logger.WithField("host", host).Debug("Connecting to local/private host")
		} else {
			logger.WithField("host", host).Debug("Connecting to external host")
		}
		return dialer.DialContext(ctx, network, addr)
	}
}

// isLocalOrPrivateHost checks if a hostname is localhost or a private network address
func isLocalOrPrivateHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return strings.HasSuffix(host, ".local") || strings.HasSuffix(host, ".localhost") || strings.HasSuffix(host, ".lan")
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast()
}

// NewHTTPClient creates an HTTP client with the shared transport.
func NewHTTPClient(timeout time.Duration, insecure bool, logger *logrus.Logger) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: NewTransport(insecure, logger),
	}
}
