package bandwidth

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// DefaultStallTimeout cancels a transfer that made no byte progress for this
// long.
const DefaultStallTimeout = 30 * time.Second

// Prober downloads a reference file over HTTPS with the URL's hostname
// pinned to one target IP and reports the average speed in MB/s. Only one
// probe runs at a time so the measurement never shares bandwidth.
type Prober struct {
	Stall     time.Duration
	TLSConfig *tls.Config
	TempDir   string

	mu     sync.Mutex
	logger log.Logger
}

// New returns a Prober with the default stall timeout.
func New(logger log.Logger) *Prober {
	return &Prober{
		Stall:  DefaultStallTimeout,
		logger: log.With(logger, "component", "bandwidth"),
	}
}

// Probe downloads from downloadURL through ip:port for up to timeout,
// cancelling on the wall clock or on a stall. It returns the speed in MB/s
// and whether any bytes arrived; the temp file is removed on every exit
// path. Transfer errors are absorbed into a no-result outcome.
func (p *Prober) Probe(ctx context.Context, ip, downloadURL string, port int, timeout time.Duration) (float64, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	parsed, err := url.Parse(downloadURL)
	if err != nil || parsed.Hostname() == "" {
		return 0, false, errors.Errorf("invalid download url %q", downloadURL)
	}
	hostname := parsed.Hostname()

	path := filepath.Join(p.tempDir(), fmt.Sprintf("download_%d_%s", time.Now().Unix(), uuid.NewString()[:6]))
	out, err := os.Create(path)
	if err != nil {
		return 0, false, errors.Wrap(err, "create temp file")
	}
	defer os.Remove(path)
	defer out.Close()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	size, err := p.download(ctx, out, ip, hostname, downloadURL, port, cancel)
	if err != nil {
		level.Debug(p.logger).Log("msg", "download aborted", "ip", ip, "err", err)
	}
	if size == 0 {
		return 0, false, nil
	}
	speed := round2(float64(size) / 1048576.0 / timeout.Seconds())
	level.Info(p.logger).Log("msg", "download finished", "ip", ip, "bytes", size, "mb_per_s", speed)
	return speed, true, nil
}

// download streams the response body to the file, tracking byte progress for
// the stall watchdog. It returns however many bytes arrived before the first
// error, timer or EOF.
func (p *Prober) download(ctx context.Context, out *os.File, ip, hostname, downloadURL string, port int, cancel context.CancelFunc) (int64, error) {
	address := net.JoinHostPort(ip, strconv.Itoa(port))
	tlsConfig := p.TLSConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{}
	} else {
		tlsConfig = tlsConfig.Clone()
	}
	tlsConfig.ServerName = hostname

	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			dialer := &net.Dialer{Timeout: 10 * time.Second}
			return dialer.DialContext(ctx, "tcp", address)
		},
		TLSClientConfig:     tlsConfig,
		TLSHandshakeTimeout: 10 * time.Second,
		DisableCompression:  true,
	}
	defer transport.CloseIdleConnections()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return 0, err
	}
	req.Host = hostname

	client := &http.Client{Transport: transport}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, errors.Errorf("unexpected status %d", resp.StatusCode)
	}

	lastByte := atomic.NewInt64(time.Now().UnixNano())
	watchdogDone := make(chan struct{})
	defer close(watchdogDone)
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-watchdogDone:
				return
			case <-ticker.C:
				if time.Since(time.Unix(0, lastByte.Load())) > p.stall() {
					level.Info(p.logger).Log("msg", "transfer stalled, cancelling", "ip", ip)
					cancel()
					return
				}
			}
		}
	}()

	var size int64
	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return size, werr
			}
			size += int64(n)
			lastByte.Store(time.Now().UnixNano())
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return size, nil
			}
			return size, err
		}
	}
}

func (p *Prober) stall() time.Duration {
	if p.Stall > 0 {
		return p.Stall
	}
	return DefaultStallTimeout
}

func (p *Prober) tempDir() string {
	if p.TempDir != "" {
		return p.TempDir
	}
	return os.TempDir()
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
