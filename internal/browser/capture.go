// Package browser renders web pages to long PNG screenshots so that URL
// keyword targets can go through the same delivery pipeline as files.
package browser

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/zeebo/blake3"
)

const userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// ShootFunc renders url at the given viewport width and returns PNG bytes.
type ShootFunc func(ctx context.Context, url string, width int) ([]byte, error)

// Capturer takes full-page screenshots and caches them on disk.
type Capturer struct {
	cacheDir string
	width    int
	timeout  time.Duration
	ttl      time.Duration
	shoot    ShootFunc
	logger   *slog.Logger

	mu       sync.Mutex
	inflight map[string]*sync.Mutex // one capture per cache key at a time
}

type CapturerConfig struct {
	CacheDir      string
	ViewportWidth int
	Timeout       time.Duration
	CacheTTL      time.Duration
	Shoot         ShootFunc // nil uses headless Chrome
	Logger        *slog.Logger
}

func NewCapturer(cfg CapturerConfig) *Capturer {
	if cfg.CacheDir == "" {
		cfg.CacheDir = filepath.Join(os.TempDir(), "sendimg-captures")
	}
	if cfg.ViewportWidth <= 0 {
		cfg.ViewportWidth = 1280
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 45 * time.Second
	}
	if cfg.Shoot == nil {
		cfg.Shoot = chromeShoot
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Capturer{
		cacheDir: cfg.CacheDir,
		width:    cfg.ViewportWidth,
		timeout:  cfg.Timeout,
		ttl:      cfg.CacheTTL,
		shoot:    cfg.Shoot,
		logger:   cfg.Logger,
		inflight: make(map[string]*sync.Mutex),
	}
}

// CachePath is where the capture of url is stored.
func (c *Capturer) CachePath(url string) string {
	sum := blake3.Sum256([]byte(url + "\x00" + strconv.Itoa(c.width)))
	return filepath.Join(c.cacheDir, hex.EncodeToString(sum[:12])+".png")
}

// Capture returns the path of a PNG screenshot of url, reusing a cached
// capture younger than the TTL.
func (c *Capturer) Capture(ctx context.Context, url string) (string, error) {
	path := c.CachePath(url)

	lock := c.keyLock(path)
	lock.Lock()
	defer lock.Unlock()

	if c.fresh(path) {
		c.logger.Debug("capture cache hit", "url", url, "path", path)
		return path, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	data, err := c.shoot(ctx, url, c.width)
	if err != nil {
		return "", fmt.Errorf("capture %s: %w", url, err)
	}
	if err := writeAtomic(path, data); err != nil {
		return "", fmt.Errorf("store capture: %w", err)
	}
	c.logger.Info("page captured", "url", url, "bytes", len(data), "duration", time.Since(start))
	return path, nil
}

func (c *Capturer) keyLock(key string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.inflight[key]
	if !ok {
		l = &sync.Mutex{}
		c.inflight[key] = l
	}
	return l
}

func (c *Capturer) fresh(path string) bool {
	if c.ttl <= 0 {
		return false
	}
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return time.Since(info.ModTime()) < c.ttl
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".capture-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// chromeShoot runs a throwaway headless Chrome and grabs the whole page.
func chromeShoot(ctx context.Context, url string, width int) ([]byte, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Headless,
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.UserAgent(userAgent),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	defer allocCancel()
	taskCtx, taskCancel := chromedp.NewContext(allocCtx)
	defer taskCancel()

	var buf []byte
	err := chromedp.Run(taskCtx,
		chromedp.EmulateViewport(int64(width), 900),
		chromedp.Navigate(url),
		chromedp.WaitReady("body"),
		chromedp.Sleep(500*time.Millisecond),
		// quality 100 makes chromedp return PNG
		chromedp.FullScreenshot(&buf, 100),
	)
	if err != nil {
		return nil, err
	}
	return buf, nil
}
