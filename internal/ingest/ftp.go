package ingest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jlaffaye/ftp"
	"github.com/lox/stationgrid/internal/metrics"
)

const ftpTimeout = 30 * time.Second

// FTPConfig addresses a logger upload directory.
type FTPConfig struct {
	Addr     string // host:port
	User     string
	Password string
	Dir      string
	Pattern  string // path.Match pattern, "*.dat" when empty
}

func (c FTPConfig) credentials() (string, string) {
	if c.User == "" {
		return "anonymous", "anonymous"
	}
	return c.User, c.Password
}

// FTPSource is one remote file.
type FTPSource struct {
	Config FTPConfig
	Path   string
}

func (s FTPSource) Name() string { return path.Base(s.Path) }

// Open downloads the whole file; the connection is closed before returning.
func (s FTPSource) Open(ctx context.Context) (io.ReadCloser, error) {
	start := time.Now()
	conn, err := dialFTP(ctx, s.Config)
	if err != nil {
		return nil, err
	}
	defer conn.Quit()

	resp, err := conn.Retr(s.Path)
	if err != nil {
		return nil, fmt.Errorf("ftp retr %s: %w", s.Path, err)
	}
	defer resp.Close()

	body, err := io.ReadAll(resp)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.Path, err)
	}
	metrics.SourceFetchLatency.WithLabelValues("ftp").Observe(time.Since(start).Seconds())
	return io.NopCloser(bytes.NewReader(body)), nil
}

// ListFTP returns a source for every file in the configured directory that
// matches the pattern, sorted by name.
func ListFTP(ctx context.Context, cfg FTPConfig) ([]Source, error) {
	pattern := cfg.Pattern
	if pattern == "" {
		pattern = "*.dat"
	}
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("ftp pattern %q: %w", pattern, err)
	}

	conn, err := dialFTP(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer conn.Quit()

	entries, err := conn.List(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("ftp list %s: %w", cfg.Dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.Type != ftp.EntryTypeFile {
			continue
		}
		if ok, _ := path.Match(pattern, e.Name); ok {
			names = append(names, e.Name)
		}
	}
	sort.Strings(names)

	sources := make([]Source, 0, len(names))
	for _, name := range names {
		sources = append(sources, FTPSource{Config: cfg, Path: path.Join(cfg.Dir, name)})
	}
	return sources, nil
}

func dialFTP(ctx context.Context, cfg FTPConfig) (*ftp.ServerConn, error) {
	var conn *ftp.ServerConn
	operation := func() error {
		c, err := ftp.Dial(cfg.Addr, ftp.DialWithTimeout(ftpTimeout), ftp.DialWithContext(ctx))
		if err != nil {
			return fmt.Errorf("ftp dial: %w", err)
		}
		user, pass := cfg.credentials()
		if err := c.Login(user, pass); err != nil {
			c.Quit()
			return backoff.Permanent(fmt.Errorf("ftp login: %w", err))
		}
		conn = c
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = time.Minute
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}
	return conn, nil
}
