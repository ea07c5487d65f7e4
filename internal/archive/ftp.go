package archive

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jlaffaye/ftp"
)

// FTPConfig configures the FTP archive backend.
type FTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	Dir      string
}

// FTPBackend uploads archive batches over plain FTP, for sites without
// S3 access. jlaffaye/ftp connections are not safe for concurrent use,
// so every call holds a mutex.
type FTPBackend struct {
	mu   sync.Mutex
	conn *ftp.ServerConn
	dir  string
}

// NewFTPBackend dials and authenticates against the FTP server.
func NewFTPBackend(cfg FTPConfig) (*FTPBackend, error) {
	port := cfg.Port
	if port == 0 {
		port = 21
	}
	conn, err := ftp.Dial(fmt.Sprintf("%s:%d", cfg.Host, port), ftp.DialWithTimeout(5*time.Second))
	if err != nil {
		return nil, fmt.Errorf("dialing ftp server: %w", err)
	}
	if err := conn.Login(cfg.Username, cfg.Password); err != nil {
		conn.Quit()
		return nil, fmt.Errorf("logging into ftp server: %w", err)
	}
	return &FTPBackend{conn: conn, dir: cfg.Dir}, nil
}

// Upload stores body at dir/key via STOR.
func (b *FTPBackend) Upload(_ context.Context, key string, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	path := key
	if b.dir != "" {
		path = b.dir + "/" + key
	}
	if err := b.conn.Stor(path, bytes.NewReader(body)); err != nil {
		return fmt.Errorf("uploading %s: %w", path, err)
	}
	return nil
}

// Close logs out and closes the control connection.
func (b *FTPBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn.Quit()
}
