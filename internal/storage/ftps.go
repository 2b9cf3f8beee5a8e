package storage

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/secsy/goftp"
)

type ftpsUploader struct {
	config  goftp.Config
	addr    string
	baseDir string
}

func NewFTPSUploader() (Uploader, error) {
	host := os.Getenv("FTPS_HOST")
	user := os.Getenv("FTPS_USER")
	pw := os.Getenv("FTPS_PASSWORD")
	if host == "" || user == "" || pw == "" {
		return nil, fmt.Errorf("FTPS_HOST/FTPS_USER/FTPS_PASSWORD required for ftps storage")
	}
	port := envOr("FTPS_PORT", "21")
	if _, err := strconv.Atoi(port); err != nil {
		return nil, fmt.Errorf("invalid ftps port: %w", err)
	}
	return &ftpsUploader{
		config: goftp.Config{
			User:               user,
			Password:           pw,
			TLSConfig:          &tls.Config{InsecureSkipVerify: os.Getenv("FTPS_INSECURE") == "true"},
			TLSMode:            goftp.TLSExplicit,
			Timeout:            30 * time.Second,
			ConnectionsPerHost: 1,
		},
		addr:    fmt.Sprintf("%s:%s", host, port),
		baseDir: os.Getenv("FTPS_BASE_DIR"),
	}, nil
}

func (f *ftpsUploader) Name() string {
	return "ftps"
}

func (f *ftpsUploader) Put(_ context.Context, obj Object) (Stored, error) {
	id := newObjectID()
	key := KeyFor("", obj.DraftID, id, obj.Name)

	client, err := goftp.DialConfig(f.config, f.addr)
	if err != nil {
		return Stored{}, fmt.Errorf("ftps dial: %w", err)
	}
	defer client.Close()

	targetPath := key
	if f.baseDir != "" {
		targetPath = path.Join(f.baseDir, key)
	}
	if err := f.ensureDir(client, path.Dir(targetPath)); err != nil {
		return Stored{}, err
	}
	if err := client.Store(targetPath, bytes.NewReader(obj.Data)); err != nil {
		return Stored{}, fmt.Errorf("ftps store: %w", err)
	}
	return Stored{StorageKey: key, Backend: f.Name()}, nil
}

func (f *ftpsUploader) ensureDir(client *goftp.Client, dir string) error {
	if dir == "" || dir == "." || dir == "/" {
		return nil
	}
	current := ""
	if strings.HasPrefix(dir, "/") {
		current = "/"
	}
	for _, segment := range strings.Split(dir, "/") {
		if segment == "" {
			continue
		}
		current = path.Join(current, segment)
		if _, err := client.Mkdir(current); err != nil {
			if !strings.Contains(strings.ToLower(err.Error()), "file exists") {
				return fmt.Errorf("ftps mkdir %s: %w", current, err)
			}
		}
	}
	return nil
}
