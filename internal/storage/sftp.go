package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

type sftpUploader struct {
	addr     string
	user     string
	password string
	keyPath  string
	baseDir  string
	// knownHosts enables host key verification when set.
	knownHosts string
}

func NewSFTPUploader() (Uploader, error) {
	host := os.Getenv("SFTP_HOST")
	user := os.Getenv("SFTP_USER")
	if host == "" || user == "" {
		return nil, fmt.Errorf("SFTP_HOST and SFTP_USER required for sftp storage")
	}
	port := envOr("SFTP_PORT", "22")
	if _, err := strconv.Atoi(port); err != nil {
		return nil, fmt.Errorf("invalid sftp port: %w", err)
	}
	return &sftpUploader{
		addr:     net.JoinHostPort(host, port),
		user:     user,
		password: os.Getenv("SFTP_PASSWORD"),
		keyPath:  os.Getenv("SFTP_KEY_PATH"),
		baseDir:  os.Getenv("SFTP_BASE_DIR"),

		knownHosts: os.Getenv("SFTP_KNOWN_HOSTS"),
	}, nil
}

func (s *sftpUploader) Name() string {
	return "sftp"
}

func (s *sftpUploader) Put(_ context.Context, obj Object) (Stored, error) {
	id := newObjectID()
	key := KeyFor("", obj.DraftID, id, obj.Name)

	client, err := s.newClient()
	if err != nil {
		return Stored{}, err
	}
	defer client.Close()

	remotePath := s.remotePath(key)
	if err := client.MkdirAll(path.Dir(remotePath)); err != nil {
		return Stored{}, fmt.Errorf("sftp mkdir: %w", err)
	}
	f, err := client.OpenFile(remotePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC)
	if err != nil {
		return Stored{}, fmt.Errorf("sftp open %s: %w", remotePath, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, bytes.NewReader(obj.Data)); err != nil {
		return Stored{}, fmt.Errorf("sftp write %s: %w", remotePath, err)
	}
	return Stored{StorageKey: key, Backend: s.Name()}, nil
}

func (s *sftpUploader) newClient() (*sftp.Client, error) {
	auths := []ssh.AuthMethod{}
	if s.keyPath != "" {
		key, err := os.ReadFile(s.keyPath)
		if err != nil {
			return nil, fmt.Errorf("read key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse key: %w", err)
		}
		auths = append(auths, ssh.PublicKeys(signer))
	}
	if s.password != "" {
		auths = append(auths, ssh.Password(s.password))
	}
	if len(auths) == 0 {
		return nil, fmt.Errorf("sftp storage requires password or key")
	}
	hostKeys, err := s.hostKeyCallback()
	if err != nil {
		return nil, err
	}
	cfg := ssh.ClientConfig{
		User:            s.user,
		Auth:            auths,
		HostKeyCallback: hostKeys,
		Timeout:         10 * time.Second,
	}

	conn, err := ssh.Dial("tcp", s.addr, &cfg)
	if err != nil {
		return nil, fmt.Errorf("ssh dial: %w", err)
	}
	client, err := sftp.NewClient(conn)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("sftp session: %w", err)
	}
	return client, nil
}

func (s *sftpUploader) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if s.knownHosts == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(s.knownHosts)
	if err != nil {
		return nil, fmt.Errorf("load known hosts: %w", err)
	}
	return cb, nil
}

func (s *sftpUploader) remotePath(key string) string {
	if base := strings.TrimSpace(s.baseDir); base != "" {
		return path.Join(strings.TrimSuffix(base, "/"), key)
	}
	return key
}
