package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"
	"time"

	"github.com/pkg/sftp"
)

// WriteFile writes data to remotePath over SFTP. The content goes to a
// temporary sibling first and is renamed into place.
func (c *SSHClient) WriteFile(ctx context.Context, remotePath string, data []byte, mode fs.FileMode) error {
	start := time.Now()
	target := sftpPath(remotePath)

	sftpClient, err := c.createSFTPClient()
	if err != nil {
		return err
	}
	defer sftpClient.Close()

	if err := sftpClient.MkdirAll(path.Dir(target)); err != nil {
		return &TransportError{Op: "write-file", Err: fmt.Errorf("failed to create remote directory: %w", err)}
	}

	tmp := path.Join(path.Dir(target), "."+path.Base(target)+".avtune-tmp")
	remoteFile, err := sftpClient.Create(tmp)
	if err != nil {
		return &TransportError{Op: "write-file", Err: fmt.Errorf("failed to create remote file: %w", err), IsTemporary: true}
	}

	written, err := copyWithContext(ctx, remoteFile, bytes.NewReader(data))
	if cerr := remoteFile.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = sftpClient.Remove(tmp)
		return &TransportError{Op: "write-file", Err: fmt.Errorf("failed to copy file: %w", err), IsTemporary: true}
	}

	if mode != 0 {
		if err := sftpClient.Chmod(tmp, mode.Perm()); err != nil {
			c.logger.Warn().Err(err).Str("path", remotePath).Msg("Failed to set file permissions")
		}
	}

	if err := renameInto(sftpClient, tmp, target); err != nil {
		_ = sftpClient.Remove(tmp)
		return &TransportError{Op: "write-file", Err: fmt.Errorf("failed to move file into place: %w", err)}
	}

	c.logger.Debug().
		Str("path", remotePath).
		Int64("bytes", written).
		Dur("duration", time.Since(start)).
		Msg("File written")
	return nil
}

// ReadFile returns the content of remotePath.
func (c *SSHClient) ReadFile(ctx context.Context, remotePath string) ([]byte, error) {
	sftpClient, err := c.createSFTPClient()
	if err != nil {
		return nil, err
	}
	defer sftpClient.Close()

	f, err := sftpClient.Open(sftpPath(remotePath))
	if err != nil {
		return nil, &TransportError{Op: "read-file", Err: err}
	}
	defer f.Close()

	var buf bytes.Buffer
	if _, err := copyWithContext(ctx, &buf, f); err != nil {
		return nil, &TransportError{Op: "read-file", Err: err, IsTemporary: true}
	}
	return buf.Bytes(), nil
}

func renameInto(client *sftp.Client, from, to string) error {
	if err := client.PosixRename(from, to); err == nil {
		return nil
	}
	// Servers without the posix-rename extension refuse to overwrite.
	if err := client.Remove(to); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return client.Rename(from, to)
}

// createSFTPClient opens an SFTP subsystem on the current connection.
func (c *SSHClient) createSFTPClient() (*sftp.Client, error) {
	sshClient, err := c.getClient()
	if err != nil {
		return nil, err
	}

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		return nil, &TransportError{
			Op:          "sftp-init",
			Err:         fmt.Errorf("failed to create SFTP client: %w", err),
			IsTemporary: true,
		}
	}
	return sftpClient, nil
}

// sftpPath converts a Windows drive path to the form OpenSSH's SFTP server expects.
func sftpPath(p string) string {
	if len(p) >= 2 && p[1] == ':' {
		return "/" + strings.ReplaceAll(p, `\`, "/")
	}
	return p
}

// copyWithContext copies data from src to dst while respecting context cancellation.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		nr, err := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}
		if err == io.EOF {
			return written, nil
		}
		if err != nil {
			return written, err
		}
	}
}
