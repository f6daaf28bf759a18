// Copyright 2015 The Prometheus Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package archive

import (
	"context"
	"path"

	"io"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// SFTPLister lists and opens WAL segments kept under a directory on a
// remote host reachable over SFTP, the transport some Greenplum archive
// configurations use in place of a shared filesystem or an object store.
type SFTPLister struct {
	Client *sftp.Client
	Root   string
}

// NewSFTPLister dials addr and authenticates as user with a private key,
// returning a lister rooted at root on the remote host.
//
// hostKeyCallback must be supplied by the caller (e.g. from
// golang.org/x/crypto/ssh/knownhosts); this package never silently accepts
// an unverified host key.
func NewSFTPLister(addr, user string, signer ssh.Signer, hostKeyCallback ssh.HostKeyCallback, root string) (*SFTPLister, func() error, error) {
	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
	}
	conn, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		return nil, nil, err
	}
	client, err := sftp.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	closeAll := func() error {
		cerr := client.Close()
		if err := conn.Close(); err != nil && cerr == nil {
			cerr = err
		}
		return cerr
	}
	return &SFTPLister{Client: client, Root: root}, closeAll, nil
}

func (l *SFTPLister) resolve(p string) string {
	return path.Join(l.Root, p)
}

func (l *SFTPLister) List(_ context.Context, dir string) ([]string, error) {
	entries, err := l.Client.ReadDir(l.resolve(dir))
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

func (l *SFTPLister) Open(_ context.Context, key string) (io.ReadCloser, error) {
	return l.Client.Open(l.resolve(key))
}
