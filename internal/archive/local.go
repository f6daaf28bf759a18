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
	"io"
	"os"
	"path/filepath"
)

// LocalLister lists and opens WAL segments under a directory on the local
// filesystem, the degenerate case of an "archive": the archive_command
// wrote segments straight into Root.
type LocalLister struct {
	Root string
}

func (l LocalLister) List(_ context.Context, dir string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(l.Root, dir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
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

func (l LocalLister) Open(_ context.Context, key string) (io.ReadCloser, error) {
	return os.Open(filepath.Join(l.Root, key))
}
