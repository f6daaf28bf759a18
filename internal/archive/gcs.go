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
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// GCSLister lists and opens WAL segments kept as objects under a key
// prefix in a Google Cloud Storage bucket.
type GCSLister struct {
	Bucket *storage.BucketHandle
	Prefix string
}

// NewGCSLister builds a GCSLister using application-default credentials.
func NewGCSLister(ctx context.Context, bucketName, prefix string) (*GCSLister, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	return &GCSLister{Bucket: client.Bucket(bucketName), Prefix: prefix}, nil
}

func (l *GCSLister) key(dir string) string {
	prefix := strings.TrimSuffix(l.Prefix, "/")
	switch {
	case prefix == "" && dir == "":
		return ""
	case prefix == "":
		return dir
	case dir == "":
		return prefix
	default:
		return prefix + "/" + dir
	}
}

func (l *GCSLister) List(ctx context.Context, dir string) ([]string, error) {
	prefix := l.key(dir)
	listPrefix := prefix
	if listPrefix != "" {
		listPrefix += "/"
	}
	it := l.Bucket.Objects(ctx, &storage.Query{Prefix: listPrefix})
	var names []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		names = append(names, strings.TrimPrefix(attrs.Name, listPrefix))
	}
	return names, nil
}

func (l *GCSLister) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	fullKey := key
	if l.Prefix != "" {
		fullKey = strings.TrimSuffix(l.Prefix, "/") + "/" + key
	}
	return l.Bucket.Object(fullKey).NewReader(ctx)
}
