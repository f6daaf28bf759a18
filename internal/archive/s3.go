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

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
)

// S3Lister lists and opens WAL segments kept under a key prefix in an S3
// bucket (or an S3-compatible store reachable at Endpoint, for on-prem
// MinIO-style archives).
type S3Lister struct {
	Client *s3.S3
	Bucket string
	Prefix string
}

// NewS3Lister builds an S3Lister from a session, optionally pointed at a
// non-AWS endpoint.
func NewS3Lister(sess *session.Session, bucket, prefix, endpoint string) *S3Lister {
	cfg := aws.NewConfig()
	if endpoint != "" {
		cfg = cfg.WithEndpoint(endpoint).WithS3ForcePathStyle(true)
	}
	return &S3Lister{Client: s3.New(sess, cfg), Bucket: bucket, Prefix: prefix}
}

func (l *S3Lister) key(dir string) string {
	if l.Prefix == "" {
		return dir
	}
	if dir == "" {
		return l.Prefix
	}
	return strings.TrimSuffix(l.Prefix, "/") + "/" + dir
}

func (l *S3Lister) List(ctx context.Context, dir string) ([]string, error) {
	prefix := l.key(dir)
	if prefix != "" {
		prefix += "/"
	}
	var names []string
	err := l.Client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(l.Bucket),
		Prefix: aws.String(prefix),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			names = append(names, strings.TrimPrefix(aws.StringValue(obj.Key), prefix))
		}
		return true
	})
	return names, err
}

func (l *S3Lister) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	fullKey := key
	if l.Prefix != "" {
		fullKey = strings.TrimSuffix(l.Prefix, "/") + "/" + key
	}
	out, err := l.Client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(l.Bucket),
		Key:    aws.String(fullKey),
	})
	if err != nil {
		return nil, err
	}
	return out.Body, nil
}
