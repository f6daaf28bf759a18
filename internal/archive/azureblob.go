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

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
)

// AzureBlobLister lists and opens WAL segments kept as blobs under a
// virtual-directory prefix in an Azure Blob Storage container.
type AzureBlobLister struct {
	Container *container.Client
	Prefix    string
}

// NewAzureBlobLister authenticates against accountURL with the ambient
// Azure credential chain (environment, managed identity, CLI login) and
// returns a lister scoped to containerName.
func NewAzureBlobLister(accountURL, containerName, prefix string) (*AzureBlobLister, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, err
	}
	svc, err := azblob.NewClient(accountURL, cred, nil)
	if err != nil {
		return nil, err
	}
	return &AzureBlobLister{Container: svc.ServiceClient().NewContainerClient(containerName), Prefix: prefix}, nil
}

func (l *AzureBlobLister) key(dir string) string {
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

func (l *AzureBlobLister) List(ctx context.Context, dir string) ([]string, error) {
	prefix := l.key(dir)
	listPrefix := prefix
	if listPrefix != "" {
		listPrefix += "/"
	}
	var names []string
	pager := l.Container.NewListBlobsFlatPager(&container.ListBlobsFlatOptions{Prefix: &listPrefix})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, item := range page.Segment.BlobItems {
			names = append(names, strings.TrimPrefix(*item.Name, listPrefix))
		}
	}
	return names, nil
}

func (l *AzureBlobLister) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	fullKey := key
	if l.Prefix != "" {
		fullKey = strings.TrimSuffix(l.Prefix, "/") + "/" + key
	}
	resp, err := l.Container.NewBlobClient(fullKey).DownloadStream(ctx, nil)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}
