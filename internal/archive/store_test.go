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
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/prometheus/walfilter/internal/walfilter"
)

func encryptForTest(t *testing.T, key [32]byte, plaintext []byte) []byte {
	t.Helper()
	block, err := aes.NewCipher(key[:])
	require.NoError(t, err)
	iv := make([]byte, aes.BlockSize)
	for i := range iv {
		iv[i] = byte(i + 1)
	}
	ciphertext := make([]byte, len(plaintext))
	cipher.NewCTR(block, iv).XORKeyStream(ciphertext, plaintext)
	return append(iv, ciphertext...)
}

type fakeLister struct {
	entries map[string][]string // dir -> names
	objects map[string]string   // full key -> contents
}

func (f *fakeLister) List(_ context.Context, dir string) ([]string, error) {
	return f.entries[dir], nil
}

func (f *fakeLister) Open(_ context.Context, key string) (io.ReadCloser, error) {
	body, ok := f.objects[key]
	if !ok {
		return nil, io.ErrUnexpectedEOF
	}
	return io.NopCloser(bytes.NewReader([]byte(body))), nil
}

func TestStoreOpenNoMatchIsNotFound(t *testing.T) {
	s := &Store{Lister: &fakeLister{entries: map[string][]string{"d": {"unrelated"}}}}
	_, err := s.Open(context.Background(), "d", `^00000001-[0-9a-f]{40}$`)
	require.ErrorIs(t, err, walfilter.ErrNotFound)
}

func TestStoreOpenPrefersCompletedOverPartial(t *testing.T) {
	dir := "0000000100000000"
	completed := "0000000100000000-abcdefabcdefabcdefabcdefabcdefabcdefabcd"
	partial := "0000000100000000.partial-abcdefabcdefabcdefabcdefabcdefabcdefabcd"

	s := &Store{Lister: &fakeLister{
		entries: map[string][]string{dir: {partial, completed}},
		objects: map[string]string{dir + "/" + completed: "body"},
	}}

	rc, err := s.Open(context.Background(), dir, `^0000000100000000(\.partial)?-[0-9a-f]{40}(\.gz|\.bz2|\.zst|\.lz4)?$`)
	require.NoError(t, err)
	defer rc.Close()
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "body", string(body))
}

func TestAESCodecRoundTrip(t *testing.T) {
	var key [32]byte
	for i := range key {
		key[i] = byte(i)
	}
	plaintext := []byte("0000000100000000deadbeefdeadbeef")

	encoded := encryptForTest(t, key, plaintext)
	rc, err := AESCodec{Key: key}.Decode(io.NopCloser(bytes.NewReader(encoded)))
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}
