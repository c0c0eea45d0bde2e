// SPDX-FileCopyrightText: Copyright 2025 Rivet Framework Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecRoundTrip(t *testing.T) {
	t.Parallel()

	payload := map[string]any{
		"method": "account.login",
		"parameters": map[string]any{
			"user_id": "alice",
			"count":   int64(3),
		},
	}

	codecs := []struct {
		name  string
		codec Codec
	}{
		{"json identity", Codec{Serializer: JSON{}, Compressor: Identity{}}},
		{"json zlib", Codec{Serializer: JSON{}, Compressor: Zlib{}}},
		{"bson zlib", Codec{Serializer: BSON{}, Compressor: Zlib{}}},
		{"msgpack identity", Codec{Serializer: MsgPack{}, Compressor: Identity{}}},
		{"msgpack zlib", Codec{Serializer: MsgPack{}, Compressor: Zlib{}}},
	}

	for _, tt := range codecs {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			data, err := tt.codec.Encode(payload)
			require.NoError(t, err)

			var out map[string]any
			require.NoError(t, tt.codec.Decode(data, &out))
			assert.Equal(t, "account.login", out["method"])
			params, ok := out["parameters"].(map[string]any)
			require.True(t, ok, "parameters should decode as a map, got %T", out["parameters"])
			assert.Equal(t, "alice", params["user_id"])
		})
	}
}

func TestZlibCompressesLargePayloads(t *testing.T) {
	t.Parallel()

	data := make([]byte, 4096)
	for i := range data {
		data[i] = byte('a' + i%4)
	}

	compressed, err := Zlib{}.Compress(data)
	require.NoError(t, err)
	assert.Less(t, len(compressed), len(data))

	out, err := Zlib{}.Decompress(compressed)
	require.NoError(t, err)
	assert.Equal(t, data, out)
}

func TestZlibDecompressRejectsGarbage(t *testing.T) {
	t.Parallel()

	_, err := Zlib{}.Decompress([]byte("not zlib data"))
	assert.Error(t, err)
}

func TestSerializerFor(t *testing.T) {
	t.Parallel()

	assert.IsType(t, JSON{}, SerializerFor(MIMEJSON))
	assert.IsType(t, BSON{}, SerializerFor(MIMEBSON))
	assert.IsType(t, MsgPack{}, SerializerFor(MIMEMsgPack))
	assert.Nil(t, SerializerFor("application/x-unknown"))
}
