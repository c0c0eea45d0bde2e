// SPDX-FileCopyrightText: Copyright 2025 Rivet Framework Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the pluggable wire serialization and compression
// strategies shared by the request pipeline, the worker fabric, and the
// event hub. A Codec pairs one Serializer with one Compressor; both sides
// of a connection must be configured identically.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
	"github.com/vmihailenco/msgpack/v5"
	"go.mongodb.org/mongo-driver/bson"
)

// Well-known serialization MIME types.
const (
	MIMEJSON    = "application/json"
	MIMEBSON    = "application/bson"
	MIMEMsgPack = "application/msgpack"
)

// Serializer converts values to and from a wire format.
type Serializer interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	// MIME returns the content type announced for this format.
	MIME() string
}

// Compressor optionally shrinks serialized payloads.
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

// JSON serializes with encoding/json.
type JSON struct{}

// Marshal implements Serializer.
func (JSON) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

// Unmarshal implements Serializer.
func (JSON) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// MIME implements Serializer.
func (JSON) MIME() string { return MIMEJSON }

// BSON serializes with the MongoDB BSON codec. BSON documents must have a
// map or struct at the top level.
type BSON struct{}

// Marshal implements Serializer.
func (BSON) Marshal(v any) ([]byte, error) { return bson.Marshal(v) }

// Unmarshal implements Serializer.
func (BSON) Unmarshal(data []byte, v any) error { return bson.Unmarshal(data, v) }

// MIME implements Serializer.
func (BSON) MIME() string { return MIMEBSON }

// MsgPack serializes with the MessagePack codec.
type MsgPack struct{}

// Marshal implements Serializer.
func (MsgPack) Marshal(v any) ([]byte, error) { return msgpack.Marshal(v) }

// Unmarshal implements Serializer.
func (MsgPack) Unmarshal(data []byte, v any) error { return msgpack.Unmarshal(data, v) }

// MIME implements Serializer.
func (MsgPack) MIME() string { return MIMEMsgPack }

// SerializerFor returns the serializer registered for mime, or nil if the
// format is unknown.
func SerializerFor(mime string) Serializer {
	switch mime {
	case MIMEJSON:
		return JSON{}
	case MIMEBSON:
		return BSON{}
	case MIMEMsgPack:
		return MsgPack{}
	default:
		return nil
	}
}

// Identity is the no-op compressor.
type Identity struct{}

// Compress implements Compressor.
func (Identity) Compress(data []byte) ([]byte, error) { return data, nil }

// Decompress implements Compressor.
func (Identity) Decompress(data []byte) ([]byte, error) { return data, nil }

// Zlib compresses with RFC 1950 zlib framing.
type Zlib struct{}

// Compress implements Compressor.
func (Zlib) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("zlib compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("zlib compress: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress implements Compressor.
func (Zlib) Decompress(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("zlib decompress: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("zlib decompress: %w", err)
	}
	return out, nil
}

// Codec couples a Serializer with a Compressor.
type Codec struct {
	Serializer Serializer
	Compressor Compressor
}

// Default returns the JSON codec without compression.
func Default() Codec {
	return Codec{Serializer: JSON{}, Compressor: Identity{}}
}

// Encode serializes v and compresses the result.
func (c Codec) Encode(v any) ([]byte, error) {
	data, err := c.Serializer.Marshal(v)
	if err != nil {
		return nil, err
	}
	return c.Compressor.Compress(data)
}

// Decode decompresses data and deserializes it into v.
func (c Codec) Decode(data []byte, v any) error {
	raw, err := c.Compressor.Decompress(data)
	if err != nil {
		return err
	}
	return c.Serializer.Unmarshal(raw, v)
}

// MIME returns the serializer's content type.
func (c Codec) MIME() string { return c.Serializer.MIME() }
