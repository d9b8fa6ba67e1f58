// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package store

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

// DefaultCompressMinBytes is the body size above which payloads are stored
// zstd-compressed.
const DefaultCompressMinBytes = 4096

const encodingZstd = "zstd"

var (
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)
)

// BodyHash is the content address of a payload: the hex SHA-256 over the
// raw bytes, a zero separator, and the content type. Legs carrying the same
// bytes under the same content type share one body row.
func BodyHash(raw []byte, contentType string) string {
	h := sha256.New()
	h.Write(raw)
	h.Write([]byte{0})
	h.Write([]byte(contentType))
	return hex.EncodeToString(h.Sum(nil))
}

// newBody assembles the stored body for a leg, compressing above threshold.
func newBody(leg Leg, compressMin int) Body {
	b := Body{
		ID:            BodyHash(leg.RawBytes, leg.ContentType),
		BodyClassName: leg.BodyClassName,
		ContentType:   leg.ContentType,
		ContentSize:   len(leg.RawBytes),
		RawContent:    leg.RawBytes,
		HL7Type:       leg.HL7Type,
		HL7ControlID:  leg.HL7ControlID,
	}
	if compressMin > 0 && len(leg.RawBytes) >= compressMin {
		compressed := zstdEncoder.EncodeAll(leg.RawBytes, nil)
		if len(compressed) < len(leg.RawBytes) {
			b.RawContent = compressed
			b.ContentEncoding = encodingZstd
		}
	}
	return b
}

// content returns the decoded payload of a body.
func (b Body) content() ([]byte, error) {
	if b.ContentEncoding != encodingZstd {
		return b.RawContent, nil
	}
	out, err := zstdDecoder.DecodeAll(b.RawContent, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "store: decompress body %s", b.ID)
	}
	return out, nil
}
