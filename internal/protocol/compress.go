package protocol

import (
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

// Bulk popularity-exchange and global-ranking payloads can carry up to 100
// items each; zstd shrinks the repetitive key/score/replication_count
// records considerably before they go out as a UDP datagram payload field.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdOnce    sync.Once
)

func initZstd() {
	zstdOnce.Do(func() {
		zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		zstdDecoder, _ = zstd.NewReader(nil)
	})
}

// compressItems msgpack-encodes then zstd-compresses a list of wire item
// maps, for embedding as a single payload byte field.
func compressItems(items []interface{}) ([]byte, error) {
	initZstd()
	raw, err := msgpack.Marshal(items)
	if err != nil {
		return nil, err
	}
	return zstdEncoder.EncodeAll(raw, nil), nil
}

// decompressItems reverses compressItems.
func decompressItems(data []byte) ([]interface{}, error) {
	initZstd()
	raw, err := zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return nil, err
	}
	var items []interface{}
	if err := msgpack.Unmarshal(raw, &items); err != nil {
		return nil, err
	}
	return items, nil
}
