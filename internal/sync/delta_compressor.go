package sync

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Флаги пакета трансформов (второй байт кадра)
const (
	FlagZstd byte = 1 << 0
)

// maxDecodedBatch предел распакованного пакета, защищает от zip-бомб
const maxDecodedBatch = 1 << 20

// DeltaCompressor сжимает тело пакета трансформов.
// Flag возвращает бит, которым помечается сжатое тело.
type DeltaCompressor interface {
	Compress(dst, src []byte) ([]byte, error)
	Decompress(dst, src []byte) ([]byte, error)
	Flag() byte
}

type passthroughCompressor struct{}

// NewPassthroughCompressor компрессор без сжатия
func NewPassthroughCompressor() DeltaCompressor { return passthroughCompressor{} }

func (passthroughCompressor) Compress(dst, src []byte) ([]byte, error) {
	return append(dst, src...), nil
}

func (passthroughCompressor) Decompress(dst, src []byte) ([]byte, error) {
	return append(dst, src...), nil
}

func (passthroughCompressor) Flag() byte { return 0 }

// ZstdCompressor сжимает тела пакетов через zstd.
// EncodeAll/DecodeAll безопасны для конкурентного вызова.
type ZstdCompressor struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewZstdCompressor создаёт компрессор с уровнем SpeedFastest
func NewZstdCompressor() (*ZstdCompressor, error) {
	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedFastest),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderMaxMemory(maxDecodedBatch),
	)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("ошибка создания zstd decoder: %w", err)
	}
	return &ZstdCompressor{enc: enc, dec: dec}, nil
}

func (z *ZstdCompressor) Compress(dst, src []byte) ([]byte, error) {
	return z.enc.EncodeAll(src, dst), nil
}

func (z *ZstdCompressor) Decompress(dst, src []byte) ([]byte, error) {
	out, err := z.dec.DecodeAll(src, dst)
	if err != nil {
		return dst, fmt.Errorf("zstd: %w", err)
	}
	return out, nil
}

func (z *ZstdCompressor) Flag() byte { return FlagZstd }

// Close освобождает ресурсы кодеров
func (z *ZstdCompressor) Close() {
	z.enc.Close()
	z.dec.Close()
}
