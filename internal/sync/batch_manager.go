// Package sync собирает сэмплы трансформов за тик в пакеты для best-effort канала.
package sync

import (
	"errors"
	"fmt"
	"slices"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/annel0/charsync/internal/logging"
	"github.com/annel0/charsync/internal/netid"
	"github.com/annel0/charsync/internal/protocol"
)

const fieldSample protowire.Number = 1

// batchHeader kind + flags
const batchHeader = 2

// ErrSampleTooLarge сэмпл не помещается в MTU даже один
var ErrSampleTooLarge = errors.New("sample exceeds mtu")

// Change сэмпл в очереди на отправку
type Change struct {
	Sample   protocol.TransformSample
	Priority int
}

// Options параметры пакетирования
type Options struct {
	// MTU максимальный размер кадра в байтах
	MTU int
	// Capacity максимум сэмплов за тик; при переполнении вытесняется низший приоритет
	Capacity int
	// CompressAbove тело больше этого размера сжимается (0 отключает сжатие)
	CompressAbove int
}

// BatchManager накапливает сэмплы в течение тика и собирает из них кадры
// KindTransformBatch. Используется только из тика симуляции.
type BatchManager struct {
	opts       Options
	compressor DeltaCompressor
	logger     *logging.Logger

	buf   []Change
	index map[netid.EntityID]int

	scratch []byte
	body    []byte
	dropped uint64
}

// NewBatchManager создаёт менеджер пакетов
func NewBatchManager(opts Options, compressor DeltaCompressor) *BatchManager {
	if opts.MTU <= batchHeader {
		opts.MTU = 1200
	}
	if opts.Capacity <= 0 {
		opts.Capacity = 256
	}
	if compressor == nil {
		compressor = NewPassthroughCompressor()
	}
	return &BatchManager{
		opts:       opts,
		compressor: compressor,
		logger:     logging.GetReplicationLogger(),
		index:      make(map[netid.EntityID]int),
	}
}

// AddChange ставит сэмпл в очередь. Более новый сэмпл того же персонажа
// заменяет предыдущий. При переполнении низкоприоритетные сэмплы отбрасываются.
func (bm *BatchManager) AddChange(ch Change) {
	if i, ok := bm.index[ch.Sample.Entity]; ok {
		bm.buf[i] = ch
		return
	}

	if len(bm.buf) >= bm.opts.Capacity {
		lowIdx := -1
		lowPri := ch.Priority
		for i, c := range bm.buf {
			if c.Priority < lowPri {
				lowPri = c.Priority
				lowIdx = i
			}
		}
		bm.dropped++
		if lowIdx < 0 {
			return
		}
		delete(bm.index, bm.buf[lowIdx].Sample.Entity)
		bm.buf[lowIdx] = ch
		bm.index[ch.Sample.Entity] = lowIdx
		return
	}

	bm.index[ch.Sample.Entity] = len(bm.buf)
	bm.buf = append(bm.buf, ch)
}

// Pending количество сэмплов в очереди
func (bm *BatchManager) Pending() int { return len(bm.buf) }

// Dropped количество вытесненных сэмплов
func (bm *BatchManager) Dropped() uint64 { return bm.dropped }

// Flush собирает очередь в кадры не длиннее MTU и вызывает send для каждого.
// Кадр передаётся только на время вызова send.
func (bm *BatchManager) Flush(send func(frame []byte)) (frames int, err error) {
	if len(bm.buf) == 0 {
		return 0, nil
	}
	// Высокий приоритет раньше, чтобы первый кадр нёс важные сэмплы
	slices.SortStableFunc(bm.buf, func(a, b Change) int { return b.Priority - a.Priority })

	limit := bm.opts.MTU - batchHeader
	bm.body = bm.body[:0]
	for _, ch := range bm.buf {
		bm.scratch = ch.Sample.AppendWire(bm.scratch[:0])
		size := protowire.SizeTag(fieldSample) + protowire.SizeBytes(len(bm.scratch))
		if size > limit {
			err = errors.Join(err, fmt.Errorf("%s: %d байт: %w", ch.Sample.Entity, size, ErrSampleTooLarge))
			continue
		}
		if len(bm.body)+size > limit {
			bm.emit(send)
			frames++
			bm.body = bm.body[:0]
		}
		bm.body = protowire.AppendTag(bm.body, fieldSample, protowire.BytesType)
		bm.body = protowire.AppendBytes(bm.body, bm.scratch)
	}
	if len(bm.body) > 0 {
		bm.emit(send)
		frames++
	}

	clear(bm.index)
	bm.buf = bm.buf[:0]
	return frames, err
}

func (bm *BatchManager) emit(send func([]byte)) {
	frame := make([]byte, batchHeader, batchHeader+len(bm.body))
	frame[0] = byte(protocol.KindTransformBatch)

	if bm.opts.CompressAbove > 0 && len(bm.body) > bm.opts.CompressAbove {
		packed, err := bm.compressor.Compress(frame, bm.body)
		if err == nil && len(packed) < len(frame)+len(bm.body) {
			packed[1] = bm.compressor.Flag()
			send(packed)
			return
		}
		if err != nil {
			bm.logger.Warn("BatchManager compress error: %v", err)
		}
	}
	send(append(frame, bm.body...))
}

// Decoder разбирает пакеты трансформов. Используется только из тика.
type Decoder struct {
	compressor DeltaCompressor
	buf        []byte
}

// NewDecoder создаёт декодер; compressor должен совпадать с отправителем
func NewDecoder(compressor DeltaCompressor) *Decoder {
	if compressor == nil {
		compressor = NewPassthroughCompressor()
	}
	return &Decoder{compressor: compressor}
}

// DecodeBatch разбирает тело кадра (без байта kind) и дописывает сэмплы в dst.
// Повреждённый сэмпл прерывает разбор с ErrMalformed, уже разобранные сохраняются.
func (d *Decoder) DecodeBatch(dst []protocol.TransformSample, payload []byte) ([]protocol.TransformSample, error) {
	if len(payload) < 1 {
		return dst, fmt.Errorf("пакет без флагов: %w", protocol.ErrMalformed)
	}
	flags, body := payload[0], payload[1:]
	switch {
	case flags == 0:
	case flags == FlagZstd && d.compressor.Flag() == FlagZstd:
		var err error
		d.buf, err = d.compressor.Decompress(d.buf[:0], body)
		if err != nil {
			return dst, fmt.Errorf("%v: %w", err, protocol.ErrMalformed)
		}
		body = d.buf
	default:
		return dst, fmt.Errorf("неподдерживаемые флаги %#x: %w", flags, protocol.ErrMalformed)
	}

	for len(body) > 0 {
		num, typ, n := protowire.ConsumeTag(body)
		if n < 0 {
			return dst, fmt.Errorf("batch tag: %w", protocol.ErrMalformed)
		}
		body = body[n:]
		if num != fieldSample || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, body)
			if n < 0 {
				return dst, fmt.Errorf("batch field %d: %w", num, protocol.ErrMalformed)
			}
			body = body[n:]
			continue
		}
		raw, m := protowire.ConsumeBytes(body)
		if m < 0 {
			return dst, fmt.Errorf("batch sample: %w", protocol.ErrMalformed)
		}
		body = body[m:]

		var s protocol.TransformSample
		if err := s.UnmarshalWire(raw); err != nil {
			return dst, err
		}
		dst = append(dst, s)
	}
	return dst, nil
}
