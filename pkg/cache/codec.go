package cache

import (
	"encoding/json"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Codec 负责值的序列化和压缩。编解码器可以被多个协程同时使用。
type Codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewCodec 以 zstd 压缩级别 level (1-22) 创建编解码器
func NewCodec(level int) (*Codec, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return nil, WrapCacheError(ErrCompressFailed, "create zstd encoder", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		return nil, WrapCacheError(ErrCompressFailed, "create zstd decoder", err)
	}
	return &Codec{encoder: encoder, decoder: decoder}, nil
}

// Serialize 把值编码为 JSON
func (c *Codec) Serialize(value interface{}) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, WrapCacheError(ErrSerializeFailed, "serialize value", err)
	}
	return data, nil
}

// Deserialize 把 JSON 解码到 dest
func (c *Codec) Deserialize(data []byte, dest interface{}) error {
	if err := json.Unmarshal(data, dest); err != nil {
		return WrapCacheError(ErrSerializeFailed, "deserialize value", err)
	}
	return nil
}

// Compress 压缩数据
func (c *Codec) Compress(data []byte) []byte {
	return c.encoder.EncodeAll(data, make([]byte, 0, len(data)/2))
}

// Decompress 解压数据
func (c *Codec) Decompress(data []byte) ([]byte, error) {
	out, err := c.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, WrapCacheError(ErrCacheCorrupted, "decompress value", err)
	}
	return out, nil
}

// Plain 返回条目的原始 JSON，必要时解压，并校验其确实是合法的 JSON
func (c *Codec) Plain(entry Entry) ([]byte, error) {
	data := entry.Value
	if entry.Compressed {
		var err error
		if data, err = c.Decompress(data); err != nil {
			return nil, err
		}
	}
	if !json.Valid(data) {
		return nil, NewCacheError(ErrCacheCorrupted, "stored value is not valid JSON")
	}
	return data, nil
}

// Close 释放编解码器资源
func (c *Codec) Close() {
	c.decoder.Close()
	c.encoder.Close()
}

// envelope 远程存储中保存的记录格式
type envelope struct {
	Payload          []byte   `json:"payload"`
	Compressed       bool     `json:"compressed"`
	CreatedAt        int64    `json:"created_at"` // 毫秒
	TTLMs            int64    `json:"ttl_ms"`
	Tags             []string `json:"tags,omitempty"`
	Version          int64    `json:"version"`
	Priority         Priority `json:"priority"`
	RefreshThreshold float64  `json:"refresh_threshold,omitempty"`
}

// encodeEnvelope 把条目编码为远程记录
func encodeEnvelope(entry Entry) ([]byte, error) {
	data, err := json.Marshal(envelope{
		Payload:          entry.Value,
		Compressed:       entry.Compressed,
		CreatedAt:        entry.CreatedAt.UnixMilli(),
		TTLMs:            entry.TTL.Milliseconds(),
		Tags:             entry.Tags,
		Version:          entry.Version,
		Priority:         entry.Priority,
		RefreshThreshold: entry.RefreshThreshold,
	})
	if err != nil {
		return nil, WrapCacheError(ErrSerializeFailed, "encode remote record", err)
	}
	return data, nil
}

// decodeEnvelope 解析远程记录，格式不正确时返回 ErrCacheCorrupted
func decodeEnvelope(key string, data []byte) (Entry, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Entry{}, WrapCacheError(ErrCacheCorrupted, "decode remote record", err)
	}
	if env.CreatedAt <= 0 || env.TTLMs <= 0 || env.Payload == nil {
		return Entry{}, NewCacheError(ErrCacheCorrupted, "remote record missing required fields")
	}
	if env.Priority == "" {
		env.Priority = PriorityNormal
	}
	return Entry{
		Key:              key,
		Value:            env.Payload,
		CreatedAt:        time.UnixMilli(env.CreatedAt),
		TTL:              time.Duration(env.TTLMs) * time.Millisecond,
		SizeBytes:        int64(len(env.Payload)),
		Compressed:       env.Compressed,
		Tags:             env.Tags,
		Priority:         env.Priority,
		Version:          env.Version,
		RefreshThreshold: env.RefreshThreshold,
	}, nil
}
