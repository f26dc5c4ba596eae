package cache

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sampleProfile struct {
	ID      string            `json:"id"`
	Name    string            `json:"name"`
	Bio     string            `json:"bio"`
	Scores  []int             `json:"scores"`
	Attrs   map[string]string `json:"attrs"`
	Enabled bool              `json:"enabled"`
}

func newSampleProfile() sampleProfile {
	return sampleProfile{
		ID:      "u1",
		Name:    "测试用户",
		Bio:     strings.Repeat("lorem ipsum dolor sit amet ", 100),
		Scores:  []int{1, 2, 3, 5, 8, 13},
		Attrs:   map[string]string{"team": "infra", "region": "cn-east"},
		Enabled: true,
	}
}

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	codec, err := NewCodec(3)
	require.NoError(t, err)
	t.Cleanup(codec.Close)
	return codec
}

// 测试压缩往返
func TestCodec_CompressRoundTrip(t *testing.T) {
	codec := newTestCodec(t)
	original := newSampleProfile()

	data, err := codec.Serialize(original)
	require.NoError(t, err)

	compressed := codec.Compress(data)
	assert.Less(t, len(compressed), len(data), "重复文本应该能被压缩")

	plain, err := codec.Plain(Entry{Value: compressed, Compressed: true})
	require.NoError(t, err)

	var decoded sampleProfile
	require.NoError(t, codec.Deserialize(plain, &decoded))
	assert.Equal(t, original, decoded)
}

// 测试损坏数据
func TestCodec_Corrupted(t *testing.T) {
	codec := newTestCodec(t)

	_, err := codec.Decompress([]byte("definitely not zstd"))
	assert.True(t, IsCorrupted(err))

	_, err = codec.Plain(Entry{Value: []byte("{broken")})
	assert.True(t, IsCorrupted(err))

	_, err = codec.Serialize(make(chan int))
	assert.Error(t, err)
}

// 测试远程记录编解码
func TestEnvelope_RoundTrip(t *testing.T) {
	created := time.UnixMilli(1700000000123)
	entry := Entry{
		Value:      []byte(`{"a":1}`),
		CreatedAt:  created,
		TTL:        90 * time.Second,
		Compressed: false,
		Tags:       []string{"user", "team"},
		Priority:   PriorityHigh,
		Version:    7,
	}

	data, err := encodeEnvelope(entry)
	require.NoError(t, err)

	decoded, err := decodeEnvelope("k", data)
	require.NoError(t, err)
	assert.Equal(t, "k", decoded.Key)
	assert.Equal(t, entry.Value, decoded.Value)
	assert.True(t, created.Equal(decoded.CreatedAt))
	assert.Equal(t, entry.TTL, decoded.TTL)
	assert.Equal(t, int64(len(entry.Value)), decoded.SizeBytes)
	assert.Equal(t, entry.Tags, decoded.Tags)
	assert.Equal(t, PriorityHigh, decoded.Priority)
	assert.Equal(t, int64(7), decoded.Version)
}

// 测试无法识别的远程记录
func TestEnvelope_Foreign(t *testing.T) {
	for _, raw := range []string{"plain text", `{"foo":"bar"}`, `{"payload":"e30=","created_at":1,"ttl_ms":0}`} {
		_, err := decodeEnvelope("k", []byte(raw))
		assert.True(t, IsCorrupted(err), raw)
	}
}

// 测试新鲜度和预刷新判断
func TestEntry_Freshness(t *testing.T) {
	now := time.Unix(1700000000, 0)
	entry := Entry{CreatedAt: now, TTL: 100 * time.Millisecond, Tags: []string{"user"}}

	assert.True(t, entry.IsValid(now.Add(50*time.Millisecond)))
	assert.False(t, entry.IsValid(now.Add(100*time.Millisecond)))

	assert.False(t, entry.NeedsRefresh(now.Add(80*time.Millisecond), 0.8))
	assert.True(t, entry.NeedsRefresh(now.Add(81*time.Millisecond), 0.8))
	assert.False(t, entry.NeedsRefresh(now.Add(99*time.Millisecond), 0))

	entry.RefreshThreshold = 0.5
	assert.True(t, entry.NeedsRefresh(now.Add(60*time.Millisecond), 0.8))

	assert.True(t, entry.HasTag("user"))
	assert.False(t, entry.HasTag("project"))
	assert.True(t, PriorityCritical.Valid())
	assert.False(t, Priority("urgent").Valid())
}
