package message

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// 错误定义
var (
	ErrInvalidChecksum = errors.New("消息校验和不匹配")
	ErrInvalidFormat   = errors.New("消息格式无效")
)

const (
	// FormatVersion 当前失效消息格式版本
	FormatVersion = "1.0"
	// ContentTypeInvalidation 失效消息的内容类型
	ContentTypeInvalidation = "application/vnd.tiercache.invalidation+json"
)

// MessageHeader 消息头部信息
type MessageHeader struct {
	MessageID   string `json:"messageId"`
	Timestamp   int64  `json:"timestamp"` // 毫秒
	Version     string `json:"version"`
	Producer    string `json:"producer"` // 发布方实例ID，接收方据此忽略自己发出的消息
	ContentType string `json:"contentType"`
}

// InvalidationBody 一次标签失效的内容
type InvalidationBody struct {
	Namespace string   `json:"namespace"`
	Tag       string   `json:"tag"`
	Keys      []string `json:"keys,omitempty"` // 发布方已知的受影响键，可以为空
	Version   int64    `json:"version"`        // 版本低于该值的匹配条目需要清除
}

// InvalidationMessage 在广播频道上传输的失效消息
type InvalidationMessage struct {
	Header   MessageHeader    `json:"header"`
	Body     InvalidationBody `json:"body"`
	Checksum string           `json:"checksum"`
}

// NewInvalidationMessage 创建新的失效消息，时间戳取当前时间
func NewInvalidationMessage(producer, namespace, tag string, keys []string, version int64) *InvalidationMessage {
	msg := &InvalidationMessage{
		Header: MessageHeader{
			MessageID:   uuid.New().String(),
			Timestamp:   time.Now().UnixMilli(),
			Version:     FormatVersion,
			Producer:    producer,
			ContentType: ContentTypeInvalidation,
		},
		Body: InvalidationBody{
			Namespace: namespace,
			Tag:       tag,
			Keys:      keys,
			Version:   version,
		},
	}

	// 计算校验和
	msg.Checksum = msg.calculateChecksum()

	return msg
}

// calculateChecksum 计算消息校验和
func (m *InvalidationMessage) calculateChecksum() string {
	// 创建消息副本，排除 checksum 字段
	temp := InvalidationMessage{
		Header: m.Header,
		Body:   m.Body,
	}

	data, err := json.Marshal(temp)
	if err != nil {
		return ""
	}

	hash := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(hash[:])
}

// Validate 验证消息完整性
func (m *InvalidationMessage) Validate() error {
	if m.Header.MessageID == "" || m.Header.Producer == "" || m.Body.Tag == "" {
		return ErrInvalidFormat
	}
	expectedChecksum := m.calculateChecksum()
	if m.Checksum != expectedChecksum {
		return ErrInvalidChecksum
	}
	return nil
}

// Marshal 编码为 JSON
func (m *InvalidationMessage) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// Unmarshal 解析并验证一条失效消息
func Unmarshal(data []byte) (*InvalidationMessage, error) {
	var msg InvalidationMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}

// IssuedAt 返回消息的发布时间
func (m *InvalidationMessage) IssuedAt() time.Time {
	return time.UnixMilli(m.Header.Timestamp)
}
