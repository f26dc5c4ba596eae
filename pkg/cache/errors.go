package cache

import (
	baseerr "tiercache/pkg/error"
)

type CacheError struct {
	baseerr.BaseError
}

const (
	// ErrCacheTimeout 表示缓存操作超时。
	ErrCacheTimeout baseerr.ErrorCode = "CACHE_TIMEOUT"
	// ErrCacheMiss 表示在两级缓存中都未找到请求的条目。
	ErrCacheMiss baseerr.ErrorCode = "CACHE_MISS"
	// ErrCacheFull 表示单个条目超过了本地缓存的总容量。
	ErrCacheFull baseerr.ErrorCode = "CACHE_FULL"
	// ErrCacheCorrupted 表示缓存数据已损坏或格式无法识别。
	ErrCacheCorrupted baseerr.ErrorCode = "CACHE_CORRUPTED"
	// ErrCacheClosed 表示缓存已关闭。
	ErrCacheClosed baseerr.ErrorCode = "CACHE_CLOSED"
	// ErrSerializeFailed 表示值无法序列化或无法解码到目标类型。
	ErrSerializeFailed baseerr.ErrorCode = "SERIALIZE_FAILED"
	// ErrCompressFailed 表示压缩或解压失败。
	ErrCompressFailed baseerr.ErrorCode = "COMPRESS_FAILED"
)

var (
	ErrCacheMissNotFound  = NewCacheError(ErrCacheMiss, "cache entry not found")
	ErrCacheEntryTooLarge = NewCacheError(ErrCacheFull, "entry larger than local capacity")
	ErrCacheAlreadyClosed = NewCacheError(ErrCacheClosed, "cache is closed")
)

func NewCacheError(code baseerr.ErrorCode, message string) *CacheError {
	return &CacheError{
		BaseError: *baseerr.NewError(code, message),
	}
}

// WrapCacheError 用指定代码包装底层错误。
func WrapCacheError(code baseerr.ErrorCode, message string, cause error) *CacheError {
	return &CacheError{
		BaseError: *baseerr.WrapError(code, message, cause),
	}
}

// IsMiss 判断错误是否表示缓存未命中。
func IsMiss(err error) bool {
	return err != nil && baseerr.HasCode(err, ErrCacheMiss)
}

// IsTimeout 判断错误是否表示远程调用超时。
func IsTimeout(err error) bool {
	return err != nil && baseerr.HasCode(err, ErrCacheTimeout)
}

// IsCorrupted 判断错误是否表示数据损坏。
func IsCorrupted(err error) bool {
	return err != nil && baseerr.HasCode(err, ErrCacheCorrupted)
}
