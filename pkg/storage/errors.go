package storage

import (
	"errors"

	baseerr "tiercache/pkg/error"
)

const (
	// ErrStoreMiss 表示键不存在或已过期。
	ErrStoreMiss baseerr.ErrorCode = "STORE_MISS"
	// ErrStoreIO 表示与远程存储通信失败。
	ErrStoreIO baseerr.ErrorCode = "STORE_IO"
	// ErrStoreUnavailable 表示熔断器打开，请求被拒绝。
	ErrStoreUnavailable baseerr.ErrorCode = "STORE_UNAVAILABLE"
	// ErrResourceClosed 表示尝试访问已关闭的资源。
	ErrResourceClosed baseerr.ErrorCode = "RESOURCE_CLOSED"
	// ErrPipelineUnsupported 表示底层存储不支持管道。
	ErrPipelineUnsupported baseerr.ErrorCode = "PIPELINE_UNSUPPORTED"
)

var (
	ErrStoreMissNotFound = NewStorageError(ErrStoreMiss, "key not found")
	ErrStoreClosed       = NewStorageError(ErrResourceClosed, "store is closed")
	ErrNoPipeline        = NewStorageError(ErrPipelineUnsupported, "pipeline not supported")
)

type StorageError struct {
	baseerr.BaseError
}

func NewStorageError(code baseerr.ErrorCode, message string) *StorageError {
	return &StorageError{
		BaseError: *baseerr.NewError(code, message),
	}
}

// WrapStorageError 用指定代码包装底层错误。
func WrapStorageError(code baseerr.ErrorCode, message string, cause error) *StorageError {
	return &StorageError{
		BaseError: *baseerr.WrapError(code, message, cause),
	}
}

// IsMiss 判断错误是否表示未命中。
func IsMiss(err error) bool {
	return err != nil && baseerr.HasCode(err, ErrStoreMiss)
}

// IsUnavailable 判断错误是否来自打开的熔断器。
func IsUnavailable(err error) bool {
	return err != nil && baseerr.HasCode(err, ErrStoreUnavailable)
}

// IsPipelineUnsupported 判断是否需要退回逐条调用。
func IsPipelineUnsupported(err error) bool {
	return errors.Is(err, ErrNoPipeline)
}
