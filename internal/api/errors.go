package api

import (
	"errors"
	"fmt"
)

// ErrorClass 对交易所错误做可重试/致命分类
type ErrorClass int

const (
	// ClassTransient 网络超时、5xx、限频等，允许有界重试
	ClassTransient ErrorClass = iota
	// ClassAuth 签名/密钥错误，致命，需要运维修复凭证
	ClassAuth
	// ClassNotFound 查询对象不存在 (例如按 ClientOrderID 查不到订单)
	ClassNotFound
	// ClassFatal 其余不可重试的错误
	ClassFatal
)

// Error 携带分类信息的交易所错误
type Error struct {
	Class   ErrorClass
	Code    string // 交易所返回的业务错误码，可为空
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("exchange error %s: %s", e.Code, e.Message)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func classOf(err error) (ErrorClass, bool) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Class, true
	}
	return 0, false
}

// IsTransient 判断错误是否允许重试
func IsTransient(err error) bool {
	c, ok := classOf(err)
	return ok && c == ClassTransient
}

// IsAuth 判断是否为致命的认证错误
func IsAuth(err error) bool {
	c, ok := classOf(err)
	return ok && c == ClassAuth
}

// IsNotFound 判断查询对象是否确认不存在
func IsNotFound(err error) bool {
	c, ok := classOf(err)
	return ok && c == ClassNotFound
}

func transient(msg string, err error) *Error {
	return &Error{Class: ClassTransient, Message: msg, Err: err}
}
