package apperr

import (
	"errors"
	"fmt"
	"strings"

	ccxt "github.com/ccxt/ccxt/go/v4"
)

// Kind 标识网关错误的大类，供上层决定重试或降级策略。
type Kind string

const (
	KindConnection      Kind = "connection"
	KindAuthentication  Kind = "authentication"
	KindTrading         Kind = "trading"
	KindData            Kind = "data"
	KindEncryption      Kind = "encryption"
	KindDecryption      Kind = "decryption"
	KindNotFound        Kind = "not_found"
	KindRateUnavailable Kind = "rate_unavailable"
	KindValidation      Kind = "validation"
)

// Error 为统一的网关错误载体，除错误信息外还携带处理建议。
type Error struct {
	Code              string
	Kind              Kind
	Message           string
	SuggestedAction   string
	Retryable         bool
	FallbackAvailable bool

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap 暴露底层原因，支持 errors.Is / errors.As。
func (e *Error) Unwrap() error {
	return e.cause
}

// WithCause 附加底层错误并返回自身，便于链式构造。
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

// WithFallback 标记该错误存在可用的降级路径。
func (e *Error) WithFallback() *Error {
	e.FallbackAvailable = true
	return e
}

// New 构造指定类别的网关错误。
func New(kind Kind, code, message string) *Error {
	return &Error{
		Code:      code,
		Kind:      kind,
		Message:   message,
		Retryable: kind == KindConnection,
	}
}

// Connection 表示网络、超时或交易所不可用类错误，默认可重试。
func Connection(code, message string) *Error {
	e := New(KindConnection, code, message)
	e.SuggestedAction = "请检查网络连接后重试，系统会按指数退避自动降级到备用数据源"
	return e
}

// Authentication 表示凭证无效或过期，需要用户重新录入。
func Authentication(code, message string) *Error {
	e := New(KindAuthentication, code, message)
	e.SuggestedAction = "请重新配置该交易所的API凭证"
	return e
}

// Trading 表示交易所拒绝了订单（余额不足、参数非法、市场关闭等）。
func Trading(code, message string, retryable bool) *Error {
	e := New(KindTrading, code, message)
	e.Retryable = retryable
	if retryable {
		e.SuggestedAction = "可稍后重新提交该订单"
	} else {
		e.SuggestedAction = "请修正订单参数后再提交"
	}
	return e
}

// Data 表示行情数据缺失、过期或格式异常。
func Data(code, message string) *Error {
	e := New(KindData, code, message)
	e.SuggestedAction = "所有数据源均已尝试，请稍后再试"
	return e
}

// Encryption 表示凭证加密失败。
func Encryption(message string) *Error {
	e := New(KindEncryption, "credential_encrypt_failed", message)
	e.SuggestedAction = "请重新录入该交易所的API凭证"
	return e
}

// Decryption 表示凭证解密失败（数据损坏或主密码错误），对该交易所配置是致命的。
func Decryption(message string) *Error {
	e := New(KindDecryption, "credential_decrypt_failed", message)
	e.SuggestedAction = "凭证数据无法解密，请删除后重新录入"
	return e
}

// NotFound 表示请求的实体不存在。
func NotFound(code, message string) *Error {
	e := New(KindNotFound, code, message)
	e.SuggestedAction = "请确认标识符是否正确"
	return e
}

// RateUnavailable 表示汇率缺失或已过期，系统拒绝使用过期汇率。
func RateUnavailable(code, message string) *Error {
	e := New(KindRateUnavailable, code, message)
	e.Retryable = true
	e.SuggestedAction = "汇率源暂不可用，请稍后重试或改用交易所结算货币下单"
	return e
}

// Validation 表示调用方传入的参数非法。
func Validation(code, message string) *Error {
	e := New(KindValidation, code, message)
	e.SuggestedAction = "请修正请求参数"
	return e
}

// KindOf 返回错误所属类别，非网关错误返回空串。
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetryable 判断错误是否可以安全重试。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		switch ccxtErr.Type {
		case ccxt.NetworkErrorErrType,
			ccxt.RequestTimeoutErrType,
			ccxt.ExchangeNotAvailableErrType,
			ccxt.RateLimitExceededErrType,
			ccxt.DDoSProtectionErrType,
			ccxt.BadResponseErrType,
			ccxt.NullResponseErrType:
			return true
		default:
			return false
		}
	}

	return false
}

// FromCCXT 将 ccxt 错误映射到网关错误分类。
func FromCCXT(exchangeID string, err error) *Error {
	if err == nil {
		return nil
	}

	var ccxtErr *ccxt.Error
	if !errors.As(err, &ccxtErr) {
		return Connection("exchange_call_failed",
			fmt.Sprintf("交易所 %s 调用失败", exchangeID)).WithCause(err)
	}

	message := strings.TrimSpace(ccxtErr.Message)

	switch ccxtErr.Type {
	case ccxt.AuthenticationErrorErrType,
		ccxt.PermissionDeniedErrType,
		ccxt.AccountSuspendedErrType:
		return Authentication("exchange_auth_failed",
			fmt.Sprintf("交易所 %s 鉴权失败", exchangeID)).WithCause(err)
	case ccxt.InsufficientFundsErrType:
		return Trading("insufficient_funds",
			fmt.Sprintf("交易所 %s 账户余额不足", exchangeID), false).WithCause(err)
	case ccxt.InvalidOrderErrType,
		ccxt.BadSymbolErrType,
		ccxt.BadRequestErrType,
		ccxt.ArgumentsRequiredErrType:
		return Trading("invalid_order",
			fmt.Sprintf("交易所 %s 拒绝订单: %s", exchangeID, message), false).WithCause(err)
	case ccxt.OrderNotFoundErrType:
		return NotFound("order_not_found",
			fmt.Sprintf("交易所 %s 找不到该订单", exchangeID)).WithCause(err)
	case ccxt.NotSupportedErrType:
		return Validation("operation_not_supported",
			fmt.Sprintf("交易所 %s 不支持该操作", exchangeID)).WithCause(err)
	case ccxt.RequestTimeoutErrType:
		return Connection("exchange_timeout",
			fmt.Sprintf("交易所 %s 请求超时", exchangeID)).WithCause(err)
	case ccxt.NetworkErrorErrType,
		ccxt.ExchangeNotAvailableErrType,
		ccxt.RateLimitExceededErrType,
		ccxt.DDoSProtectionErrType,
		ccxt.BadResponseErrType,
		ccxt.NullResponseErrType,
		ccxt.OnMaintenanceErrType:
		return Connection("exchange_unavailable",
			fmt.Sprintf("交易所 %s 暂不可用: %s", exchangeID, message)).WithCause(err)
	default:
		return Trading("exchange_error",
			fmt.Sprintf("交易所 %s 返回错误: %s", exchangeID, message), false).WithCause(err)
	}
}
