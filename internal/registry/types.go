package registry

import "trade-gateway/internal/config"

// AssetClass 标识交易所经营的资产类别。
type AssetClass string

const (
	AssetCrypto AssetClass = "crypto"
	AssetStock  AssetClass = "stock"
)

// RateLimits 描述交易所的请求预算参数。
type RateLimits struct {
	RequestsPerMinute int
	Burst             int
}

// ExchangeInfo 为交易所目录中的一条不可变记录，随进程启动加载。
type ExchangeInfo struct {
	ID               string
	Name             string
	Class            AssetClass
	BaseCurrency     string
	Symbols          []string
	Spot             bool
	Futures          bool
	Options          bool
	CredentialFields []string
	SandboxAvailable bool
	RateLimits       RateLimits
}

// SupportsSymbol 判断该交易所是否挂牌指定交易对。
func (e ExchangeInfo) SupportsSymbol(symbol string) bool {
	for _, s := range e.Symbols {
		if s == symbol {
			return true
		}
	}
	return false
}

// Preference 为用户的交易所偏好，仅通过 Registry 修改。
type Preference struct {
	Selected        string
	Default         string
	LiveTrading     bool
	SourceOverrides map[string]string // symbol -> exchange id
}

func (p Preference) clone() Preference {
	out := p
	out.SourceOverrides = make(map[string]string, len(p.SourceOverrides))
	for k, v := range p.SourceOverrides {
		out.SourceOverrides[k] = v
	}
	return out
}

// FromConfig 将配置目录转换为注册表记录。
func FromConfig(cfgs []config.ExchangeConfig) []ExchangeInfo {
	infos := make([]ExchangeInfo, 0, len(cfgs))
	for _, ex := range cfgs {
		infos = append(infos, ExchangeInfo{
			ID:               ex.ID,
			Name:             ex.Name,
			Class:            AssetClass(ex.Type),
			BaseCurrency:     ex.BaseCurrency,
			Symbols:          append([]string(nil), ex.Symbols...),
			Spot:             ex.Features.Spot,
			Futures:          ex.Features.Futures,
			Options:          ex.Features.Options,
			CredentialFields: append([]string(nil), ex.CredentialFields...),
			SandboxAvailable: ex.SandboxAvailable,
			RateLimits: RateLimits{
				RequestsPerMinute: ex.RateLimit.RequestsPerMinute,
				Burst:             ex.RateLimit.Burst,
			},
		})
	}
	return infos
}
