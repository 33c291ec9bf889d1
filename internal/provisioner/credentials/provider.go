package credentials

import (
	"strings"
	"sync"
)

// Role says which part of a KeyPair feeds a credential field.
type Role int

const (
	RoleAccessKey Role = iota
	RoleSecretKey
	RoleClientID
	RoleTenantID
	RoleSubscriptionID
)

// KeyPair is the credential material supplied with a deployment. Most
// providers only read AccessKey and SecretKey; Azure also reads the optional
// identity fields and falls back to safe defaults when they are empty.
type KeyPair struct {
	AccessKey      string `json:"access_key"`
	SecretKey      string `json:"secret_key"`
	ClientID       string `json:"client_id,omitempty"`
	TenantID       string `json:"tenant_id,omitempty"`
	SubscriptionID string `json:"subscription_id,omitempty"`
}

// Empty reports whether no access or secret key is set.
func (k KeyPair) Empty() bool {
	return k.AccessKey == "" && k.SecretKey == ""
}

// Field is one credential attribute inside a provider block.
type Field struct {
	Name string
	Role Role
}

const defaultAzureTenant = "common"

func (f Field) value(kp KeyPair) string {
	switch f.Role {
	case RoleAccessKey:
		return kp.AccessKey
	case RoleSecretKey:
		return kp.SecretKey
	case RoleClientID:
		return firstNonEmpty(kp.ClientID, kp.AccessKey)
	case RoleTenantID:
		return firstNonEmpty(kp.TenantID, defaultAzureTenant)
	case RoleSubscriptionID:
		return firstNonEmpty(kp.SubscriptionID, kp.AccessKey)
	}
	return ""
}

// Setting is a literal attribute a variant forces into the provider block.
type Setting struct {
	Key   string
	Value string
}

// Variant is a cloud hint that selects a provider with extra settings, such
// as a sovereign-cloud partition.
type Variant struct {
	Hint   string
	Region string
	Extra  []Setting
}

// Provider describes how credentials are wired into one Terraform provider.
type Provider struct {
	Name          string
	Hints         []string
	Variants      []Variant
	Source        string
	Version       string
	DefaultRegion string
	Fields        []Field
	// BlockBody holds extra lines for a synthesized provider block.
	BlockBody []string
	// FixHints is appended to repair prompts for configurations on this provider.
	FixHints string
}

// ResourcePrefix is the prefix Terraform uses for this provider's resource types.
func (p *Provider) ResourcePrefix() string { return p.Name + "_" }

func (p *Provider) variant(hint string) *Variant {
	h := normalizeHint(hint)
	for i := range p.Variants {
		if p.Variants[i].Hint == h {
			return &p.Variants[i]
		}
	}
	return nil
}

func (p *Provider) matchesHint(hint string) bool {
	h := normalizeHint(hint)
	if h == "" {
		return false
	}
	if h == p.Name || p.variant(h) != nil {
		return true
	}
	for _, candidate := range p.Hints {
		if candidate == h {
			return true
		}
	}
	return false
}

// Registry is an ordered set of provider descriptors; detection walks it in
// registration order and the first match wins.
type Registry struct {
	mu        sync.RWMutex
	providers []*Provider
}

// NewRegistry returns a registry preloaded with the built-in providers.
func NewRegistry() *Registry {
	r := &Registry{}
	for _, p := range builtinProviders() {
		r.Register(p)
	}
	return r
}

// Register appends p, replacing any provider with the same name in place.
func (r *Registry) Register(p *Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.providers {
		if existing.Name == p.Name {
			r.providers[i] = p
			return
		}
	}
	r.providers = append(r.providers, p)
}

// Providers returns the descriptors in detection order.
func (r *Registry) Providers() []*Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Provider, len(r.providers))
	copy(out, r.providers)
	return out
}

// Lookup finds a provider by its Terraform name.
func (r *Registry) Lookup(name string) (*Provider, bool) {
	for _, p := range r.Providers() {
		if p.Name == name {
			return p, true
		}
	}
	return nil, false
}

// ForHint resolves a caller supplied cloud name such as "aws(china)" or "aliyun".
func (r *Registry) ForHint(hint string) (*Provider, *Variant, bool) {
	for _, p := range r.Providers() {
		if p.matchesHint(hint) {
			return p, p.variant(hint), true
		}
	}
	return nil, nil, false
}

func normalizeHint(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func builtinProviders() []*Provider {
	accessSecret := []Field{
		{Name: "access_key", Role: RoleAccessKey},
		{Name: "secret_key", Role: RoleSecretKey},
	}
	return []*Provider{
		{
			Name:          "aws",
			Hints:         []string{"amazon", "amazon web services", "aws global"},
			Variants:      []Variant{{Hint: "aws(china)", Region: "cn-north-1"}},
			Source:        "hashicorp/aws",
			DefaultRegion: "us-east-1",
			Fields:        accessSecret,
			FixHints:      "Use hashicorp/aws resource types and argument names. Keep the provider region and access_key/secret_key arguments.",
		},
		{
			Name:     "azurerm",
			Hints:    []string{"azure", "microsoft azure"},
			Variants: []Variant{{Hint: "azure(china)", Extra: []Setting{{Key: "environment", Value: "china"}}}},
			Source:   "hashicorp/azurerm",
			Fields: []Field{
				{Name: "client_id", Role: RoleClientID},
				{Name: "client_secret", Role: RoleSecretKey},
				{Name: "tenant_id", Role: RoleTenantID},
				{Name: "subscription_id", Role: RoleSubscriptionID},
			},
			BlockBody: []string{"features {}"},
			FixHints:  "The azurerm provider block must keep an empty features {} block and the client_id, client_secret, tenant_id and subscription_id arguments.",
		},
		{
			Name:          "volcengine",
			Hints:         []string{"volcano engine", "火山引擎", "火山云"},
			Source:        "volcengine/volcengine",
			Version:       "0.0.167",
			DefaultRegion: "cn-beijing",
			Fields:        accessSecret,
			FixHints:      "Use volcengine provider resources and volcengine-specific resource naming. Keep volcengine-specific configuration intact.",
		},
		{
			Name:          "alicloud",
			Hints:         []string{"aliyun", "alibaba cloud", "阿里云"},
			Source:        "aliyun/alicloud",
			DefaultRegion: "cn-hangzhou",
			Fields:        accessSecret,
			FixHints:      "Use aliyun/alicloud resource types. Keep access_key, secret_key and region on the provider block.",
		},
		{
			Name:          "huaweicloud",
			Hints:         []string{"huawei cloud", "huawei", "华为云"},
			Source:        "huaweicloud/huaweicloud",
			DefaultRegion: "cn-north-1",
			Fields:        accessSecret,
			FixHints:      "Use huaweicloud resource types. Keep access_key, secret_key and region on the provider block.",
		},
		{
			Name:          "tencentcloud",
			Hints:         []string{"tencent cloud", "tencent", "腾讯云"},
			Source:        "tencentcloudstack/tencentcloud",
			DefaultRegion: "ap-guangzhou",
			Fields: []Field{
				{Name: "secret_id", Role: RoleAccessKey},
				{Name: "secret_key", Role: RoleSecretKey},
			},
			FixHints: "Tencent Cloud credentials are secret_id and secret_key, not access_key.",
		},
		{
			Name:          "baiducloud",
			Hints:         []string{"baidu cloud", "baidu", "百度云", "百度智能云"},
			Source:        "baidubce/baiducloud",
			DefaultRegion: "bj",
			Fields:        accessSecret,
			FixHints:      "Use baidubce/baiducloud resource types. Keep access_key, secret_key and region on the provider block.",
		},
	}
}
