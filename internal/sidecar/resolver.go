package sidecar

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/iac-studio/deployengine/pkg/logger"
)

// Documentation tiers.
const (
	SourceModule       = "module"
	SourceProviderDocs = "provider_docs"
	SourceGeneric      = "generic"
)

// Documentation is reference text for one resource type.
type Documentation struct {
	Provider     string `json:"provider"`
	ResourceType string `json:"resource_type"`
	Source       string `json:"source"`
	Reference    string `json:"reference"`
	Content      string `json:"content"`
}

// ToolCaller is the part of Client the resolver needs.
type ToolCaller interface {
	CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error)
}

type cacheKey struct{ provider, resource string }

// Resolver finds documentation for a resource type: a scored module search
// first, then the provider's own docs, then a generic module search.
type Resolver struct {
	tools ToolCaller

	mu    sync.Mutex
	cache map[cacheKey]*Documentation
}

func NewResolver(tools ToolCaller) *Resolver {
	return &Resolver{tools: tools, cache: make(map[cacheKey]*Documentation)}
}

// Registry namespaces tried for each provider, most likely first.
var providerNamespaces = map[string][]string{
	"aws":          {"hashicorp"},
	"azurerm":      {"hashicorp"},
	"google":       {"hashicorp"},
	"volcengine":   {"volcengine", "volcengine-terraform"},
	"alicloud":     {"aliyun", "hashicorp"},
	"huaweicloud":  {"huaweicloud"},
	"tencentcloud": {"tencentcloudstack"},
	"baiducloud":   {"baidubce"},
}

func namespacesFor(provider string) []string {
	if ns, ok := providerNamespaces[provider]; ok {
		return ns
	}
	return []string{provider, "hashicorp"}
}

// Resolve returns the first non-empty documentation found, or ErrNotFound.
// A sidecar outage ends the search early with ErrUnavailable.
func (r *Resolver) Resolve(ctx context.Context, provider, resourceType string) (*Documentation, error) {
	key := cacheKey{provider, resourceType}
	r.mu.Lock()
	if doc, ok := r.cache[key]; ok {
		r.mu.Unlock()
		return doc, nil
	}
	r.mu.Unlock()

	log := logger.L().With(zap.String("provider", provider), zap.String("resource_type", resourceType))
	keyword := resourceKeyword(provider, resourceType)

	tiers := []struct {
		name string
		fn   func(context.Context, string, string, string) (*Documentation, error)
	}{
		{SourceModule, r.fromModules},
		{SourceProviderDocs, r.fromProviderDocs},
		{SourceGeneric, r.fromGenericSearch},
	}
	for _, tier := range tiers {
		doc, err := tier.fn(ctx, provider, resourceType, keyword)
		if err != nil {
			if errors.Is(err, ErrUnavailable) {
				return nil, err
			}
			log.Debug("documentation tier failed", zap.String("tier", tier.name), zap.Error(err))
			continue
		}
		if doc == nil || strings.TrimSpace(doc.Content) == "" {
			continue
		}
		doc.Provider, doc.ResourceType, doc.Source = provider, resourceType, tier.name
		r.mu.Lock()
		r.cache[key] = doc
		r.mu.Unlock()
		log.Info("documentation resolved", zap.String("tier", tier.name), zap.String("reference", doc.Reference))
		return doc, nil
	}
	return nil, fmt.Errorf("%w: %s %s", ErrNotFound, provider, resourceType)
}

// Keywords returns the module search permutations for a provider and resource keyword.
func Keywords(provider, keyword string) []string {
	return []string{
		provider + " " + keyword,
		keyword + " " + provider,
		"terraform-" + provider + "-" + keyword,
		keyword,
	}
}

func (r *Resolver) fromModules(ctx context.Context, provider, _, keyword string) (*Documentation, error) {
	for _, q := range Keywords(provider, keyword) {
		best, err := r.searchModules(ctx, q, provider, keyword, func(score int, _ bool) bool { return score > 30 })
		if err != nil {
			return nil, err
		}
		if best == nil {
			continue
		}
		return r.moduleDetails(ctx, best.ID)
	}
	return nil, nil
}

func (r *Resolver) fromGenericSearch(ctx context.Context, provider, _, keyword string) (*Documentation, error) {
	terms := []string{strings.ReplaceAll(keyword, "_", " ")}
	if strings.Contains(keyword, "_") {
		terms = append(terms, strings.ReplaceAll(keyword, "_", "-"))
	}
	for _, q := range terms {
		best, err := r.searchModules(ctx, q, provider, keyword, func(score int, keywordHit bool) bool {
			return keywordHit && score >= 30
		})
		if err != nil {
			return nil, err
		}
		if best == nil {
			continue
		}
		return r.moduleDetails(ctx, best.ID)
	}
	return nil, nil
}

func (r *Resolver) searchModules(ctx context.Context, query, provider, keyword string, accept func(int, bool) bool) (*ModuleCandidate, error) {
	res, err := r.tools.CallTool(ctx, "searchModules", map[string]any{"moduleQuery": query})
	if err != nil {
		return nil, err
	}
	var best *ModuleCandidate
	bestScore := -1
	for _, m := range ParseModules(res.Text) {
		score, hit := ScoreModule(m, provider, keyword)
		if !accept(score, hit) || score <= bestScore {
			continue
		}
		best, bestScore = &m, score
	}
	return best, nil
}

func (r *Resolver) moduleDetails(ctx context.Context, id string) (*Documentation, error) {
	res, err := r.tools.CallTool(ctx, "moduleDetails", map[string]any{"moduleID": id})
	if err != nil {
		return nil, err
	}
	return &Documentation{Reference: id, Content: res.Text}, nil
}

func (r *Resolver) fromProviderDocs(ctx context.Context, provider, resourceType, keyword string) (*Documentation, error) {
	for _, ns := range namespacesFor(provider) {
		res, err := r.tools.CallTool(ctx, "resolveProviderDocID", map[string]any{
			"providerName":      provider,
			"providerNamespace": ns,
			"serviceSlug":       keyword,
			"providerDataType":  "resources",
		})
		if err != nil {
			if errors.Is(err, ErrUnavailable) {
				return nil, err
			}
			continue
		}
		id := MatchProviderDoc(res.Text, keyword, resourceType)
		if id == "" {
			continue
		}
		docs, err := r.tools.CallTool(ctx, "getProviderDocs", map[string]any{"providerDocID": id})
		if err != nil {
			return nil, err
		}
		return &Documentation{Reference: ns + "/" + provider + "#" + id, Content: docs.Text}, nil
	}
	return nil, nil
}

var docEntryPattern = regexp.MustCompile(`-\s*providerDocID:\s*(\S+)\s*\n\s*-\s*Title:\s*([^\n]*)\n\s*-\s*Category:\s*([^\n]*)`)

// MatchProviderDoc picks a providerDocID from a resolveProviderDocID listing:
// an exact title match wins over a partial one.
func MatchProviderDoc(text, keyword, resourceType string) string {
	var partial string
	for _, m := range docEntryPattern.FindAllStringSubmatch(text, -1) {
		id, title, category := m[1], strings.TrimSpace(m[2]), strings.TrimSpace(m[3])
		if !strings.EqualFold(category, "resources") {
			continue
		}
		if strings.EqualFold(title, keyword) || strings.EqualFold(title, resourceType) {
			return id
		}
		if partial == "" && strings.Contains(strings.ToLower(title), strings.ToLower(keyword)) {
			partial = id
		}
	}
	return partial
}

// ModuleCandidate is one entry of a searchModules listing.
type ModuleCandidate struct {
	ID          string
	Name        string
	Description string
	Downloads   int64
	Verified    bool
}

// Provider returns the provider segment of namespace/name/provider[/version].
func (m ModuleCandidate) Provider() string {
	parts := strings.Split(m.ID, "/")
	if len(parts) >= 3 {
		return parts[2]
	}
	return ""
}

// ParseModules reads `- key: value` blocks, each starting at a module_id line.
func ParseModules(text string) []ModuleCandidate {
	var out []ModuleCandidate
	var cur *ModuleCandidate
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "-"))
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key := strings.ToLower(strings.NewReplacer("_", "", " ", "").Replace(strings.TrimSpace(k)))
		v = strings.TrimSpace(v)
		switch key {
		case "moduleid", "id":
			if v == "" {
				continue
			}
			out = append(out, ModuleCandidate{ID: v})
			cur = &out[len(out)-1]
		case "name":
			if cur != nil {
				cur.Name = v
			}
		case "description":
			if cur != nil {
				cur.Description = v
			}
		case "downloads":
			if cur != nil {
				cur.Downloads, _ = strconv.ParseInt(strings.ReplaceAll(v, ",", ""), 10, 64)
			}
		case "verified":
			if cur != nil {
				cur.Verified = strings.EqualFold(v, "true")
			}
		}
	}
	return out
}

// ScoreModule rates a candidate and reports whether the resource keyword matched.
func ScoreModule(m ModuleCandidate, provider, keyword string) (int, bool) {
	score := 0
	if strings.EqualFold(m.Provider(), provider) {
		score += 50
	}
	hay := strings.ToLower(m.ID + " " + m.Name + " " + m.Description)
	kw := strings.ToLower(keyword)
	hit := strings.Contains(hay, kw) ||
		strings.Contains(hay, strings.ReplaceAll(kw, "_", " ")) ||
		strings.Contains(hay, strings.ReplaceAll(kw, "_", "-"))
	if hit {
		score += 30
	}
	if m.Verified {
		score += 20
	}
	switch {
	case m.Downloads > 1_000_000:
		score += 10
	case m.Downloads > 10_000:
		score += 5
	}
	return score, hit
}

// resourceKeyword strips the provider prefix: aws_vpc -> vpc.
func resourceKeyword(provider, resourceType string) string {
	if rest, ok := strings.CutPrefix(resourceType, provider+"_"); ok && rest != "" {
		return rest
	}
	if _, rest, ok := strings.Cut(resourceType, "_"); ok && rest != "" {
		return rest
	}
	return resourceType
}
