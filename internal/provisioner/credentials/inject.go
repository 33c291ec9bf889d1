package credentials

import (
	"errors"
	"fmt"
	"strings"

	appErr "github.com/iac-studio/deployengine/pkg/errors"
)

var (
	// ErrNoProvider means neither the configuration nor the cloud hint names a known provider.
	ErrNoProvider = errors.New("no supported cloud provider detected")
	// ErrMissingKeyPair means injection was asked for without credential material.
	ErrMissingKeyPair = errors.New("access key and secret key are required")
)

// Target carries the caller's cloud hint and preferred region.
type Target struct {
	Cloud  string
	Region string
}

// DetectionSource records which signal selected the provider.
type DetectionSource string

const (
	SourceProviderBlock  DetectionSource = "provider_block"
	SourceResourcePrefix DetectionSource = "resource_prefix"
	SourceCloudHint      DetectionSource = "cloud_hint"
)

// Detection is the provider chosen for a configuration.
type Detection struct {
	Provider *Provider
	Variant  *Variant
	Source   DetectionSource
}

// Injector writes credential fields into provider blocks.
type Injector struct {
	registry *Registry
}

// NewInjector returns an injector over r, or over the built-in registry when r is nil.
func NewInjector(r *Registry) *Injector {
	if r == nil {
		r = NewRegistry()
	}
	return &Injector{registry: r}
}

// Registry exposes the descriptor table the injector detects against.
func (inj *Injector) Registry() *Registry { return inj.registry }

// Detect picks the provider for config: provider blocks first, then resource
// type prefixes, then the cloud hint.
func (inj *Injector) Detect(config, hint string) (*Detection, error) {
	return inj.detect(scan(config), hint)
}

func (inj *Injector) detect(doc document, hint string) (*Detection, error) {
	providers := inj.registry.Providers()
	withVariant := func(p *Provider, src DetectionSource) *Detection {
		return &Detection{Provider: p, Variant: p.variant(hint), Source: src}
	}
	for _, p := range providers {
		if len(doc.blocksNamed(p.Name)) > 0 {
			return withVariant(p, SourceProviderBlock), nil
		}
	}
	for _, p := range providers {
		for _, rt := range doc.resourceTypes {
			if strings.HasPrefix(rt, p.ResourcePrefix()) {
				return withVariant(p, SourceResourcePrefix), nil
			}
		}
	}
	if p, v, ok := inj.registry.ForHint(hint); ok {
		return &Detection{Provider: p, Variant: v, Source: SourceCloudHint}, nil
	}
	return nil, appErr.Wrap(ErrNoProvider, appErr.CodeCredential, "detect provider").WithMeta("cloud", hint)
}

// Inject returns config with kp written into every provider block of the
// detected provider. Non-empty literal credential values are left alone,
// empty or computed ones are replaced in place and missing ones are added
// before the block's closing brace. Without a provider block a default block
// is prepended. Inject is idempotent.
func (inj *Injector) Inject(config string, kp KeyPair, target Target) (string, error) {
	if kp.AccessKey == "" || kp.SecretKey == "" {
		return "", appErr.Wrap(ErrMissingKeyPair, appErr.CodeCredential, "inject credentials")
	}
	doc := scan(config)
	det, err := inj.detect(doc, target.Cloud)
	if err != nil {
		return "", err
	}
	region := target.Region
	if region == "" && det.Variant != nil {
		region = det.Variant.Region
	}
	out, _ := rewrite(doc, det, kp, rewriteOptions{region: region})
	return out, nil
}

// RestoreResult is the outcome of re-validating a repaired configuration.
type RestoreResult struct {
	Config   string
	Provider string
	Restored bool
}

// Restore re-applies the credentials of original onto fixed after a repair:
// stripped fields are re-inserted, mismatched literals are overwritten and a
// region the repair dropped is put back. When kp is empty the pair is read
// from original.
func (inj *Injector) Restore(original, fixed string, kp KeyPair, hint string) (*RestoreResult, error) {
	prev, _ := inj.Extract(original)
	if kp.Empty() && prev != nil {
		kp = prev.KeyPair
	}
	doc := scan(fixed)
	det, err := inj.detect(doc, hint)
	if err != nil {
		det, err = inj.detect(scan(original), hint)
		if err != nil {
			return nil, err
		}
	}
	opts := rewriteOptions{overwrite: true}
	if prev != nil && prev.Provider == det.Provider.Name {
		opts.region = prev.Region
	}
	out, changed := rewrite(doc, det, kp, opts)
	return &RestoreResult{Config: out, Provider: det.Provider.Name, Restored: changed}, nil
}

type rewriteOptions struct {
	// overwrite replaces literal values that differ from the key pair.
	overwrite bool
	// region is inserted into blocks that have no region attribute.
	region string
}

func rewrite(doc document, det *Detection, kp KeyPair, opts rewriteOptions) (string, bool) {
	p := det.Provider
	blocks := doc.blocksNamed(p.Name)
	if len(blocks) == 0 {
		if kp.Empty() {
			return doc.src, false
		}
		return defaultBlock(p, det.Variant, kp, opts.region, !doc.hasRequiredProviders) + doc.src, true
	}

	var edits []edit
	for _, b := range blocks {
		var missing []string
		for _, f := range p.Fields {
			want := f.value(kp)
			if want == "" {
				continue
			}
			a, ok := b.attrs[f.Name]
			switch {
			case !ok:
				missing = append(missing, f.Name+" = "+quote(want))
			case !a.literal || a.value == "":
				edits = append(edits, replaceValue(a, want))
			case opts.overwrite && a.value != want:
				edits = append(edits, replaceValue(a, want))
			}
		}
		if det.Variant != nil {
			for _, s := range det.Variant.Extra {
				if _, ok := b.attrs[s.Key]; !ok {
					missing = append(missing, s.Key+" = "+quote(s.Value))
				}
			}
		}
		if opts.region != "" && p.DefaultRegion != "" {
			if _, ok := b.attrs["region"]; !ok {
				missing = append([]string{"region = " + quote(opts.region)}, missing...)
			}
		}
		if len(missing) > 0 {
			edits = append(edits, insertBeforeClose(doc.src, b, missing))
		}
	}
	if len(edits) == 0 {
		return doc.src, false
	}
	out := applyEdits(doc.src, edits)
	return out, out != doc.src
}

func replaceValue(a attribute, want string) edit {
	text := quote(want)
	if a.valueStart == a.valueEnd {
		text = " " + text
	}
	return edit{start: a.valueStart, end: a.valueEnd, text: text}
}

func insertBeforeClose(src string, b block, lines []string) edit {
	ls := strings.LastIndexByte(src[:b.close], '\n') + 1
	var sb strings.Builder
	if ls > b.open && strings.TrimSpace(src[ls:b.close]) == "" {
		for _, l := range lines {
			sb.WriteString(b.indent + l + "\n")
		}
		return edit{start: ls, end: ls, text: sb.String()}
	}
	// closing brace shares a line with other content
	sb.WriteString("\n")
	for _, l := range lines {
		sb.WriteString(b.indent + l + "\n")
	}
	return edit{start: b.close, end: b.close, text: sb.String()}
}

func defaultBlock(p *Provider, v *Variant, kp KeyPair, region string, withRequired bool) string {
	var sb strings.Builder
	if withRequired && p.Source != "" {
		sb.WriteString("terraform {\n  required_providers {\n")
		fmt.Fprintf(&sb, "    %s = {\n      source = %s\n", p.Name, quote(p.Source))
		if p.Version != "" {
			fmt.Fprintf(&sb, "      version = %s\n", quote(p.Version))
		}
		sb.WriteString("    }\n  }\n}\n\n")
	}
	fmt.Fprintf(&sb, "provider %s {\n", quote(p.Name))
	for _, line := range p.BlockBody {
		sb.WriteString("  " + line + "\n")
	}
	if p.DefaultRegion != "" {
		r := firstNonEmpty(region, variantRegion(v), p.DefaultRegion)
		fmt.Fprintf(&sb, "  region = %s\n", quote(r))
	}
	for _, f := range p.Fields {
		if val := f.value(kp); val != "" {
			fmt.Fprintf(&sb, "  %s = %s\n", f.Name, quote(val))
		}
	}
	if v != nil {
		for _, s := range v.Extra {
			fmt.Fprintf(&sb, "  %s = %s\n", s.Key, quote(s.Value))
		}
	}
	sb.WriteString("}\n\n")
	return sb.String()
}

func variantRegion(v *Variant) string {
	if v == nil {
		return ""
	}
	return v.Region
}
