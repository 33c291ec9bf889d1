package credentials

import (
	"sort"
	"strings"
)

// Extracted is the credential material found in a configuration.
type Extracted struct {
	Provider string
	KeyPair  KeyPair
	Region   string
}

// Extract reads the key pair and region from the first provider block of the
// detected provider. Values that are not plain literals are skipped.
func (inj *Injector) Extract(config string) (*Extracted, error) {
	doc := scan(config)
	det, err := inj.detect(doc, "")
	if err != nil {
		return nil, err
	}
	out := &Extracted{Provider: det.Provider.Name}
	blocks := doc.blocksNamed(det.Provider.Name)
	if len(blocks) == 0 {
		return out, nil
	}
	b := blocks[0]
	for _, f := range det.Provider.Fields {
		a, ok := b.attrs[f.Name]
		if !ok || !a.literal {
			continue
		}
		switch f.Role {
		case RoleAccessKey, RoleClientID:
			if out.KeyPair.AccessKey == "" {
				out.KeyPair.AccessKey = a.value
			}
			if f.Role == RoleClientID {
				out.KeyPair.ClientID = a.value
			}
		case RoleSecretKey:
			out.KeyPair.SecretKey = a.value
		case RoleTenantID:
			out.KeyPair.TenantID = a.value
		case RoleSubscriptionID:
			out.KeyPair.SubscriptionID = a.value
		}
	}
	if a, ok := b.attrs["region"]; ok && a.literal {
		out.Region = a.value
	}
	return out, nil
}

const maskMinLen = 4

// Mask redacts the key pair's secret values from text. Access-key style
// identifiers keep a short prefix so operators can tell accounts apart.
func Mask(text string, kp KeyPair) string {
	type secret struct {
		value string
		keep  int
	}
	var secrets []secret
	seen := map[string]bool{}
	add := func(v string, keep int) {
		if len(v) < maskMinLen || seen[v] {
			return
		}
		seen[v] = true
		secrets = append(secrets, secret{value: v, keep: keep})
	}
	add(kp.SecretKey, 0)
	add(kp.AccessKey, 4)
	add(kp.ClientID, 4)
	add(kp.SubscriptionID, 4)
	if len(secrets) == 0 {
		return text
	}
	sort.Slice(secrets, func(i, j int) bool { return len(secrets[i].value) > len(secrets[j].value) })

	pairs := make([]string, 0, len(secrets)*2)
	for _, s := range secrets {
		masked := "****"
		if s.keep > 0 && len(s.value) > 2*s.keep {
			masked = s.value[:s.keep] + "****"
		}
		pairs = append(pairs, s.value, masked)
	}
	return strings.NewReplacer(pairs...).Replace(text)
}

// Masker returns a func that applies Mask with a fixed key pair.
func Masker(kp KeyPair) func(string) string {
	return func(s string) string { return Mask(s, kp) }
}
