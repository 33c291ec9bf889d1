package terraform

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/hashicorp/terraform-exec/tfexec"
	tfjson "github.com/hashicorp/terraform-json"
)

// Outputs is the output document keyed by output name.
type Outputs map[string]tfexec.OutputMeta

// ParseOutputs decodes `terraform output -json` text. Empty input yields an
// empty map.
func ParseOutputs(stdout string) (Outputs, error) {
	out := Outputs{}
	s := strings.TrimSpace(stdout)
	if s == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, fmt.Errorf("decode terraform outputs: %w", err)
	}
	return out, nil
}

// Values flattens outputs to name -> decoded value.
func (o Outputs) Values() map[string]any {
	values := make(map[string]any, len(o))
	for k, v := range o {
		var val any
		if len(v.Value) > 0 {
			if err := json.Unmarshal(v.Value, &val); err != nil {
				val = string(v.Value)
			}
		}
		values[k] = val
	}
	return values
}

// Sensitive returns the sorted names of outputs flagged sensitive.
func (o Outputs) Sensitive() []string {
	var names []string
	for k, v := range o {
		if v.Sensitive {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	return names
}

// InventoryItem is one resource reported by the state after apply.
type InventoryItem struct {
	Address string `json:"address"`
	ID      string `json:"id,omitempty"`
}

// ParseState decodes `terraform show -json` text.
func ParseState(stdout string) (*tfjson.State, error) {
	var st tfjson.State
	if err := json.Unmarshal([]byte(stdout), &st); err != nil {
		return nil, fmt.Errorf("decode terraform state: %w", err)
	}
	return &st, nil
}

// InventoryFromState lists the managed resources in st, child modules
// included, with their id attribute. Data sources are skipped.
func InventoryFromState(st *tfjson.State) []InventoryItem {
	if st == nil || st.Values == nil || st.Values.RootModule == nil {
		return nil
	}
	var out []InventoryItem
	var walk func(m *tfjson.StateModule)
	walk = func(m *tfjson.StateModule) {
		for _, r := range m.Resources {
			if r == nil || r.Mode == tfjson.DataResourceMode {
				continue
			}
			item := InventoryItem{Address: r.Address}
			if id, ok := r.AttributeValues["id"]; ok && id != nil {
				item.ID = fmt.Sprint(id)
			}
			out = append(out, item)
		}
		for _, child := range m.ChildModules {
			if child != nil {
				walk(child)
			}
		}
	}
	walk(st.Values.RootModule)
	return out
}

// BaseAddress strips module paths and instance keys so a state address can
// be matched against a declared type.name.
func BaseAddress(addr string) string {
	for strings.HasPrefix(addr, "module.") {
		parts := strings.SplitN(addr, ".", 3)
		if len(parts) < 3 {
			return addr
		}
		addr = parts[2]
	}
	if i := strings.IndexByte(addr, '['); i >= 0 {
		addr = addr[:i]
	}
	return addr
}
