package resources

import (
	"bufio"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Resource is a `resource "<type>" "<name>"` declaration.
type Resource struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

// Address returns the Terraform address, type.name.
func (r Resource) Address() string { return r.Type + "." + r.Name }

var declPattern = regexp.MustCompile(`^\s*resource\s+"([^"]+)"\s+"([^"]+)"`)

// Parse scans config line by line for resource declarations, skipping
// comments. Duplicate addresses are reported once, in first-seen order.
func Parse(config string) []Resource {
	var out []Resource
	seen := map[string]bool{}
	inBlockComment := false

	sc := bufio.NewScanner(strings.NewReader(config))
	sc.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if inBlockComment {
			end := strings.Index(line, "*/")
			if end < 0 {
				continue
			}
			line = line[end+2:]
			inBlockComment = false
		}
		line = stripLineComments(line, &inBlockComment)
		m := declPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		r := Resource{Type: m[1], Name: m[2]}
		if seen[r.Address()] {
			continue
		}
		seen[r.Address()] = true
		out = append(out, r)
	}
	return out
}

// stripLineComments drops `#`, `//` and `/* */` comment text outside of
// string literals and reports whether a block comment stays open.
func stripLineComments(line string, inBlock *bool) string {
	var sb strings.Builder
	inString := false
	for i := 0; i < len(line); i++ {
		c := line[i]
		if inString {
			sb.WriteByte(c)
			if c == '\\' && i+1 < len(line) {
				i++
				sb.WriteByte(line[i])
			} else if c == '"' {
				inString = false
			}
			continue
		}
		switch {
		case c == '"':
			inString = true
		case c == '#', c == '/' && i+1 < len(line) && line[i+1] == '/':
			return sb.String()
		case c == '/' && i+1 < len(line) && line[i+1] == '*':
			end := strings.Index(line[i+2:], "*/")
			if end < 0 {
				*inBlock = true
				return sb.String()
			}
			i += end + 3
			continue
		}
		sb.WriteByte(c)
	}
	return sb.String()
}

// Summarize renders a one-line description such as
// "3 resources (aws_subnet x2, aws_vpc x1)".
func Summarize(rs []Resource) string {
	if len(rs) == 0 {
		return "0 resources"
	}
	counts := map[string]int{}
	var order []string
	for _, r := range rs {
		if counts[r.Type] == 0 {
			order = append(order, r.Type)
		}
		counts[r.Type]++
	}
	parts := make([]string, 0, len(order))
	for _, t := range order {
		parts = append(parts, fmt.Sprintf("%s x%d", t, counts[t]))
	}
	noun := "resources"
	if len(rs) == 1 {
		noun = "resource"
	}
	return fmt.Sprintf("%d %s (%s)", len(rs), noun, strings.Join(parts, ", "))
}

var (
	withPattern  = regexp.MustCompile(`(?m)^\s*with\s+((?:module\.[\w-]+\.)*[\w-]+\.[\w-]+)`)
	inResPattern = regexp.MustCompile(`in resource "([^"]+)" "([^"]+)"`)
)

// Implicated returns the resource addresses a Terraform error output points
// at, from its `with <addr>` and `in resource "<type>" "<name>"` lines.
func Implicated(stderr string) []string {
	seen := map[string]bool{}
	var out []string
	add := func(addr string) {
		if !seen[addr] {
			seen[addr] = true
			out = append(out, addr)
		}
	}
	for _, m := range withPattern.FindAllStringSubmatch(stderr, -1) {
		add(m[1])
	}
	for _, m := range inResPattern.FindAllStringSubmatch(stderr, -1) {
		add(m[1] + "." + m[2])
	}
	sort.Strings(out)
	return out
}

// Types returns the distinct resource types in declaration order.
func Types(rs []Resource) []string {
	seen := map[string]bool{}
	var out []string
	for _, r := range rs {
		if !seen[r.Type] {
			seen[r.Type] = true
			out = append(out, r.Type)
		}
	}
	return out
}
