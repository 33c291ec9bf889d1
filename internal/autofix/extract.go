package autofix

import (
	"regexp"
	"strings"

	"github.com/iac-studio/deployengine/internal/provisioner/resources"
)

const followLines = 6

// ExtractErrors keeps each "Error:" line of terraform stderr plus up to six
// non-empty lines after it. Without any such line the whole stderr is used.
func ExtractErrors(stderr string) string {
	lines := strings.Split(strings.ReplaceAll(stderr, "\r\n", "\n"), "\n")
	var blocks []string
	for i := 0; i < len(lines); i++ {
		line := cleanLine(lines[i])
		if !strings.Contains(line, "Error:") {
			continue
		}
		block := []string{line}
		j := i + 1
		for ; j < len(lines) && len(block) <= followLines; j++ {
			next := cleanLine(lines[j])
			if next == "" {
				continue
			}
			if strings.Contains(next, "Error:") {
				break
			}
			block = append(block, next)
		}
		blocks = append(blocks, strings.Join(block, "\n"))
		i = j - 1
	}
	if len(blocks) == 0 {
		return strings.TrimSpace(stderr)
	}
	return strings.Join(blocks, "\n\n")
}

// cleanLine drops the box-drawing gutter terraform prints around diagnostics.
func cleanLine(s string) string {
	s = strings.TrimRight(s, " \t")
	s = strings.TrimLeft(s, "│╷╵ \t")
	return s
}

var typeMention = regexp.MustCompile(`"([a-z0-9]+_[a-z0-9_]+)"`)

// FirstResourceType returns the first resource type named by the error, or "".
func FirstResourceType(stderr, prefix string) string {
	if addrs := resources.Implicated(stderr); len(addrs) > 0 {
		t, _, _ := strings.Cut(addrs[0], ".")
		return t
	}
	for _, m := range typeMention.FindAllStringSubmatch(stderr, -1) {
		if prefix == "" || strings.HasPrefix(m[1], prefix) {
			return m[1]
		}
	}
	return ""
}
