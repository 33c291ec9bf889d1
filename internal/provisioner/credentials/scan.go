package credentials

import (
	"sort"
	"strings"
)

// The scanner below is a structural pass over HCL text: it knows enough about
// strings, heredocs and comments to find top-level provider blocks and their
// attributes without pulling in a full grammar.

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokString
	tokHeredoc
	tokPunct
	tokNewline
)

type token struct {
	kind   tokenKind
	text   string
	start  int
	end    int
	closed bool
}

const punctChars = "{}[](),=:"

func tokenize(src string) []token {
	var toks []token
	n := len(src)
	for i := 0; i < n; {
		c := src[i]
		switch {
		case c == '\n':
			toks = append(toks, token{kind: tokNewline, text: "\n", start: i, end: i + 1})
			i++
		case c == ' ' || c == '\t' || c == '\r':
			i++
		case c == '#', c == '/' && i+1 < n && src[i+1] == '/':
			i = lineEnd(src, i)
		case c == '/' && i+1 < n && src[i+1] == '*':
			end := strings.Index(src[i+2:], "*/")
			if end < 0 {
				i = n
			} else {
				i += end + 4
			}
		case c == '"':
			j := i + 1
			for j < n && src[j] != '"' && src[j] != '\n' {
				if src[j] == '\\' {
					j++
				}
				j++
			}
			if j > n {
				j = n
			}
			end, closed := j, false
			if j < n && src[j] == '"' {
				end, closed = j+1, true
			}
			toks = append(toks, token{kind: tokString, text: src[i+1 : j], start: i, end: end, closed: closed})
			i = end
		case c == '<' && strings.HasPrefix(src[i:], "<<"):
			if end, ok := heredocEnd(src, i); ok {
				toks = append(toks, token{kind: tokHeredoc, text: src[i:end], start: i, end: end})
				i = end
				continue
			}
			toks = append(toks, token{kind: tokIdent, text: "<<", start: i, end: i + 2})
			i += 2
		case c == '=' && i+1 < n && src[i+1] == '=':
			toks = append(toks, token{kind: tokIdent, text: "==", start: i, end: i + 2})
			i += 2
		case strings.IndexByte(punctChars, c) >= 0:
			toks = append(toks, token{kind: tokPunct, text: string(c), start: i, end: i + 1})
			i++
		default:
			j := i
			for j < n && !isIdentStop(src, j) {
				j++
			}
			if j == i {
				j++
			}
			toks = append(toks, token{kind: tokIdent, text: src[i:j], start: i, end: j})
			i = j
		}
	}
	return toks
}

func isIdentStop(src string, i int) bool {
	c := src[i]
	switch c {
	case ' ', '\t', '\r', '\n', '"', '#':
		return true
	case '/':
		return i+1 < len(src) && (src[i+1] == '/' || src[i+1] == '*')
	}
	return strings.IndexByte(punctChars, c) >= 0
}

func lineEnd(src string, i int) int {
	if j := strings.IndexByte(src[i:], '\n'); j >= 0 {
		return i + j
	}
	return len(src)
}

// heredocEnd returns the offset just past the closing marker line of a heredoc
// starting at i (excluding its newline).
func heredocEnd(src string, i int) (int, bool) {
	j := i + 2
	if j < len(src) && src[j] == '-' {
		j++
	}
	k := j
	for k < len(src) && (isAlnum(src[k]) || src[k] == '_') {
		k++
	}
	marker := src[j:k]
	if marker == "" {
		return 0, false
	}
	nl := strings.IndexByte(src[k:], '\n')
	if nl < 0 {
		return 0, false
	}
	pos := k + nl + 1
	for pos < len(src) {
		end := lineEnd(src, pos)
		if strings.TrimSpace(src[pos:end]) == marker {
			return end, true
		}
		pos = end + 1
	}
	return len(src), true
}

func isAlnum(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}

type attribute struct {
	key        string
	keyStart   int
	valueStart int
	valueEnd   int
	literal    bool
	value      string
}

type block struct {
	name   string
	start  int
	open   int
	close  int
	attrs  map[string]attribute
	indent string
}

type document struct {
	src                  string
	providers            []block
	resourceTypes        []string
	hasRequiredProviders bool
}

func (d document) blocksNamed(name string) []block {
	var out []block
	for _, b := range d.providers {
		if b.name == name {
			out = append(out, b)
		}
	}
	return out
}

func scan(src string) document {
	doc := document{src: src}
	toks := tokenize(src)
	depth := 0
	for i := 0; i < len(toks); i++ {
		t := toks[i]
		switch {
		case t.kind == tokPunct && t.text == "{":
			depth++
		case t.kind == tokPunct && t.text == "}":
			if depth > 0 {
				depth--
			}
		case t.kind == tokIdent && t.text == "required_providers":
			doc.hasRequiredProviders = true
		case depth == 0 && t.kind == tokIdent && t.text == "provider":
			if b, last, ok := parseProviderBlock(src, toks, i); ok {
				doc.providers = append(doc.providers, b)
				i = last
			}
		case depth == 0 && t.kind == tokIdent && (t.text == "resource" || t.text == "data"):
			if i+1 < len(toks) && toks[i+1].kind == tokString {
				doc.resourceTypes = append(doc.resourceTypes, toks[i+1].text)
			}
		}
	}
	return doc
}

// parseProviderBlock parses `provider "<name>" { ... }` starting at toks[i]
// and returns the block plus the index of its closing brace token.
func parseProviderBlock(src string, toks []token, i int) (block, int, bool) {
	if i+2 >= len(toks) || toks[i+1].kind != tokString || toks[i+2].kind != tokPunct || toks[i+2].text != "{" {
		return block{}, i, false
	}
	b := block{
		name:  toks[i+1].text,
		start: toks[i].start,
		open:  toks[i+2].start,
		attrs: map[string]attribute{},
	}
	depth := 1
	lineStart := true
	for j := i + 3; j < len(toks); j++ {
		t := toks[j]
		switch {
		case t.kind == tokNewline:
			lineStart = true
			continue
		case t.kind == tokPunct && t.text == "{":
			depth++
		case t.kind == tokPunct && t.text == "}":
			depth--
			if depth == 0 {
				b.close = t.start
				if b.indent == "" {
					b.indent = "  "
				}
				return b, j, true
			}
		case depth == 1 && lineStart && t.kind == tokIdent && j+1 < len(toks) && toks[j+1].kind == tokPunct && toks[j+1].text == "=":
			a, last := parseAttribute(toks, j)
			if _, seen := b.attrs[a.key]; !seen {
				b.attrs[a.key] = a
			}
			if b.indent == "" {
				if ls := strings.LastIndexByte(src[:t.start], '\n') + 1; strings.TrimSpace(src[ls:t.start]) == "" && ls < t.start {
					b.indent = src[ls:t.start]
				}
			}
			j = last
		}
		lineStart = false
	}
	return block{}, i, false
}

// parseAttribute reads `key = value` where toks[j] is the key; the value runs
// to the end of the line, spanning nested brackets.
func parseAttribute(toks []token, j int) (attribute, int) {
	eq := toks[j+1]
	a := attribute{key: toks[j].text, keyStart: toks[j].start, valueStart: eq.end, valueEnd: eq.end}
	nest := 0
	last := j + 1
	for k := j + 2; k < len(toks); k++ {
		t := toks[k]
		if nest == 0 && (t.kind == tokNewline || (t.kind == tokPunct && t.text == "}")) {
			break
		}
		if t.kind == tokPunct {
			switch t.text {
			case "{", "[", "(":
				nest++
			case "}", "]", ")":
				nest--
			}
		}
		last = k
	}
	if last > j+1 {
		a.valueStart = toks[j+2].start
		a.valueEnd = toks[last].end
		v := toks[j+2]
		if last == j+2 && v.kind == tokString && v.closed && !strings.Contains(v.text, "${") {
			a.literal = true
			a.value = unquote(v.text)
		}
	}
	return a, last
}

type edit struct {
	start int
	end   int
	text  string
}

func applyEdits(src string, edits []edit) string {
	sort.SliceStable(edits, func(i, j int) bool { return edits[i].start > edits[j].start })
	for _, e := range edits {
		src = src[:e.start] + e.text + src[e.end:]
	}
	return src
}

var (
	quoteReplacer   = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`, "${", "$${", "%{", "%%{")
	unquoteReplacer = strings.NewReplacer(`\\`, `\`, `\"`, `"`, `\n`, "\n", "$${", "${", "%%{", "%{")
)

func quote(s string) string { return `"` + quoteReplacer.Replace(s) + `"` }

func unquote(s string) string { return unquoteReplacer.Replace(s) }
