// Package harvest extracts service identities from reverse-proxy-style
// container labels and keeps a node's self registry in sync with the
// containers currently running on it.
package harvest

import (
	"regexp"
	"strings"
)

// Precompiled once at process start — hot in the harvest path (spec §9).
var (
	caddyLabelRe = regexp.MustCompile(`^caddy$|^caddy_\d+$`)
	snippetRe    = regexp.MustCompile(`^\(.*\)$`)
	publicRe     = regexp.MustCompile(`(?:https?://)?(.+)\.public(?::\d+)?$`)
	privateRe    = regexp.MustCompile(`(?:https?://)?(.+)\.private(?::\d+)?$`)
)

// ContainerLabels is the harvester's view of one container: its display
// name (used only for logging) and its full label map.
type ContainerLabels struct {
	Name   string
	Labels map[string]string
}

// ParseContainer extracts the public and private service names advertised
// by a single container's labels (spec §4.2). Tokens matching neither
// regex are silently ignored; if a single token somehow matched both
// (impossible given the regexes are mutually exclusive on the literal
// suffix) the public classification wins, per spec note in §3.
func ParseContainer(c ContainerLabels) (public, private []string) {
	for key, value := range c.Labels {
		if !caddyLabelRe.MatchString(key) {
			continue
		}
		if snippetRe.MatchString(value) {
			continue // reusable snippet definition, not a routable address
		}
		for _, token := range tokenize(value) {
			if svc, ok := capture(token, publicRe); ok {
				public = append(public, svc)
			} else if svc, ok := capture(token, privateRe); ok {
				private = append(private, svc)
			}
		}
	}
	return public, private
}

// Parse aggregates ParseContainer across every container, returning the
// union public and private service sets (spec §4.2 "Output").
func Parse(containers []ContainerLabels) (public, private map[string]struct{}) {
	public = make(map[string]struct{})
	private = make(map[string]struct{})
	for _, c := range containers {
		pub, priv := ParseContainer(c)
		for _, s := range pub {
			public[s] = struct{}{}
		}
		for _, s := range priv {
			private[s] = struct{}{}
		}
	}
	return public, private
}

// tokenize splits a caddy label value on commas, then on whitespace,
// trimming and dropping empties — mirrors original_source/src/docker.rs
// parse_address.
func tokenize(value string) []string {
	var tokens []string
	for _, part := range strings.Split(value, ",") {
		for _, field := range strings.Fields(part) {
			field = strings.TrimSpace(field)
			if field != "" {
				tokens = append(tokens, field)
			}
		}
	}
	return tokens
}

func capture(token string, re *regexp.Regexp) (string, bool) {
	m := re.FindStringSubmatch(token)
	if m == nil {
		return "", false
	}
	return m[1], true
}
