package source

import (
	"fmt"
	"net/http"
	"os"
)

// HeaderKind selects where a header value comes from.
type HeaderKind int

const (
	// Literal sends Arg as is.
	Literal HeaderKind = iota + 1
	// Env reads the environment variable named by Arg.
	Env
	// RequestHeader copies the inbound request header named by Arg.
	RequestHeader
)

func (k HeaderKind) String() string {
	switch k {
	case Literal:
		return "literal"
	case Env:
		return "env"
	case RequestHeader:
		return "requestHeader"
	default:
		return fmt.Sprintf("HeaderKind(%d)", int(k))
	}
}

// LookupFunc resolves environment variables. os.LookupEnv is the production implementation.
type LookupFunc func(key string) (string, bool)

// HeaderTemplate describes one outgoing header and how to compute its value.
type HeaderTemplate struct {
	Name string
	Kind HeaderKind
	Arg  string
}

func LiteralHeader(name, value string) HeaderTemplate {
	return HeaderTemplate{Name: name, Kind: Literal, Arg: value}
}

func EnvHeader(name, variable string) HeaderTemplate {
	return HeaderTemplate{Name: name, Kind: Env, Arg: variable}
}

func ForwardHeader(name, requestHeader string) HeaderTemplate {
	return HeaderTemplate{Name: name, Kind: RequestHeader, Arg: requestHeader}
}

// Resolve returns the header value and whether it is present. Empty values count as absent
// so that an unset variable never produces an empty header upstream.
func (h HeaderTemplate) Resolve(inbound http.Header, env LookupFunc) (string, bool) {
	var value string
	switch h.Kind {
	case Literal:
		value = h.Arg
	case Env:
		if env == nil {
			env = os.LookupEnv
		}
		value, _ = env(h.Arg)
	case RequestHeader:
		if inbound == nil {
			return "", false
		}
		value = inbound.Get(h.Arg)
	default:
		return "", false
	}
	return value, value != ""
}

func (h HeaderTemplate) validate() error {
	if h.Name == "" {
		return fmt.Errorf("header template without name")
	}
	switch h.Kind {
	case Literal:
	case Env, RequestHeader:
		if h.Arg == "" {
			return fmt.Errorf("header %s: %s source needs a name", h.Name, h.Kind)
		}
	default:
		return fmt.Errorf("header %s: unknown kind %s", h.Name, h.Kind)
	}
	return nil
}

// ResolveHeaders computes the outgoing headers for templates, skipping unresolved values.
func ResolveHeaders(templates []HeaderTemplate, inbound http.Header, env LookupFunc) http.Header {
	out := make(http.Header, len(templates))
	for _, template := range templates {
		value, ok := template.Resolve(inbound, env)
		if !ok {
			continue
		}
		out.Set(template.Name, value)
	}
	return out
}

// InboundHeaders returns the inbound request headers that any of sources forwards upstream.
func InboundHeaders(sources []Source) []string {
	seen := map[string]bool{}
	var out []string
	for _, src := range sources {
		for _, template := range src.RequestHeaders {
			if template.Kind != RequestHeader {
				continue
			}
			name := http.CanonicalHeaderKey(template.Arg)
			if seen[name] {
				continue
			}
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}
