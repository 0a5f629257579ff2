package ratelimit

import "strings"

// idPlaceholder is substituted for every path parameter after the first
// significant one, per §3's matching rule: "strip method-insensitive
// identifiers after the first significant id; keep that id literal."
const idPlaceholder = ":id"

// Request describes one outgoing REST call for rate-limit purposes. Route is
// a template such as "/channels/{channel_id}/messages/{message_id}"; Params
// supplies the literal values substituted into it.
type Request struct {
	Method string
	Route  string
	Params map[string]string
}

// Fingerprint computes the library-side key used to find a bucket before the
// service has revealed one, and to group requests that must share a budget.
// Two requests that differ only past the first path parameter collapse to
// the same fingerprint.
func (r Request) Fingerprint() string {
	return Fingerprint(r.Method, r.Route, r.Params)
}

// Fingerprint is the free function form of Request.Fingerprint, exposed so
// callers that don't want to build a Request can compute one directly.
func Fingerprint(method, route string, params map[string]string) string {
	segments := strings.Split(route, "/")
	seenSignificantID := false

	var b strings.Builder
	b.WriteString(strings.ToUpper(method))

	for _, seg := range segments {
		if seg == "" {
			continue
		}
		b.WriteByte('/')
		if isParam(seg) {
			if !seenSignificantID {
				seenSignificantID = true
				name := paramName(seg)
				if v, ok := params[name]; ok {
					b.WriteString(v)
					continue
				}
			}
			b.WriteString(idPlaceholder)
			continue
		}
		b.WriteString(seg)
	}

	return b.String()
}

func isParam(segment string) bool {
	return strings.HasPrefix(segment, "{") && strings.HasSuffix(segment, "}")
}

func paramName(segment string) string {
	return strings.TrimSuffix(strings.TrimPrefix(segment, "{"), "}")
}
