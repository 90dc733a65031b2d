package hikvision

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

// challenge is a parsed WWW-Authenticate: Digest header
type challenge struct {
	realm     string
	nonce     string
	opaque    string
	algorithm string
	qop       string
}

// parseChallenge reads a Digest challenge. Only MD5 with qop=auth (or no
// qop) is supported, which is what ISAPI firmware offers.
func parseChallenge(header string) (*challenge, error) {
	const prefix = "digest "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return nil, errors.Newf("not a digest challenge: %q", header)
	}

	params := splitParams(header[len(prefix):])
	c := &challenge{
		realm:     params["realm"],
		nonce:     params["nonce"],
		opaque:    params["opaque"],
		algorithm: params["algorithm"],
	}
	if c.nonce == "" {
		return nil, errors.New("digest challenge without nonce")
	}
	if c.algorithm != "" && !strings.EqualFold(c.algorithm, "MD5") {
		return nil, errors.Newf("unsupported digest algorithm %s", c.algorithm)
	}
	if q := params["qop"]; q != "" {
		for _, opt := range strings.Split(q, ",") {
			if strings.TrimSpace(opt) == "auth" {
				c.qop = "auth"
			}
		}
		if c.qop == "" {
			return nil, errors.Newf("unsupported digest qop %q", q)
		}
	}
	return c, nil
}

// splitParams splits comma separated key=value pairs, honouring quotes
func splitParams(s string) map[string]string {
	out := make(map[string]string)
	var (
		parts   []string
		cur     strings.Builder
		inQuote bool
	)
	for _, r := range s {
		switch {
		case r == '"':
			inQuote = !inQuote
			cur.WriteRune(r)
		case r == ',' && !inQuote:
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	parts = append(parts, cur.String())

	for _, p := range parts {
		k, v, ok := strings.Cut(strings.TrimSpace(p), "=")
		if !ok {
			continue
		}
		out[strings.ToLower(strings.TrimSpace(k))] = strings.Trim(strings.TrimSpace(v), `"`)
	}
	return out
}

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func newCnonce() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// authorization builds the Authorization header for one request. nc is
// the per-nonce request counter.
func (c *challenge) authorization(method, uri, user, password string, nc uint32, cnonce string) string {
	ha1 := md5hex(user + ":" + c.realm + ":" + password)
	ha2 := md5hex(method + ":" + uri)

	var response string
	ncValue := fmt.Sprintf("%08x", nc)
	if c.qop == "auth" {
		response = md5hex(strings.Join([]string{ha1, c.nonce, ncValue, cnonce, c.qop, ha2}, ":"))
	} else {
		response = md5hex(ha1 + ":" + c.nonce + ":" + ha2)
	}

	var b strings.Builder
	fmt.Fprintf(&b, `Digest username="%s", realm="%s", nonce="%s", uri="%s", response="%s"`,
		user, c.realm, c.nonce, uri, response)
	if c.algorithm != "" {
		fmt.Fprintf(&b, `, algorithm=%s`, c.algorithm)
	}
	if c.opaque != "" {
		fmt.Fprintf(&b, `, opaque="%s"`, c.opaque)
	}
	if c.qop != "" {
		fmt.Fprintf(&b, `, qop=%s, nc=%s, cnonce="%s"`, c.qop, ncValue, cnonce)
	}
	return b.String()
}
