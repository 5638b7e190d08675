// Package magnet parses TTH magnet links ("magnet:?xt=urn:tree:tiger:<TTH>
// &xl=<size>&dn=<name>"), the DC++ family's equivalent of a BitTorrent
// infohash magnet.
package magnet

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/prxssh/dchub/internal/identity"
)

// Magnet is a parsed TTH magnet link.
type Magnet struct {
	TTH  identity.TTHValue
	Name string
	Size int64
}

const xtPrefix = "urn:tree:tiger:"

// Parse parses a "magnet:" URL whose xt parameter names a Tiger-tree-hash
// root.
func Parse(magnetURL string) (*Magnet, error) {
	u, err := url.Parse(magnetURL)
	if err != nil {
		return nil, fmt.Errorf("magnet: url parse: %w", err)
	}
	if u.Scheme != "magnet" {
		return nil, fmt.Errorf("magnet: invalid scheme %q", u.Scheme)
	}

	params, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return nil, fmt.Errorf("magnet: params parse: %w", err)
	}

	xt := params.Get("xt")
	if xt == "" {
		return nil, fmt.Errorf("magnet: missing xt")
	}
	if !strings.HasPrefix(xt, xtPrefix) {
		return nil, fmt.Errorf("magnet: xt must be %q prefixed, got %q", xtPrefix, xt)
	}

	tth, err := identity.ParseTTH(strings.TrimPrefix(xt, xtPrefix))
	if err != nil {
		return nil, fmt.Errorf("magnet: invalid tth: %w", err)
	}

	m := &Magnet{TTH: tth, Name: params.Get("dn")}
	if xl := params.Get("xl"); xl != "" {
		size, err := strconv.ParseInt(xl, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("magnet: invalid xl: %w", err)
		}
		m.Size = size
	}
	return m, nil
}

// String renders m back into a magnet link.
func (m *Magnet) String() string {
	v := url.Values{}
	v.Set("xt", xtPrefix+m.TTH.String())
	if m.Name != "" {
		v.Set("dn", m.Name)
	}
	if m.Size > 0 {
		v.Set("xl", strconv.FormatInt(m.Size, 10))
	}
	return "magnet:?" + v.Encode()
}
