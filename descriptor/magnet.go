package descriptor

import (
	"encoding/base32"
	"encoding/hex"
	"net/url"
	"strings"

	"github.com/pkg/errors"

	"github.com/mindsgn-studio/leecher/fault"
)

// Magnet is a parsed magnet link.
type Magnet struct {
	InfoHash [20]byte
	Name     string
	Trackers []string
	// Dropped lists tracker URLs with schemes we cannot announce to.
	Dropped []string
}

// HexHash returns the info-hash in lowercase hex.
func (m *Magnet) HexHash() string { return hex.EncodeToString(m.InfoHash[:]) }

// String renders the magnet link with only the usable trackers.
func (m *Magnet) String() string {
	q := url.Values{}
	q.Set("xt", "urn:btih:"+m.HexHash())
	if m.Name != "" {
		q.Set("dn", m.Name)
	}
	for _, tr := range m.Trackers {
		q.Add("tr", tr)
	}
	return "magnet:?" + q.Encode()
}

// ParseMagnet parses a magnet URI. Hex (40 chars) and base32 (32 chars)
// btih hashes are accepted.
func ParseMagnet(uri string) (*Magnet, error) {
	clean, dropped, err := SanitizeMagnet(CleanPath(uri))
	if err != nil {
		return nil, fault.New(fault.Input, "parse magnet", err)
	}
	u, err := url.Parse(clean)
	if err != nil {
		return nil, fault.New(fault.Input, "parse magnet", err)
	}
	q := u.Query()

	m := &Magnet{Name: q.Get("dn"), Trackers: q["tr"], Dropped: dropped}
	found := false
	for _, xt := range q["xt"] {
		const prefix = "urn:btih:"
		if !strings.HasPrefix(strings.ToLower(xt), prefix) {
			continue
		}
		h, err := decodeBTIH(xt[len(prefix):])
		if err != nil {
			return nil, fault.New(fault.Input, "parse magnet", err)
		}
		m.InfoHash = h
		found = true
		break
	}
	if !found {
		return nil, fault.Errorf(fault.Input, "parse magnet", "magnet URI has no urn:btih exact topic")
	}
	return m, nil
}

func decodeBTIH(s string) ([20]byte, error) {
	var h [20]byte
	switch len(s) {
	case 40:
		b, err := hex.DecodeString(s)
		if err != nil {
			return h, errors.Wrap(err, "invalid hex info-hash")
		}
		copy(h[:], b)
	case 32:
		b, err := base32.StdEncoding.DecodeString(strings.ToUpper(s))
		if err != nil {
			return h, errors.Wrap(err, "invalid base32 info-hash")
		}
		copy(h[:], b)
	default:
		return h, errors.Errorf("info-hash %q has length %d", s, len(s))
	}
	return h, nil
}

// SanitizeMagnet validates a magnet URI and removes trackers whose scheme is
// not http, https or udp. It returns the cleaned URI and the dropped trackers.
func SanitizeMagnet(m string) (string, []string, error) {
	if strings.TrimSpace(m) == "" {
		return "", nil, errors.New("empty magnet URI")
	}
	if !strings.HasPrefix(m, "magnet:") {
		return "", nil, errors.New("invalid magnet URI: missing 'magnet:' scheme")
	}
	u, err := url.Parse(m)
	if err != nil {
		return "", nil, errors.Wrap(err, "invalid magnet URI")
	}
	q := u.Query()
	if len(q["xt"]) == 0 {
		return "", nil, errors.New("magnet URI missing xt parameter")
	}
	goodTr := []string{}
	dropped := []string{}
	for _, tr := range q["tr"] {
		tu, err := url.Parse(tr)
		if err != nil || tu.Scheme == "" {
			dropped = append(dropped, tr)
			continue
		}
		switch strings.ToLower(tu.Scheme) {
		case "http", "https", "udp":
			goodTr = append(goodTr, tr)
		default:
			dropped = append(dropped, tr)
		}
	}
	newQ := url.Values{}
	for _, xt := range q["xt"] {
		newQ.Add("xt", xt)
	}
	if dn := q.Get("dn"); dn != "" {
		newQ.Set("dn", dn)
	}
	for _, tr := range goodTr {
		newQ.Add("tr", tr)
	}
	u.RawQuery = newQ.Encode()
	return u.String(), dropped, nil
}
