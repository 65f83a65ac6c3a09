// Package quoting implements the reversible escaping of file names that the
// destination filesystem cannot represent faithfully. When the destination
// folds case, every case-carrying character is escaped so that two source
// names which differ only in case remain distinct in the mirror. The policy
// is fixed when a repository is created and must never change afterwards,
// otherwise names stored in older increments become unreadable.
package quoting

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/cases"

	"github.com/revdiff/revdiff/internal/errors"
	"github.com/revdiff/revdiff/internal/fpath"
)

// DefaultEscape is the escape character used unless the repository was
// created with a different one.
const DefaultEscape = ';'

// Policy describes which characters are escaped in mirror file names.
type Policy struct {
	// CaseInsensitive escapes every character that the destination's case
	// folding would conflate with another one.
	CaseInsensitive bool `json:"case_insensitive,omitempty"`

	// Chars lists additional characters that are illegal on the destination
	// and must be escaped, e.g. ":" for some filesystems.
	Chars string `json:"chars,omitempty"`

	// Escape is the escape character. It is always escaped itself while the
	// policy is active.
	Escape byte `json:"escape,omitempty"`
}

// None is the policy of a repository that stores names verbatim.
var None = Policy{}

var foldCaser = cases.Fold()

// Active reports whether the policy rewrites any names at all.
func (p Policy) Active() bool {
	return p.CaseInsensitive || p.Chars != ""
}

// Equal reports whether two policies quote identically.
func (p Policy) Equal(other Policy) bool {
	return p.effectiveEscape() == other.effectiveEscape() &&
		p.CaseInsensitive == other.CaseInsensitive &&
		p.Chars == other.Chars
}

func (p Policy) effectiveEscape() byte {
	if !p.Active() {
		return 0
	}
	if p.Escape == 0 {
		return DefaultEscape
	}
	return p.Escape
}

// needsQuoting reports whether the rune r must be escaped under p.
func (p Policy) needsQuoting(r rune) bool {
	if r == rune(p.effectiveEscape()) {
		return true
	}

	if strings.ContainsRune(p.Chars, r) {
		return true
	}

	if p.CaseInsensitive {
		// any rune altered by case folding collides with its fold sibling
		// on a case-insensitive destination
		if foldCaser.String(string(r)) != string(r) {
			return true
		}
	}

	return false
}

// Quote returns the escaped form of name. It is the identity while the
// policy is inactive.
func (p Policy) Quote(name string) string {
	if !p.Active() {
		return name
	}

	var b strings.Builder
	for _, r := range name {
		if !p.needsQuoting(r) {
			b.WriteRune(r)
			continue
		}

		var buf [utf8.UTFMax]byte
		n := utf8.EncodeRune(buf[:], r)
		for _, c := range buf[:n] {
			b.WriteByte(p.effectiveEscape())
			b.WriteByte('0' + c/100)
			b.WriteByte('0' + c/10%10)
			b.WriteByte('0' + c%10)
		}
	}

	return b.String()
}

// Unquote reverses Quote. Malformed escape sequences are an error, they
// indicate a repository written under a different policy.
func (p Policy) Unquote(quoted string) (string, error) {
	if !p.Active() {
		return quoted, nil
	}

	esc := p.effectiveEscape()
	if !strings.ContainsRune(quoted, rune(esc)) {
		return quoted, nil
	}

	var b strings.Builder
	for i := 0; i < len(quoted); {
		if quoted[i] != esc {
			b.WriteByte(quoted[i])
			i++
			continue
		}

		if i+3 >= len(quoted) {
			return "", errors.Errorf("truncated escape sequence in %q", quoted)
		}

		var v int
		for _, c := range []byte(quoted[i+1 : i+4]) {
			if c < '0' || c > '9' {
				return "", errors.Errorf("invalid escape sequence %q in %q", quoted[i:i+4], quoted)
			}
			v = v*10 + int(c-'0')
		}
		if v > 255 {
			return "", errors.Errorf("escape value %d out of range in %q", v, quoted)
		}

		b.WriteByte(byte(v))
		i += 4
	}

	return b.String(), nil
}

// QuotePath escapes every component of path.
func (p Policy) QuotePath(path fpath.Path) fpath.Path {
	if !p.Active() || path.IsRoot() {
		return path
	}

	comps := path.Components()
	for i, c := range comps {
		comps[i] = p.Quote(c)
	}
	return fpath.Path(strings.Join(comps, "/"))
}

// UnquotePath reverses QuotePath.
func (p Policy) UnquotePath(path fpath.Path) (fpath.Path, error) {
	if !p.Active() || path.IsRoot() {
		return path, nil
	}

	comps := path.Components()
	for i, c := range comps {
		u, err := p.Unquote(c)
		if err != nil {
			return fpath.Root, err
		}
		comps[i] = u
	}
	return fpath.Path(strings.Join(comps, "/")), nil
}
