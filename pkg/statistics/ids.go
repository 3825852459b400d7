package statistics

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/enocoosync/enocoosync/pkg/types"
)

// Domain is the source of every statistic written by enocoosync.
const Domain = "ha_enocoo"

// Naming builds statistic ids and names for one dashboard account.
type Naming struct {
	EntryID    string
	EntryTitle string
}

// StatisticID returns "ha_enocoo:{entry}_{area}_{suffix}" in lower case. The
// area part is left out for quarter-wide statistics.
func (n Naming) StatisticID(suffix string, area *types.Area) string {
	rest := suffix
	if area != nil {
		rest = area.ID + "_" + suffix
	}
	return strings.ToLower(fmt.Sprintf("%s:%s_%s", Domain, n.EntryID, rest))
}

// AreaName returns the display name of a per-area statistic.
func (n Naming) AreaName(area types.Area, suffixDE string) string {
	return area.Name + " " + suffixDE
}

// QuarterName returns the display name of a quarter-wide statistic.
func (n Naming) QuarterName(name string) string {
	return strings.TrimSpace(n.EntryTitle + " " + name)
}

var slugReplacer = strings.NewReplacer("ß", "ss", "ẞ", "ss")

// Slugify lower-cases s, strips accents and joins the remaining alphanumeric
// runs with underscores, so "Müller & Söhne" becomes "muller_sohne".
func Slugify(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, slugReplacer.Replace(s))
	if err != nil {
		folded = s
	}

	var b strings.Builder
	pendingSep := false
	for _, r := range strings.ToLower(folded) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(r)
			continue
		}
		pendingSep = true
	}
	return b.String()
}
