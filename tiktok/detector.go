package tiktok

import (
	"strings"

	"github.com/xpzouying/tiktok-repost-cleaner/dom"
)

// RepostDetector decides whether the action button shows an active repost.
// It returns the name of the signal that matched.
type RepostDetector interface {
	IsReposted(button dom.Element) (bool, string)
}

// SignalDetector ORs three independent page signals: a pressed attribute, a
// highlighted text color and a filled icon inside the button.
type SignalDetector struct {
	acc *dom.Accessor
	sel dom.SelectorSource
}

func NewSignalDetector(acc *dom.Accessor, sel dom.SelectorSource) *SignalDetector {
	return &SignalDetector{acc: acc, sel: sel}
}

func (d *SignalDetector) IsReposted(button dom.Element) (bool, string) {
	if button == nil {
		return false, ""
	}
	if d.attributeSet(button) {
		return true, "attribute"
	}
	if d.colored(button) {
		return true, "color"
	}
	if d.acc.FindElement(KeyRepostedIcon, button) != nil {
		return true, "icon"
	}
	return false, ""
}

func (d *SignalDetector) attributeSet(button dom.Element) bool {
	for _, name := range d.sel.Candidates(KeyRepostedAttribute) {
		v, ok, err := button.Attribute(name)
		if err == nil && ok && strings.EqualFold(strings.TrimSpace(v), "true") {
			return true
		}
	}
	return false
}

func (d *SignalDetector) colored(button dom.Element) bool {
	color, err := button.ComputedStyle("color")
	if err != nil {
		return false
	}
	color = normalizeColor(color)
	if color == "" {
		return false
	}
	for _, def := range d.sel.Candidates(KeyDefaultTextColors) {
		if normalizeColor(def) == color {
			return false
		}
	}
	return true
}

func normalizeColor(c string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(c), " ", ""))
}
