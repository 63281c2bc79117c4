package dom

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

const indicatorID = "repost-cleaner-active-border"

// BorderIndicator draws a fixed border around the viewport while a run is
// active.
type BorderIndicator struct {
	doc   Document
	Color string
}

func NewBorderIndicator(doc Document) *BorderIndicator {
	return &BorderIndicator{doc: doc, Color: "#fe2c55"}
}

func (b *BorderIndicator) Show() {
	script := fmt.Sprintf(`() => {
		if (document.getElementById(%q)) return;
		const el = document.createElement('div');
		el.id = %q;
		el.style.cssText = 'position:fixed;inset:0;border:4px solid %s;pointer-events:none;z-index:2147483647;box-sizing:border-box';
		document.documentElement.appendChild(el);
	}`, indicatorID, indicatorID, b.Color)
	if err := b.doc.Exec(script); err != nil {
		logrus.WithError(err).Debug("indicator not shown")
	}
}

func (b *BorderIndicator) Hide() {
	script := fmt.Sprintf(`() => { const el = document.getElementById(%q); if (el) el.remove(); }`, indicatorID)
	if err := b.doc.Exec(script); err != nil {
		logrus.WithError(err).Debug("indicator not removed")
	}
}
