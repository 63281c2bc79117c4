package dom

import (
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"
	"github.com/pkg/errors"
)

const rodCallTimeout = 10 * time.Second

// RodDocument adapts a go-rod page.
type RodDocument struct {
	page *rod.Page
}

func NewRodDocument(page *rod.Page) *RodDocument {
	return &RodDocument{page: page}
}

func (d *RodDocument) Page() *rod.Page { return d.page }

func (d *RodDocument) Query(selector string) ([]Element, error) {
	p := d.page.Timeout(rodCallTimeout)
	defer p.CancelTimeout()
	els, err := p.Elements(selector)
	if err != nil {
		return nil, errors.Wrapf(err, "query %q", selector)
	}
	return wrapElements(els), nil
}

func (d *RodDocument) URL() string {
	info, err := d.page.Info()
	if err != nil {
		return ""
	}
	return info.URL
}

func (d *RodDocument) ScrollBy(dy int) error {
	return d.Exec(fmt.Sprintf(`() => window.scrollBy(0, %d)`, dy))
}

func (d *RodDocument) ScrollToBottom() error {
	return d.Exec(`() => window.scrollTo(0, document.documentElement.scrollHeight)`)
}

func (d *RodDocument) ScrollHeight() (int, error) {
	p := d.page.Timeout(rodCallTimeout)
	defer p.CancelTimeout()
	res, err := p.Eval(`() => document.documentElement.scrollHeight`)
	if err != nil {
		return 0, errors.Wrap(err, "read scroll height")
	}
	return res.Value.Int(), nil
}

func (d *RodDocument) PressEscape() error {
	p := d.page.Timeout(rodCallTimeout)
	defer p.CancelTimeout()
	return errors.Wrap(p.KeyActions().Press(input.Escape).Do(), "press escape")
}

func (d *RodDocument) Exec(script string) error {
	p := d.page.Timeout(rodCallTimeout)
	defer p.CancelTimeout()
	_, err := p.Eval(script)
	return errors.Wrap(err, "eval")
}

type rodElement struct {
	el *rod.Element
}

func wrapElements(els rod.Elements) []Element {
	out := make([]Element, 0, len(els))
	for _, el := range els {
		out = append(out, rodElement{el: el})
	}
	return out
}

func (e rodElement) Query(selector string) ([]Element, error) {
	els, err := e.el.Elements(selector)
	if err != nil {
		return nil, errors.Wrapf(err, "query %q", selector)
	}
	return wrapElements(els), nil
}

func (e rodElement) Text() (string, error) {
	return e.el.Text()
}

func (e rodElement) Attribute(name string) (string, bool, error) {
	v, err := e.el.Attribute(name)
	if err != nil {
		return "", false, err
	}
	if v == nil {
		return "", false, nil
	}
	return *v, true, nil
}

func (e rodElement) ComputedStyle(property string) (string, error) {
	res, err := e.el.Eval(`(prop) => getComputedStyle(this).getPropertyValue(prop)`, property)
	if err != nil {
		return "", err
	}
	return res.Value.Str(), nil
}

func (e rodElement) Enabled() (bool, error) {
	res, err := e.el.Eval(`() => !(this.disabled === true || this.getAttribute('aria-disabled') === 'true')`)
	if err != nil {
		return false, err
	}
	return res.Value.Bool(), nil
}

func (e rodElement) Click() error {
	return e.el.Click(proto.InputMouseButtonLeft, 1)
}
